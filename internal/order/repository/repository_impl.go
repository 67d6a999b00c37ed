package repository

import (
	"context"

	"github.com/smallbiznis/kpiledger/internal/order/domain"
	"gorm.io/gorm"
)

const lookupChunk = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	if err := db.WithContext(ctx).CreateInBatches(&orders, 200).Error; err != nil {
		return err
	}
	var items []domain.OrderItem
	for _, order := range orders {
		for i, item := range order.Items {
			item.OrderID = order.OrderID
			item.Position = i
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(&items, 500).Error
}

func (r *repo) DeleteByPartitionDate(ctx context.Context, db *gorm.DB, partitionDate string) (int64, error) {
	err := db.WithContext(ctx).Exec(
		`DELETE FROM order_items WHERE order_id IN (SELECT order_id FROM orders WHERE partition_date = ?)`,
		partitionDate,
	).Error
	if err != nil {
		return 0, err
	}
	result := db.WithContext(ctx).Exec(`DELETE FROM orders WHERE partition_date = ?`, partitionDate)
	return result.RowsAffected, result.Error
}

func (r *repo) OwnersOf(ctx context.Context, db *gorm.DB, orderIDs []string, partitionDate string) ([]domain.IdentityOwner, error) {
	var owners []domain.IdentityOwner
	for start := 0; start < len(orderIDs); start += lookupChunk {
		end := start + lookupChunk
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		var found []domain.IdentityOwner
		err := db.WithContext(ctx).Raw(
			`SELECT order_id, partition_date FROM orders WHERE partition_date <> ? AND order_id IN ?`,
			partitionDate,
			orderIDs[start:end],
		).Scan(&found).Error
		if err != nil {
			return nil, err
		}
		owners = append(owners, found...)
	}
	return owners, nil
}
