package repository

import (
	"context"

	"github.com/smallbiznis/kpiledger/internal/customer/domain"
	"gorm.io/gorm"
)

// lookupChunk keeps IN lists under the sqlite bound-parameter limit.
const lookupChunk = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, customers []domain.Customer) error {
	if len(customers) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(&customers, 200).Error
}

func (r *repo) DeleteByPartitionDate(ctx context.Context, db *gorm.DB, partitionDate string) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM customers WHERE partition_date = ?`, partitionDate)
	return result.RowsAffected, result.Error
}

func (r *repo) KnownMobiles(ctx context.Context, db *gorm.DB, mobiles []string, partitionDate string) (map[string]struct{}, error) {
	known := make(map[string]struct{}, len(mobiles))
	for _, chunk := range chunks(mobiles) {
		var found []string
		err := db.WithContext(ctx).Raw(
			`SELECT mobile_number FROM customers WHERE partition_date <= ? AND mobile_number IN ?`,
			partitionDate,
			chunk,
		).Scan(&found).Error
		if err != nil {
			return nil, err
		}
		for _, mobile := range found {
			known[mobile] = struct{}{}
		}
	}
	return known, nil
}

func (r *repo) OwnersOf(ctx context.Context, db *gorm.DB, customerIDs, mobiles []string, partitionDate string) ([]domain.IdentityOwner, error) {
	var owners []domain.IdentityOwner
	for _, chunk := range chunks(customerIDs) {
		var found []domain.IdentityOwner
		err := db.WithContext(ctx).Raw(
			`SELECT customer_id, mobile_number, partition_date FROM customers
			 WHERE partition_date <> ? AND customer_id IN ?`,
			partitionDate,
			chunk,
		).Scan(&found).Error
		if err != nil {
			return nil, err
		}
		owners = append(owners, found...)
	}
	for _, chunk := range chunks(mobiles) {
		var found []domain.IdentityOwner
		err := db.WithContext(ctx).Raw(
			`SELECT customer_id, mobile_number, partition_date FROM customers
			 WHERE partition_date <> ? AND mobile_number IN ?`,
			partitionDate,
			chunk,
		).Scan(&found).Error
		if err != nil {
			return nil, err
		}
		owners = append(owners, found...)
	}
	return owners, nil
}

func chunks(values []string) [][]string {
	var out [][]string
	for start := 0; start < len(values); start += lookupChunk {
		end := start + lookupChunk
		if end > len(values) {
			end = len(values)
		}
		out = append(out, values[start:end])
	}
	return out
}
