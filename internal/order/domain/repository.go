package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, orders []Order) error
	DeleteByPartitionDate(ctx context.Context, db *gorm.DB, partitionDate string) (int64, error)
	// OwnersOf returns order ids already owned by partitions other than partitionDate.
	OwnersOf(ctx context.Context, db *gorm.DB, orderIDs []string, partitionDate string) ([]IdentityOwner, error)
}
