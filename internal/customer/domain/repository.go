package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, customers []Customer) error
	DeleteByPartitionDate(ctx context.Context, db *gorm.DB, partitionDate string) (int64, error)
	// KnownMobiles returns the subset of mobiles owned by customer rows dated on or before partitionDate.
	KnownMobiles(ctx context.Context, db *gorm.DB, mobiles []string, partitionDate string) (map[string]struct{}, error)
	// OwnersOf returns identities already owned by partitions other than partitionDate.
	OwnersOf(ctx context.Context, db *gorm.DB, customerIDs, mobiles []string, partitionDate string) ([]IdentityOwner, error)
}
