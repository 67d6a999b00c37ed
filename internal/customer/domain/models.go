package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	RegionNorth   = "North"
	RegionSouth   = "South"
	RegionEast    = "East"
	RegionWest    = "West"
	RegionCentral = "Central"
	RegionUnknown = "UNKNOWN"
)

// Regions lists the recognized regions in canonical casing.
var Regions = []string{RegionNorth, RegionSouth, RegionEast, RegionWest, RegionCentral}

// Customer is a normalized customer row. MobileNumber is the join key.
type Customer struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerID    string       `gorm:"column:customer_id;type:varchar(64);not null;uniqueIndex" json:"customer_id"`
	CustomerName  string       `gorm:"column:customer_name;type:varchar(255);not null;default:''" json:"customer_name"`
	MobileNumber  string       `gorm:"column:mobile_number;type:varchar(20);not null;uniqueIndex" json:"mobile_number"`
	Region        string       `gorm:"column:region;type:varchar(32);not null;index" json:"region"`
	CreatedAt     time.Time    `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	PartitionDate string       `gorm:"column:partition_date;type:varchar(10);not null;index" json:"partition_date"`
	PartitionID   snowflake.ID `gorm:"column:partition_id;not null;index" json:"partition_id"`
}

func (Customer) TableName() string { return "customers" }

// IdentityOwner maps a customer identity to the partition date that owns it.
type IdentityOwner struct {
	CustomerID    string
	MobileNumber  string
	PartitionDate string
}
