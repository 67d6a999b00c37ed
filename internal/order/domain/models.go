package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const StatusUnknown = "UNKNOWN"

// Statuses lists the recognized order statuses.
var Statuses = []string{"placed", "confirmed", "shipped", "delivered", "completed", "cancelled", "returned", StatusUnknown}

// Order is a normalized order row keyed by order_id and joined to customers by mobile number.
type Order struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	OrderID          string       `gorm:"column:order_id;type:varchar(64);not null;uniqueIndex" json:"order_id"`
	MobileNumber     string       `gorm:"column:mobile_number;type:varchar(20);not null;index" json:"mobile_number"`
	OrderDateTime    time.Time    `gorm:"column:order_date_time;not null;index" json:"order_date_time"`
	TotalAmountCents int64        `gorm:"column:total_amount_cents;not null" json:"total_amount_cents"`
	Status           string       `gorm:"column:status;type:varchar(32);not null" json:"status"`
	PartitionDate    string       `gorm:"column:partition_date;type:varchar(10);not null;index" json:"partition_date"`
	PartitionID      snowflake.ID `gorm:"column:partition_id;not null;index" json:"partition_id"`
	Items            []OrderItem  `gorm:"-" json:"items"`
}

func (Order) TableName() string { return "orders" }

// OrderItem is one SKU line of an order, ordered by Position.
type OrderItem struct {
	OrderID  string `gorm:"column:order_id;type:varchar(64);primaryKey" json:"-"`
	Position int    `gorm:"column:position;primaryKey;autoIncrement:false" json:"position"`
	SkuID    string `gorm:"column:sku_id;type:varchar(64);not null" json:"sku_id"`
	Quantity int64  `gorm:"column:quantity;not null" json:"quantity"`
}

func (OrderItem) TableName() string { return "order_items" }

// IdentityOwner maps an order id to the partition date that owns it.
type IdentityOwner struct {
	OrderID       string
	PartitionDate string
}
