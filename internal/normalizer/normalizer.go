// Package normalizer turns raw source records into clean customer and order
// rows plus a reject stream. It never fails on malformed input.
package normalizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/kpiledger/internal/config"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/source"
	"go.uber.org/zap"
)

// Options configures field repair.
type Options struct {
	Location *time.Location
	Mobile   MobileRules
}

// OptionsFrom derives normalizer options from application config.
func OptionsFrom(cfg config.Config) (Options, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(cfg.Pipeline.SourceTimezone))
	if err != nil {
		return Options{}, fmt.Errorf("load source timezone: %w", err)
	}
	return Options{
		Location: loc,
		Mobile: MobileRules{
			Region:    cfg.Phone.DefaultRegion,
			MinDigits: cfg.Phone.MinNationalDigits,
			MaxDigits: cfg.Phone.MaxNationalDigits,
		},
	}, nil
}

// RejectRecord is a raw record that did not make it into the row model.
type RejectRecord struct {
	SourceType  string      `json:"source_type"`
	SourceFile  string      `json:"source_file"`
	RecordIndex int         `json:"record_index"`
	Reason      kpierr.Code `json:"reason"`
	Fields      []string    `json:"fields,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	Payload     string      `json:"payload"`
}

// Batch is the normalized content of one partition.
type Batch struct {
	Key       partitiondomain.Key
	Files     []source.File
	Customers []customerdomain.Customer
	Orders    []orderdomain.Order
	Rejects   []RejectRecord
	// Defaulted counts optional fields replaced by a sentinel, keyed by field.
	Defaulted map[string]int
}

// Accepted is the number of clean rows in the batch.
func (b *Batch) Accepted() int {
	return len(b.Customers) + len(b.Orders)
}

// RejectsByReason groups reject counts by reason code.
func (b *Batch) RejectsByReason() map[kpierr.Code]int {
	out := make(map[kpierr.Code]int)
	for _, r := range b.Rejects {
		out[r.Reason]++
	}
	return out
}

// Duplicates is the number of records rejected as DUPLICATE_RECORD.
func (b *Batch) Duplicates() int {
	return b.RejectsByReason()[kpierr.CodeDuplicateRecord]
}

type Normalizer struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options, log *zap.Logger) *Normalizer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{opts: opts, log: log.Named("normalizer")}
}

// Normalize builds a batch from the raw records of one partition. Records are
// processed in order so that the first occurrence of an identity wins.
func (n *Normalizer) Normalize(key partitiondomain.Key, files []source.File, records []source.RawRecord) *Batch {
	batch := &Batch{Key: key, Files: files, Defaulted: map[string]int{}}
	switch key.SourceType {
	case partitiondomain.SourceCustomers:
		n.normalizeCustomers(batch, records)
	case partitiondomain.SourceOrders:
		n.normalizeOrders(batch, records)
	}
	return batch
}

func (n *Normalizer) normalizeCustomers(batch *Batch, records []source.RawRecord) {
	seenIDs := make(map[string]int)
	seenMobiles := make(map[string]int)
	for _, rec := range records {
		c, err := n.Customer(batch.Key.Date, rec, batch.Defaulted)
		if err != nil {
			batch.reject(rec, err)
			continue
		}
		if first, ok := seenIDs[c.CustomerID]; ok {
			batch.reject(rec, kpierr.NewParseError(kpierr.CodeDuplicateRecord,
				fmt.Sprintf("customer_id first seen at record %d", first), "customer_id"))
			continue
		}
		if first, ok := seenMobiles[c.MobileNumber]; ok {
			batch.reject(rec, kpierr.NewParseError(kpierr.CodeDuplicateRecord,
				fmt.Sprintf("mobile_number first seen at record %d", first), "mobile_number"))
			continue
		}
		seenIDs[c.CustomerID] = rec.Index
		seenMobiles[c.MobileNumber] = rec.Index
		batch.Customers = append(batch.Customers, c)
	}
}

func (n *Normalizer) normalizeOrders(batch *Batch, records []source.RawRecord) {
	seen := make(map[string]int)
	for _, rec := range records {
		o, err := n.Order(rec, batch.Defaulted)
		if err != nil {
			batch.reject(rec, err)
			continue
		}
		if first, ok := seen[o.OrderID]; ok {
			batch.reject(rec, kpierr.NewParseError(kpierr.CodeDuplicateRecord,
				fmt.Sprintf("order_id first seen at record %d", first), "order_id"))
			continue
		}
		seen[o.OrderID] = rec.Index
		batch.Orders = append(batch.Orders, o)
	}
}

func (b *Batch) reject(rec source.RawRecord, err error) {
	r := RejectRecord{
		SourceType:  string(b.Key.SourceType),
		SourceFile:  rec.SourceFile,
		RecordIndex: rec.Index,
		Reason:      kpierr.CodeMalformedRecord,
		Detail:      err.Error(),
		Payload:     rec.Payload,
	}
	var pe *kpierr.ParseError
	if errors.As(err, &pe) {
		r.Reason = pe.Code
		r.Fields = pe.Fields
		r.Detail = pe.Detail
	}
	b.Rejects = append(b.Rejects, r)
}

// Customer normalizes one customer record. date is the partition date used
// when created_at is absent.
func (n *Normalizer) Customer(date string, rec source.RawRecord, defaulted map[string]int) (customerdomain.Customer, error) {
	if rec.Malformed != "" {
		return customerdomain.Customer{}, kpierr.NewParseError(kpierr.CodeMalformedRecord, rec.Malformed)
	}
	if missing := missingFields(rec, "customer_id", "mobile_number"); len(missing) > 0 {
		return customerdomain.Customer{}, kpierr.NewParseError(kpierr.CodeMissingRequired, "", missing...)
	}
	mobile, err := ParseMobile(rec.Field("mobile_number"), n.opts.Mobile)
	if err != nil {
		return customerdomain.Customer{}, kpierr.NewParseError(kpierr.CodeInvalidMobileFormat, err.Error(), "mobile_number")
	}

	c := customerdomain.Customer{
		CustomerID:    rec.Field("customer_id"),
		CustomerName:  rec.Field("customer_name"),
		MobileNumber:  mobile,
		PartitionDate: date,
	}
	if c.CustomerName == "" {
		n.defaulted(defaulted, rec, "customer_name")
	}

	region, wasDefaulted := NormalizeRegion(rec.Field("region"))
	c.Region = region
	if wasDefaulted {
		n.defaulted(defaulted, rec, "region")
	}

	if raw := rec.Field("created_at"); raw != "" {
		createdAt, err := ParseTimestamp(raw, n.opts.Location)
		if err != nil {
			return customerdomain.Customer{}, kpierr.NewParseError(kpierr.CodeUnparseableDate, err.Error(), "created_at")
		}
		c.CreatedAt = createdAt
	} else {
		midnight, err := time.ParseInLocation(partitiondomain.DateLayout, date, time.UTC)
		if err != nil {
			return customerdomain.Customer{}, kpierr.NewParseError(kpierr.CodeUnparseableDate, err.Error(), "created_at")
		}
		c.CreatedAt = midnight
		n.defaulted(defaulted, rec, "created_at")
	}
	return c, nil
}

// Order normalizes one order record.
func (n *Normalizer) Order(rec source.RawRecord, defaulted map[string]int) (orderdomain.Order, error) {
	if rec.Malformed != "" {
		return orderdomain.Order{}, kpierr.NewParseError(kpierr.CodeMalformedRecord, rec.Malformed)
	}
	if missing := missingFields(rec, "order_id", "mobile_number", "order_date_time", "total_amount"); len(missing) > 0 {
		return orderdomain.Order{}, kpierr.NewParseError(kpierr.CodeMissingRequired, "", missing...)
	}
	mobile, err := ParseMobile(rec.Field("mobile_number"), n.opts.Mobile)
	if err != nil {
		return orderdomain.Order{}, kpierr.NewParseError(kpierr.CodeInvalidMobileFormat, err.Error(), "mobile_number")
	}
	placedAt, err := ParseTimestamp(rec.Field("order_date_time"), n.opts.Location)
	if err != nil {
		return orderdomain.Order{}, kpierr.NewParseError(kpierr.CodeUnparseableDate, err.Error(), "order_date_time")
	}
	cents, err := ParseAmountCents(rec.Field("total_amount"))
	if err != nil {
		return orderdomain.Order{}, kpierr.NewParseError(kpierr.CodeInvalidAmount, err.Error(), "total_amount")
	}

	o := orderdomain.Order{
		OrderID:          rec.Field("order_id"),
		MobileNumber:     mobile,
		OrderDateTime:    placedAt,
		TotalAmountCents: cents,
	}
	status, wasDefaulted := NormalizeStatus(rec.Field("status"))
	o.Status = status
	if wasDefaulted {
		n.defaulted(defaulted, rec, "status")
	}

	for _, item := range rec.Items {
		sku := strings.TrimSpace(item.SkuID)
		qty := strings.TrimSpace(item.Quantity)
		if sku == "" && qty == "" {
			continue
		}
		quantity, err := strconv.ParseInt(qty, 10, 64)
		if sku == "" || err != nil || quantity < 0 {
			return orderdomain.Order{}, kpierr.NewParseError(kpierr.CodeMalformedRecord,
				fmt.Sprintf("invalid item %q x %q", sku, qty), "items")
		}
		o.Items = append(o.Items, orderdomain.OrderItem{
			OrderID:  o.OrderID,
			Position: len(o.Items),
			SkuID:    sku,
			Quantity: quantity,
		})
	}
	if len(o.Items) == 0 {
		n.defaulted(defaulted, rec, "items")
	}
	return o, nil
}

func (n *Normalizer) defaulted(counts map[string]int, rec source.RawRecord, field string) {
	if counts != nil {
		counts[field]++
	}
	n.log.Debug("normalizer.field.defaulted",
		zap.String("field", field),
		zap.String("source_file", rec.SourceFile),
		zap.Int("record_index", rec.Index),
	)
}

func missingFields(rec source.RawRecord, names ...string) []string {
	var missing []string
	for _, name := range names {
		if rec.Field(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
