package warehouse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// rawFile returns the original bytes of an archived source file.
func (r *Reader) rawFile(ctx context.Context, f RawFile) ([]byte, error) {
	data, err := r.store.Get(ctx, f.Key)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(snappy.NewReader(bytes.NewReader(data)))
}

// readCustomers decodes an archived customer partition.
func (r *Reader) readCustomers(ctx context.Context, attempt partitiondomain.Attempt) ([]customerdomain.Customer, error) {
	tbl, err := r.Load(ctx, attempt)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	var out []customerdomain.Customer
	err = eachRecord(tbl, func(rec arrow.Record) error {
		ids := column[*array.String](rec, "customer_id")
		names := column[*array.String](rec, "customer_name")
		mobiles := column[*array.String](rec, "mobile_number")
		regions := column[*array.String](rec, "region")
		created := column[*array.Timestamp](rec, "created_at")
		dates := column[*array.String](rec, "partition_date")
		pids := column[*array.Int64](rec, "partition_id")
		if ids == nil || names == nil || mobiles == nil || regions == nil || created == nil || dates == nil || pids == nil {
			return fmt.Errorf("customer archive %s has an unexpected schema", attempt.Key())
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			out = append(out, customerdomain.Customer{
				CustomerID:    ids.Value(i),
				CustomerName:  names.Value(i),
				MobileNumber:  mobiles.Value(i),
				Region:        regions.Value(i),
				CreatedAt:     microsToTime(TimestampMicros(created, i)),
				PartitionDate: dates.Value(i),
				PartitionID:   snowflake.ID(pids.Value(i)),
			})
		}
		return nil
	})
	return out, err
}

// readOrders decodes an archived order partition including its items.
func (r *Reader) readOrders(ctx context.Context, attempt partitiondomain.Attempt) ([]orderdomain.Order, error) {
	tbl, err := r.Load(ctx, attempt)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	var out []orderdomain.Order
	err = eachRecord(tbl, func(rec arrow.Record) error {
		ids := column[*array.String](rec, "order_id")
		mobiles := column[*array.String](rec, "mobile_number")
		placed := column[*array.Timestamp](rec, "order_date_time")
		amounts := column[*array.Int64](rec, "total_amount_cents")
		statuses := column[*array.String](rec, "status")
		items := column[*array.List](rec, "items")
		dates := column[*array.String](rec, "partition_date")
		pids := column[*array.Int64](rec, "partition_id")
		if ids == nil || mobiles == nil || placed == nil || amounts == nil || statuses == nil || items == nil || dates == nil || pids == nil {
			return fmt.Errorf("order archive %s has an unexpected schema", attempt.Key())
		}
		values, ok := items.ListValues().(*array.Struct)
		if !ok {
			return fmt.Errorf("order archive %s: items are not structs", attempt.Key())
		}
		skus, _ := values.Field(0).(*array.String)
		qtys, _ := values.Field(1).(*array.Int64)
		if skus == nil || qtys == nil {
			return fmt.Errorf("order archive %s: unexpected item layout", attempt.Key())
		}

		for i := 0; i < int(rec.NumRows()); i++ {
			o := orderdomain.Order{
				OrderID:          ids.Value(i),
				MobileNumber:     mobiles.Value(i),
				OrderDateTime:    microsToTime(TimestampMicros(placed, i)),
				TotalAmountCents: amounts.Value(i),
				Status:           statuses.Value(i),
				PartitionDate:    dates.Value(i),
				PartitionID:      snowflake.ID(pids.Value(i)),
			}
			start, end := items.ValueOffsets(i)
			for j := start; j < end; j++ {
				o.Items = append(o.Items, orderdomain.OrderItem{
					OrderID:  o.OrderID,
					Position: int(j - start),
					SkuID:    skus.Value(int(j)),
					Quantity: qtys.Value(int(j)),
				})
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func eachRecord(tbl arrow.Table, fn func(arrow.Record) error) error {
	tr := array.NewTableReader(tbl, 0)
	defer tr.Release()
	for tr.Next() {
		if err := fn(tr.Record()); err != nil {
			return err
		}
	}
	return tr.Err()
}

func column[T arrow.Array](rec arrow.Record, name string) T {
	var zero T
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return zero
	}
	col, ok := rec.Column(idx[0]).(T)
	if !ok {
		return zero
	}
	return col
}

func microsToTime(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func storedCustomers(t *testing.T, db *gorm.DB, date string) []customerdomain.Customer {
	t.Helper()
	var rows []customerdomain.Customer
	require.NoError(t, db.Where("partition_date = ?", date).Order("customer_id asc").Find(&rows).Error)
	return rows
}

// storedOrders loads a date's order rows with their items attached.
func storedOrders(t *testing.T, db *gorm.DB, date string) []orderdomain.Order {
	t.Helper()
	var rows []orderdomain.Order
	require.NoError(t, db.Where("partition_date = ?", date).Order("order_id asc").Find(&rows).Error)
	var items []orderdomain.OrderItem
	require.NoError(t, db.Raw(
		`SELECT oi.order_id, oi.position, oi.sku_id, oi.quantity
		 FROM order_items oi JOIN orders o ON o.order_id = oi.order_id
		 WHERE o.partition_date = ?
		 ORDER BY oi.order_id, oi.position`, date).Scan(&items).Error)
	byOrder := map[string][]orderdomain.OrderItem{}
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	for i := range rows {
		rows[i].Items = byOrder[rows[i].OrderID]
	}
	return rows
}
