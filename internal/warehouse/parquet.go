package warehouse

import (
	"bytes"
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
)

var itemType = arrow.StructOf(
	arrow.Field{Name: "sku_id", Type: arrow.BinaryTypes.String},
	arrow.Field{Name: "quantity", Type: arrow.PrimitiveTypes.Int64},
)

// CustomerSchema is the archived column layout of a customer partition.
var CustomerSchema = arrow.NewSchema([]arrow.Field{
	{Name: "customer_id", Type: arrow.BinaryTypes.String},
	{Name: "customer_name", Type: arrow.BinaryTypes.String},
	{Name: "mobile_number", Type: arrow.BinaryTypes.String},
	{Name: "region", Type: arrow.BinaryTypes.String},
	{Name: "created_at", Type: arrow.FixedWidthTypes.Timestamp_us},
	{Name: "partition_date", Type: arrow.BinaryTypes.String},
	{Name: "partition_id", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// OrderSchema is the archived column layout of an order partition.
var OrderSchema = arrow.NewSchema([]arrow.Field{
	{Name: "order_id", Type: arrow.BinaryTypes.String},
	{Name: "mobile_number", Type: arrow.BinaryTypes.String},
	{Name: "order_date_time", Type: arrow.FixedWidthTypes.Timestamp_us},
	{Name: "total_amount_cents", Type: arrow.PrimitiveTypes.Int64},
	{Name: "status", Type: arrow.BinaryTypes.String},
	{Name: "items", Type: arrow.ListOf(itemType)},
	{Name: "partition_date", Type: arrow.BinaryTypes.String},
	{Name: "partition_id", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func customerRecord(mem memory.Allocator, rows []customerdomain.Customer) arrow.Record {
	b := array.NewRecordBuilder(mem, CustomerSchema)
	defer b.Release()

	for _, c := range rows {
		b.Field(0).(*array.StringBuilder).Append(c.CustomerID)
		b.Field(1).(*array.StringBuilder).Append(c.CustomerName)
		b.Field(2).(*array.StringBuilder).Append(c.MobileNumber)
		b.Field(3).(*array.StringBuilder).Append(c.Region)
		b.Field(4).(*array.TimestampBuilder).Append(arrow.Timestamp(c.CreatedAt.UnixMicro()))
		b.Field(5).(*array.StringBuilder).Append(c.PartitionDate)
		b.Field(6).(*array.Int64Builder).Append(c.PartitionID.Int64())
	}
	return b.NewRecord()
}

func orderRecord(mem memory.Allocator, rows []orderdomain.Order) arrow.Record {
	b := array.NewRecordBuilder(mem, OrderSchema)
	defer b.Release()

	items := b.Field(5).(*array.ListBuilder)
	item := items.ValueBuilder().(*array.StructBuilder)
	for _, o := range rows {
		b.Field(0).(*array.StringBuilder).Append(o.OrderID)
		b.Field(1).(*array.StringBuilder).Append(o.MobileNumber)
		b.Field(2).(*array.TimestampBuilder).Append(arrow.Timestamp(o.OrderDateTime.UnixMicro()))
		b.Field(3).(*array.Int64Builder).Append(o.TotalAmountCents)
		b.Field(4).(*array.StringBuilder).Append(o.Status)
		items.Append(true)
		for _, it := range o.Items {
			item.Append(true)
			item.FieldBuilder(0).(*array.StringBuilder).Append(it.SkuID)
			item.FieldBuilder(1).(*array.Int64Builder).Append(it.Quantity)
		}
		b.Field(6).(*array.StringBuilder).Append(o.PartitionDate)
		b.Field(7).(*array.Int64Builder).Append(o.PartitionID.Int64())
	}
	return b.NewRecord()
}

func encodeParquet(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
		parquet.WithCreatedBy("kpiledger"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(rec.Schema(), &buf, props, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("write parquet: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeCustomers renders a customer partition as a Parquet file.
func EncodeCustomers(mem memory.Allocator, rows []customerdomain.Customer) ([]byte, error) {
	rec := customerRecord(mem, rows)
	defer rec.Release()
	return encodeParquet(rec)
}

// EncodeOrders renders an order partition as a Parquet file.
func EncodeOrders(mem memory.Allocator, rows []orderdomain.Order) ([]byte, error) {
	rec := orderRecord(mem, rows)
	defer rec.Release()
	return encodeParquet(rec)
}

// DecodeTable reads a Parquet file into an Arrow table. The caller releases it.
func DecodeTable(ctx context.Context, mem memory.Allocator, data []byte) (arrow.Table, error) {
	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(data), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return tbl, nil
}

// TimestampMicros converts any Arrow timestamp value to Unix microseconds.
func TimestampMicros(arr *array.Timestamp, i int) int64 {
	unit := arr.DataType().(*arrow.TimestampType).Unit
	switch unit {
	case arrow.Second:
		return int64(arr.Value(i)) * 1_000_000
	case arrow.Millisecond:
		return int64(arr.Value(i)) * 1_000
	case arrow.Nanosecond:
		return int64(arr.Value(i)) / 1_000
	default:
		return int64(arr.Value(i))
	}
}
