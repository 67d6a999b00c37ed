package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("source_type", "orders"),
		attribute.String("partition_id", "456"),
		attribute.String("reason", "UNPARSEABLE_DATE"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "source_type" && attrs[1].Key != "source_type" {
		t.Fatalf("expected source_type to be retained")
	}
	if attrs[0].Key != "reason" && attrs[1].Key != "reason" {
		t.Fatalf("expected reason to be retained")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordIngested(context.Background(), "orders", 3)
	m.RecordRejected(context.Background(), "orders", "INVALID_AMOUNT", 1)
	m.RecordPartition(context.Background(), "orders", "committed")
	m.RecordKPIPublished(context.Background(), "repeat_customers")
}

func TestInstrumentsExportCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(Config{ServiceName: "kpiledger"}, provider)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	m.RecordIngested(ctx, "orders", 3)
	m.RecordIngested(ctx, "orders", 0)
	m.RecordPartition(ctx, "orders", "committed")
	m.RecordKPIPublished(ctx, "regional_revenue")
	m.RecordKPIPublished(ctx, "top_spenders")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	if totals["kpiledger_records_ingested_total"] != 3 {
		t.Fatalf("expected 3 ingested records, got %d", totals["kpiledger_records_ingested_total"])
	}
	if totals["kpiledger_partitions_finished_total"] != 1 {
		t.Fatalf("expected 1 finished partition, got %d", totals["kpiledger_partitions_finished_total"])
	}
	if totals["kpiledger_kpi_published_total"] != 2 {
		t.Fatalf("expected 2 publications, got %d", totals["kpiledger_kpi_published_total"])
	}
}
