package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes pipeline-level OTel instruments.
type Metrics struct {
	recordsIngested    metric.Int64Counter
	recordsRejected    metric.Int64Counter
	partitionsFinished metric.Int64Counter
	kpiPublished       metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "kpiledger"
	}
	meter := provider.Meter(name)

	recordsIngested, err := meter.Int64Counter("kpiledger_records_ingested_total")
	if err != nil {
		return nil, err
	}
	recordsRejected, err := meter.Int64Counter("kpiledger_records_rejected_total")
	if err != nil {
		return nil, err
	}
	partitionsFinished, err := meter.Int64Counter("kpiledger_partitions_finished_total")
	if err != nil {
		return nil, err
	}
	kpiPublished, err := meter.Int64Counter("kpiledger_kpi_published_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		recordsIngested:    recordsIngested,
		recordsRejected:    recordsRejected,
		partitionsFinished: partitionsFinished,
		kpiPublished:       kpiPublished,
	}, nil
}

// RecordIngested adds accepted record counts for a source type.
func (m *Metrics) RecordIngested(ctx context.Context, sourceType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.recordsIngested.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordRejected increments reject counts by reason.
func (m *Metrics) RecordRejected(ctx context.Context, sourceType, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source_type", strings.TrimSpace(sourceType)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.recordsRejected.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordPartition increments finished partition counts by outcome.
func (m *Metrics) RecordPartition(ctx context.Context, sourceType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source_type", strings.TrimSpace(sourceType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.partitionsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordKPIPublished increments accepted KPI publications.
func (m *Metrics) RecordKPIPublished(ctx context.Context, kpi string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kpi", strings.TrimSpace(kpi)))
	m.kpiPublished.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"source_type": {},
	"reason":      {},
	"outcome":     {},
	"kpi":         {},
	"engine":      {},
	"mode":        {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
