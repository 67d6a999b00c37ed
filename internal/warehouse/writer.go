package warehouse

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/config"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/source"
	"github.com/smallbiznis/kpiledger/internal/warehouse/archive"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const compensationTimeout = 30 * time.Second

var ErrNotValidated = errors.New("partition_not_validated")

type WriterParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	GenID     *snowflake.Node
	Clock     clock.Clock
	Store     archive.Store
	Ledger    partitiondomain.Service
	Customers customerdomain.Repository
	Orders    orderdomain.Repository
	Metrics   *obsmetrics.PipelineMetrics `optional:"true"`
}

// Writer commits validated partitions to the row store and the archive.
type Writer struct {
	db        *gorm.DB
	log       *zap.Logger
	timeout   time.Duration
	genID     *snowflake.Node
	clock     clock.Clock
	store     archive.Store
	ledger    partitiondomain.Service
	customers customerdomain.Repository
	orders    orderdomain.Repository
	metrics   *obsmetrics.PipelineMetrics
	mem       memory.Allocator
}

func NewWriter(p WriterParams) *Writer {
	timeout := p.Config.Pipeline.CommitTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Writer{
		db:        p.DB,
		log:       p.Log.Named("warehouse.writer"),
		timeout:   timeout,
		genID:     p.GenID,
		clock:     p.Clock,
		store:     p.Store,
		ledger:    p.Ledger,
		customers: p.Customers,
		orders:    p.Orders,
		metrics:   p.Metrics,
		mem:       memory.NewGoAllocator(),
	}
}

type CommitRequest struct {
	Lease           *partitiondomain.Lease
	Batch           *normalizer.Batch
	RejectReportURI string
}

type CommitResult struct {
	Manifest Manifest
	Rows     int
	Duration time.Duration
}

// Commit replaces the partition's rows and archive version in one unit. On
// failure the row store is rolled back, staged objects are removed, the
// previous manifest is restored and the attempt stays validated.
func (w *Writer) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	lease, batch := req.Lease, req.Batch
	if lease == nil || lease.Released() {
		return nil, partitiondomain.ErrLeaseReleased
	}
	if batch == nil || batch.Key != lease.Key() {
		return nil, fmt.Errorf("commit %s: batch does not belong to the lease", lease.Key())
	}
	if lease.Attempt.Status != partitiondomain.StatusValidated {
		return nil, fmt.Errorf("%w: %s", ErrNotValidated, lease.Attempt.Status)
	}

	start := time.Now()
	key := lease.Key()
	log := w.log.With(
		zap.String("partition_id", lease.Attempt.ID.String()),
		zap.String("source_type", string(key.SourceType)),
		zap.String("partition_date", key.Date),
		zap.Int("generation", lease.Attempt.Generation),
	)
	log.Info("warehouse.commit.start")

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	attemptBefore := lease.Attempt
	var previousBefore *partitiondomain.Attempt
	if lease.Previous != nil {
		prev := *lease.Previous
		previousBefore = &prev
	}

	customers, orders := w.assignRows(lease, batch)
	manifest, staged, err := w.stage(ctx, lease, batch, customers, orders)
	if err != nil {
		w.compensate(staged, nil, false, key, log)
		return nil, w.fail(lease, attemptBefore, previousBefore, err, log)
	}

	previousManifest, err := w.store.Get(ctx, ManifestKey(key))
	if err != nil && !errors.Is(err, archive.ErrNotFound) {
		w.compensate(staged, nil, false, key, log)
		return nil, w.fail(lease, attemptBefore, previousBefore, fmt.Errorf("read current manifest: %w", err), log)
	}

	swapped := false
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := w.replaceRows(ctx, tx, key, customers, orders); err != nil {
			return err
		}
		if err := w.ledger.Transition(ctx, tx, lease, partitiondomain.StatusCommitted, partitiondomain.ActorWriter); err != nil {
			return err
		}
		if err := w.ledger.SupersedePrevious(ctx, tx, lease); err != nil {
			return err
		}
		if err := w.ledger.RecordStats(ctx, tx, lease, partitiondomain.Stats{
			RowCount:        manifest.RowCount,
			RejectCount:     len(batch.Rejects),
			RejectReportURI: req.RejectReportURI,
			ArchiveVersion:  manifest.Version,
			Duration:        time.Since(start),
		}); err != nil {
			return err
		}

		manifest.CommittedAt = w.clock.Now()
		pointer, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		if err := w.store.Put(ctx, ManifestKey(key), pointer); err != nil {
			return fmt.Errorf("publish manifest: %w", err)
		}
		swapped = true
		return nil
	})
	if err != nil {
		w.compensate(staged, previousManifest, swapped, key, log)
		return nil, w.fail(lease, attemptBefore, previousBefore, err, log)
	}

	duration := time.Since(start)
	w.metrics.ObserveCommitDuration(string(key.SourceType), duration)
	log.Info("warehouse.commit.finish",
		zap.String("archive_version", manifest.Version),
		zap.Int("rows", manifest.RowCount),
		zap.Duration("duration", duration),
	)
	return &CommitResult{Manifest: *manifest, Rows: manifest.RowCount, Duration: duration}, nil
}

func (w *Writer) assignRows(lease *partitiondomain.Lease, batch *normalizer.Batch) ([]customerdomain.Customer, []orderdomain.Order) {
	customers := make([]customerdomain.Customer, len(batch.Customers))
	for i, c := range batch.Customers {
		c.ID = w.genID.Generate()
		c.PartitionID = lease.Attempt.ID
		c.PartitionDate = lease.Attempt.PartitionDate
		customers[i] = c
	}
	orders := make([]orderdomain.Order, len(batch.Orders))
	for i, o := range batch.Orders {
		o.ID = w.genID.Generate()
		o.PartitionID = lease.Attempt.ID
		o.PartitionDate = lease.Attempt.PartitionDate
		orders[i] = o
	}
	return customers, orders
}

// stage writes the version directory. Returned keys are removed on failure.
func (w *Writer) stage(ctx context.Context, lease *partitiondomain.Lease, batch *normalizer.Batch,
	customers []customerdomain.Customer, orders []orderdomain.Order) (*Manifest, []string, error) {
	key := lease.Key()
	version := VersionName(lease.Attempt.Generation)
	prefix := archive.Join(PartitionPrefix(key), version)
	manifest := &Manifest{
		PartitionID:   lease.Attempt.ID.String(),
		SourceType:    string(key.SourceType),
		PartitionDate: key.Date,
		Generation:    lease.Attempt.Generation,
		Version:       version,
		RunID:         lease.Attempt.RunID,
		DataFile:      archive.Join(prefix, string(key.SourceType)+".parquet"),
		RawFiles:      []RawFile{},
	}

	var (
		data []byte
		err  error
	)
	switch key.SourceType {
	case partitiondomain.SourceCustomers:
		data, err = EncodeCustomers(w.mem, customers)
		manifest.RowCount = len(customers)
	case partitiondomain.SourceOrders:
		data, err = EncodeOrders(w.mem, orders)
		manifest.RowCount = len(orders)
	default:
		err = fmt.Errorf("%w: %q", partitiondomain.ErrInvalidSourceType, key.SourceType)
	}
	if err != nil {
		return nil, nil, err
	}

	var staged []string
	if err := w.store.Put(ctx, manifest.DataFile, data); err != nil {
		return nil, staged, fmt.Errorf("stage %s: %w", manifest.DataFile, err)
	}
	staged = append(staged, manifest.DataFile)

	for _, f := range batch.Files {
		compressed, err := snappyFile(f)
		if err != nil {
			return nil, staged, err
		}
		objectKey := archive.Join(prefix, "raw", f.Name+".sz")
		if err := w.store.Put(ctx, objectKey, compressed); err != nil {
			return nil, staged, fmt.Errorf("stage %s: %w", objectKey, err)
		}
		staged = append(staged, objectKey)
		manifest.RawFiles = append(manifest.RawFiles, RawFile{Name: f.Name, Key: objectKey, MD5: f.Checksum, Size: f.Size})
	}
	return manifest, staged, nil
}

func (w *Writer) replaceRows(ctx context.Context, tx *gorm.DB, key partitiondomain.Key,
	customers []customerdomain.Customer, orders []orderdomain.Order) error {
	switch key.SourceType {
	case partitiondomain.SourceCustomers:
		if _, err := w.customers.DeleteByPartitionDate(ctx, tx, key.Date); err != nil {
			return fmt.Errorf("delete customers %s: %w", key.Date, err)
		}
		if err := w.customers.InsertBatch(ctx, tx, customers); err != nil {
			return fmt.Errorf("insert customers %s: %w", key.Date, err)
		}
	case partitiondomain.SourceOrders:
		if _, err := w.orders.DeleteByPartitionDate(ctx, tx, key.Date); err != nil {
			return fmt.Errorf("delete orders %s: %w", key.Date, err)
		}
		if err := w.orders.InsertBatch(ctx, tx, orders); err != nil {
			return fmt.Errorf("insert orders %s: %w", key.Date, err)
		}
	}
	return nil
}

// compensate runs on a fresh context since ctx may already be past its deadline.
func (w *Writer) compensate(staged []string, previousManifest []byte, swapped bool, key partitiondomain.Key, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()

	if swapped {
		var err error
		if previousManifest != nil {
			err = w.store.Put(ctx, ManifestKey(key), previousManifest)
		} else {
			err = w.store.Delete(ctx, ManifestKey(key))
		}
		if err != nil {
			log.Error("warehouse.commit.restore_manifest_failed", zap.Error(err))
		}
	}
	for _, objectKey := range staged {
		if err := w.store.Delete(ctx, objectKey); err != nil {
			log.Warn("warehouse.commit.cleanup_failed", zap.String("key", objectKey), zap.Error(err))
		}
	}
}

func (w *Writer) fail(lease *partitiondomain.Lease, attempt partitiondomain.Attempt, previous *partitiondomain.Attempt, cause error, log *zap.Logger) error {
	lease.Attempt = attempt
	lease.Previous = previous

	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()
	if err := w.ledger.RecordError(ctx, lease, cause); err != nil {
		log.Error("warehouse.commit.record_error_failed", zap.Error(err))
	}
	log.Warn("warehouse.commit.failed", zap.Error(cause))
	if kpierr.IsFatal(cause) {
		return cause
	}
	return &kpierr.CommitError{PartitionID: attempt.ID.String(), Err: cause}
}

func snappyFile(f source.File) ([]byte, error) {
	in, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer in.Close()

	var buf bytes.Buffer
	hash := md5.New()
	sw := snappy.NewBufferedWriter(&buf)
	if _, err := io.Copy(sw, io.TeeReader(in, hash)); err != nil {
		return nil, fmt.Errorf("compress %s: %w", f.Name, err)
	}
	if err := sw.Close(); err != nil {
		return nil, fmt.Errorf("compress %s: %w", f.Name, err)
	}
	if f.Checksum != "" && hex.EncodeToString(hash.Sum(nil)) != f.Checksum {
		return nil, fmt.Errorf("source file %s changed since discovery", f.Name)
	}
	return buf.Bytes(), nil
}
