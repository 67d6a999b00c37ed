// Package report writes the pipeline's output artifacts and records accepted
// KPI publications.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/config"
	kpidomain "github.com/smallbiznis/kpiledger/internal/kpi/domain"
	"github.com/smallbiznis/kpiledger/internal/kpi/reconcile"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/warehouse/archive"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	qualitySummaryKey = "quality/summary.json"
	historyKey        = "history/ingestion_runs.json"
	historyLimit      = 1000
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	GenID     *snowflake.Node
	Clock     clock.Clock
	Ledger    partitiondomain.Service
	Publisher Publisher
}

// Reporter owns everything under the output directory.
type Reporter struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	ledger    partitiondomain.Service
	publisher Publisher
	out       archive.Store
}

func New(p Params) (*Reporter, error) {
	out, err := archive.NewLocalStore(p.Config.Paths.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("open output dir: %w", err)
	}
	return &Reporter{
		db:        p.DB,
		log:       p.Log.Named("report"),
		genID:     p.GenID,
		clock:     p.Clock,
		ledger:    p.Ledger,
		publisher: p.Publisher,
		out:       out,
	}, nil
}

func KPIKey(kpi string) string {
	return archive.Join("kpi", slug.Make(kpi)+".json")
}

func DiscrepancyKey(runID, kpi string) string {
	return archive.Join("discrepancies", slug.Make(runID), slug.Make(kpi)+".json")
}

func RejectsKey(sourceType partitiondomain.SourceType, date string, generation int) string {
	return archive.Join("rejects", slug.Make(string(sourceType)), date, fmt.Sprintf("g%d.jsonl", generation))
}

// KPIArtifact is the published form of an accepted KPI.
type KPIArtifact struct {
	ArtifactID  string          `json:"artifact_id"`
	KPI         string          `json:"kpi"`
	RunID       string          `json:"run_id"`
	Engines     []string        `json:"engines"`
	FirstDate   string          `json:"first_date"`
	LastDate    string          `json:"last_date"`
	AsOfDate    string          `json:"as_of_date"`
	GeneratedAt time.Time       `json:"generated_at"`
	Data        json.RawMessage `json:"data"`
}

// PublishKPI writes the canonical output of an accepted KPI, records the
// publication and pushes it downstream. accepted is the relational snapshot;
// the dataframe one agreed with it.
func (r *Reporter) PublishKPI(ctx context.Context, accepted kpidomain.Snapshot) (*kpidomain.Publication, error) {
	engines := []string{kpidomain.EngineRelational, kpidomain.EngineDataframe}
	now := r.clock.Now()
	artifact := KPIArtifact{
		ArtifactID:  uuid.NewString(),
		KPI:         accepted.KPI,
		RunID:       accepted.RunID,
		Engines:     engines,
		FirstDate:   accepted.FirstDate,
		LastDate:    accepted.LastDate,
		AsOfDate:    accepted.AsOfDate,
		GeneratedAt: now,
		Data:        json.RawMessage(accepted.Payload),
	}
	key := KPIKey(accepted.KPI)
	if err := r.writeJSON(ctx, key, artifact); err != nil {
		return nil, err
	}

	enginesJSON, err := json.Marshal(engines)
	if err != nil {
		return nil, err
	}
	pub := &kpidomain.Publication{
		ID:          r.genID.Generate(),
		RunID:       accepted.RunID,
		KPI:         accepted.KPI,
		FirstDate:   accepted.FirstDate,
		LastDate:    accepted.LastDate,
		AsOfDate:    accepted.AsOfDate,
		Engines:     datatypes.JSON(enginesJSON),
		Payload:     accepted.Payload,
		ArtifactURI: r.out.URI(key),
		CreatedAt:   now,
	}
	if err := r.db.WithContext(ctx).Create(pub).Error; err != nil {
		return nil, fmt.Errorf("record publication %s: %w", accepted.KPI, err)
	}

	if err := r.publisher.Publish(ctx, Published{
		KPI:         accepted.KPI,
		RunID:       accepted.RunID,
		AsOfDate:    accepted.AsOfDate,
		ArtifactURI: pub.ArtifactURI,
		Payload:     json.RawMessage(accepted.Payload),
	}); err != nil {
		// push failures never undo a publication
		r.log.Warn("report.kpi.push_failed", zap.String("kpi", accepted.KPI), zap.Error(err))
	}
	r.log.Info("report.kpi.published",
		zap.String("kpi", accepted.KPI),
		zap.String("run_id", accepted.RunID),
		zap.String("artifact_uri", pub.ArtifactURI),
	)
	return pub, nil
}

// Discrepancy is the report written when the engines disagree on a KPI.
type Discrepancy struct {
	ID          string         `json:"id"`
	KPI         string         `json:"kpi"`
	RunID       string         `json:"run_id"`
	FirstDate   string         `json:"first_date"`
	LastDate    string         `json:"last_date"`
	AsOfDate    string         `json:"as_of_date"`
	Mismatches  any            `json:"mismatches"`
	Snapshots   map[string]any `json:"snapshots"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// WriteDiscrepancy records a failed reconciliation and returns its location.
func (r *Reporter) WriteDiscrepancy(ctx context.Context, res reconcile.Result, relational, dataframe kpidomain.Snapshot) (string, error) {
	key := DiscrepancyKey(res.RunID, res.KPI)
	report := Discrepancy{
		ID:         uuid.NewString(),
		KPI:        res.KPI,
		RunID:      res.RunID,
		FirstDate:  res.FirstDate,
		LastDate:   res.LastDate,
		AsOfDate:   res.AsOfDate,
		Mismatches: res.Mismatches,
		Snapshots: map[string]any{
			kpidomain.EngineRelational: json.RawMessage(relational.Payload),
			kpidomain.EngineDataframe:  json.RawMessage(dataframe.Payload),
		},
		GeneratedAt: r.clock.Now(),
	}
	if err := r.writeJSON(ctx, key, report); err != nil {
		return "", err
	}
	uri := r.out.URI(key)
	r.log.Warn("report.kpi.discrepancy",
		zap.String("kpi", res.KPI),
		zap.String("run_id", res.RunID),
		zap.Int("mismatches", len(res.Mismatches)),
		zap.String("report_uri", uri),
	)
	return uri, nil
}

// WriteRejects writes one JSON line per reject and returns the file location.
// An attempt without rejects gets no file.
func (r *Reporter) WriteRejects(ctx context.Context, attempt partitiondomain.Attempt, rejects []normalizer.RejectRecord) (string, error) {
	if len(rejects) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rej := range rejects {
		if err := enc.Encode(rej); err != nil {
			return "", fmt.Errorf("encode reject %s#%d: %w", rej.SourceFile, rej.RecordIndex, err)
		}
	}
	key := RejectsKey(attempt.SourceType, attempt.PartitionDate, attempt.Generation)
	if err := r.out.Put(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("write rejects %s: %w", key, err)
	}
	return r.out.URI(key), nil
}

// WriteHistory snapshots the ledger's recent attempts.
func (r *Reporter) WriteHistory(ctx context.Context) error {
	attempts, err := r.ledger.History(ctx, partitiondomain.HistoryFilter{Limit: historyLimit})
	if err != nil {
		return fmt.Errorf("read ingestion history: %w", err)
	}
	entries := make([]HistoryEntry, 0, len(attempts))
	for _, a := range attempts {
		entries = append(entries, NewHistoryEntry(a))
	}
	return r.writeJSON(ctx, historyKey, History{GeneratedAt: r.clock.Now(), Runs: entries})
}

// WriteQualitySummary writes the run's expectation results and reject tallies.
func (r *Reporter) WriteQualitySummary(ctx context.Context, summary *QualitySummary) error {
	summary.GeneratedAt = r.clock.Now()
	return r.writeJSON(ctx, qualitySummaryKey, summary)
}

// Artifact reads back a written output.
func (r *Reporter) Artifact(ctx context.Context, key string) ([]byte, error) {
	return r.out.Get(ctx, key)
}

func (r *Reporter) Close() error {
	return r.publisher.Close()
}

func (r *Reporter) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.out.Put(ctx, key, append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
