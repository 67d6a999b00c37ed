package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/config"
	"github.com/smallbiznis/kpiledger/internal/kpi/domain"
	"github.com/smallbiznis/kpiledger/internal/kpi/frameengine"
	"github.com/smallbiznis/kpiledger/internal/kpi/reconcile"
	"github.com/smallbiznis/kpiledger/internal/kpi/sqlengine"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/report"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Ledger     partitiondomain.Service
	Relational *sqlengine.Engine
	Dataframe  *frameengine.Engine
	Reporter   *report.Reporter
	Metrics    *obsmetrics.PipelineMetrics `optional:"true"`
}

// Service computes every KPI with both engines and publishes the ones that reconcile.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.PipelineConfig
	genID      *snowflake.Node
	clock      clock.Clock
	ledger     partitiondomain.Service
	relational domain.Engine
	dataframe  domain.Engine
	reconciler *reconcile.Reconciler
	reporter   *report.Reporter
	metrics    *obsmetrics.PipelineMetrics
}

func New(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("kpi"),
		cfg:        p.Config.Pipeline,
		genID:      p.GenID,
		clock:      p.Clock,
		ledger:     p.Ledger,
		relational: p.Relational,
		dataframe:  p.Dataframe,
		reconciler: reconcile.New(p.Config.Pipeline.ReconcileEpsilonCents),
		reporter:   p.Reporter,
		metrics:    p.Metrics,
	}
}

// Outcome summarizes one KPI run.
type Outcome struct {
	Scope        domain.Scope
	Published    []domain.Publication
	Mismatched   []reconcile.Result
	Reconciled   bool
	SkippedEmpty bool
}

// Run reconciles the KPIs over everything committed so far. A mismatch on one
// KPI does not stop the others from publishing; the returned error joins a
// ReconciliationError per mismatched KPI.
func (s *Service) Run(ctx context.Context, runID string) (*Outcome, error) {
	var (
		scope                 domain.Scope
		relational, dataframe *domain.Results
		err                   error
	)
	for try := 1; ; try++ {
		scope, err = s.Scope(ctx, runID)
		if err != nil {
			return nil, err
		}
		if len(scope.Attempts()) == 0 {
			s.log.Info("kpi.run.skipped", zap.String("run_id", runID), zap.String("reason", "no committed partitions"))
			return &Outcome{Scope: scope, SkippedEmpty: true}, nil
		}

		s.log.Info("kpi.run.start",
			zap.String("run_id", runID),
			zap.String("first_date", scope.FirstDate),
			zap.String("last_date", scope.LastDate),
			zap.String("as_of", scope.AsOf),
			zap.Int("try", try),
		)
		relational, dataframe, err = s.Compute(ctx, scope)
		if err == nil {
			break
		}
		if !isStaleScope(err) || try == maxScopeTries {
			return nil, err
		}
		s.log.Warn("kpi.scope.stale", zap.String("run_id", runID), zap.Error(err))
	}
	outcome := &Outcome{Scope: scope}

	var mismatches []error
	for _, kpi := range domain.Names {
		a, b, err := s.snapshots(ctx, scope, relational, dataframe, kpi)
		if err != nil {
			return nil, err
		}
		res, err := s.reconciler.Reconcile(a, b)
		if err != nil {
			return nil, err
		}
		if !res.Matched() {
			s.metrics.IncMismatch(kpi)
			uri, werr := s.reporter.WriteDiscrepancy(ctx, res, a, b)
			if werr != nil {
				return nil, werr
			}
			outcome.Mismatched = append(outcome.Mismatched, res)
			mismatches = append(mismatches, &kpierr.ReconciliationError{KPI: kpi, Mismatches: res.Mismatches, ReportURI: uri})
			continue
		}
		pub, err := s.reporter.PublishKPI(ctx, a)
		if err != nil {
			return nil, err
		}
		outcome.Published = append(outcome.Published, *pub)
	}

	if len(mismatches) > 0 {
		s.log.Warn("kpi.run.mismatch", zap.String("run_id", runID), zap.Int("kpis", len(mismatches)))
		return outcome, errors.Join(mismatches...)
	}
	if err := s.ledger.MarkReconciled(ctx, scope.Attempts()); err != nil {
		return outcome, fmt.Errorf("mark reconciled: %w", err)
	}
	outcome.Reconciled = true
	s.log.Info("kpi.run.finish", zap.String("run_id", runID), zap.Int("published", len(outcome.Published)))
	return outcome, nil
}

// maxScopeTries bounds how often Run re-takes a scope that a concurrent
// commit replaced.
const maxScopeTries = 2

func isStaleScope(err error) bool {
	return errors.Is(err, domain.ErrStaleScope) || errors.Is(err, warehouse.ErrManifestMismatch)
}

// Scope reads the committed attempts of both source types.
func (s *Service) Scope(ctx context.Context, runID string) (domain.Scope, error) {
	customers, err := s.ledger.Committed(ctx, partitiondomain.SourceCustomers)
	if err != nil {
		return domain.Scope{}, fmt.Errorf("committed customers: %w", err)
	}
	orders, err := s.ledger.Committed(ctx, partitiondomain.SourceOrders)
	if err != nil {
		return domain.Scope{}, fmt.Errorf("committed orders: %w", err)
	}
	return domain.NewScope(runID, customers, orders, s.cfg.TopSpendersWindowDays, s.cfg.TopSpendersLimit)
}

// Compute runs both engines concurrently over the same scope.
func (s *Service) Compute(ctx context.Context, scope domain.Scope) (relational, dataframe *domain.Results, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.relational.Compute(gctx, scope)
		if err != nil {
			return fmt.Errorf("%s engine: %w", s.relational.Name(), err)
		}
		relational = res
		return nil
	})
	g.Go(func() error {
		res, err := s.dataframe.Compute(gctx, scope)
		if err != nil {
			return fmt.Errorf("%s engine: %w", s.dataframe.Name(), err)
		}
		dataframe = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return relational, dataframe, nil
}

func (s *Service) snapshots(ctx context.Context, scope domain.Scope, relational, dataframe *domain.Results, kpi string) (domain.Snapshot, domain.Snapshot, error) {
	now := s.clock.Now()
	a, err := domain.NewSnapshot(s.genID.Generate(), scope, relational, kpi, now)
	if err != nil {
		return domain.Snapshot{}, domain.Snapshot{}, err
	}
	b, err := domain.NewSnapshot(s.genID.Generate(), scope, dataframe, kpi, now)
	if err != nil {
		return domain.Snapshot{}, domain.Snapshot{}, err
	}
	if err := s.db.WithContext(ctx).Create([]*domain.Snapshot{&a, &b}).Error; err != nil {
		return domain.Snapshot{}, domain.Snapshot{}, fmt.Errorf("store %s snapshots: %w", kpi, err)
	}
	return a, b, nil
}
