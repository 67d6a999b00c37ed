package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/config"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/quality/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Rules     *config.QualityConfigHolder
	Ledger    partitiondomain.Service
	Customers customerdomain.Repository
	Orders    orderdomain.Repository
	Metrics   *obsmetrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	rules     *config.QualityConfigHolder
	ledger    partitiondomain.Service
	customers customerdomain.Repository
	orders    orderdomain.Repository
	metrics   *obsmetrics.PipelineMetrics
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("quality.gate"),
		genID:     p.GenID,
		clock:     p.Clock,
		rules:     p.Rules,
		ledger:    p.Ledger,
		customers: p.Customers,
		orders:    p.Orders,
		metrics:   p.Metrics,
	}
}

func (s *Service) Evaluate(ctx context.Context, lease *partitiondomain.Lease, batch *normalizer.Batch) (*domain.Verdict, error) {
	if lease == nil || lease.Released() {
		return nil, partitiondomain.ErrLeaseReleased
	}
	if batch == nil || batch.Key != lease.Key() {
		return nil, domain.ErrBatchMismatch
	}
	if lease.Attempt.Status != partitiondomain.StatusPending {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotPending, lease.Attempt.Status)
	}

	cfg := s.rules.Get()
	env := checkEnv{db: s.db, customers: s.customers, orders: s.orders, batch: batch}
	now := s.clock.Now()
	verdict := &domain.Verdict{Passed: true}

	for _, exp := range expectations {
		if exp.Source != batch.Key.SourceType {
			continue
		}
		rule, ok := cfg.Rule(exp.Name)
		if !ok {
			rule = config.QualityRule{Name: exp.Name, Severity: config.SeverityHard}
		}
		if rule.Disabled {
			continue
		}

		out, err := exp.Check(ctx, env)
		if err != nil {
			return nil, kpierr.Fatal(lease.Attempt.ID.String(), string(lease.Attempt.Status),
				fmt.Errorf("evaluate %s: %w", exp.Name, err))
		}

		ratio := 0.0
		if out.Evaluated > 0 {
			ratio = float64(out.Failed) / float64(out.Evaluated)
		}
		severity := strings.ToLower(rule.Severity)
		result := domain.ExpectationResult{
			ID:            s.genID.Generate(),
			PartitionID:   lease.Attempt.ID,
			RunID:         lease.Attempt.RunID,
			SourceType:    string(batch.Key.SourceType),
			PartitionDate: batch.Key.Date,
			Name:          exp.Name,
			Severity:      severity,
			Passed:        ratio <= rule.Threshold,
			EvaluatedRows: out.Evaluated,
			FailedRows:    out.Failed,
			Threshold:     rule.Threshold,
			Details:       detailsJSON(ratio, out.Sample),
			CreatedAt:     now,
		}
		verdict.Results = append(verdict.Results, result)

		if result.Passed {
			continue
		}
		s.metrics.IncExpectationFailure(exp.Name, severity)
		if result.Hard() {
			verdict.Passed = false
			verdict.HardFailures = append(verdict.HardFailures, exp.Name)
		} else {
			verdict.SoftFailures = append(verdict.SoftFailures, exp.Name)
		}
		s.log.Warn("quality.expectation.failed",
			zap.String("partition_id", lease.Attempt.ID.String()),
			zap.String("expectation", exp.Name),
			zap.String("severity", severity),
			zap.Int("failed_rows", out.Failed),
			zap.Int("evaluated_rows", out.Evaluated),
			zap.Float64("threshold", rule.Threshold),
		)
	}

	to := partitiondomain.StatusValidated
	if !verdict.Passed {
		to = partitiondomain.StatusRejected
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(verdict.Results) > 0 {
			if err := tx.Create(&verdict.Results).Error; err != nil {
				return fmt.Errorf("persist expectation results: %w", err)
			}
		}
		return s.ledger.Transition(ctx, tx, lease, to, partitiondomain.ActorGate)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("quality.evaluate.finish",
		zap.String("partition_id", lease.Attempt.ID.String()),
		zap.String("source_type", string(batch.Key.SourceType)),
		zap.String("partition_date", batch.Key.Date),
		zap.Bool("passed", verdict.Passed),
		zap.Strings("hard_failures", verdict.HardFailures),
		zap.Strings("soft_failures", verdict.SoftFailures),
	)

	if !verdict.Passed {
		return verdict, &kpierr.ValidationError{
			PartitionID: lease.Attempt.ID.String(),
			SourceType:  string(batch.Key.SourceType),
			Date:        batch.Key.Date,
			Failed:      verdict.HardFailures,
		}
	}
	return verdict, nil
}

func (s *Service) Results(ctx context.Context, partitionIDs []snowflake.ID) ([]domain.ExpectationResult, error) {
	if len(partitionIDs) == 0 {
		return nil, nil
	}
	var results []domain.ExpectationResult
	err := s.db.WithContext(ctx).
		Where("partition_id IN ?", partitionIDs).
		Order("partition_id asc, name asc").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func detailsJSON(ratio float64, sample []string) datatypes.JSON {
	payload := map[string]any{"failed_ratio": ratio}
	if len(sample) > 0 {
		payload["sample"] = sample
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
