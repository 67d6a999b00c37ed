package pipeline

import (
	"context"
	"sync"

	obslogger "github.com/smallbiznis/kpiledger/internal/observability/logger"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	partitionservice "github.com/smallbiznis/kpiledger/internal/partition/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type BackfillRequest struct {
	Sources []partitiondomain.SourceType
	Start   string
	End     string
	Force   bool
	Resume  bool
}

// dateBarrier lets the order lane wait until the customer lane is done with a
// date. Every date is released at most once.
type dateBarrier struct {
	mu    sync.Mutex
	dates map[string]chan struct{}
}

func newDateBarrier(dates []string) *dateBarrier {
	b := &dateBarrier{dates: make(map[string]chan struct{}, len(dates))}
	for _, d := range dates {
		b.dates[d] = make(chan struct{})
	}
	return b
}

func (b *dateBarrier) release(date string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.dates[date]; ok {
		close(ch)
		delete(b.dates, date)
	}
}

func (b *dateBarrier) releaseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for d, ch := range b.dates {
		close(ch)
		delete(b.dates, d)
	}
}

func (b *dateBarrier) wait(ctx context.Context, date string) error {
	b.mu.Lock()
	ch, ok := b.dates[date]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backfill ingests [Start, End] with one lane per source type. Lanes run
// concurrently; each walks its dates in order through the ledger's backfill
// cursor, and the order lane trails the customer lane date by date.
func (p *Pipeline) Backfill(ctx context.Context, req BackfillRequest) (*Report, error) {
	ctx, run := newRunContext(ctx, p.genID, CommandBackfill, p.clock.Now())
	rep := &Report{RunID: run.ID, CorrelationID: run.CorrelationID, Command: CommandBackfill}
	log := obslogger.WithContext(ctx, p.log)

	dates, err := partitionservice.DateRange(req.Start, req.End)
	if err != nil {
		return rep, p.finish(ctx, run, rep, err)
	}
	log.Info("pipeline.backfill.start",
		zap.String("start_date", req.Start),
		zap.String("end_date", req.End),
		zap.Bool("force", req.Force),
		zap.Bool("resume", req.Resume),
	)

	sources := orderedSources(req.Sources)
	var barrier *dateBarrier
	if len(sources) > 1 {
		barrier = newDateBarrier(dates)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range sources {
		g.Go(func() error {
			if st == partitiondomain.SourceCustomers && barrier != nil {
				// dates before a resumed cursor are never visited
				defer barrier.releaseAll()
			}
			lane := partitiondomain.BackfillRequest{
				SourceType: st,
				Start:      req.Start,
				End:        req.End,
				Force:      req.Force,
				Resume:     req.Resume,
				RunID:      run.ID,
			}
			_, err := p.ledger.Backfill(gctx, lane, func(ctx context.Context, bf *partitiondomain.BackfillRun, date string) error {
				if st == partitiondomain.SourceOrders && barrier != nil {
					if err := barrier.wait(ctx, date); err != nil {
						return err
					}
				}
				res, err := p.RunPartition(ctx, run, partitiondomain.Key{SourceType: st, Date: date}, backfillMode(bf))
				rep.add(res)
				if st == partitiondomain.SourceCustomers && barrier != nil {
					barrier.release(date)
				}
				return p.stopOn(ctx, err)
			})
			return err
		})
	}
	err = g.Wait()
	if err == nil {
		err = p.runKPI(ctx, run, rep)
	}
	return rep, p.finish(ctx, run, rep, err)
}

// backfillMode follows the stored run, not the request: resuming a forced
// backfill keeps superseding.
func backfillMode(bf *partitiondomain.BackfillRun) partitiondomain.Mode {
	if bf != nil && bf.Force {
		return partitiondomain.ModeForce
	}
	return partitiondomain.ModeBackfill
}
