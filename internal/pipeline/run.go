package pipeline

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/kpiledger/internal/observability/context"
	"github.com/smallbiznis/kpiledger/internal/report"
)

// RunContext carries what every stage of one pipeline run shares.
type RunContext struct {
	ID            string
	CorrelationID string
	Command       string
	StartedAt     time.Time
	Quality       *report.QualitySummary
}

func newRunContext(ctx context.Context, genID *snowflake.Node, command string, now time.Time) (context.Context, *RunContext) {
	id := genID.Generate().String()
	ctx = obscontext.WithRunID(ctx, id)
	ctx, cid := obscontext.EnsureCorrelationID(ctx)
	return ctx, &RunContext{
		ID:            id,
		CorrelationID: cid,
		Command:       command,
		StartedAt:     now,
		Quality:       report.NewQualitySummary(id),
	}
}
