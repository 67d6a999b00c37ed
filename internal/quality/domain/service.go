package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
)

type Service interface {
	// Evaluate runs the expectation set for the lease's source type, persists
	// every result and moves the attempt to validated or rejected.
	Evaluate(ctx context.Context, lease *partitiondomain.Lease, batch *normalizer.Batch) (*Verdict, error)
	// Results lists the persisted results of the given attempts.
	Results(ctx context.Context, partitionIDs []snowflake.ID) ([]ExpectationResult, error)
}

var (
	ErrBatchMismatch = errors.New("batch_partition_mismatch")
	ErrNotPending    = errors.New("partition_not_pending")
)
