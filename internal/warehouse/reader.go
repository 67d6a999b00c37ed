package warehouse

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/memory"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/warehouse/archive"
)

// Reader resolves archived partitions through their manifest pointer.
type Reader struct {
	store archive.Store
	mem   memory.Allocator
}

func NewReader(store archive.Store) *Reader {
	return &Reader{store: store, mem: memory.NewGoAllocator()}
}

// Allocator is the memory pool tables are decoded into.
func (r *Reader) Allocator() memory.Allocator {
	return r.mem
}

// Load returns the archived table of a committed attempt. The manifest must
// name that attempt, otherwise the partition was replaced after the caller
// read the ledger and ErrManifestMismatch is returned.
func (r *Reader) Load(ctx context.Context, attempt partitiondomain.Attempt) (arrow.Table, error) {
	m, err := ReadManifest(ctx, r.store, attempt.Key())
	if err != nil {
		return nil, err
	}
	if m.PartitionID != attempt.ID.String() {
		return nil, fmt.Errorf("%w: %s points at %s, ledger has %s",
			ErrManifestMismatch, attempt.Key(), m.PartitionID, attempt.ID)
	}
	data, err := r.store.Get(ctx, m.DataFile)
	if err != nil {
		return nil, err
	}
	return DecodeTable(ctx, r.mem, data)
}
