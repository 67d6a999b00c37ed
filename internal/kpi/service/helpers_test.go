package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow/go/v17/arrow/memory"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
	"github.com/smallbiznis/kpiledger/internal/warehouse/archive"
	"github.com/stretchr/testify/require"
)

// memStore is an in-process archive.Store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (s *memStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return data, nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStore) URI(key string) string { return "mem://" + key }

func (s *memStore) keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// archiveAttempt writes the parquet file and manifest the warehouse writer
// would have produced for attempt.
func archiveAttempt(t *testing.T, store archive.Store, attempt partitiondomain.Attempt, customers []customerdomain.Customer, orders []orderdomain.Order) {
	t.Helper()
	ctx := context.Background()
	mem := memory.NewGoAllocator()

	var (
		data []byte
		err  error
		rows int
	)
	if attempt.SourceType == partitiondomain.SourceCustomers {
		data, err = warehouse.EncodeCustomers(mem, customers)
		rows = len(customers)
	} else {
		data, err = warehouse.EncodeOrders(mem, orders)
		rows = len(orders)
	}
	require.NoError(t, err)

	version := warehouse.VersionName(attempt.Generation)
	dataFile := archive.Join(warehouse.PartitionPrefix(attempt.Key()), version, string(attempt.SourceType)+".parquet")
	require.NoError(t, store.Put(ctx, dataFile, data))

	manifest, err := json.Marshal(warehouse.Manifest{
		PartitionID:   attempt.ID.String(),
		SourceType:    string(attempt.SourceType),
		PartitionDate: attempt.PartitionDate,
		Generation:    attempt.Generation,
		Version:       version,
		RowCount:      rows,
		DataFile:      dataFile,
	})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, warehouse.ManifestKey(attempt.Key()), manifest))
}
