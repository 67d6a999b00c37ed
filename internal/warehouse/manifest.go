package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/warehouse/archive"
)

const currentPointer = "_CURRENT.json"

var ErrManifestMismatch = errors.New("archive_manifest_mismatch")

// RawFile is an archived copy of one source file, snappy-framed.
type RawFile struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	MD5  string `json:"md5"`
	Size int64  `json:"size"`
}

// Manifest is the pointer readers follow to the live version of a partition.
type Manifest struct {
	PartitionID   string    `json:"partition_id"`
	SourceType    string    `json:"source_type"`
	PartitionDate string    `json:"partition_date"`
	Generation    int       `json:"generation"`
	Version       string    `json:"version"`
	RunID         string    `json:"run_id"`
	RowCount      int       `json:"row_count"`
	DataFile      string    `json:"data_file"`
	RawFiles      []RawFile `json:"raw_files"`
	CommittedAt   time.Time `json:"committed_at"`
}

// PartitionPrefix is <source>/<date>.
func PartitionPrefix(key partitiondomain.Key) string {
	return archive.Join(string(key.SourceType), key.Date)
}

// ManifestKey is the pointer object of a partition.
func ManifestKey(key partitiondomain.Key) string {
	return archive.Join(PartitionPrefix(key), currentPointer)
}

// VersionName is v<generation>.
func VersionName(generation int) string {
	return fmt.Sprintf("v%d", generation)
}

// ReadManifest resolves the current manifest of a partition. It returns
// archive.ErrNotFound when the partition was never committed.
func ReadManifest(ctx context.Context, store archive.Store, key partitiondomain.Key) (*Manifest, error) {
	raw, err := store.Get(ctx, ManifestKey(key))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return &m, nil
}
