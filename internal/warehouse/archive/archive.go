// Package archive stores warehouse objects on a local filesystem or an
// S3-compatible bucket. Every Put replaces the whole object atomically.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/smallbiznis/kpiledger/internal/config"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("archive_object_not_found")

// Store is a flat key/value object store. Keys use forward slashes.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// URI renders a key as a location readers outside the process understand.
	URI(key string) string
}

// New builds the backend selected by ARCHIVE_BACKEND.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (Store, error) {
	switch cfg.Archive.Backend {
	case "", config.ArchiveBackendLocal:
		return NewLocalStore(cfg.Archive.LocalDir)
	case config.ArchiveBackendS3:
		return NewMinioStore(ctx, MinioConfig{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Region:    cfg.Archive.Region,
			UseSSL:    cfg.Archive.UseSSL,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", cfg.Archive.Backend)
	}
}

// Join builds an object key from parts.
func Join(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}
