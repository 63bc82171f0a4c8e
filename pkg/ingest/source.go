// Package ingest keeps the usage fact store in sync with a set of source
// files.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrNoPattern = errors.New("file pattern is required")

// FileInfo names a candidate source file and its last modification time.
type FileInfo struct {
	Name     string
	Modified time.Time
}

// Source lists usage files and makes them available on local disk.
type Source interface {
	ListFiles(ctx context.Context) ([]FileInfo, error)
	// FetchLocalCopy returns a local path for name. release must be called
	// once the caller is done with the path.
	FetchLocalCopy(ctx context.Context, name string) (path string, release func(), err error)
}

// CycleHooks is implemented by sources that need to run around each
// ingestion cycle.
type CycleHooks interface {
	BeforeCycle(ctx context.Context) error
	AfterCycle(ctx context.Context) error
}

// Invalidator is notified when the fact store changed.
type Invalidator interface {
	InvalidateCache()
}

// NewSource returns an S3Source when bucket is set and a LocalSource
// otherwise. S3 credentials come from the environment.
func NewSource(ctx context.Context, log *slog.Logger, bucket, pattern string) (Source, error) {
	if pattern == "" {
		return nil, ErrNoPattern
	}
	if bucket == "" {
		log.Info("ingest: reading local files", "pattern", pattern)
		return NewLocalSource(pattern)
	}
	cfg, err := LoadS3ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info("ingest: reading S3 objects", "bucket", bucket, "pattern", pattern, "endpoint", cfg.Endpoint, "region", cfg.Region)
	return NewS3Source(S3SourceConfig{
		Logger:  log,
		Client:  client,
		Bucket:  bucket,
		Pattern: pattern,
	})
}
