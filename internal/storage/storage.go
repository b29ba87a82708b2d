// Package storage defines where a batch run's flow and node records go and
// where a resumed run reads them back from.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
	"github.com/rshade/flowbatch/internal/storage/local"
	"github.com/rshade/flowbatch/internal/storage/memory"
	"github.com/rshade/flowbatch/internal/storage/mongo"
	"github.com/rshade/flowbatch/internal/storage/postgres"
)

// RunStorage receives the records produced by a batch run. Implementations
// must be safe for concurrent use.
type RunStorage interface {
	PersistFlowRun(ctx context.Context, info *runinfo.FlowRunInfo) error
	PersistNodeRun(ctx context.Context, info *runinfo.NodeRunInfo) error
	UpdateFlowRunInfo(ctx context.Context, info *runinfo.FlowRunInfo) error
}

// ResumeSource reads back the records of a previous run.
// LoadFlowRunInfo returns (nil, nil) when the line has no record.
type ResumeSource interface {
	LoadFlowRunInfo(ctx context.Context, index int) (*runinfo.FlowRunInfo, error)
	LoadNodeRunInfosForLine(ctx context.Context, index int) ([]*runinfo.NodeRunInfo, error)
}

// Store is a backend bound to one batch run.
type Store interface {
	RunStorage
	ResumeSource
	Close(ctx context.Context) error
}

var (
	_ Store = (*local.Store)(nil)
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
	_ Store = (*mongo.Store)(nil)
)

// Open returns the backend selected by cfg, bound to batch run runID.
func Open(ctx context.Context, cfg config.StorageConfig, runID string) (Store, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("opening run storage: empty run id")
	}
	logger := logging.FromContext(ctx)

	backend := cfg.Backend
	if backend == "" {
		backend = config.BackendLocal
	}
	logger.Debug().Ctx(ctx).
		Str("component", "storage").
		Str("backend", backend).
		Str("run_id", runID).
		Msg("opening run storage")

	switch backend {
	case config.BackendLocal:
		dir, err := RunDir(cfg, runID)
		if err != nil {
			return nil, err
		}
		return local.New(dir)
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendPostgres:
		return postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Postgres.ConnMaxLifetimeSec) * time.Second,
		}, runID)
	case config.BackendMongo:
		return mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, runID,
			time.Duration(cfg.Mongo.TimeoutSec)*time.Second)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, backend)
	}
}

// RunDir returns the local run directory of runID.
func RunDir(cfg config.StorageConfig, runID string) (string, error) {
	base := cfg.Dir
	if base == "" {
		var err error
		if base, err = config.GetRunsDir(); err != nil {
			return "", fmt.Errorf("resolving runs directory: %w", err)
		}
	}
	return filepath.Join(base, runID), nil
}
