// Package postgres stores run records in PostgreSQL through database/sql
// and the pgx driver. Each record is kept whole as a JSONB payload keyed by
// batch run id and line index.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rshade/flowbatch/internal/runinfo"
)

// DB is the subset of *sql.DB the store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Common storage errors.
var (
	ErrNilRecord  = errors.New("run record is nil")
	ErrEmptyRunID = errors.New("batch run id is required")
)

const (
	createFlowRunsTable = `CREATE TABLE IF NOT EXISTS flow_runs (
		batch_run_id TEXT NOT NULL,
		line_index INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (batch_run_id, line_index)
	)`

	createNodeRunsTable = `CREATE TABLE IF NOT EXISTS node_runs (
		batch_run_id TEXT NOT NULL,
		line_index INTEGER NOT NULL,
		node TEXT NOT NULL,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (batch_run_id, line_index, node)
	)`

	upsertFlowRunQuery = `INSERT INTO flow_runs (batch_run_id, line_index, run_id, status, payload)
	VALUES ($1,$2,$3,$4,$5::jsonb)
	ON CONFLICT (batch_run_id, line_index) DO UPDATE
	SET run_id = EXCLUDED.run_id, status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = now()`

	upsertNodeRunQuery = `INSERT INTO node_runs (batch_run_id, line_index, node, run_id, status, payload)
	VALUES ($1,$2,$3,$4,$5,$6::jsonb)
	ON CONFLICT (batch_run_id, line_index, node) DO UPDATE
	SET run_id = EXCLUDED.run_id, status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = now()`

	selectFlowRunQuery = `SELECT payload FROM flow_runs
	 WHERE batch_run_id = $1 AND line_index = $2`

	selectNodeRunsQuery = `SELECT payload FROM node_runs
	 WHERE batch_run_id = $1 AND line_index = $2
	 ORDER BY node`
)

// Config configures the connection pool.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate checks the pool settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("postgres url is required")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max_open_conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max_idle_conns must be between 0 and max_open_conns")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("postgres conn_max_lifetime must be >= 0")
	}
	return nil
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the run tables when missing.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range []string{createFlowRunsTable, createNodeRunsTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Store persists the records of one batch run.
type Store struct {
	db    DB
	runID string
	close func() error
}

// New returns a Store for batch run runID over db. The caller owns db.
func New(db DB, runID string) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres db is nil")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, ErrEmptyRunID
	}
	return &Store{db: db, runID: runID}, nil
}

// Connect opens the database, ensures the schema and returns a Store that
// closes the pool on Close.
func Connect(ctx context.Context, cfg Config, runID string) (*Store, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err = EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s, err := New(db, runID)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.close = db.Close
	return s, nil
}

// PersistFlowRun upserts the flow run record of its line.
func (s *Store) PersistFlowRun(ctx context.Context, info *runinfo.FlowRunInfo) error {
	if info == nil {
		return ErrNilRecord
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal flow run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertFlowRunQuery,
		s.runID, info.LineIndex(), info.RunID, string(info.Status), string(payload))
	if err != nil {
		return fmt.Errorf("upsert flow run %s: %w", info.RunID, err)
	}
	return nil
}

// UpdateFlowRunInfo upserts the flow run record of its line.
func (s *Store) UpdateFlowRunInfo(ctx context.Context, info *runinfo.FlowRunInfo) error {
	return s.PersistFlowRun(ctx, info)
}

// PersistNodeRun upserts one node run record.
func (s *Store) PersistNodeRun(ctx context.Context, info *runinfo.NodeRunInfo) error {
	if info == nil {
		return ErrNilRecord
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal node run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertNodeRunQuery,
		s.runID, info.StorageIndex(), info.Node, info.RunID, string(info.Status), string(payload))
	if err != nil {
		return fmt.Errorf("upsert node run %s: %w", info.RunID, err)
	}
	return nil
}

// LoadFlowRunInfo returns the flow run record of line index, or nil when
// none was stored.
func (s *Store) LoadFlowRunInfo(ctx context.Context, index int) (*runinfo.FlowRunInfo, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, selectFlowRunQuery, s.runID, index).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select flow run %d: %w", index, err)
	}
	var info runinfo.FlowRunInfo
	if err = json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode flow run %d: %w", index, err)
	}
	return &info, nil
}

// LoadNodeRunInfosForLine returns the node records of line index ordered by
// node name.
func (s *Store) LoadNodeRunInfosForLine(ctx context.Context, index int) ([]*runinfo.NodeRunInfo, error) {
	rows, err := s.db.QueryContext(ctx, selectNodeRunsQuery, s.runID, index)
	if err != nil {
		return nil, fmt.Errorf("select node runs %d: %w", index, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*runinfo.NodeRunInfo
	for rows.Next() {
		var raw []byte
		if err = rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan node run: %w", err)
		}
		var info runinfo.NodeRunInfo
		if err = json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("decode node run: %w", err)
		}
		out = append(out, &info)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node runs: %w", err)
	}
	return out, nil
}

// Close releases the pool when the Store opened it.
func (s *Store) Close(context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
