// Package local stores flow and node run records as JSON files under a run
// directory:
//
//	<run_dir>/flow_runs/000000003.json
//	<run_dir>/node_runs/<node>/000000003.json
//
// Writes go to a temporary file first and are renamed into place, so a
// reader never observes a partially written record.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rshade/flowbatch/internal/runinfo"
)

const (
	flowRunsDir = "flow_runs"
	nodeRunsDir = "node_runs"
	fileExt     = ".json"
)

// Common storage errors.
var (
	ErrEmptyDir     = errors.New("run directory cannot be empty")
	ErrMissingIndex = errors.New("flow run info has no line index")
	ErrMissingNode  = errors.New("node run info has no node name")
	ErrNilRecord    = errors.New("run record is nil")
)

// Store is a file-based run store. Safe for concurrent use.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the run directory.
func (s *Store) Dir() string { return s.dir }

// PersistFlowRun writes the flow run record of its line.
func (s *Store) PersistFlowRun(_ context.Context, info *runinfo.FlowRunInfo) error {
	if info == nil {
		return ErrNilRecord
	}
	if info.Index == nil {
		return fmt.Errorf("%w: %s", ErrMissingIndex, info.RunID)
	}
	return s.write(s.flowRunPath(*info.Index), info)
}

// UpdateFlowRunInfo overwrites the stored flow run record.
func (s *Store) UpdateFlowRunInfo(ctx context.Context, info *runinfo.FlowRunInfo) error {
	return s.PersistFlowRun(ctx, info)
}

// PersistNodeRun writes one node run record.
func (s *Store) PersistNodeRun(_ context.Context, info *runinfo.NodeRunInfo) error {
	if info == nil {
		return ErrNilRecord
	}
	if info.Node == "" {
		return fmt.Errorf("%w: %s", ErrMissingNode, info.RunID)
	}
	return s.write(s.nodeRunPath(info.Node, info.StorageIndex()), info)
}

// LoadFlowRunInfo returns the flow run record of line index, or nil when
// none was stored.
func (s *Store) LoadFlowRunInfo(_ context.Context, index int) (*runinfo.FlowRunInfo, error) {
	var info runinfo.FlowRunInfo
	found, err := s.read(s.flowRunPath(index), &info)
	if err != nil || !found {
		return nil, err
	}
	return &info, nil
}

// LoadNodeRunInfosForLine returns every node record stored for line index,
// ordered by node name.
func (s *Store) LoadNodeRunInfosForLine(_ context.Context, index int) ([]*runinfo.NodeRunInfo, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(filepath.Join(s.dir, nodeRunsDir))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list node runs: %w", err)
	}

	nodes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			nodes = append(nodes, e.Name())
		}
	}
	sort.Strings(nodes)

	var out []*runinfo.NodeRunInfo
	for _, node := range nodes {
		var info runinfo.NodeRunInfo
		found, readErr := s.read(s.nodeRunPath(node, index), &info)
		if readErr != nil {
			return nil, readErr
		}
		if found {
			out = append(out, &info)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) flowRunPath(index int) string {
	return filepath.Join(s.dir, flowRunsDir, lineFileName(index))
}

func (s *Store) nodeRunPath(node string, index int) string {
	return filepath.Join(s.dir, nodeRunsDir, node, lineFileName(index))
}

func lineFileName(index int) string {
	return fmt.Sprintf("%09d%s", index, fileExt)
}

func (s *Store) write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err = os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename run record: %w", err)
	}
	return nil
}

func (s *Store) read(path string, v any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read run record: %w", err)
	}
	if err = json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal run record %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
