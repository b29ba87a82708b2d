// Package memory is an in-process run store. Records do not outlive the
// process; it backs dry runs and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rshade/flowbatch/internal/runinfo"
)

// ErrNilRecord is returned when persisting a nil record.
var ErrNilRecord = errors.New("run record is nil")

// EventKind names a storage write.
type EventKind string

// Storage write kinds, in the order a caller may issue them.
const (
	EventFlowRun    EventKind = "flow_run"
	EventNodeRun    EventKind = "node_run"
	EventFlowUpdate EventKind = "flow_update"
)

// Event is one recorded write.
type Event struct {
	Kind  EventKind
	Index int
	Node  string
}

type nodeKey struct {
	index int
	node  string
}

// Store keeps deep copies of every record. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	flowRuns map[int]*runinfo.FlowRunInfo
	nodeRuns map[nodeKey]*runinfo.NodeRunInfo
	events   []Event
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		flowRuns: map[int]*runinfo.FlowRunInfo{},
		nodeRuns: map[nodeKey]*runinfo.NodeRunInfo{},
	}
}

// PersistFlowRun stores the flow run record of its line.
func (s *Store) PersistFlowRun(_ context.Context, info *runinfo.FlowRunInfo) error {
	return s.putFlowRun(EventFlowRun, info)
}

// UpdateFlowRunInfo replaces the flow run record of its line.
func (s *Store) UpdateFlowRunInfo(_ context.Context, info *runinfo.FlowRunInfo) error {
	return s.putFlowRun(EventFlowUpdate, info)
}

func (s *Store) putFlowRun(kind EventKind, info *runinfo.FlowRunInfo) error {
	if info == nil {
		return ErrNilRecord
	}
	c, err := info.Clone()
	if err != nil {
		return err
	}
	index := info.LineIndex()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowRuns[index] = c
	s.events = append(s.events, Event{Kind: kind, Index: index})
	return nil
}

// PersistNodeRun stores one node run record.
func (s *Store) PersistNodeRun(_ context.Context, info *runinfo.NodeRunInfo) error {
	if info == nil {
		return ErrNilRecord
	}
	c, err := info.Clone()
	if err != nil {
		return err
	}
	index := info.StorageIndex()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeRuns[nodeKey{index: index, node: info.Node}] = c
	s.events = append(s.events, Event{Kind: EventNodeRun, Index: index, Node: info.Node})
	return nil
}

// LoadFlowRunInfo returns a copy of the flow run record of line index, or
// nil when none was stored.
func (s *Store) LoadFlowRunInfo(_ context.Context, index int) (*runinfo.FlowRunInfo, error) {
	s.mu.RLock()
	info, ok := s.flowRuns[index]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return info.Clone()
}

// LoadNodeRunInfosForLine returns copies of the node records of line index,
// ordered by node name.
func (s *Store) LoadNodeRunInfosForLine(_ context.Context, index int) ([]*runinfo.NodeRunInfo, error) {
	s.mu.RLock()
	var found []*runinfo.NodeRunInfo
	for key, info := range s.nodeRuns {
		if key.index == index {
			found = append(found, info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return found[i].Node < found[j].Node })
	out := make([]*runinfo.NodeRunInfo, 0, len(found))
	for _, info := range found {
		c, err := info.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Events returns the writes seen so far, in order.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// FlowRunCount returns the number of stored flow run records.
func (s *Store) FlowRunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flowRuns)
}

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }
