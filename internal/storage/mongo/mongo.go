// Package mongo stores run records in MongoDB. Flow runs and node runs live
// in two collections; each document carries its record as an embedded
// payload plus the keys used for lookup.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rshade/flowbatch/internal/runinfo"
)

// Collection names.
const (
	FlowRunsCollection = "flow_runs"
	NodeRunsCollection = "node_runs"
)

// Common storage errors.
var (
	ErrNilRecord  = errors.New("run record is nil")
	ErrEmptyRunID = errors.New("batch run id is required")
)

type recordDocument struct {
	ID         string `bson:"_id"`
	BatchRunID string `bson:"batch_run_id"`
	LineIndex  int    `bson:"line_index"`
	Node       string `bson:"node,omitempty"`
	RunID      string `bson:"run_id"`
	Status     string `bson:"status"`
	Payload    bson.M `bson:"payload"`
}

// Store persists the records of one batch run.
type Store struct {
	flowRuns *mongo.Collection
	nodeRuns *mongo.Collection
	runID    string
	client   *mongo.Client
}

// New returns a Store for batch run runID over db.
func New(db *mongo.Database, runID string) (*Store, error) {
	if db == nil {
		return nil, errors.New("mongo database is nil")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, ErrEmptyRunID
	}
	return &Store{
		flowRuns: db.Collection(FlowRunsCollection),
		nodeRuns: db.Collection(NodeRunsCollection),
		runID:    runID,
	}, nil
}

// Connect dials uri, ensures indexes on database and returns a Store that
// disconnects the client on Close.
func Connect(ctx context.Context, uri, database, runID string, timeout time.Duration) (*Store, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err = client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	s, err := New(client.Database(database), runID)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err = s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	return s, nil
}

// EnsureIndexes creates the lookup indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.flowRuns.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "batch_run_id", Value: 1}, {Key: "line_index", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb flow run index: %w", err)
	}
	_, err = s.nodeRuns.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "batch_run_id", Value: 1},
			{Key: "line_index", Value: 1},
			{Key: "node", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb node run index: %w", err)
	}
	return nil
}

// PersistFlowRun upserts the flow run record of its line.
func (s *Store) PersistFlowRun(ctx context.Context, info *runinfo.FlowRunInfo) error {
	if info == nil {
		return ErrNilRecord
	}
	payload, err := toPayload(info)
	if err != nil {
		return err
	}
	index := info.LineIndex()
	doc := recordDocument{
		ID:         fmt.Sprintf("%s/%d", s.runID, index),
		BatchRunID: s.runID,
		LineIndex:  index,
		RunID:      info.RunID,
		Status:     string(info.Status),
		Payload:    payload,
	}
	_, err = s.flowRuns.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb save flow run %q: %w", info.RunID, err)
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
	payload, err := toPayload(info)
	if err != nil {
		return err
	}
	index := info.StorageIndex()
	doc := recordDocument{
		ID:         fmt.Sprintf("%s/%d/%s", s.runID, index, info.Node),
		BatchRunID: s.runID,
		LineIndex:  index,
		Node:       info.Node,
		RunID:      info.RunID,
		Status:     string(info.Status),
		Payload:    payload,
	}
	_, err = s.nodeRuns.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb save node run %q: %w", info.RunID, err)
	}
	return nil
}

// LoadFlowRunInfo returns the flow run record of line index, or nil when
// none was stored.
func (s *Store) LoadFlowRunInfo(ctx context.Context, index int) (*runinfo.FlowRunInfo, error) {
	var doc recordDocument
	err := s.flowRuns.FindOne(ctx, bson.M{"batch_run_id": s.runID, "line_index": index}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongodb get flow run %d: %w", index, err)
	}
	var info runinfo.FlowRunInfo
	if err = fromPayload(doc.Payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// LoadNodeRunInfosForLine returns the node records of line index ordered by
// node name.
func (s *Store) LoadNodeRunInfosForLine(ctx context.Context, index int) ([]*runinfo.NodeRunInfo, error) {
	cursor, err := s.nodeRuns.Find(ctx,
		bson.M{"batch_run_id": s.runID, "line_index": index},
		options.Find().SetSort(bson.D{{Key: "node", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list node runs %d: %w", index, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []recordDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list node runs decode: %w", err)
	}
	out := make([]*runinfo.NodeRunInfo, 0, len(docs))
	for i := range docs {
		var info runinfo.NodeRunInfo
		if err = fromPayload(docs[i].Payload, &info); err != nil {
			return nil, err
		}
		out = append(out, &info)
	}
	return out, nil
}

// Close disconnects the client when the Store dialed it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// toPayload converts a record to a BSON document through its JSON encoding
// so stored field names match the JSON records of the other backends.
func toPayload(v any) (bson.M, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal run record: %w", err)
	}
	var doc bson.M
	if err = bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("convert run record: %w", err)
	}
	return doc, nil
}

func fromPayload(doc bson.M, v any) error {
	raw, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return fmt.Errorf("convert run record: %w", err)
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode run record: %w", err)
	}
	return nil
}
