// Package snapshot periodically serializes document state to object storage
// so joining sessions can hydrate without replaying the full op log.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/sequence"
	"github.com/example/shared-state-engine/internal/storage"
	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/wire"
)

const (
	defaultInterval     = 15 * time.Second
	defaultLogThreshold = int64(500)
)

// Payload is the snapshot body: the document replayed as its own op stream
// (which reconstructs visible text and tombstones exactly) plus the LWW
// property cells with their versions.
type Payload struct {
	Document   types.DocumentID      `json:"document_id"`
	LastOpID   types.OperationID     `json:"last_op_id"`
	Ops        []sequence.Op         `json:"ops"`
	Properties []wire.PropertyRecord `json:"properties,omitempty"`
}

// Log provides the op log operations the worker needs to decide when a
// snapshot is due and to publish the resulting reference.
type Log interface {
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (storage.SnapshotRef, error)
	OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
}

// State exposes the replica view the worker serializes.
type State interface {
	Documents() []types.DocumentID
	LastOperation(docID types.DocumentID) types.OperationID
	LastLSN(docID types.DocumentID) int64
	AllOps(docID types.DocumentID) []sequence.Op
	PropertyRecords(docID types.DocumentID) []wire.PropertyRecord
}

// Store uploads snapshot payloads to object storage.
type Store interface {
	Put(ctx context.Context, bucket, objectPath string, data []byte) error
}

// Worker watches per-document op log growth and emits snapshots to object
// storage once the backlog since the previous snapshot crosses the threshold.
type Worker struct {
	log    Log
	state  State
	store  Store
	bucket string

	interval     time.Duration
	logThreshold int64

	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker with default thresholds.
func NewWorker(log Log, state State, store Store, bucket string, logger zerolog.Logger) *Worker {
	return &Worker{
		log:          log,
		state:        state,
		store:        store,
		bucket:       bucket,
		interval:     defaultInterval,
		logThreshold: defaultLogThreshold,
		logger:       logger,
	}
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	for _, docID := range w.state.Documents() {
		if err := w.processDocument(ctx, docID); err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processDocument(ctx context.Context, docID types.DocumentID) error {
	if w.store == nil {
		return fmt.Errorf("object storage client not configured")
	}

	latest, err := w.log.LatestSnapshot(ctx, docID)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}

	backlog, err := w.log.OperationCountAfterLSN(ctx, docID, latest.LastLSN)
	if err != nil {
		return fmt.Errorf("count operations: %w", err)
	}
	if backlog < w.logThreshold {
		return nil
	}

	lastOp := w.state.LastOperation(docID)
	if lastOp == "" {
		return nil
	}

	payload := Payload{
		Document:   docID,
		LastOpID:   lastOp,
		Ops:        w.state.AllOps(docID),
		Properties: w.state.PropertyRecords(docID),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%s.json", docID, lastOp)
	if err := w.store.Put(ctx, w.bucket, objectPath, data); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Document:    docID,
		OperationID: lastOp,
		ObjectPath:  objectPath,
		LastLSN:     w.state.LastLSN(docID),
		CreatedAt:   time.Now().UTC(),
	}

	if err := w.log.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.logger.Info().Str("document", string(docID)).Str("op_id", string(lastOp)).Msg("snapshot created")
	return nil
}

// ObjectStore uploads payloads to MinIO/S3.
type ObjectStore struct {
	object *minio.Client
}

// NewObjectStore creates a store backed by MinIO/S3.
func NewObjectStore(object *minio.Client) *ObjectStore {
	return &ObjectStore{object: object}
}

// Put implements Store.
func (s *ObjectStore) Put(ctx context.Context, bucket, objectPath string, data []byte) error {
	if s.object == nil {
		return fmt.Errorf("object storage client not configured")
	}
	_, err := s.object.PutObject(ctx, bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
