package snapshot

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/engine"
	"github.com/example/shared-state-engine/internal/storage"
	"github.com/example/shared-state-engine/internal/types"
)

// fakeLog tracks appended-op totals per document and stores snapshot refs the
// way the real table does, one row per (document, op) pair.
type fakeLog struct {
	total     map[types.DocumentID]int64
	snapshots map[types.DocumentID]storage.SnapshotRef
	recorded  []storage.SnapshotRef
}

func (f *fakeLog) LatestSnapshot(_ context.Context, docID types.DocumentID) (storage.SnapshotRef, error) {
	return f.snapshots[docID], nil
}

func (f *fakeLog) OperationCountAfterLSN(_ context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	backlog := f.total[docID] - lsn
	if backlog < 0 {
		backlog = 0
	}
	return backlog, nil
}

func (f *fakeLog) RecordSnapshot(_ context.Context, ref storage.SnapshotRef) error {
	f.recorded = append(f.recorded, ref)
	f.snapshots[ref.Document] = ref
	return nil
}

type memStore struct {
	objects map[string][]byte
}

func (s *memStore) Put(_ context.Context, bucket, objectPath string, data []byte) error {
	s.objects[bucket+"/"+objectPath] = data
	return nil
}

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestWorkerEmitsAndAdvances(t *testing.T) {
	eng := engine.New("site-a", discardLogger())
	eng.InsertText("doc-1", 0, "hello")
	eng.MarkApplied("doc-1", "op-600", 600)

	log := &fakeLog{
		total:     map[types.DocumentID]int64{"doc-1": 600},
		snapshots: map[types.DocumentID]storage.SnapshotRef{},
	}
	store := &memStore{objects: map[string][]byte{}}

	w := NewWorker(log, eng, store, "snapshots", discardLogger())
	w.logThreshold = 500

	w.runOnce(context.Background())

	if len(log.recorded) != 1 {
		t.Fatalf("recorded = %d refs, want 1", len(log.recorded))
	}
	ref := log.recorded[0]
	if ref.OperationID != "op-600" || ref.LastLSN != 600 {
		t.Fatalf("ref = %+v", ref)
	}
	wantPath := fmt.Sprintf("snapshots/%s/%s.json", "doc-1", "op-600")
	if ref.ObjectPath != wantPath {
		t.Fatalf("object path = %q, want %q", ref.ObjectPath, wantPath)
	}

	data, ok := store.objects["snapshots/"+wantPath]
	if !ok {
		t.Fatalf("snapshot object missing, have %v", store.objects)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Document != "doc-1" || payload.LastOpID != "op-600" || len(payload.Ops) != 5 {
		t.Fatalf("payload = %+v", payload)
	}

	// Nothing new since the snapshot, so the next cycle is a no-op.
	w.runOnce(context.Background())
	if len(log.recorded) != 1 {
		t.Fatalf("recorded = %d refs after idle cycle, want 1", len(log.recorded))
	}

	// More traffic arrives on the live path and the watermark moves with it.
	eng.InsertText("doc-1", 5, "!")
	eng.MarkApplied("doc-1", "op-1200", 1200)
	log.total["doc-1"] = 1200

	w.runOnce(context.Background())
	if len(log.recorded) != 2 {
		t.Fatalf("recorded = %d refs after backlog regrew, want 2", len(log.recorded))
	}
	second := log.recorded[1]
	if second.OperationID != "op-1200" || second.LastLSN != 1200 {
		t.Fatalf("second ref = %+v", second)
	}
}

func TestWorkerSkipsDocumentWithoutWatermark(t *testing.T) {
	eng := engine.New("site-a", discardLogger())
	eng.InsertText("doc-1", 0, "x")

	log := &fakeLog{
		total:     map[types.DocumentID]int64{"doc-1": 600},
		snapshots: map[types.DocumentID]storage.SnapshotRef{},
	}
	store := &memStore{objects: map[string][]byte{}}

	w := NewWorker(log, eng, store, "snapshots", discardLogger())
	w.logThreshold = 500

	w.runOnce(context.Background())
	if len(log.recorded) != 0 || len(store.objects) != 0 {
		t.Fatalf("snapshot emitted for document with no watermark: refs=%d objects=%d", len(log.recorded), len(store.objects))
	}
}

func TestWorkerHonorsThreshold(t *testing.T) {
	eng := engine.New("site-a", discardLogger())
	eng.InsertText("doc-1", 0, "abc")
	eng.MarkApplied("doc-1", "op-3", 3)

	log := &fakeLog{
		total:     map[types.DocumentID]int64{"doc-1": 3},
		snapshots: map[types.DocumentID]storage.SnapshotRef{},
	}
	store := &memStore{objects: map[string][]byte{}}

	w := NewWorker(log, eng, store, "snapshots", discardLogger())
	w.logThreshold = 500

	w.runOnce(context.Background())
	if len(log.recorded) != 0 {
		t.Fatalf("recorded = %d refs below threshold, want 0", len(log.recorded))
	}
}
