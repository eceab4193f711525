package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/sequence"
	"github.com/example/shared-state-engine/internal/snapshot"
	"github.com/example/shared-state-engine/internal/storage"
	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/wire"
)

type fakeLog struct {
	snapshots map[types.DocumentID]storage.SnapshotRef
	records   map[types.DocumentID][]types.Record
	replays   int
}

func (f *fakeLog) LatestSnapshot(_ context.Context, docID types.DocumentID) (storage.SnapshotRef, error) {
	return f.snapshots[docID], nil
}

func (f *fakeLog) ReplayDocument(_ context.Context, docID types.DocumentID, fromLSN int64, handler func(types.Record) error) error {
	f.replays++
	for _, record := range f.records[docID] {
		if record.LSN <= fromLSN {
			continue
		}
		if err := handler(record); err != nil {
			return err
		}
	}
	return nil
}

type denyAuthorizer struct{}

func (denyAuthorizer) Authorize(context.Context, types.DocumentID) error {
	return errors.New("no access")
}

func textRecord(t *testing.T, lsn int64, docID types.DocumentID, opID types.OperationID, op sequence.Op) types.Record {
	t.Helper()
	payload, err := wire.Envelope{Text: &op}.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return types.Record{
		LSN:       lsn,
		Operation: opID,
		Document:  docID,
		Site:      op.ID.Site,
		Payload:   payload,
	}
}

// opHistory runs edits on a scratch replica and returns the resulting ops.
func opHistory(text string) []sequence.Op {
	doc := sequence.NewDocument("author")
	return doc.InsertText(0, text)
}

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestHydrateFromLogOnly(t *testing.T) {
	ops := opHistory("hi")
	log := &fakeLog{
		snapshots: map[types.DocumentID]storage.SnapshotRef{},
		records: map[types.DocumentID][]types.Record{
			"doc-1": {
				textRecord(t, 1, "doc-1", "op-1", ops[0]),
				textRecord(t, 2, "doc-1", "op-2", ops[1]),
			},
		},
	}

	svc := NewService(log, "bucket", MemoryLoader{}, discardLogger(), ServiceConfig{})
	resp, err := svc.Hydrate(context.Background(), Request{Document: "doc-1"})
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	if resp.Text != "hi" || resp.LSN != 2 || resp.OperationID != "op-2" {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Ops) != 2 {
		t.Fatalf("ops = %d, want 2", len(resp.Ops))
	}
}

func TestHydrateCombinesSnapshotAndTail(t *testing.T) {
	ops := opHistory("base+tail")
	base, tail := ops[:4], ops[4:]

	payload, err := json.Marshal(snapshot.Payload{
		Document: "doc-1",
		LastOpID: "op-4",
		Ops:      base,
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	records := make([]types.Record, 0, len(tail))
	for i, op := range tail {
		records = append(records, textRecord(t, int64(5+i), "doc-1", types.OperationID("op-tail"), op))
	}

	log := &fakeLog{
		snapshots: map[types.DocumentID]storage.SnapshotRef{
			"doc-1": {Document: "doc-1", OperationID: "op-4", ObjectPath: "snapshots/doc-1/a.json", LastLSN: 4},
		},
		records: map[types.DocumentID][]types.Record{"doc-1": records},
	}
	loader := MemoryLoader{Objects: map[string][]byte{"snapshots/doc-1/a.json": payload}}

	svc := NewService(log, "bucket", loader, discardLogger(), ServiceConfig{})
	resp, err := svc.Hydrate(context.Background(), Request{Document: "doc-1"})
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if resp.Text != "base+tail" {
		t.Fatalf("text = %q, want base+tail", resp.Text)
	}
	if resp.LSN != int64(4+len(tail)) {
		t.Fatalf("lsn = %d, want %d", resp.LSN, 4+len(tail))
	}
}

func TestHydrateCachesAssembledState(t *testing.T) {
	ops := opHistory("x")
	log := &fakeLog{
		snapshots: map[types.DocumentID]storage.SnapshotRef{},
		records: map[types.DocumentID][]types.Record{
			"doc-1": {textRecord(t, 1, "doc-1", "op-1", ops[0])},
		},
	}

	svc := NewService(log, "bucket", MemoryLoader{}, discardLogger(), ServiceConfig{CacheSize: 2})

	first, err := svc.Hydrate(context.Background(), Request{Document: "doc-1"})
	if err != nil {
		t.Fatalf("first hydrate: %v", err)
	}

	// New record lands after the cached state.
	tail := sequence.NewDocument("author-2")
	tailOp := tail.InsertChar(0, "y")
	log.records["doc-1"] = append(log.records["doc-1"], textRecord(t, 2, "doc-1", "op-2", tailOp))

	second, err := svc.Hydrate(context.Background(), Request{Document: "doc-1"})
	if err != nil {
		t.Fatalf("second hydrate: %v", err)
	}

	if second.LSN != 2 || len(second.Ops) != 2 {
		t.Fatalf("second response = %+v", second)
	}
	if first.LSN != 1 {
		t.Fatalf("first response mutated: %+v", first)
	}
	// Both hydrations replayed, but the second started from the cached LSN
	// rather than rescanning from zero.
	if log.replays != 2 {
		t.Fatalf("replays = %d, want 2", log.replays)
	}
}

func TestHydrateRequiresDocument(t *testing.T) {
	svc := NewService(&fakeLog{}, "bucket", MemoryLoader{}, discardLogger(), ServiceConfig{})
	if _, err := svc.Hydrate(context.Background(), Request{}); err == nil {
		t.Fatal("empty document id accepted")
	}
}

func TestHydrateHonorsAuthorizer(t *testing.T) {
	svc := NewService(&fakeLog{}, "bucket", MemoryLoader{}, discardLogger(), ServiceConfig{Authorizer: denyAuthorizer{}})
	if _, err := svc.Hydrate(context.Background(), Request{Document: "doc-1"}); err == nil {
		t.Fatal("denied document hydrated")
	}
}

func TestHTTPHandler(t *testing.T) {
	ops := opHistory("served")
	records := make([]types.Record, 0, len(ops))
	for i, op := range ops {
		records = append(records, textRecord(t, int64(i+1), "doc-9", types.OperationID("op"), op))
	}
	log := &fakeLog{
		snapshots: map[types.DocumentID]storage.SnapshotRef{},
		records:   map[types.DocumentID][]types.Record{"doc-9": records},
	}
	svc := NewService(log, "bucket", MemoryLoader{}, discardLogger(), ServiceConfig{})
	handler := NewHTTPHandler(svc, discardLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/documents/doc-9/state", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Document != "doc-9" || resp.Text != "served" {
		t.Fatalf("response = %+v", resp)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/documents/doc-9/state", nil))
	if rec.Code != 405 {
		t.Fatalf("status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/other/doc-9/state", nil))
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
