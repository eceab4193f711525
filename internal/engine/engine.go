// Package engine hosts per-document replica state: the text sequence CRDT
// plus an LWW property map (scroll position, cursor styles, anything scalar
// the sessions share). The CRDT types themselves are single-threaded by
// contract; the engine provides the serialization they require.
package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/lww"
	"github.com/example/shared-state-engine/internal/sequence"
	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/wire"
)

// Engine owns the replicated state for every loaded document and tracks the
// op-log position each document has applied up to.
type Engine struct {
	mu      sync.RWMutex
	siteID  types.SiteID
	docs    map[types.DocumentID]*sequence.Document
	props   map[types.DocumentID]*lww.Map[json.RawMessage]
	lastLSN map[types.DocumentID]int64
	lastOp  map[types.DocumentID]types.OperationID
	logger  zerolog.Logger
}

// New constructs an Engine with the provided site identifier and logger.
func New(siteID types.SiteID, logger zerolog.Logger) *Engine {
	return &Engine{
		siteID:  siteID,
		docs:    make(map[types.DocumentID]*sequence.Document),
		props:   make(map[types.DocumentID]*lww.Map[json.RawMessage]),
		lastLSN: make(map[types.DocumentID]int64),
		lastOp:  make(map[types.DocumentID]types.OperationID),
		logger:  logger,
	}
}

// Document returns the sequence document for a document ID, creating it if
// necessary. The returned document is not internally synchronized; callers
// that bypass the engine's mutation methods must serialize access themselves.
func (e *Engine) Document(docID types.DocumentID) *sequence.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.document(docID)
}

func (e *Engine) document(docID types.DocumentID) *sequence.Document {
	doc, ok := e.docs[docID]
	if !ok {
		doc = sequence.NewDocument(e.siteID)
		e.docs[docID] = doc
		documentsLoaded.Set(float64(len(e.docs)))
	}
	return doc
}

func (e *Engine) properties(docID types.DocumentID) *lww.Map[json.RawMessage] {
	m, ok := e.props[docID]
	if !ok {
		m = lww.NewMap[json.RawMessage]()
		e.props[docID] = m
	}
	return m
}

// InsertText performs a local edit and returns the envelopes to replicate,
// one per inserted character.
func (e *Engine) InsertText(docID types.DocumentID, visiblePos int, text string) []wire.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()

	ops := e.document(docID).InsertText(visiblePos, text)
	envs := make([]wire.Envelope, len(ops))
	for i := range ops {
		envs[i] = wire.Envelope{Text: &ops[i]}
	}
	return envs
}

// DeleteText tombstones up to count visible characters starting at start and
// returns the envelopes to replicate. Fewer envelopes than count means the
// document ran out of visible characters.
func (e *Engine) DeleteText(docID types.DocumentID, start, count int) []wire.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()

	ops := e.document(docID).DeleteText(start, count)
	envs := make([]wire.Envelope, len(ops))
	for i := range ops {
		envs[i] = wire.Envelope{Text: &ops[i]}
	}
	return envs
}

// SetProperty performs a local LWW write on the document's property map and
// returns the envelope to replicate along with whether the write won.
func (e *Engine) SetProperty(docID types.DocumentID, key string, value json.RawMessage, ts int64) (wire.Envelope, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	accepted := e.properties(docID).Set(key, value, e.siteID, ts)
	rec := wire.PropertyRecord{Key: key, Value: value, Timestamp: ts, Site: e.siteID}
	return wire.Envelope{Property: &rec}, accepted
}

// ApplyEnvelope integrates a remote, already-validated envelope. The boolean
// reports whether the operation changed state; a false return covers expected
// protocol outcomes (duplicates, stale LWW writes, unseen predecessors) and
// is not an error.
func (e *Engine) ApplyEnvelope(docID types.DocumentID, env wire.Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(docID, env)
}

func (e *Engine) applyLocked(docID types.DocumentID, env wire.Envelope) bool {
	if env.Text != nil {
		return e.document(docID).Apply(*env.Text)
	}
	if env.Property != nil {
		p := env.Property
		return e.properties(docID).Set(p.Key, p.Value, p.Site, p.Timestamp)
	}
	return false
}

// ApplyRecord replays an op-log record: it decodes the envelope payload,
// applies it, and advances the document's LSN watermark. A rejected operation
// still advances the watermark, since the record has been observed.
func (e *Engine) ApplyRecord(record types.Record) error {
	start := time.Now()
	defer func() {
		applyLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())
	}()

	env, err := wire.DecodeEnvelope(record.Payload)
	if err != nil {
		e.logger.Error().Err(err).
			Str("document", string(record.Document)).
			Str("operation", string(record.Operation)).
			Msg("malformed op log payload")
		return fmt.Errorf("apply record %s: %w", record.Operation, err)
	}

	e.mu.Lock()
	applied := e.applyLocked(record.Document, env)
	e.lastLSN[record.Document] = record.LSN
	e.lastOp[record.Document] = record.Operation
	e.mu.Unlock()

	if !applied {
		e.logger.Debug().
			Str("document", string(record.Document)).
			Str("operation", string(record.Operation)).
			Msg("op log record rejected by replica state")
	}
	return nil
}

// MarkApplied advances the document's op-log watermark for an operation that
// was persisted and delivered on the live path, where records never pass
// through ApplyRecord. Stale positions are ignored so replay and live traffic
// can both report without regressing the watermark.
func (e *Engine) MarkApplied(docID types.DocumentID, opID types.OperationID, lsn int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lsn <= e.lastLSN[docID] {
		return
	}
	e.lastLSN[docID] = lsn
	e.lastOp[docID] = opID
}

// HasChar reports whether the document already knows a character id. The
// pending buffer uses this to decide when an insert's predecessor is present.
func (e *Engine) HasChar(docID types.DocumentID, id sequence.CharID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[docID]
	return ok && doc.Contains(id)
}

// VisibleText returns the document's current visible text.
func (e *Engine) VisibleText(docID types.DocumentID) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[docID]
	if !ok {
		return ""
	}
	return doc.Value()
}

// AllOps replays the document's full state as a causally ordered op list,
// sufficient to hydrate a brand-new replica including its tombstones.
func (e *Engine) AllOps(docID types.DocumentID) []sequence.Op {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[docID]
	if !ok {
		return nil
	}
	return doc.AllOps()
}

// PropertyRecords exports the document's property cells with their versions,
// for snapshots.
func (e *Engine) PropertyRecords(docID types.DocumentID) []wire.PropertyRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.props[docID]
	if !ok {
		return nil
	}
	records := make([]wire.PropertyRecord, 0, m.Len())
	for _, key := range m.Keys() {
		value, _ := m.Get(key)
		ts, site, _ := m.Version(key)
		records = append(records, wire.PropertyRecord{Key: key, Value: value, Timestamp: ts, Site: site})
	}
	return records
}

// Restore seeds a document from a snapshot payload, replacing any in-memory
// state, and pins its LSN watermark so op-log replay resumes from there.
func (e *Engine) Restore(docID types.DocumentID, ops []sequence.Op, props []wire.PropertyRecord, lastOp types.OperationID, lsn int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc := sequence.NewDocument(e.siteID)
	for _, op := range ops {
		doc.Apply(op)
	}
	e.docs[docID] = doc

	m := lww.NewMap[json.RawMessage]()
	for _, p := range props {
		m.Set(p.Key, p.Value, p.Site, p.Timestamp)
	}
	e.props[docID] = m

	e.lastLSN[docID] = lsn
	e.lastOp[docID] = lastOp
	documentsLoaded.Set(float64(len(e.docs)))
}

// LastLSN returns the highest applied op-log position for the document.
func (e *Engine) LastLSN(docID types.DocumentID) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastLSN[docID]
}

// LastOperation returns the id of the last applied op-log record.
func (e *Engine) LastOperation(docID types.DocumentID) types.OperationID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastOp[docID]
}

// Documents returns the documents currently loaded in memory.
func (e *Engine) Documents() []types.DocumentID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	docs := make([]types.DocumentID, 0, len(e.docs))
	for docID := range e.docs {
		docs = append(docs, docID)
	}
	return docs
}
