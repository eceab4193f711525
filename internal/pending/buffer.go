// Package pending implements host-side buffering for inserts that arrive
// before their predecessor. The sequence engine itself rejects such inserts
// without queuing them; retrying is deliberately a host concern, and this
// buffer is that host machinery.
package pending

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/sequence"
	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/wire"
)

// ErrMissingPredecessor is returned when an insert is parked because its
// predecessor character has not been seen yet.
var ErrMissingPredecessor = errors.New("insert delayed: predecessor not yet seen")

// Target is the replica state the buffer delivers into. *engine.Engine
// satisfies it.
type Target interface {
	ApplyEnvelope(docID types.DocumentID, env wire.Envelope) bool
	HasChar(docID types.DocumentID, id sequence.CharID) bool
}

// Buffer parks inserts keyed by the character id they are waiting for and
// flushes them, transitively, as soon as that character applies.
type Buffer struct {
	mu      sync.Mutex
	target  Target
	waiting map[types.DocumentID]map[sequence.CharID][]wire.Envelope
	logger  zerolog.Logger

	deferred *prometheus.CounterVec
}

// NewBuffer constructs a buffer delivering into the provided target.
func NewBuffer(target Target, logger zerolog.Logger) *Buffer {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pending",
		Name:      "inserts_deferred_total",
		Help:      "Inserts parked while waiting for their predecessor to arrive.",
	}, []string{"document"})

	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &Buffer{
		target:   target,
		waiting:  make(map[types.DocumentID]map[sequence.CharID][]wire.Envelope),
		logger:   logger,
		deferred: counter,
	}
}

// Deliver applies an envelope, parking inserts whose predecessor is unseen
// and returning ErrMissingPredecessor for them. Applying a character flushes
// everything that was waiting on it, transitively, so a burst delivered in
// reverse order settles in one call chain.
//
// The predecessor check and the park happen under one lock. A concurrent
// Deliver of the predecessor either applies before the check (so the check
// sees it) or runs its flush after the park (so the flush sees the parked
// insert); the insert can never fall between the two.
func (b *Buffer) Deliver(docID types.DocumentID, env wire.Envelope) error {
	op := env.Text
	if op != nil && op.Type == sequence.OpInsert && op.AfterID != nil {
		b.mu.Lock()
		if !b.target.HasChar(docID, *op.AfterID) {
			b.parkLocked(docID, *op.AfterID, env)
			b.mu.Unlock()

			b.deferred.WithLabelValues(string(docID)).Inc()
			b.logger.Info().
				Str("document", string(docID)).
				Str("id", op.ID.String()).
				Str("waiting_for", op.AfterID.String()).
				Msg("parked insert pending predecessor")
			return ErrMissingPredecessor
		}
		b.mu.Unlock()
	}

	b.target.ApplyEnvelope(docID, env)
	if op != nil && op.Type == sequence.OpInsert {
		b.flush(docID, op.ID)
	}
	return nil
}

// Depth returns how many envelopes are currently parked for a document.
func (b *Buffer) Depth(docID types.DocumentID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, q := range b.waiting[docID] {
		total += len(q)
	}
	return total
}

func (b *Buffer) parkLocked(docID types.DocumentID, after sequence.CharID, env wire.Envelope) {
	queues := b.waiting[docID]
	if queues == nil {
		queues = make(map[sequence.CharID][]wire.Envelope)
		b.waiting[docID] = queues
	}
	queues[after] = append(queues[after], env)
}

// flush applies everything waiting on the arrived id, then walks the chain of
// inserts those applications unblocked.
func (b *Buffer) flush(docID types.DocumentID, arrived sequence.CharID) {
	frontier := []sequence.CharID{arrived}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		for _, env := range b.takeWaiting(docID, id) {
			b.target.ApplyEnvelope(docID, env)
			b.logger.Info().
				Str("document", string(docID)).
				Str("id", env.Text.ID.String()).
				Msg("applied previously parked insert")
			frontier = append(frontier, env.Text.ID)
		}
	}
}

func (b *Buffer) takeWaiting(docID types.DocumentID, id sequence.CharID) []wire.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	queues := b.waiting[docID]
	q := queues[id]
	if len(q) > 0 {
		delete(queues, id)
	}
	return q
}
