package ws

import (
	"sync"

	"github.com/example/shared-state-engine/internal/types"
)

// Registry tracks active sessions keyed by document so downstream services
// can fan envelopes out efficiently.
type Registry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Session]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{documents: make(map[types.DocumentID]map[*Session]struct{})}
}

// Register associates the session with a document.
func (r *Registry) Register(docID types.DocumentID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[docID] == nil {
		r.documents[docID] = make(map[*Session]struct{})
	}
	r.documents[docID][s] = struct{}{}
	activeSessions.WithLabelValues(string(docID)).Set(float64(len(r.documents[docID])))
}

// Unregister removes the session.
func (r *Registry) Unregister(docID types.DocumentID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.documents[docID]
	if sessions == nil {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(r.documents, docID)
	}
	activeSessions.WithLabelValues(string(docID)).Set(float64(len(sessions)))
}

// Broadcast delivers the message to every session on the document except the
// originating site, so a replica never receives its own operations back.
// Returns how many sessions accepted the frame.
func (r *Registry) Broadcast(docID types.DocumentID, msg Message, skipSite types.SiteID) int {
	r.mu.RLock()
	sessions := r.documents[docID]
	if len(sessions) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Session, 0, len(sessions))
	for s := range sessions {
		if skipSite != "" && s.SiteID() == skipSite {
			continue
		}
		recipients = append(recipients, s)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range recipients {
		if err := s.SendMessage(msg); err == nil {
			sent++
		}
	}
	return sent
}
