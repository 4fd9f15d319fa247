package ws

import (
	"sync"

	"github.com/example/collab-sync/internal/types"
)

// ConnectionRegistry tracks relaying sessions keyed by document ID so merged
// changes can be fanned out efficiently.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Session]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{documents: make(map[types.DocumentID]map[*Session]struct{})}
}

// Register associates the session with its document.
func (r *ConnectionRegistry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	docID := s.doc.ID
	if r.documents[docID] == nil {
		r.documents[docID] = make(map[*Session]struct{})
	}
	r.documents[docID][s] = struct{}{}
	gatewayConnections.WithLabelValues(docID.String()).Set(float64(len(r.documents[docID])))
}

// Unregister removes the session.
func (r *ConnectionRegistry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	docID := s.doc.ID
	sessions := r.documents[docID]
	if sessions == nil {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(r.documents, docID)
		gatewayConnections.DeleteLabelValues(docID.String())
		return
	}
	gatewayConnections.WithLabelValues(docID.String()).Set(float64(len(sessions)))
}

// Sessions returns the sessions attached to docID, skipping skip.
func (r *ConnectionRegistry) Sessions(docID types.DocumentID, skip *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.documents[docID]
	out := make([]*Session, 0, len(sessions))
	for s := range sessions {
		if s != skip {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of sessions attached to docID.
func (r *ConnectionRegistry) Count(docID types.DocumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents[docID])
}
