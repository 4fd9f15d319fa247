// Package storage persists document snapshots. A Backend is a plain
// key/value blob store keyed by document; the Gateway wraps one with the
// fail-open fetch and fail-loud store semantics the server relies on.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/collab-sync/internal/types"
)

// ErrNotFound is returned by a Backend that has no snapshot for a document.
var ErrNotFound = errors.New("snapshot not found")

// Backend stores the latest snapshot of each document.
type Backend interface {
	Fetch(ctx context.Context, docID types.DocumentID) ([]byte, error)
	Store(ctx context.Context, docID types.DocumentID, snapshot []byte) error
}

// MemoryBackend keeps snapshots in process memory. It is used for local
// development and in tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	blobs  map[types.DocumentID][]byte
	writes map[types.DocumentID]int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		blobs:  make(map[types.DocumentID][]byte),
		writes: make(map[types.DocumentID]int),
	}
}

func (m *MemoryBackend) Fetch(_ context.Context, docID types.DocumentID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (m *MemoryBackend) Store(_ context.Context, docID types.DocumentID, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[docID] = append([]byte(nil), snapshot...)
	m.writes[docID]++
	return nil
}

// Writes reports how many times a document has been stored.
func (m *MemoryBackend) Writes(docID types.DocumentID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[docID]
}
