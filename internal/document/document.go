// Package document caches live replicated documents in memory and tracks
// the bookkeeping the persistence and eviction paths need: when a document
// was last used, whether it holds unsaved changes and how many sessions are
// attached to it.
package document

import (
	"context"
	"sync"
	"time"

	"github.com/example/collab-sync/internal/crdt"
	"github.com/example/collab-sync/internal/types"
)

// StoreFunc writes a snapshot to durable storage.
type StoreFunc func(ctx context.Context, docID types.DocumentID, snapshot []byte) error

// Document is one live document. Replica is safe for concurrent use; the
// remaining fields are guarded by mu.
type Document struct {
	ID      types.DocumentID
	Replica *crdt.Doc

	// writeMu serialises snapshot writes so an older write can never land
	// after a newer one.
	writeMu sync.Mutex

	mu           sync.Mutex
	lastAccessed time.Time
	dirty        bool
	version      uint64
	sessions     int
}

func newDocument(id types.DocumentID, replica *crdt.Doc, now time.Time) *Document {
	return &Document{ID: id, Replica: replica, lastAccessed: now}
}

// Touch records activity at now.
func (d *Document) Touch(now time.Time) {
	d.mu.Lock()
	if now.After(d.lastAccessed) {
		d.lastAccessed = now
	}
	d.mu.Unlock()
}

// LastAccessed returns the time of the most recent activity.
func (d *Document) LastAccessed() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAccessed
}

// MarkDirty records that the replica holds changes not yet persisted and
// returns the new version.
func (d *Document) MarkDirty() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version++
	d.dirty = true
	return d.version
}

// MarkClean clears the dirty flag when nothing was merged after version.
func (d *Document) MarkClean(version uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.version != version {
		return false
	}
	d.dirty = false
	return true
}

// Dirty reports whether the replica holds unpersisted changes.
func (d *Document) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Version counts local merges since the document was loaded.
func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Sessions returns the number of attached sessions.
func (d *Document) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// Snapshot serializes the current replica state together with the version
// it covers at least. The version is read first, so the bytes may include
// newer merges but never fewer.
func (d *Document) Snapshot() (uint64, []byte) {
	d.mu.Lock()
	version := d.version
	d.mu.Unlock()
	return version, d.Replica.Save()
}

// Persist writes the current state through store if the document is dirty.
// It reports whether a write was attempted. Writes for one document never
// overlap.
func (d *Document) Persist(ctx context.Context, store StoreFunc) (bool, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if !d.Dirty() {
		return false, nil
	}
	version, snapshot := d.Snapshot()
	if err := store(ctx, d.ID, snapshot); err != nil {
		return true, err
	}
	d.MarkClean(version)
	return true, nil
}
