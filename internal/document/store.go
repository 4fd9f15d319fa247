package document

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/example/collab-sync/internal/crdt"
	"github.com/example/collab-sync/internal/types"
)

// Fetcher returns the durable snapshot for a document, or nil when the
// document should start empty.
type Fetcher interface {
	Fetch(ctx context.Context, docID types.DocumentID) []byte
}

// Store holds at most one Document per identifier.
type Store struct {
	fetcher Fetcher
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	docs  map[types.DocumentID]*Document
	loads singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns an empty store populating cold documents from fetcher.
func NewStore(fetcher Fetcher, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		fetcher: fetcher,
		logger:  logger.With().Str("component", "document_store").Logger(),
		now:     time.Now,
		docs:    make(map[types.DocumentID]*Document),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the live document for id, loading it from durable
// storage the first time. Concurrent callers for the same cold document
// share a single fetch.
func (s *Store) GetOrCreate(ctx context.Context, id types.DocumentID) (*Document, error) {
	if doc, ok := s.Lookup(id); ok {
		doc.Touch(s.now())
		return doc, nil
	}

	res, err, _ := s.loads.Do(id.String(), func() (any, error) {
		if doc, ok := s.Lookup(id); ok {
			return doc, nil
		}
		// The load outlives the first caller so joined callers are not
		// failed by its cancellation.
		snapshot := s.fetcher.Fetch(context.WithoutCancel(ctx), id)
		replica, err := crdt.Load(snapshot)
		if err != nil {
			loadErrors.Inc()
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
		coldLoads.Inc()

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.docs[id]; ok {
			return existing, nil
		}
		doc := newDocument(id, replica, s.now())
		s.docs[id] = doc
		loadedDocuments.Set(float64(len(s.docs)))
		s.logger.Debug().Str("document", id.String()).Int("bytes", len(snapshot)).Msg("document loaded")
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	doc := res.(*Document)
	doc.Touch(s.now())
	return doc, nil
}

// Acquire resolves the document and attaches a session to it in one step
// with respect to eviction.
func (s *Store) Acquire(ctx context.Context, id types.DocumentID) (*Document, error) {
	for {
		doc, err := s.GetOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.docs[id] == doc {
			doc.mu.Lock()
			doc.sessions++
			doc.lastAccessed = s.now()
			doc.mu.Unlock()
			s.mu.Unlock()
			return doc, nil
		}
		s.mu.Unlock()
		// Evicted between load and attach; resolve again.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Release detaches a session. The last release makes the document eligible
// for eviction; it does not evict it.
func (s *Store) Release(doc *Document) {
	doc.mu.Lock()
	if doc.sessions > 0 {
		doc.sessions--
	}
	doc.lastAccessed = s.now()
	doc.mu.Unlock()
}

// Touch updates the last access time of a loaded document.
func (s *Store) Touch(id types.DocumentID) {
	if doc, ok := s.Lookup(id); ok {
		doc.Touch(s.now())
	}
}

// Lookup returns a loaded document without loading or touching it.
func (s *Store) Lookup(id types.DocumentID) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Evict removes the document from memory when no session references it and
// it holds no unsaved changes.
func (s *Store) Evict(id types.DocumentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return false
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.sessions > 0 || doc.dirty {
		return false
	}
	delete(s.docs, id)
	loadedDocuments.Set(float64(len(s.docs)))
	return true
}

// Documents returns the loaded documents ordered by identifier.
func (s *Store) Documents() []*Document {
	s.mu.RLock()
	out := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of loaded documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.now()
}
