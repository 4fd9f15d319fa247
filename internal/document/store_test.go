package document

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/collab-sync/internal/crdt"
	"github.com/example/collab-sync/internal/types"
)

type countingFetcher struct {
	calls    atomic.Int32
	snapshot []byte
	delay    time.Duration
}

func (f *countingFetcher) Fetch(context.Context, types.DocumentID) []byte {
	f.calls.Add(1)
	time.Sleep(f.delay)
	return f.snapshot
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetOrCreateFetchesOncePerColdDocument(t *testing.T) {
	fetcher := &countingFetcher{delay: 20 * time.Millisecond}
	store := NewStore(fetcher, zerolog.Nop())

	var wg sync.WaitGroup
	docs := make([]*Document, 8)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := store.GetOrCreate(context.Background(), "doc")
			assert.NoError(t, err)
			docs[i] = doc
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, fetcher.calls.Load())
	for _, d := range docs[1:] {
		assert.Same(t, docs[0], d)
	}
	assert.Equal(t, 1, store.Len())

	_, err := store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestGetOrCreatePopulatesFromSnapshot(t *testing.T) {
	src := crdt.New()
	require.NoError(t, src.Insert(0, "stored"))
	store := NewStore(&countingFetcher{snapshot: src.Save()}, zerolog.Nop())

	doc, err := store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)
	text, err := doc.Replica.Text()
	require.NoError(t, err)
	assert.Equal(t, "stored", text)
	assert.False(t, doc.Dirty())
}

func TestGetOrCreateRejectsCorruptSnapshot(t *testing.T) {
	store := NewStore(&countingFetcher{snapshot: []byte("garbage")}, zerolog.Nop())
	_, err := store.GetOrCreate(context.Background(), "doc")
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestGetOrCreateRefreshesLastAccessed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := NewStore(&countingFetcher{}, zerolog.Nop(), WithClock(clock.Now))

	doc, err := store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1000, 0), doc.LastAccessed())

	clock.Advance(time.Minute)
	_, err = store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1060, 0), doc.LastAccessed())

	clock.Advance(time.Minute)
	store.Touch("doc")
	assert.Equal(t, time.Unix(1120, 0), doc.LastAccessed())
}

func TestEvictRespectsSessionsAndDirtyState(t *testing.T) {
	store := NewStore(&countingFetcher{}, zerolog.Nop())
	ctx := context.Background()

	doc, err := store.Acquire(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Sessions())
	assert.False(t, store.Evict("doc"), "attached session blocks eviction")

	store.Release(doc)
	assert.Equal(t, 0, doc.Sessions())
	v := doc.MarkDirty()
	assert.False(t, store.Evict("doc"), "dirty document blocks eviction")

	require.True(t, doc.MarkClean(v))
	assert.True(t, store.Evict("doc"))
	_, ok := store.Lookup("doc")
	assert.False(t, ok)
	assert.False(t, store.Evict("doc"))
}

func TestAcquireAfterEvictionLoadsFreshDocument(t *testing.T) {
	fetcher := &countingFetcher{}
	store := NewStore(fetcher, zerolog.Nop())
	ctx := context.Background()

	first, err := store.Acquire(ctx, "doc")
	require.NoError(t, err)
	store.Release(first)
	require.True(t, store.Evict("doc"))

	second, err := store.Acquire(ctx, "doc")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestMarkCleanIgnoresStaleVersion(t *testing.T) {
	doc := newDocument("doc", crdt.New(), time.Now())
	v1 := doc.MarkDirty()
	v2 := doc.MarkDirty()

	assert.False(t, doc.MarkClean(v1))
	assert.True(t, doc.Dirty())
	assert.True(t, doc.MarkClean(v2))
	assert.False(t, doc.Dirty())
}

func TestPersistWritesCurrentStateAndClears(t *testing.T) {
	doc := newDocument("doc", crdt.New(), time.Now())
	ctx := context.Background()

	var written [][]byte
	store := func(_ context.Context, _ types.DocumentID, snapshot []byte) error {
		written = append(written, snapshot)
		return nil
	}

	attempted, err := doc.Persist(ctx, store)
	require.NoError(t, err)
	assert.False(t, attempted, "clean documents are not written")

	require.NoError(t, doc.Replica.Insert(0, "hello"))
	doc.MarkDirty()
	attempted, err = doc.Persist(ctx, store)
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.False(t, doc.Dirty())

	require.Len(t, written, 1)
	loaded, err := crdt.Load(written[0])
	require.NoError(t, err)
	text, err := loaded.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestPersistKeepsDirtyOnFailure(t *testing.T) {
	doc := newDocument("doc", crdt.New(), time.Now())
	doc.MarkDirty()

	boom := errors.New("backend down")
	attempted, err := doc.Persist(context.Background(), func(context.Context, types.DocumentID, []byte) error {
		return boom
	})
	assert.True(t, attempted)
	require.ErrorIs(t, err, boom)
	assert.True(t, doc.Dirty())
}

func TestPersistKeepsDirtyWhenMergedDuringWrite(t *testing.T) {
	doc := newDocument("doc", crdt.New(), time.Now())
	doc.MarkDirty()

	_, err := doc.Persist(context.Background(), func(context.Context, types.DocumentID, []byte) error {
		doc.MarkDirty()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, doc.Dirty())
}
