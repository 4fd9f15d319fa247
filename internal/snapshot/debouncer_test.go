package snapshot

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
	"github.com/example/collab-sync/internal/document"
	"github.com/example/collab-sync/internal/types"
)

type emptyFetcher struct{}

func (emptyFetcher) Fetch(context.Context, types.DocumentID) []byte { return nil }

// recorder captures every write and can be told to fail.
type recorder struct {
	mu     sync.Mutex
	writes [][]byte
	times  []time.Time
	fail   atomic.Bool
}

func (r *recorder) store(_ context.Context, _ types.DocumentID, snapshot []byte) error {
	if r.fail.Load() {
		return errors.New("backend unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, snapshot)
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func (r *recorder) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.writes)
	doc, err := crdt.Load(r.writes[len(r.writes)-1])
	require.NoError(t, err)
	text, err := doc.Text()
	require.NoError(t, err)
	return text
}

func setup(t *testing.T, delay, maxWait time.Duration) (*document.Store, *Debouncer, *recorder) {
	t.Helper()
	store := document.NewStore(emptyFetcher{}, zerolog.Nop())
	rec := &recorder{}
	deb := NewDebouncer(store, rec.store, delay, maxWait, zerolog.Nop())
	t.Cleanup(func() { _ = deb.Close(context.Background()) })
	return store, deb, rec
}

func edit(t *testing.T, doc *document.Document, deb *Debouncer, s string) {
	t.Helper()
	require.NoError(t, doc.Replica.Append(s))
	doc.MarkDirty()
	deb.Schedule(doc.ID)
}

func TestBurstCoalescesIntoSingleWriteOfFinalState(t *testing.T) {
	store, deb, rec := setup(t, 80*time.Millisecond, time.Second)
	doc, err := store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)

	for _, s := range []string{"h", "e", "l", "l", "o"} {
		edit(t, doc, deb, s)
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, rec.count())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", rec.last(t))
	assert.False(t, doc.Dirty())
	assert.False(t, deb.Pending("doc"))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestContinuousEditsAreWrittenAtMaxWait(t *testing.T) {
	store, deb, rec := setup(t, 60*time.Millisecond, 150*time.Millisecond)
	doc, err := store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		edit(t, doc, deb, "x")
		time.Sleep(15 * time.Millisecond)
	}

	// Without the ceiling nothing would be written until editing stops.
	assert.GreaterOrEqual(t, rec.count(), 2)
}

func TestWriteReadsStateAtFireTime(t *testing.T) {
	store, deb, rec := setup(t, 50*time.Millisecond, time.Second)
	doc, err := store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)

	edit(t, doc, deb, "first")
	// Merged without scheduling: the pending write must still include it.
	require.NoError(t, doc.Replica.Append(" second"))
	doc.MarkDirty()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "first second", rec.last(t))
}

func TestFailedWriteKeepsDocumentDirty(t *testing.T) {
	store, deb, rec := setup(t, 20*time.Millisecond, time.Second)
	rec.fail.Store(true)
	doc, err := store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)

	edit(t, doc, deb, "keep me")
	require.Eventually(t, func() bool { return !deb.Pending("doc") }, time.Second, 5*time.Millisecond)
	assert.True(t, doc.Dirty())
	assert.Equal(t, 0, rec.count())

	rec.fail.Store(false)
	deb.Schedule("doc")
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, doc.Dirty())
	assert.Equal(t, "keep me", rec.last(t))
}

func TestCancelDropsPendingWrite(t *testing.T) {
	store, deb, rec := setup(t, 30*time.Millisecond, time.Second)
	doc, err := store.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)

	edit(t, doc, deb, "x")
	deb.Cancel("doc")
	assert.False(t, deb.Pending("doc"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.True(t, doc.Dirty())
}

func TestCloseFlushesDirtyDocuments(t *testing.T) {
	store, deb, rec := setup(t, time.Hour, time.Hour)
	a, err := store.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	b, err := store.GetOrCreate(context.Background(), "b")
	require.NoError(t, err)
	_, err = store.GetOrCreate(context.Background(), "clean")
	require.NoError(t, err)

	edit(t, a, deb, "alpha")
	edit(t, b, deb, "beta")

	require.NoError(t, deb.Close(context.Background()))
	assert.Equal(t, 2, rec.count())
	assert.False(t, a.Dirty())
	assert.False(t, b.Dirty())

	deb.Schedule("a")
	assert.False(t, deb.Pending("a"))
}

func TestNewDebouncerNormalisesDurations(t *testing.T) {
	deb := NewDebouncer(document.NewStore(emptyFetcher{}, zerolog.Nop()), nil, 0, 0, zerolog.Nop())
	assert.Equal(t, DefaultDelay, deb.delay)
	assert.Equal(t, DefaultMaxWait, deb.maxWait)

	deb = NewDebouncer(document.NewStore(emptyFetcher{}, zerolog.Nop()), nil, time.Second, time.Millisecond, zerolog.Nop())
	assert.Equal(t, time.Second, deb.maxWait)
}
