// Package snapshot coalesces document changes into occasional durable
// writes.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync/internal/document"
	"github.com/example/collab-sync/internal/types"
)

const (
	DefaultDelay   = 5 * time.Second
	DefaultMaxWait = 10 * time.Second
)

// Documents resolves live documents by identifier.
type Documents interface {
	Lookup(id types.DocumentID) (*document.Document, bool)
	Documents() []*document.Document
}

// Debouncer keeps at most one pending write per document. Every Schedule
// pushes the write back by the delay, but never past maxWait after the
// first Schedule of the burst, so a continuously edited document is still
// saved regularly.
type Debouncer struct {
	docs    Documents
	persist document.StoreFunc
	delay   time.Duration
	maxWait time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	pending  map[types.DocumentID]*pendingWrite
	closed   bool
	inflight sync.WaitGroup
}

type pendingWrite struct {
	first time.Time
	seq   uint64
	timer *time.Timer
}

// NewDebouncer constructs a debouncer writing through persist. Non-positive
// durations fall back to the defaults; maxWait is raised to delay if lower.
func NewDebouncer(docs Documents, persist document.StoreFunc, delay, maxWait time.Duration, logger zerolog.Logger) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if maxWait < delay {
		maxWait = delay
	}
	return &Debouncer{
		docs:    docs,
		persist: persist,
		delay:   delay,
		maxWait: maxWait,
		logger:  logger.With().Str("component", "debouncer").Logger(),
		now:     time.Now,
		pending: make(map[types.DocumentID]*pendingWrite),
	}
}

// Schedule arms or pushes back the pending write for id.
func (d *Debouncer) Schedule(id types.DocumentID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	now := d.now()
	p, ok := d.pending[id]
	if !ok {
		p = &pendingWrite{first: now}
		d.pending[id] = p
		pendingWrites.Inc()
	}
	wait := d.delay
	if ceiling := p.first.Add(d.maxWait).Sub(now); ceiling < wait {
		wait = max(ceiling, 0)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.seq++
	seq := p.seq
	p.timer = time.AfterFunc(wait, func() { d.fire(id, p, seq) })
}

// Pending reports whether a write is scheduled for id.
func (d *Debouncer) Pending(id types.DocumentID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

func (d *Debouncer) fire(id types.DocumentID, p *pendingWrite, seq uint64) {
	d.mu.Lock()
	if d.closed || d.pending[id] != p || p.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	pendingWrites.Dec()
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	debounceDelay.Observe(d.now().Sub(p.first).Seconds())

	doc, ok := d.docs.Lookup(id)
	if !ok {
		return
	}
	if err := d.Flush(context.Background(), doc); err != nil {
		d.logger.Warn().Err(err).Str("document", id.String()).Msg("debounced write failed, document stays dirty")
	}
}

// Flush synchronously writes doc if it is dirty. The state written is read
// at call time.
func (d *Debouncer) Flush(ctx context.Context, doc *document.Document) error {
	attempted, err := doc.Persist(ctx, d.persist)
	if !attempted {
		return nil
	}
	if err != nil {
		writes.WithLabelValues("error").Inc()
		return fmt.Errorf("persist %s: %w", doc.ID, err)
	}
	writes.WithLabelValues("ok").Inc()
	d.logger.Debug().Str("document", doc.ID.String()).Msg("document persisted")
	return nil
}

// Cancel drops the pending write for id, if any.
func (d *Debouncer) Cancel(id types.DocumentID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[id]; ok {
		p.timer.Stop()
		delete(d.pending, id)
		pendingWrites.Dec()
	}
}

// Close stops every timer, waits for writes already in progress and then
// flushes every dirty document. Later Schedule calls are ignored.
func (d *Debouncer) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
		pendingWrites.Dec()
	}
	d.mu.Unlock()
	d.inflight.Wait()

	var errs []error
	for _, doc := range d.docs.Documents() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := d.Flush(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
