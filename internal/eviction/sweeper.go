// Package eviction reclaims memory held by documents nobody is editing.
package eviction

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync/internal/document"
	"github.com/example/collab-sync/internal/types"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultIdleTimeout = 90 * time.Second
)

var (
	evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eviction",
		Name:      "evicted_total",
		Help:      "Documents removed from memory after going idle.",
	})

	skipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eviction",
		Name:      "skipped_total",
		Help:      "Idle documents kept in memory, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(evictions, skipped)
}

// Cache is the document store as seen by the sweeper.
type Cache interface {
	Documents() []*document.Document
	Evict(id types.DocumentID) bool
	Now() time.Time
}

// Flusher writes a dirty document and cancels its pending write.
type Flusher interface {
	Flush(ctx context.Context, doc *document.Document) error
	Cancel(id types.DocumentID)
}

// Sweeper periodically evicts idle documents, writing back unsaved changes
// first.
type Sweeper struct {
	cache    Cache
	flusher  Flusher
	interval time.Duration
	idle     time.Duration
	logger   zerolog.Logger
}

// NewSweeper constructs a sweeper. Non-positive durations use the defaults.
func NewSweeper(cache Cache, flusher Flusher, interval, idle time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Sweeper{
		cache:    cache,
		flusher:  flusher,
		interval: interval,
		idle:     idle,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass and returns the number of evicted documents.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.cache.Now()
	evicted := 0
	for _, doc := range s.cache.Documents() {
		if ctx.Err() != nil {
			break
		}
		if doc.Sessions() > 0 || now.Sub(doc.LastAccessed()) <= s.idle {
			continue
		}
		logger := s.logger.With().Str("document", doc.ID.String()).Logger()

		if doc.Dirty() {
			if err := s.flusher.Flush(ctx, doc); err != nil {
				skipped.WithLabelValues("flush_failed").Inc()
				logger.Warn().Err(err).Msg("write-back before eviction failed, keeping document")
				continue
			}
		}
		if !s.cache.Evict(doc.ID) {
			// A session attached or a merge landed since the checks above.
			skipped.WithLabelValues("busy").Inc()
			continue
		}
		s.flusher.Cancel(doc.ID)
		evictions.Inc()
		evicted++
		logger.Info().Dur("idle", now.Sub(doc.LastAccessed())).Msg("document evicted")
	}
	return evicted
}
