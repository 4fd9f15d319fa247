package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/collab-sync/internal/observability"
	"github.com/example/collab-sync/internal/types"
)

// Gateway is the server's only path to durable storage.
//
// Fetch never fails: a missing snapshot or an unreachable backend both
// yield nil so the document opens empty and stays editable. Store reports
// failures so the caller can keep the document dirty and retry later.
type Gateway struct {
	backend     Backend
	timeout     time.Duration
	maxSnapshot int
	logger      zerolog.Logger
}

// ErrSnapshotTooLarge is returned by Store for snapshots that could not be
// read back or sent to a client in one frame.
var ErrSnapshotTooLarge = errors.New("snapshot too large")

// NewGateway wraps backend. A zero timeout leaves deadlines to the caller.
func NewGateway(backend Backend, timeout time.Duration, logger zerolog.Logger) *Gateway {
	return &Gateway{
		backend:     backend,
		timeout:     timeout,
		maxSnapshot: maxSnapshotSize,
		logger:      logger.With().Str("component", "storage").Logger(),
	}
}

// Fetch returns the stored snapshot for docID, or nil when there is none or
// the backend could not be reached.
func (g *Gateway) Fetch(ctx context.Context, docID types.DocumentID) []byte {
	ctx, span := tracer.Start(ctx, "storage.fetch", trace.WithAttributes(attribute.String("document", docID.String())))
	defer span.End()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	snapshot, err := g.backend.Fetch(ctx, docID)
	fetchLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrNotFound):
		fetchResults.WithLabelValues("miss").Inc()
		return nil
	case err != nil:
		fetchResults.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		logger := observability.LoggerWithTrace(ctx, g.logger)
		logger.Warn().Err(err).Str("document", docID.String()).Msg("fetch failed, starting empty")
		return nil
	}
	fetchResults.WithLabelValues("hit").Inc()
	span.SetAttributes(attribute.Int("snapshot.bytes", len(snapshot)))
	return snapshot
}

// Store writes snapshot as the latest state of docID.
func (g *Gateway) Store(ctx context.Context, docID types.DocumentID, snapshot []byte) error {
	ctx, span := tracer.Start(ctx, "storage.store", trace.WithAttributes(
		attribute.String("document", docID.String()),
		attribute.Int("snapshot.bytes", len(snapshot)),
	))
	defer span.End()
	if len(snapshot) > g.maxSnapshot {
		storeResults.WithLabelValues("too_large").Inc()
		span.SetStatus(codes.Error, "snapshot too large")
		return fmt.Errorf("%w: %d bytes", ErrSnapshotTooLarge, len(snapshot))
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := g.backend.Store(ctx, docID, snapshot)
	storeLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		storeResults.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return err
	}
	storeResults.WithLabelValues("ok").Inc()
	snapshotBytes.Observe(float64(len(snapshot)))
	return nil
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}
