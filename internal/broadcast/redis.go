// Package broadcast relays merged document changes between server
// instances over Redis Pub/Sub, so sessions attached to different
// instances still see each other's edits.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync/internal/types"
)

const (
	defaultTopicPrefix = "collab:doc:"
	defaultDedupeTTL   = 2 * time.Minute
	defaultOutbox      = 1024
	maxBackoffDelay    = 30 * time.Second
)

var (
	relayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "publish_to_apply_seconds",
		Help:      "Observed latency between publishing a change and applying it on another instance.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})

	relayDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "dropped_total",
		Help:      "Relay messages not delivered, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(relayLatency, relayDropped)
}

type redisMessage struct {
	DocumentID string `json:"document_id"`
	MessageID  string `json:"message_id"`
	InstanceID string `json:"instance_id"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Applier merges a change that originated on another instance.
type Applier interface {
	ApplyRemote(docID types.DocumentID, delta []byte) error
}

// RedisRelay publishes incremental document changes to a per-document topic
// and applies changes published by other instances.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	logger     zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration
	outbox      chan outbound

	seenMu sync.Mutex
	seen   map[string]time.Time
}

type outbound struct {
	topic   string
	encoded []byte
}

// NewRedisRelay constructs a relay backed by Redis Pub/Sub.
func NewRedisRelay(client *redis.Client, logger zerolog.Logger) *RedisRelay {
	id := uuid.NewString()
	return &RedisRelay{
		client:      client,
		instanceID:  id,
		logger:      logger.With().Str("component", "relay").Str("instance", id).Logger(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		outbox:      make(chan outbound, defaultOutbox),
		seen:        make(map[string]time.Time),
	}
}

// InstanceID identifies this process on the relay.
func (b *RedisRelay) InstanceID() string { return b.instanceID }

// Publish queues delta for delivery to other instances. It never blocks the
// caller; when the queue is full the change is dropped and peers catch up
// through their own sessions' sync.
func (b *RedisRelay) Publish(_ context.Context, docID types.DocumentID, delta []byte) error {
	msg := redisMessage{
		DocumentID: docID.String(),
		MessageID:  uuid.NewString(),
		InstanceID: b.instanceID,
		Payload:    delta,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	select {
	case b.outbox <- outbound{topic: b.topic(docID), encoded: encoded}:
		return nil
	default:
		relayDropped.WithLabelValues("outbox_full").Inc()
		return errors.New("relay outbox full")
	}
}

// Start begins publishing queued changes and consuming changes from other
// instances until ctx is cancelled.
func (b *RedisRelay) Start(ctx context.Context, applier Applier) {
	go b.publishLoop(ctx)
	go b.run(ctx, applier)
}

func (b *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.outbox:
			if err := b.publish(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
				relayDropped.WithLabelValues("publish_failed").Inc()
				b.logger.Warn().Err(err).Str("topic", out.topic).Msg("redis publish failed")
			}
		}
	}
}

func (b *RedisRelay) publish(ctx context.Context, out outbound) error {
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := b.client.Publish(ctx, out.topic, out.encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || attempt == 3 {
			return err
		}
		b.logger.Debug().Err(err).Str("topic", out.topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *RedisRelay) run(ctx context.Context, applier Applier) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
		if err := b.consume(ctx, pubsub, applier); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisRelay) consume(ctx context.Context, pubsub *redis.PubSub, applier Applier) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(msg, applier); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process relay message")
			}
		}
	}
}

func (b *RedisRelay) process(msg *redis.Message, applier Applier) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" || payload.MessageID == "" {
		return errors.New("incomplete payload")
	}
	if msg.Channel != "" && strings.TrimPrefix(msg.Channel, b.topicPrefix) != payload.DocumentID {
		return fmt.Errorf("payload for %q arrived on %q", payload.DocumentID, msg.Channel)
	}
	if payload.InstanceID == b.instanceID {
		return nil
	}
	if b.isDuplicate(payload.MessageID) {
		return nil
	}

	if payload.EnqueuedAt > 0 {
		relayLatency.Observe(time.Since(time.Unix(0, payload.EnqueuedAt)).Seconds())
	}
	return applier.ApplyRemote(types.DocumentID(payload.DocumentID), payload.Payload)
}

func (b *RedisRelay) topic(docID types.DocumentID) string {
	return b.topicPrefix + docID.String()
}

func (b *RedisRelay) isDuplicate(messageID string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[messageID]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}

	b.seen[messageID] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}
