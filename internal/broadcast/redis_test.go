package broadcast

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/collab-sync/internal/types"
)

type recordingApplier struct {
	docs   []types.DocumentID
	deltas [][]byte
}

func (r *recordingApplier) ApplyRemote(docID types.DocumentID, delta []byte) error {
	r.docs = append(r.docs, docID)
	r.deltas = append(r.deltas, delta)
	return nil
}

func published(t *testing.T, relay *RedisRelay) *redis.Message {
	t.Helper()
	select {
	case out := <-relay.outbox:
		return &redis.Message{Channel: out.topic, Payload: string(out.encoded)}
	default:
		t.Fatal("nothing queued")
		return nil
	}
}

func TestRelayAppliesChangesFromOtherInstances(t *testing.T) {
	a := NewRedisRelay(nil, zerolog.Nop())
	b := NewRedisRelay(nil, zerolog.Nop())
	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	require.NoError(t, a.Publish(context.Background(), "doc-1", []byte("delta")))
	msg := published(t, a)
	assert.Equal(t, "collab:doc:doc-1", msg.Channel)

	applier := &recordingApplier{}
	require.NoError(t, b.process(msg, applier))
	require.Len(t, applier.deltas, 1)
	assert.Equal(t, types.DocumentID("doc-1"), applier.docs[0])
	assert.Equal(t, []byte("delta"), applier.deltas[0])
}

func TestRelaySkipsOwnMessagesAndDuplicates(t *testing.T) {
	a := NewRedisRelay(nil, zerolog.Nop())
	b := NewRedisRelay(nil, zerolog.Nop())
	require.NoError(t, a.Publish(context.Background(), "doc", []byte("x")))
	msg := published(t, a)

	own := &recordingApplier{}
	require.NoError(t, a.process(msg, own))
	assert.Empty(t, own.deltas)

	other := &recordingApplier{}
	require.NoError(t, b.process(msg, other))
	require.NoError(t, b.process(msg, other))
	assert.Len(t, other.deltas, 1)
}

func TestRelayRejectsMalformedMessages(t *testing.T) {
	b := NewRedisRelay(nil, zerolog.Nop())
	applier := &recordingApplier{}

	require.Error(t, b.process(&redis.Message{Payload: "not json"}, applier))
	require.Error(t, b.process(&redis.Message{Payload: `{"document_id":"doc"}`}, applier))
	require.Error(t, b.process(&redis.Message{
		Channel: "collab:doc:other",
		Payload: `{"document_id":"doc","message_id":"m1","instance_id":"i"}`,
	}, applier))
	assert.Empty(t, applier.deltas)
}

func TestPublishDropsWhenOutboxFull(t *testing.T) {
	relay := NewRedisRelay(nil, zerolog.Nop())
	relay.outbox = make(chan outbound, 1)

	require.NoError(t, relay.Publish(context.Background(), "doc", []byte("1")))
	require.Error(t, relay.Publish(context.Background(), "doc", []byte("2")))
}
