package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Hashes(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "agent_status:w1", map[string]string{
		"status": "starting",
		"pid":    "42",
	}))

	fields, err := s.HGetAll(ctx, "agent_status:w1")
	require.NoError(t, err)
	assert.Equal(t, "starting", fields["status"])
	assert.Equal(t, "42", fields["pid"])

	require.NoError(t, s.HDel(ctx, "agent_status:w1", "pid"))
	fields, err = s.HGetAll(ctx, "agent_status:w1")
	require.NoError(t, err)
	assert.NotContains(t, fields, "pid")

	require.NoError(t, s.Del(ctx, "agent_status:w1"))
	fields, err = s.HGetAll(ctx, "agent_status:w1")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestMemoryStore_Keys(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "agent_status:w1", map[string]string{"status": "running"}))
	require.NoError(t, s.HSet(ctx, "agent_status:w2", map[string]string{"status": "stopped"}))
	require.NoError(t, s.HSet(ctx, "integration_status:bot:telegram", map[string]string{"status": "running"}))

	keys, err := s.Keys(ctx, AgentStatusPattern)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent_status:w1", "agent_status:w2"}, keys)

	keys, err = s.Keys(ctx, IntegrationStatusPattern)
	require.NoError(t, err)
	assert.Equal(t, []string{"integration_status:bot:telegram"}, keys)
}

func TestMemoryStore_PubSub(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "worker:w1:input")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "worker:w1:input", []byte("hello")))
	require.NoError(t, s.Publish(ctx, "worker:other:input", []byte("not for us")))

	msg, err := sub.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker:w1:input", msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Payload)

	// The non-matching channel message must never arrive.
	_, err = sub.Receive(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestMemoryStore_SubscriptionClose(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "worker_control:w1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, err = sub.Receive(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	// Close twice is fine.
	assert.NoError(t, sub.Close())
}

func TestMemoryStore_QueueFIFO(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.RPush(ctx, "history", []byte("first")))
	require.NoError(t, s.RPush(ctx, "history", []byte("second")))

	q, payload, err := s.BLPop(ctx, time.Second, "history")
	require.NoError(t, err)
	assert.Equal(t, "history", q)
	assert.Equal(t, []byte("first"), payload)

	_, payload, err = s.BLPop(ctx, time.Second, "history")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), payload)
}

func TestMemoryStore_BLPopTimeout(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	start := time.Now()
	_, _, err := s.BLPop(context.Background(), 50*time.Millisecond, "empty")
	assert.ErrorIs(t, err, ErrNoMessage)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryStore_BLPopWakesOnPush(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.RPush(ctx, "usage", []byte("event"))
	}()

	q, payload, err := s.BLPop(ctx, 2*time.Second, "history", "usage")
	require.NoError(t, err)
	assert.Equal(t, "usage", q)
	assert.Equal(t, []byte("event"), payload)
}
