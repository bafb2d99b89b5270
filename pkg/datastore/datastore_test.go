package datastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orka.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestInsertAndResolveChatEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := ChatEvent{
		MessageID: "msg-1",
		WorkerID:  "w1",
		SessionID: "s1",
		Role:      "user",
		Content:   "hello",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertChatEvent(ctx, ev))

	id, err := s.ChatEventIDByMessageID(ctx, "msg-1")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
}

func TestDuplicateMessageIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := ChatEvent{MessageID: "msg-1", WorkerID: "w1", SessionID: "s1", Role: "user", Content: "hi", CreatedAt: time.Now()}
	require.NoError(t, s.InsertChatEvent(ctx, ev))

	err := s.InsertChatEvent(ctx, ev)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestChatEventLookupMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ChatEventIDByMessageID(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertUsageEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertChatEvent(ctx, ChatEvent{
		MessageID: "msg-1", WorkerID: "w1", SessionID: "s1", Role: "assistant", Content: "reply", CreatedAt: time.Now(),
	}))
	id, err := s.ChatEventIDByMessageID(ctx, "msg-1")
	require.NoError(t, err)

	err = s.InsertUsageEvent(ctx, id, UsageEvent{
		MessageID:        "msg-1",
		WorkerID:         "w1",
		Model:            "m",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		CreatedAt:        time.Now(),
	})
	assert.NoError(t, err)
}
