package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabil/orka/pkg/statestore"
)

func newTestTelegram(t *testing.T) *Telegram {
	t.Helper()
	tg, err := NewTelegram(TelegramConfig{
		Token:    "test-token",
		WorkerID: "w1",
		Store:    statestore.NewMemoryStore(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return tg
}

func TestNewTelegramValidation(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{WorkerID: "w1", Store: statestore.NewMemoryStore(), Logger: zerolog.Nop()})
	assert.Error(t, err)

	_, err = NewTelegram(TelegramConfig{Token: "tok", WorkerID: "w1", Logger: zerolog.Nop()})
	assert.Error(t, err)

	_, err = NewTelegram(TelegramConfig{Token: "tok", WorkerID: "bad:id", Store: statestore.NewMemoryStore(), Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestTelegramUpdateForwardedToAgentInput(t *testing.T) {
	tg := newTestTelegram(t)
	ctx := context.Background()

	sub, err := tg.cfg.Store.Subscribe(ctx, tg.agent.InputChannel())
	require.NoError(t, err)
	defer sub.Close()

	update := tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			MessageID: 42,
			Text:      "hello bot",
			Chat:      &tgbotapi.Chat{ID: 991},
			From:      &tgbotapi.User{UserName: "alice"},
		},
	}
	require.NoError(t, tg.handleUpdate(ctx, update))

	msg, err := sub.Receive(ctx, 3*time.Second)
	require.NoError(t, err)

	var in Inbound
	require.NoError(t, json.Unmarshal(msg.Payload, &in))
	assert.Equal(t, "42", in.MessageID)
	assert.Equal(t, "991", in.SessionID)
	assert.Equal(t, "alice", in.Sender)
	assert.Equal(t, "hello bot", in.Content)
}

func TestTelegramIgnoresNonTextUpdates(t *testing.T) {
	tg := newTestTelegram(t)

	assert.NoError(t, tg.handleUpdate(context.Background(), tgbotapi.Update{UpdateID: 2}))
	assert.NoError(t, tg.handleUpdate(context.Background(), tgbotapi.Update{
		UpdateID: 3,
		Message:  &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}},
	}))
}

func TestTelegramReplySentToChat(t *testing.T) {
	tg := newTestTelegram(t)

	var sentChat int64
	var sentText string
	tg.send = func(chatID int64, text string) error {
		sentChat = chatID
		sentText = text
		return nil
	}

	raw, err := json.Marshal(Outbound{SessionID: "991", Content: "reply text"})
	require.NoError(t, err)
	require.NoError(t, tg.handleReply(context.Background(), raw))

	assert.Equal(t, int64(991), sentChat)
	assert.Equal(t, "reply text", sentText)
}

func TestTelegramReplyRejectsBadSession(t *testing.T) {
	tg := newTestTelegram(t)
	tg.send = func(int64, string) error { return nil }

	raw, err := json.Marshal(Outbound{SessionID: "not-a-chat-id", Content: "x"})
	require.NoError(t, err)
	assert.Error(t, tg.handleReply(context.Background(), raw))
}
