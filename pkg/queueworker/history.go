package queueworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/pkg/datastore"
)

// DefaultHistoryQueue is the list chat workers push history envelopes onto.
const DefaultHistoryQueue = "chat_history_queue"

// chatEventPayload is the envelope payload shape chat workers produce.
type chatEventPayload struct {
	MessageID string `json:"message_id"`
	WorkerID  string `json:"worker_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func (p chatEventPayload) validate() error {
	switch {
	case p.MessageID == "":
		return fmt.Errorf("%w: missing message_id", ErrMessageParse)
	case p.WorkerID == "":
		return fmt.Errorf("%w: missing worker_id", ErrMessageParse)
	case p.Role == "":
		return fmt.Errorf("%w: missing role", ErrMessageParse)
	}
	return nil
}

// HistoryPersister writes chat-history envelopes into the datastore.
type HistoryPersister struct {
	store  datastore.ChatEventStore
	queue  string
	logger zerolog.Logger
}

// NewHistoryPersister creates the history-queue processor.
func NewHistoryPersister(store datastore.ChatEventStore, queue string, logger zerolog.Logger) *HistoryPersister {
	if queue == "" {
		queue = DefaultHistoryQueue
	}
	return &HistoryPersister{
		store:  store,
		queue:  queue,
		logger: logger.With().Str("persister", "history").Logger(),
	}
}

// Queues implements Processor.
func (p *HistoryPersister) Queues() []string {
	return []string{p.queue}
}

// ProcessMessage decodes and persists one chat-history envelope.
func (p *HistoryPersister) ProcessMessage(ctx context.Context, raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}

	var payload chatEventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMessageParse, err)
	}
	if err := payload.validate(); err != nil {
		return err
	}

	ev := datastore.ChatEvent{
		MessageID: payload.MessageID,
		WorkerID:  payload.WorkerID,
		SessionID: payload.SessionID,
		Role:      payload.Role,
		Content:   payload.Content,
		CreatedAt: env.EnqueuedAt,
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := p.store.InsertChatEvent(ctx, ev); err != nil {
		return err
	}
	p.logger.Debug().Str("message_id", payload.MessageID).Str("worker_id", payload.WorkerID).Msg("Chat event persisted")
	return nil
}
