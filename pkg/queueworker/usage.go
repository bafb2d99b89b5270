package queueworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/pkg/datastore"
)

// DefaultUsageQueue is the list chat workers push usage envelopes onto.
const DefaultUsageQueue = "usage_event_queue"

const (
	// DefaultFKRetries bounds how often the persister re-checks for the
	// referenced chat event before dropping the usage event.
	DefaultFKRetries = 5

	// DefaultFKRetryDelay is the fixed wait between those checks.
	DefaultFKRetryDelay = 500 * time.Millisecond
)

type usageEventPayload struct {
	MessageID        string `json:"message_id"`
	WorkerID         string `json:"worker_id"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

func (p usageEventPayload) validate() error {
	switch {
	case p.MessageID == "":
		return fmt.Errorf("%w: missing message_id", ErrMessageParse)
	case p.WorkerID == "":
		return fmt.Errorf("%w: missing worker_id", ErrMessageParse)
	}
	return nil
}

// UsagePersister writes usage-metering envelopes into the datastore. A usage
// event references the chat event it was billed against; the two queues race,
// so the persister waits a bounded number of retries for the chat event to
// appear before giving the message up.
type UsagePersister struct {
	store      datastore.UsageStore
	queue      string
	retries    int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewUsagePersister creates the usage-queue processor.
func NewUsagePersister(store datastore.UsageStore, queue string, logger zerolog.Logger) *UsagePersister {
	if queue == "" {
		queue = DefaultUsageQueue
	}
	return &UsagePersister{
		store:      store,
		queue:      queue,
		retries:    DefaultFKRetries,
		retryDelay: DefaultFKRetryDelay,
		logger:     logger.With().Str("persister", "usage").Logger(),
	}
}

// SetRetryPolicy overrides the foreign-key retry bound and delay.
func (p *UsagePersister) SetRetryPolicy(retries int, delay time.Duration) {
	p.retries = retries
	p.retryDelay = delay
}

// Queues implements Processor.
func (p *UsagePersister) Queues() []string {
	return []string{p.queue}
}

// ProcessMessage decodes one usage envelope, resolves its chat event and
// persists it.
func (p *UsagePersister) ProcessMessage(ctx context.Context, raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}

	var payload usageEventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMessageParse, err)
	}
	if err := payload.validate(); err != nil {
		return err
	}

	chatEventID, err := p.resolveChatEvent(ctx, payload.MessageID)
	if err != nil {
		return err
	}

	ev := datastore.UsageEvent{
		MessageID:        payload.MessageID,
		WorkerID:         payload.WorkerID,
		Model:            payload.Model,
		PromptTokens:     payload.PromptTokens,
		CompletionTokens: payload.CompletionTokens,
		TotalTokens:      payload.TotalTokens,
		CreatedAt:        env.EnqueuedAt,
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := p.store.InsertUsageEvent(ctx, chatEventID, ev); err != nil {
		return err
	}
	p.logger.Debug().Str("message_id", payload.MessageID).Int("total_tokens", payload.TotalTokens).Msg("Usage event persisted")
	return nil
}

func (p *UsagePersister) resolveChatEvent(ctx context.Context, messageID string) (int64, error) {
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, p.retryDelay) {
				return 0, ctx.Err()
			}
		}

		id, err := p.store.ChatEventIDByMessageID(ctx, messageID)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, datastore.ErrNotFound) {
			return 0, err
		}
		p.logger.Debug().Str("message_id", messageID).Int("attempt", attempt+1).Msg("Chat event not yet persisted, retrying")
	}
	return 0, fmt.Errorf("%w: message %s after %d retries", ErrForeignKeyUnresolved, messageID, p.retries)
}
