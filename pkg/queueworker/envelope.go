package queueworker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a queued side-effect payload with the identifiers the
// persisters need for logging and dedup.
type Envelope struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewEnvelope wraps a payload for enqueueing.
func NewEnvelope(payload json.RawMessage) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// DecodeEnvelope parses a raw queue message.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMessageParse, err)
	}
	if env.ID == "" || len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing id or payload", ErrMessageParse)
	}
	return env, nil
}
