package worker

import (
	"context"
	"time"
)

// Inbound is one message arriving on the worker's input channel.
type Inbound struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender,omitempty"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at,omitempty"`
}

// Usage is the token accounting attached to one reply.
type Usage struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Outbound is one reply published on the worker's output channel.
type Outbound struct {
	MessageID string    `json:"message_id"`
	ReplyTo   string    `json:"reply_to"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Usage     *Usage    `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Pipeline turns one inbound message into at most one reply. What happens
// inside is the agent's business; the runtime only moves messages. A nil
// reply with a nil error means the message was consumed without a response.
type Pipeline interface {
	Handle(ctx context.Context, in Inbound) (*Outbound, error)
}

// PipelineFunc adapts a function to the Pipeline interface.
type PipelineFunc func(ctx context.Context, in Inbound) (*Outbound, error)

// Handle implements Pipeline.
func (f PipelineFunc) Handle(ctx context.Context, in Inbound) (*Outbound, error) {
	return f(ctx, in)
}

// EchoPipeline is the built-in development pipeline: it answers every message
// with its own content. Real deployments plug a conversational pipeline in
// instead.
func EchoPipeline() Pipeline {
	return PipelineFunc(func(_ context.Context, in Inbound) (*Outbound, error) {
		return &Outbound{Content: in.Content}, nil
	})
}
