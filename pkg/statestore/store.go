package statestore

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription on one or more channels.
type Subscription interface {
	// Receive blocks for up to timeout waiting for the next message.
	// It returns ErrNoMessage when the timeout expires with nothing
	// delivered, and ErrSubscriptionClosed after Close.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)

	// Close tears the subscription down. Safe to call more than once.
	Close() error
}

// Store is the shared key-value/pub-sub store behind status records, control
// channels, and side-effect queues. Implementations must be safe for
// concurrent use.
type Store interface {
	// Hash primitives backing status records.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pub/sub primitives backing worker channels.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// List primitives backing the side-effect queues. BLPop waits for up to
	// timeout across the given queues and returns ErrNoMessage on expiry.
	RPush(ctx context.Context, queue string, payload []byte) error
	BLPop(ctx context.Context, timeout time.Duration, queues ...string) (queue string, payload []byte, err error)

	Ping(ctx context.Context) error
	Close() error
}
