package service

import (
	"context"
	"errors"
	"time"

	"github.com/nabil/orka/pkg/statestore"
)

const (
	// subscribePollTimeout keeps receive calls short so shutdown is noticed
	// promptly.
	subscribePollTimeout = time.Second

	resubscribeBackoffMin = time.Second
	resubscribeBackoffMax = 30 * time.Second
)

// MessageHandler processes one pub/sub payload. A handler error is logged and
// does not end the loop.
type MessageHandler func(ctx context.Context, payload []byte) error

// SubscribeLoop subscribes to a channel and dispatches every message to the
// handler until ctx is cancelled. Connection loss leads to backoff and
// resubscribe, never to failure.
func (c *Component) SubscribeLoop(ctx context.Context, store statestore.Store, channel string, handler MessageHandler) error {
	backoff := resubscribeBackoffMin

	for {
		if ctx.Err() != nil {
			return nil
		}

		sub, err := store.Subscribe(ctx, channel)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Dur("backoff", backoff).Msg("Subscribe failed, backing off")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, resubscribeBackoffMax)
			continue
		}
		backoff = resubscribeBackoffMin

		err = c.receiveLoop(ctx, sub, channel, handler)
		_ = sub.Close()
		if err == nil {
			return nil
		}
		c.logger.Warn().Err(err).Str("channel", channel).Msg("Subscription lost, resubscribing")
	}
}

func (c *Component) receiveLoop(ctx context.Context, sub statestore.Subscription, channel string, handler MessageHandler) error {
	for {
		msg, err := sub.Receive(ctx, subscribePollTimeout)
		if err != nil {
			switch {
			case errors.Is(err, statestore.ErrNoMessage):
				continue
			case ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}

		if err := handler(ctx, msg.Payload); err != nil {
			c.logger.Error().Err(err).Str("channel", channel).Msg("Message handler failed")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
