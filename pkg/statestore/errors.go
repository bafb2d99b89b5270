package statestore

import "errors"

var (
	// ErrNoMessage is returned when a timed receive or pop expires without data
	ErrNoMessage = errors.New("no message available")

	// ErrStoreUnavailable is returned when the backing store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSubscriptionClosed is returned when receiving on a closed subscription
	ErrSubscriptionClosed = errors.New("subscription is closed")

	// ErrInvalidIdentity is returned when a worker identity cannot be parsed
	ErrInvalidIdentity = errors.New("invalid worker identity")
)
