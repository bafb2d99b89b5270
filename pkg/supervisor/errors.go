package supervisor

import "errors"

var (
	// ErrConfigFetch is returned when the worker descriptor cannot be fetched
	// or fails validation
	ErrConfigFetch = errors.New("failed to fetch worker configuration")

	// ErrLaunch is returned when the worker process or container cannot be
	// launched (missing executable or image, spawn failure)
	ErrLaunch = errors.New("failed to launch worker")

	// ErrProcessLost is returned when a claimed-alive target is not found by
	// the liveness check
	ErrProcessLost = errors.New("process lost")

	// ErrStopTimeout is returned when a target outlives the stop grace period
	ErrStopTimeout = errors.New("stop grace period exceeded")

	// ErrUnknownRuntime is returned when a status record names a runtime no
	// driver is registered for
	ErrUnknownRuntime = errors.New("unknown worker runtime")
)
