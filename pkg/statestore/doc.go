// Package statestore wraps the shared key-value/pub-sub store that ties the
// orchestrator, its worker processes, and interactive clients together.
//
// Invariants:
// - Key and channel names are derived from a worker Identity and never built by hand.
// - All blocking reads (subscription receive, queue pop) take a short timeout so
//   callers can notice shutdown promptly.
// - Queues are plain FIFO lists with at-least-once semantics: there is no
//   acknowledgment protocol, and a consumer crash mid-message loses it.
package statestore
