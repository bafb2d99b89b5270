// Package service builds long-lived platform components out of a lifecycle, a
// status reporter, and a set of named background tasks.
//
// Invariants:
// - The first task to finish, however it finishes, shuts the whole component
//   down. A half-alive component is worse than a dead one.
// - A task failure is recorded as an error status and clears any pending
//   restart intent before cleanup runs.
// - Subscribe loops poll with a short timeout so shutdown is noticed promptly,
//   and resubscribe with backoff on connection loss instead of failing.
package service
