// Package queueworker drains reliable side-effect queues.
//
// Delivery is at-least-once in the weak sense the list primitives give us:
// a message popped from its queue is gone whether or not processing succeeds.
// There is no acknowledgement and no dead-letter queue; a message that fails
// to process is logged with its payload and dropped, and the worker keeps
// draining the queue regardless.
package queueworker
