package queueworker

import "errors"

var (
	// ErrMessageParse is returned when a queue payload cannot be decoded
	ErrMessageParse = errors.New("queue message parse failed")

	// ErrProcessingTimeout is returned when a message exceeds its processing deadline
	ErrProcessingTimeout = errors.New("message processing timed out")

	// ErrForeignKeyUnresolved is returned when a usage event's chat event never
	// appeared within the retry window
	ErrForeignKeyUnresolved = errors.New("referenced chat event not found")
)
