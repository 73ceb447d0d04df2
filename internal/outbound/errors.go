package outbound

import "errors"

var (
	// ErrClosed is returned by Enqueue after Stop has been called.
	ErrClosed = errors.New("outbound: publisher closed")

	// ErrQueueFull is returned when the queue has no free slot.
	ErrQueueFull = errors.New("outbound: queue full")

	// ErrInvalidMessage is returned for messages without a topic.
	ErrInvalidMessage = errors.New("outbound: message has no topic")

	// ErrPublishFailed wraps a non-retryable transport error. The message
	// has been dropped.
	ErrPublishFailed = errors.New("outbound: publish failed")

	// ErrWithdrawn is the outcome of a message withdrawn before it was sent.
	ErrWithdrawn = errors.New("outbound: message withdrawn")
)
