package correlation

import "errors"

var (
	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("correlation: timed out waiting for response")

	// ErrSendFailed is returned when the request could not be handed to the
	// transport, or the transport rejected it. The underlying error is wrapped.
	ErrSendFailed = errors.New("correlation: send failed")

	// ErrInvalidTopic is returned for an empty request topic.
	ErrInvalidTopic = errors.New("correlation: topic cannot be empty")

	// ErrInvalidTimeout is returned for a non-positive timeout.
	ErrInvalidTimeout = errors.New("correlation: timeout must be positive")

	// ErrDuplicateRequest is returned when a waiter is already registered
	// under the generated id.
	ErrDuplicateRequest = errors.New("correlation: duplicate request id")
)
