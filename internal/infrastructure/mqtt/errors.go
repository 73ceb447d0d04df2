package mqtt

import "errors"

// Connection state. IsTransient reports true for all three.
var (
	ErrNotConnected    = errors.New("mqtt: client not connected")
	ErrDisconnecting   = errors.New("mqtt: client disconnecting")
	ErrTooManyInFlight = errors.New("mqtt: too many publishes in flight")
)

// Operation failures; the broker or paho error is wrapped alongside.
var (
	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")
)

// Argument checks, returned before anything reaches the broker.
var (
	ErrInvalidQoS   = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)

// IsTransient reports whether err is a transport condition expected to
// clear without intervention, so the publish is worth retrying.
func IsTransient(err error) bool {
	for _, target := range []error{ErrNotConnected, ErrDisconnecting, ErrTooManyInFlight} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
