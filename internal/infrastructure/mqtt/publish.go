package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publish sends payload to topic and waits for the acknowledgement qos
// calls for.
//
// Conditions that clear on their own come back as ErrNotConnected,
// ErrDisconnecting or ErrTooManyInFlight (IsTransient reports true);
// the outbound publisher retries those. A publish whose connection drops
// before the acknowledgement arrives is one of them: the session is clean,
// so paho will not resend it. Anything else wraps ErrPublishFailed.
//
// The in-flight window counts tokens paho still holds, not callers. A
// publish that timed out keeps its slot until paho completes the token or
// the session ends, so later publishes see ErrTooManyInFlight rather than
// piling more unacknowledged messages onto the broker.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %s: payload of %d bytes exceeds %d", ErrPublishFailed, topic, len(payload), maxPayloadSize)
	}

	if c.loadState() == stateClosing {
		return ErrDisconnecting
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if c.inflight != nil && !c.inflight.TryAcquire(1) {
		return ErrTooManyInFlight
	}

	session := c.currentSession()
	token := c.paho.Publish(topic, qos, retained, payload)
	if c.inflight != nil {
		go c.releaseWhenSettled(token, session)
	}

	timer := time.NewTimer(c.ackWait)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil && !c.IsConnected() {
			return c.connectionLost(topic, err)
		}
		return classifyPublishError(token.Error())
	case <-session:
		return c.connectionLost(topic, nil)
	case <-timer.C:
		if !c.IsConnected() {
			return c.connectionLost(topic, nil)
		}
		return fmt.Errorf("%w: %s: no acknowledgement within %v", ErrPublishFailed, topic, c.ackWait)
	}
}

// releaseWhenSettled frees an in-flight slot once paho is done with token.
// Tokens of a lost session may never complete, so the session's end frees
// the slot too.
func (c *Client) releaseWhenSettled(token pahomqtt.Token, session <-chan struct{}) {
	select {
	case <-token.Done():
	case <-session:
	}
	c.inflight.Release(1)
}

// connectionLost reports a publish cut short by the connection going away.
func (c *Client) connectionLost(topic string, cause error) error {
	sentinel := ErrNotConnected
	if c.loadState() == stateClosing {
		sentinel = ErrDisconnecting
	}
	if cause == nil {
		return fmt.Errorf("%w: %s: connection lost before acknowledgement", sentinel, topic)
	}
	return fmt.Errorf("%w: %s: %w", sentinel, topic, cause)
}

// classifyPublishError maps a paho token error onto the package sentinels.
// paho reports in-flight messages dropped with the connection as a plain
// error string, not a sentinel.
func classifyPublishError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pahomqtt.ErrNotConnected),
		strings.Contains(err.Error(), "connection lost before"):
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	default:
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
}
