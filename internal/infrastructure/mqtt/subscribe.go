package mqtt

import (
	"fmt"
	"sync"
)

type subscription struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// subscriptionTable is the adapter's record of what should be subscribed.
// The zero value is ready to use.
type subscriptionTable struct {
	mu       sync.RWMutex
	byFilter map[string]subscription
}

func (t *subscriptionTable) put(s subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byFilter == nil {
		t.byFilter = make(map[string]subscription)
	}
	t.byFilter[s.filter] = s
}

func (t *subscriptionTable) remove(filter string) {
	t.mu.Lock()
	delete(t.byFilter, filter)
	t.mu.Unlock()
}

func (t *subscriptionTable) has(filter string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byFilter[filter]
	return ok
}

func (t *subscriptionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byFilter)
}

func (t *subscriptionTable) all() []subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]subscription, 0, len(t.byFilter))
	for _, s := range t.byFilter {
		out = append(out, s)
	}
	return out
}

// Subscribe subscribes handler to filter (MQTT wildcards allowed) and
// waits for the SUBACK. The filter is re-subscribed after every reconnect
// until Unsubscribe. Subscribing a filter again replaces its handler.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	switch {
	case filter == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, filter)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Tracked before the SUBACK so a reconnect in between restores it.
	c.subs.put(subscription{filter: filter, qos: qos, handler: handler})

	token := c.paho.Subscribe(filter, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(c.ackWait) {
		c.subs.remove(filter)
		return fmt.Errorf("%w: %s: no SUBACK within %v", ErrSubscribeFailed, filter, c.ackWait)
	}
	if err := token.Error(); err != nil {
		c.subs.remove(filter)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

// Unsubscribe stops delivery for filter. The filter is forgotten even when
// the broker cannot be told, so a reconnect will not bring it back.
// Messages already queued by paho may still arrive.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}

	c.subs.remove(filter)

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.paho.Unsubscribe(filter)
	if !token.WaitTimeout(c.ackWait) {
		return fmt.Errorf("%w: %s: no UNSUBACK within %v", ErrUnsubscribeFailed, filter, c.ackWait)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, filter, err)
	}
	return nil
}

// SubscriptionCount returns the number of tracked filters.
func (c *Client) SubscriptionCount() int { return c.subs.len() }

// HasSubscription reports whether filter is tracked. It compares filter
// strings; no wildcard matching is done.
func (c *Client) HasSubscription(filter string) bool { return c.subs.has(filter) }
