// Package mqtt provides the agent's MQTT transport.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with a bounded in-flight window
//   - Topic subscriptions, restored after reconnect
//   - Device-management topic names
//
// # Error classes
//
// Publish reports transient conditions as ErrNotConnected, ErrDisconnecting
// or ErrTooManyInFlight. IsTransient groups them so callers such as the
// outbound publisher can decide between retrying and giving up. Everything
// else wraps ErrPublishFailed.
//
// # Delivery
//
// Inbound messages are delivered in arrival order on paho's router
// goroutine. Handlers must not block; long work belongs on a worker pool.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.Response(), 1,
//	    func(topic string, payload []byte) error {
//	        return dispatcher.Dispatch(topic, payload)
//	    })
package mqtt
