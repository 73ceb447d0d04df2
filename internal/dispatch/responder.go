package dispatch

import (
	"fmt"

	"github.com/nerrad567/gray-logic-agent/internal/envelope"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-agent/internal/outbound"
)

// Publisher is the enqueue side of the outbound publisher.
type Publisher interface {
	Enqueue(msg outbound.Message) (*outbound.Delivery, error)
}

// Responder publishes command responses through the outbound queue.
type Responder struct {
	publisher Publisher
	topic     string
	observer  func(reqID string, rc int)
}

// NewResponder creates a Responder publishing on the device response topic.
func NewResponder(publisher Publisher) *Responder {
	return &Responder{publisher: publisher, topic: mqtt.Topics{}.DeviceResponse()}
}

// OnRespond registers fn to be called for every response enqueued. It is
// not safe to call concurrently with Respond.
func (r *Responder) OnRespond(fn func(reqID string, rc int)) {
	r.observer = fn
}

// Respond enqueues {"reqId", "rc", "message", "d"} on the response topic.
func (r *Responder) Respond(reqID string, rc int, message string, data any) error {
	payload, err := envelope.EncodeResponse(reqID, rc, message, data)
	if err != nil {
		return err
	}
	if _, err := r.publisher.Enqueue(outbound.Message{Topic: r.topic, Payload: payload, QoS: 1}); err != nil {
		return fmt.Errorf("enqueueing response %s: %w", reqID, err)
	}
	if r.observer != nil {
		r.observer(reqID, rc)
	}
	return nil
}
