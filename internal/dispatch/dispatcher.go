package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-agent/internal/correlation"
	"github.com/nerrad567/gray-logic-agent/internal/envelope"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
)

// Logger is the logging surface the dispatcher needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ResponseSink receives decoded responses to the device's own requests.
type ResponseSink interface {
	Deliver(resp *envelope.Response) correlation.Outcome
}

// Options configures a Dispatcher.
type Options struct {
	// ResponseTopic is the shared topic for responses. Defaults to
	// iotdm-1/response.
	ResponseTopic string

	// Context is passed to handlers. Defaults to context.Background.
	Context context.Context

	Logger Logger
}

// Dispatcher routes inbound messages: responses to the correlator, commands
// to the handler registered for their topic template.
type Dispatcher struct {
	router    *Router
	sink      ResponseSink
	responder *Responder
	opts      Options
	logger    Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(router *Router, sink ResponseSink, responder *Responder, opts Options) *Dispatcher {
	if opts.ResponseTopic == "" {
		opts.ResponseTopic = mqtt.Topics{}.Response()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		router:    router,
		sink:      sink,
		responder: responder,
		opts:      opts,
		logger:    logger,
	}
}

// Dispatch handles one inbound message.
//
// Responses on the response topic go to the correlator. Anything else is a
// platform command, decoded and handed to the handler whose template
// matches; the handler runs on the calling goroutine.
//
// Parameters:
//   - topic: The topic the message arrived on
//   - payload: Raw JSON body
//
// Returns:
//   - error: ErrMalformedMessage or ErrHandlerNotRegistered for messages
//     nobody can answer. A failing or panicking handler is logged and
//     answered with rc 500; only a failure to send that answer is returned
//
// Example:
//
//	if err := d.Dispatch("iotdm-1/observe", []byte(`{"reqId":"r1","d":{}}`)); err != nil {
//		log.Warn("command not handled", "error", err)
//	}
func (d *Dispatcher) Dispatch(topic string, payload []byte) error {
	if topic == d.opts.ResponseTopic {
		return d.dispatchResponse(payload)
	}
	return d.dispatchCommand(topic, payload)
}

// HandleMessage is Dispatch for the transport: discarded messages are
// logged here and not reported back.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) error {
	err := d.Dispatch(topic, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrHandlerNotRegistered):
		d.logger.Warn("discarding inbound message", "topic", topic, "error", err)
	default:
		d.logger.Error("inbound message failed", "topic", topic, "error", err)
	}
	return nil
}

func (d *Dispatcher) dispatchResponse(payload []byte) error {
	resp, err := envelope.DecodeResponse(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	outcome := d.sink.Deliver(resp)
	d.logger.Debug("response received", "req_id", resp.ReqID, "rc", resp.RC, "outcome", outcome.String())
	return nil
}

func (d *Dispatcher) dispatchCommand(topic string, payload []byte) error {
	handler, tmpl, params, ok := d.router.Lookup(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, topic)
	}

	req, err := envelope.DecodeRequest(payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedMessage, topic, err)
	}

	cmd := &Command{
		Topic:     topic,
		Template:  tmpl.String(),
		Params:    params,
		ReqID:     req.ReqID,
		Data:      req.Data,
		responder: d.responder,
	}

	if err := d.invoke(handler, cmd); err != nil {
		d.logger.Error("command handler failed", "topic", topic, "req_id", cmd.ReqID, "error", err)
		if respErr := cmd.Respond(envelope.RCInternalError, err.Error(), nil); respErr != nil && !errors.Is(respErr, ErrAlreadyResponded) {
			return respErr
		}
	}
	return nil
}

// invoke runs the handler, turning a panic into ErrHandlerPanic.
func (d *Dispatcher) invoke(h Handler, cmd *Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.HandleCommand(d.opts.Context, cmd)
}
