package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Command is one decoded server command.
type Command struct {
	Topic    string
	Template string
	Params   Params
	ReqID    string
	Data     json.RawMessage

	responder *Responder
	answered  atomic.Bool
}

// Respond answers the command on the device response topic. A command is
// answered at most once; later calls return ErrAlreadyResponded.
func (c *Command) Respond(rc int, message string, data any) error {
	if !c.answered.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	if c.responder == nil {
		return nil
	}
	return c.responder.Respond(c.ReqID, rc, message, data)
}

// Answered reports whether Respond has been called.
func (c *Command) Answered() bool { return c.answered.Load() }

// Handler processes a command. Handlers run on the transport's delivery
// goroutine and must hand long work to a Pool. A returned error is answered
// with 500 unless the handler already responded.
type Handler interface {
	HandleCommand(ctx context.Context, cmd *Command) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd *Command) error

// HandleCommand calls f.
func (f HandlerFunc) HandleCommand(ctx context.Context, cmd *Command) error {
	return f(ctx, cmd)
}

type route struct {
	template *Template
	handler  Handler
}

// Router maps topic templates to handlers, one handler per topic.
// Templates that share a subscription filter cover the same topics, so
// they conflict however their placeholders are named or typed.
// Lookup tries templates in registration order.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Register adds a handler for template. It fails with ErrHandlerExists when
// a registered template has the same key.
func (r *Router) Register(template string, h Handler) (*Template, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler for %s", ErrInvalidTemplate, template)
	}
	t, err := ParseTemplate(template)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := t.key()
	for _, existing := range r.routes {
		if existing.template.key() == key {
			return nil, fmt.Errorf("%w: %s conflicts with %s", ErrHandlerExists, template, existing.template.raw)
		}
	}
	r.routes = append(r.routes, route{template: t, handler: h})
	return t, nil
}

// Unregister removes the handler registered under template's key. It
// reports whether one was registered.
func (r *Router) Unregister(template string) bool {
	t, err := ParseTemplate(template)
	if err != nil {
		return false
	}
	key := t.key()

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.routes {
		if existing.template.key() == key {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every handler.
func (r *Router) Clear() {
	r.mu.Lock()
	r.routes = nil
	r.mu.Unlock()
}

// Lookup finds the handler for topic.
func (r *Router) Lookup(topic string) (Handler, *Template, Params, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rt := range r.routes {
		if params, ok := rt.template.Match(topic); ok {
			return rt.handler, rt.template, params, true
		}
	}
	return nil, nil, Params{}, false
}

// Templates returns the registered templates in registration order.
func (r *Router) Templates() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Template, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.template
	}
	return out
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
