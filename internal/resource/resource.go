package resource

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event describes one committed change, or an explicit notification of the
// current value.
type Event struct {
	Resource  string    `json:"resource"`
	Version   uint64    `json:"version"`
	Value     any       `json:"value"`
	ChangedAt time.Time `json:"changedAt"`
}

// Listener receives change events on the notifier goroutine.
type Listener func(Event)

// Node is the type-erased view of a Resource used by the registry and by
// command handlers that address resources by name.
type Node interface {
	Name() string
	Version() uint64
	Snapshot() any
	UpdateJSON(raw json.RawMessage, fire bool) error
	NotifyExternalListeners()
	AddListener(l Listener) (remove func())
}

// Resource is a named, typed piece of device state with a version that
// increases on every committed update.
//
// T should behave like a value: the committed value is handed to listeners
// as-is, so reference types inside T must not be mutated after Update.
type Resource[T any] struct {
	name     string
	notifier *Notifier
	validate func(T) error

	mu        sync.Mutex
	value     T
	version   uint64
	dirty     bool
	listeners map[uint64]Listener
	nextID    uint64
}

// Option configures a Resource.
type Option[T any] func(*Resource[T])

// WithValidator rejects updates for which fn returns an error.
func WithValidator[T any](fn func(T) error) Option[T] {
	return func(r *Resource[T]) {
		r.validate = fn
	}
}

// New creates a resource holding initial at version 0.
func New[T any](name string, initial T, notifier *Notifier, opts ...Option[T]) *Resource[T] {
	r := &Resource[T]{
		name:      name,
		notifier:  notifier,
		value:     initial,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the dotted resource name, e.g. "mgmt.firmware".
func (r *Resource[T]) Name() string { return r.name }

// Value returns the committed value.
func (r *Resource[T]) Value() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Snapshot returns the committed value as any.
func (r *Resource[T]) Snapshot() any {
	return r.Value()
}

// Version returns the number of committed updates.
func (r *Resource[T]) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Dirty reports whether an update was committed without notification since
// the last event.
func (r *Resource[T]) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Update commits v. With fire set, one change event is queued; otherwise
// listeners hear about it on the next NotifyExternalListeners call.
func (r *Resource[T]) Update(v T, fire bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocked(v, fire)
}

// Mutate applies fn to a copy of the committed value and commits the result
// atomically with respect to other updates.
func (r *Resource[T]) Mutate(fn func(*T), fire bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.value
	fn(&v)
	return r.commitLocked(v, fire)
}

// MutateIf is Mutate for a conditional step: when fn returns false nothing
// is committed and no event fires. It reports whether fn accepted.
func (r *Resource[T]) MutateIf(fn func(*T) bool, fire bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.value
	if !fn(&v) {
		return false, nil
	}
	return true, r.commitLocked(v, fire)
}

func (r *Resource[T]) commitLocked(v T, fire bool) error {
	if r.validate != nil {
		if err := r.validate(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidValue, r.name, err)
		}
	}

	r.value = v
	r.version++
	if fire {
		r.emitLocked()
	} else {
		r.dirty = true
	}
	return nil
}

// UpdateJSON decodes raw over a deep copy of the committed value and
// commits it. Object fields absent from raw keep their current values.
func (r *Resource[T]) UpdateJSON(raw json.RawMessage, fire bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Round-trip through JSON so maps and slices in the committed value,
	// which listeners may still hold, are never decoded into.
	current, err := json.Marshal(r.value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidValue, r.name, err)
	}
	var v T
	if err := json.Unmarshal(current, &v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidValue, r.name, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidValue, r.name, err)
	}
	return r.commitLocked(v, fire)
}

// NotifyExternalListeners queues exactly one event carrying the latest
// committed value.
func (r *Resource[T]) NotifyExternalListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked()
}

// AddListener registers l for this resource's events. The returned function
// removes it.
func (r *Resource[T]) AddListener(l Listener) (remove func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Resource[T]) emitLocked() {
	r.dirty = false
	if r.notifier == nil {
		return
	}

	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}

	r.notifier.enqueue(Event{
		Resource:  r.name,
		Version:   r.version,
		Value:     r.value,
		ChangedAt: time.Now().UTC(),
	}, listeners)
}
