package dispatch

import "errors"

var (
	// ErrMalformedMessage is returned for inbound payloads that cannot be
	// decoded or lack the request id.
	ErrMalformedMessage = errors.New("dispatch: malformed message")

	// ErrHandlerNotRegistered is returned when no template matches the topic.
	ErrHandlerNotRegistered = errors.New("dispatch: no handler registered for topic")

	// ErrHandlerExists is returned when a template already has a handler.
	ErrHandlerExists = errors.New("dispatch: handler already registered for template")

	// ErrInvalidTemplate is returned for topic templates that cannot be parsed.
	ErrInvalidTemplate = errors.New("dispatch: invalid topic template")

	// ErrAlreadyResponded is returned when a command is answered twice.
	ErrAlreadyResponded = errors.New("dispatch: command already answered")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("dispatch: handler panic")
)
