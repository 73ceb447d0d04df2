package devicemgmt

import "errors"

var (
	// ErrNotManaged is returned by operations that need an active session.
	ErrNotManaged = errors.New("devicemgmt: device is not managed")

	// ErrHandlerAlreadySet is returned when a firmware, device action or
	// custom action handler is set twice in one session.
	ErrHandlerAlreadySet = errors.New("devicemgmt: handler already set")

	// ErrNilHandler is returned when setting a nil handler.
	ErrNilHandler = errors.New("devicemgmt: handler cannot be nil")

	// ErrInvalidSeverity is returned for an unknown log severity.
	ErrInvalidSeverity = errors.New("devicemgmt: invalid log severity")
)
