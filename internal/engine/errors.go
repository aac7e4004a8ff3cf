package engine

import "errors"

var (
	// ErrStoreFailed is returned by Submit when the payload could not be persisted.
	ErrStoreFailed = errors.New("engine: report could not be stored")

	// ErrLocationUnavailable is returned when no payload location can be
	// derived for an identifier.
	ErrLocationUnavailable = errors.New("engine: report location unavailable")
)
