package drivers

import "errors"

// Domain errors for the drivers package.
var (
	// ErrUnknownKind is returned by the factory for an unrecognised
	// driver kind.
	ErrUnknownKind = errors.New("drivers: unknown kind")

	// ErrBadSettings is returned when instrument settings are missing a
	// required key or hold a value of the wrong type.
	ErrBadSettings = errors.New("drivers: bad settings")

	// ErrBadCommand is returned when a driver receives a command kind or
	// argument list it does not support.
	ErrBadCommand = errors.New("drivers: bad command")
)
