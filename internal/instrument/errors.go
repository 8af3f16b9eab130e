package instrument

import "errors"

// Domain errors for the instrument package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, instrument.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when an instrument ID or name does not exist.
	ErrNotFound = errors.New("instrument: not found")

	// ErrExists is returned when creating an instrument whose ID or name
	// already exists.
	ErrExists = errors.New("instrument: already exists")

	// ErrInvalidInstrument is returned when instrument validation fails.
	ErrInvalidInstrument = errors.New("instrument: invalid")

	// ErrInvalidName is returned when an instrument name is empty or too long.
	ErrInvalidName = errors.New("instrument: invalid name")

	// ErrInvalidKind is returned when a driver kind is not recognised.
	ErrInvalidKind = errors.New("instrument: invalid kind")
)
