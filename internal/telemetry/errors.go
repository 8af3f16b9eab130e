package telemetry

import "errors"

var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("telemetry: already started")

	// ErrBadMessage indicates a remote command message that could not be
	// parsed or names an operation remote clients may not issue.
	ErrBadMessage = errors.New("telemetry: bad command message")
)
