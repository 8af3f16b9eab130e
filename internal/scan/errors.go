package scan

import "errors"

var (
	// ErrInvalidRequest indicates a scan request that fails validation.
	ErrInvalidRequest = errors.New("scan: invalid request")

	// ErrNotFound indicates the requested run does not exist.
	ErrNotFound = errors.New("scan: run not found")

	// ErrBusy indicates the engine is already executing a run.
	ErrBusy = errors.New("scan: a run is already in progress")

	// ErrAborted indicates a run was cancelled before completing.
	ErrAborted = errors.New("scan: run aborted")
)
