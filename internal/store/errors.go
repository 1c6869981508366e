package store

import "errors"

var (
	// ErrNotFound is returned when no row matches the requested id or scope.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change would move a
	// job backwards, e.g. starting an already-started or terminal job.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
