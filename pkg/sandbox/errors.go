package sandbox

import "errors"

var (
	// ErrThreadRequired is returned when a workspace is opened without a thread
	ErrThreadRequired = errors.New("thread id is required")

	// ErrInvalidID is returned when a stored workspace id is malformed
	ErrInvalidID = errors.New("invalid workspace id")

	// ErrThreadMismatch is returned when a workspace belongs to another thread
	ErrThreadMismatch = errors.New("workspace belongs to another thread")

	// ErrInvalidIndex is returned for negative result indexes
	ErrInvalidIndex = errors.New("invalid result index (must be >= 0)")

	// ErrResultNotFound is returned when no result is stored under an index
	ErrResultNotFound = errors.New("function result not found")
)
