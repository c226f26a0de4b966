package task

import "errors"

var (
	// ErrNotFound is returned when a task ID does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrValidation is returned for malformed input, such as a missing title.
	ErrValidation = errors.New("invalid task")
)
