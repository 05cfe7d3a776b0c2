package task

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is currently executing")
	ErrInvalidURL   = errors.New("url must be an absolute http(s) url")
	ErrNotDone      = errors.New("task has no result yet")

	// ErrCanceled is the cooperative cancellation signal raised by
	// collaborators when the token reports a cancel request.
	ErrCanceled = errors.New("task canceled")
)
