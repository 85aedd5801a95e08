package models

import "errors"

var (
	// ErrNotFound is returned for unknown jobs, logs, repositories or artifacts.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation is not valid for the
	// job's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrTimeout is returned when a bounded operation exceeds its budget.
	ErrTimeout = errors.New("timeout")
)
