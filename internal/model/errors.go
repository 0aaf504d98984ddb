package model

import (
	"errors"
)

var (
	// ErrValidation marks a bad request; no job is created.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown job id.
	ErrNotFound = errors.New("not found")
	// ErrTerminal marks an operation on a job that already finished.
	ErrTerminal = errors.New("job already terminal")
)
