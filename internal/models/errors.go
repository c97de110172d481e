package models

import "errors"

var (
	// ErrNotFound is wrapped by every repository "not found" error.
	ErrNotFound = errors.New("not found")

	// ErrConflict is wrapped by unique violations and invalid state transitions.
	ErrConflict = errors.New("conflict")
)
