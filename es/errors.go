package es

import (
	"errors"
	"fmt"
)

var (
	// ErrHalt marks errors that must stop the task that raised them instead
	// of being retried on the next tick.
	ErrHalt = errors.New("halt")

	// ErrSequencingInvariant indicates that the event log no longer forms
	// a valid chain, or a row cannot be sequenced without breaking it.
	// It matches ErrHalt.
	ErrSequencingInvariant = fmt.Errorf("sequencing invariant violated: %w", ErrHalt)
)
