package domain

import "errors"

var (
	// ErrNotFound is returned by stores and the orchestrator for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidGroup marks keyword-group validation failures.
	ErrInvalidGroup = errors.New("invalid keyword group")
	// ErrJobTerminal is returned when a finished FetchJob would be mutated.
	ErrJobTerminal = errors.New("fetch job already finished")
)
