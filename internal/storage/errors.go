package storage

import "errors"

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to create a record
	// with a key that already exists. Create is create-only; callers treat
	// this as "another writer got there first".
	ErrDuplicateKey = errors.New("duplicate key: create-only store does not allow overwrites")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a compare-and-set precondition no longer holds.
	ErrConflict = errors.New("conflict: record changed concurrently")

	// ErrAlreadyConsumed is returned when a single-use record was already used.
	ErrAlreadyConsumed = errors.New("already consumed")
)
