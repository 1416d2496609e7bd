package store

import "errors"

var (
	// ErrNotFound is returned when a requested key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when a key exists but belongs to another owner.
	ErrForbidden = errors.New("forbidden")

	// ErrRevoked is returned when an operation needs an active key.
	ErrRevoked = errors.New("revoked")
)
