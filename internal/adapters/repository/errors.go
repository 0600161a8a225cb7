package repository

import "errors"

// Sentinel kinds for storage errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrInvalidLimit = errors.New("invalid limit")
	// ErrForeignEvent: the event id belongs to another user.
	ErrForeignEvent = errors.New("event belongs to another user")
)
