package room

import "errors"

var (
	// ErrDuplicateID indicates that a caller reused an entity identifier.
	// The caller must regenerate the id and retry.
	ErrDuplicateID = errors.New("room: duplicate id")
	// ErrNotFound indicates that an operation referenced a poll, option, or
	// card that does not exist. No state changed.
	ErrNotFound = errors.New("room: not found")
)
