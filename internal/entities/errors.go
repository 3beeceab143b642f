package entities

import "errors"

var (
	// ErrConflict is returned by stores when a unique constraint rejects an insert.
	ErrConflict = errors.New("unique constraint conflict")
	// ErrNotFound is returned when a lookup by id matches no row.
	ErrNotFound = errors.New("not found")
	// ErrSessionNotActive is returned when appending to a session that has left the active state.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrDuplicateEntry is returned when a message id is already in the session log.
	ErrDuplicateEntry = errors.New("message already logged")
	// ErrInvalidArgument marks caller input the query layer rejects.
	ErrInvalidArgument = errors.New("invalid argument")
)
