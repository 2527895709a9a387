package pkg

import "errors"

var (
	// ErrTurnConflict is returned by a turn log when (session_id, turn_number)
	// already exists.  Callers re-read the latest turn and retry.
	ErrTurnConflict = errors.New("turn number already written for session")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)
