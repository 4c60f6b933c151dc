package domain

import "fmt"

// DuplicateSessionError is returned when starting a session whose id is
// already registered.
type DuplicateSessionError struct {
	ID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session %q already exists", e.ID)
}

// NotFoundError is returned when updating a session that is not registered.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// InvalidWindowError is returned when a session window has startsAt > endsAt.
type InvalidWindowError struct {
	ID       string
	StartsAt int64
	EndsAt   int64
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("session %q window invalid: starts_at %d > ends_at %d",
		e.ID, e.StartsAt, e.EndsAt)
}
