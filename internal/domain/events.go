package domain

import "time"

// BlockEvent is the closed set of domain events the engine emits.
// Each variant is immutable once constructed and carries no back-references.
type BlockEvent interface {
	blockEvent()
	OccurredAt() time.Time
}

// BlockShown is emitted when the overlay surfaces for a session.
type BlockShown struct {
	SessionID string
	At        time.Time
}

// BlockDismissed is emitted when the overlay is removed.
type BlockDismissed struct {
	SessionID string
	At        time.Time
}

// AppAttempt is emitted when a foreground change resolves to a blocked
// package. It exists to aid diagnosis of attempted circumvention; allowed
// packages never produce one.
type AppAttempt struct {
	PackageName string
	SessionID   string
	At          time.Time
}

// ServiceState is emitted when the engine's observation capability flips
// between running and stopped.
type ServiceState struct {
	Running bool
	At      time.Time
}

func (BlockShown) blockEvent()     {}
func (BlockDismissed) blockEvent() {}
func (AppAttempt) blockEvent()     {}
func (ServiceState) blockEvent()   {}

func (e BlockShown) OccurredAt() time.Time     { return e.At }
func (e BlockDismissed) OccurredAt() time.Time { return e.At }
func (e AppAttempt) OccurredAt() time.Time     { return e.At }
func (e ServiceState) OccurredAt() time.Time   { return e.At }
