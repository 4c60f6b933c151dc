package domain

import (
	"context"
	"time"
)

// ForegroundChange is one OS-level "window changed" notification.
type ForegroundChange struct {
	PackageName string
	At          time.Time
}

// ForegroundSource observes system-wide foreground-application changes.
// OS callback APIs are global and event-driven; this interface keeps that
// plumbing out of the engine core.
// Implementation: osascript polling on macOS.
type ForegroundSource interface {
	// Start begins observation. Notifications arrive on Changes until the
	// context is canceled or Stop is called.
	Start(ctx context.Context) error

	// Changes returns the notification stream. Arrival rate is arbitrary
	// and can burst during app-switch animations.
	Changes() <-chan ForegroundChange

	// Current returns a best-effort probe of the foreground package,
	// bypassing the stream.
	Current() (string, error)

	// Available reports whether the OS observation capability is usable.
	Available() bool

	// Stop ends observation and closes the Changes channel.
	Stop()
}

// OverlaySurface renders the block screen. Implementations own a single
// display context; calls may be made from any goroutine and are handed off
// internally.
type OverlaySurface interface {
	// Show renders the overlay. An error means the overlay could not be
	// displayed (e.g. missing display permission).
	Show(content OverlayContent) error

	// Update replaces the overlay content in place, without a hide/show flash.
	Update(content OverlayContent) error

	// Hide removes the overlay. Hiding an absent overlay is a no-op.
	Hide() error
}

// SessionStore persists the session set durably so it survives process
// restarts. Every SessionConfig field must round-trip exactly.
// Implementation: SQLCipher encrypted SQLite database.
type SessionStore interface {
	// SaveSessions replaces the stored session set atomically.
	SaveSessions(sessions []SessionConfig) error

	// LoadSessions returns the stored session set.
	LoadSessions() ([]SessionConfig, error)

	// Close releases resources (e.g., database connection).
	Close() error
}

// PermissionKind names an OS capability the engine depends on.
type PermissionKind string

const (
	PermissionAccessibility PermissionKind = "accessibility"
	PermissionOverlay       PermissionKind = "overlay"
	PermissionUsageAccess   PermissionKind = "usage_access"
	PermissionExactAlarm    PermissionKind = "exact_alarm"
)

// PermissionProber reports and requests OS permissions. Requesting opens the
// relevant settings surface and returns once invoked, not once granted;
// grant state must be re-polled via Status.
type PermissionProber interface {
	Status() PermissionsStatus
	OpenSettings(kind PermissionKind) error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool
}

// KeyProvider abstracts the source of the store's encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
