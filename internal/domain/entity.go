// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// SessionConfig is the caller-supplied definition of a focus session.
// Timestamps are epoch milliseconds; nil means unbounded on that side.
type SessionConfig struct {
	ID              string   `json:"id"`
	BlockedPackages []string `json:"blocked_packages"`
	AllowPackages   []string `json:"allow_packages"`
	StartsAt        *int64   `json:"starts_at,omitempty"`
	EndsAt          *int64   `json:"ends_at,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// Validate checks the window invariant: startsAt <= endsAt when both are set.
func (c SessionConfig) Validate() error {
	if c.StartsAt != nil && c.EndsAt != nil && *c.StartsAt > *c.EndsAt {
		return &InvalidWindowError{ID: c.ID, StartsAt: *c.StartsAt, EndsAt: *c.EndsAt}
	}
	return nil
}

// Clone returns a deep copy, so registry state never aliases caller slices.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	out.BlockedPackages = append([]string(nil), c.BlockedPackages...)
	out.AllowPackages = append([]string(nil), c.AllowPackages...)
	if c.StartsAt != nil {
		v := *c.StartsAt
		out.StartsAt = &v
	}
	if c.EndsAt != nil {
		v := *c.EndsAt
		out.EndsAt = &v
	}
	return out
}

// SessionUpdate is a partial merge applied to an existing session.
// Nil slice/pointer fields are left untouched; the Clear flags unset a bound.
type SessionUpdate struct {
	ID              string
	BlockedPackages []string
	AllowPackages   []string
	StartsAt        *int64
	EndsAt          *int64
	ClearStartsAt   bool
	ClearEndsAt     bool
	Reason          *string
}

// SessionState is the live form of a SessionConfig held by the registry,
// evaluable against a reference time.
type SessionState struct {
	SessionConfig
}

// IsActive reports whether the session window contains now.
// The window is closed on both ends.
func (s SessionState) IsActive(now time.Time) bool {
	ms := now.UnixMilli()
	if s.StartsAt != nil && ms < *s.StartsAt {
		return false
	}
	if s.EndsAt != nil && ms > *s.EndsAt {
		return false
	}
	return true
}

// ShouldBlock reports whether this session blocks pkg.
// A non-empty allow list switches the session to allow-list mode: everything
// is blocked except listed packages, and the block list is ignored.
func (s SessionState) ShouldBlock(pkg string) bool {
	if pkg == "" {
		return false
	}
	if len(s.AllowPackages) > 0 {
		return !containsPackage(s.AllowPackages, pkg)
	}
	return containsPackage(s.BlockedPackages, pkg)
}

func containsPackage(list []string, pkg string) bool {
	for _, p := range list {
		if p == pkg {
			return true
		}
	}
	return false
}

// Verdict is the engine's blocked/allowed determination for a package.
type Verdict struct {
	Blocked   bool
	SessionID string // matching session when blocked, empty otherwise
	Package   string
}

// ForegroundSnapshot is the last known foreground application.
// PackageName is empty when it could not be determined (permission missing,
// no event yet, or the snapshot went stale).
type ForegroundSnapshot struct {
	PackageName string    `json:"package_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PermissionsStatus reports which OS capabilities the engine currently holds.
type PermissionsStatus struct {
	AccessibilityEnabled      bool `json:"accessibility_enabled"`
	OverlayEnabled            bool `json:"overlay_enabled"`
	UsageAccessEnabled        bool `json:"usage_access_enabled"`
	ScheduleExactAlarmEnabled bool `json:"schedule_exact_alarm_enabled"`
}

// OverlayContent is what the block screen displays for a blocked package.
type OverlayContent struct {
	SessionID string
	Package   string
	Reason    string
}

// RunInfo records the daemon's identity for discovery by the CLI.
// Persisted to a runfile, heartbeat updated while the daemon lives.
type RunInfo struct {
	PID           int    `json:"pid"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppVersion    string `json:"app_version,omitempty"`
}
