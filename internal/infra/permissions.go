package infra

import (
	"fmt"
	"os/exec"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
)

// Privacy pane anchors in System Settings.
const (
	accessibilityPane = "x-apple.systempreferences:com.apple.preference.security?Privacy_Accessibility"
	screenRecordPane  = "x-apple.systempreferences:com.apple.preference.security?Privacy_ScreenCapture"
	automationPane    = "x-apple.systempreferences:com.apple.preference.security?Privacy_Automation"
)

// DarwinPermissionProber implements domain.PermissionProber for macOS.
// Grants are probed best-effort: a revoked Accessibility grant shows up as
// the foreground source losing availability, which is an expected steady
// state, not a fault.
type DarwinPermissionProber struct {
	source domain.ForegroundSource
	runner CommandRunner
}

// NewDarwinPermissionProber creates a prober reading availability from the
// foreground source.
func NewDarwinPermissionProber(source domain.ForegroundSource, runner CommandRunner) *DarwinPermissionProber {
	return &DarwinPermissionProber{source: source, runner: runner}
}

// Status reports current capability grants. On macOS there is no separate
// overlay or usage-access grant and launchd timers are exact, so those flags
// track the observation capability and platform guarantees.
func (p *DarwinPermissionProber) Status() domain.PermissionsStatus {
	observing := p.source != nil && p.source.Available()
	return domain.PermissionsStatus{
		AccessibilityEnabled:      observing,
		OverlayEnabled:            true,
		UsageAccessEnabled:        observing,
		ScheduleExactAlarmEnabled: true,
	}
}

// OpenSettings opens the System Settings pane for the given capability.
// Returns once the pane is invoked, not once the grant is given.
func (p *DarwinPermissionProber) OpenSettings(kind domain.PermissionKind) error {
	var pane string
	switch kind {
	case domain.PermissionAccessibility:
		pane = accessibilityPane
	case domain.PermissionOverlay:
		pane = screenRecordPane
	case domain.PermissionUsageAccess:
		pane = automationPane
	case domain.PermissionExactAlarm:
		// No grant needed on macOS.
		return nil
	default:
		return fmt.Errorf("unknown permission kind %q", kind)
	}
	if _, err := exec.LookPath("open"); err != nil {
		return fmt.Errorf("cannot open settings: %w", err)
	}
	return p.runner.Run("open", pane)
}

// Ensure DarwinPermissionProber implements domain.PermissionProber.
var _ domain.PermissionProber = (*DarwinPermissionProber)(nil)
