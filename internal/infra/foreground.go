package infra

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes real system commands.
type RealCommandRunner struct{}

// Run executes a command and waits for it to complete.
func (r *RealCommandRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// Output executes a command and returns its stdout.
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// frontmostScript asks System Events for the frontmost application's bundle
// identifier. Requires the Accessibility/Automation grant; a denied grant
// surfaces as a command error, which we report as unavailability rather than
// a fault.
const frontmostScript = `tell application "System Events" to get bundle identifier of first application process whose frontmost is true`

// OsascriptForegroundSource implements domain.ForegroundSource by polling
// the frontmost application via osascript. Every poll result is pushed on
// the change stream; collapsing repeats is the monitor's job.
type OsascriptForegroundSource struct {
	interval time.Duration
	clock    clockwork.Clock
	runner   CommandRunner
	logger   *zap.Logger

	changes chan domain.ForegroundChange
	done    chan struct{}

	mu        sync.Mutex
	available bool
	started   bool
}

// NewOsascriptForegroundSource creates a polling foreground source.
func NewOsascriptForegroundSource(
	interval time.Duration,
	clock clockwork.Clock,
	logger *zap.Logger,
) *OsascriptForegroundSource {
	return NewOsascriptForegroundSourceWithRunner(interval, clock, &RealCommandRunner{}, logger)
}

// NewOsascriptForegroundSourceWithRunner injects a command runner (for tests).
func NewOsascriptForegroundSourceWithRunner(
	interval time.Duration,
	clock clockwork.Clock,
	runner CommandRunner,
	logger *zap.Logger,
) *OsascriptForegroundSource {
	return &OsascriptForegroundSource{
		interval: interval,
		clock:    clock,
		runner:   runner,
		logger:   logger,
		changes:  make(chan domain.ForegroundChange, 16),
		done:     make(chan struct{}),
	}
}

// Start begins the polling loop.
func (s *OsascriptForegroundSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if _, err := exec.LookPath("osascript"); err != nil {
		s.setAvailable(false)
		s.logger.Warn("osascript not found, foreground observation disabled")
	}

	go s.poll(ctx)
	return nil
}

func (s *OsascriptForegroundSource) poll(ctx context.Context) {
	defer close(s.changes)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.Chan():
		}

		pkg, err := s.probe()
		if err != nil {
			continue
		}
		change := domain.ForegroundChange{PackageName: pkg, At: s.clock.Now()}
		select {
		case s.changes <- change:
		default:
			// Burst faster than the monitor drains; dropping is fine, the
			// next poll carries the same information.
			s.logger.Debug("dropped foreground notification",
				zap.String("package", pkg))
		}
	}
}

func (s *OsascriptForegroundSource) probe() (string, error) {
	out, err := s.runner.Output("osascript", "-e", frontmostScript)
	if err != nil {
		s.setAvailable(false)
		return "", err
	}
	s.setAvailable(true)
	return strings.TrimSpace(string(out)), nil
}

// Changes returns the notification stream.
func (s *OsascriptForegroundSource) Changes() <-chan domain.ForegroundChange {
	return s.changes
}

// Current probes the frontmost application directly, bypassing the stream.
func (s *OsascriptForegroundSource) Current() (string, error) {
	return s.probe()
}

// Available reports whether the last probe succeeded.
func (s *OsascriptForegroundSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Stop ends the polling loop and closes the change stream.
func (s *OsascriptForegroundSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *OsascriptForegroundSource) setAvailable(v bool) {
	s.mu.Lock()
	s.available = v
	s.mu.Unlock()
}

// Ensure OsascriptForegroundSource implements domain.ForegroundSource.
var _ domain.ForegroundSource = (*OsascriptForegroundSource)(nil)
