// Package infra implements infrastructure concerns (storage, OS adapters,
// daemon discovery).
package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the daemon's environment-driven configuration.
type Config struct {
	// DataDir holds the encrypted store, key file, and runfile.
	DataDir string `env:"SESSIOND_DATA_DIR" envDefault:"/var/tmp/.sessiond"`

	LogPath      string `env:"SESSIOND_LOG_PATH" envDefault:"/var/tmp/sessiond.log"`
	ErrorLogPath string `env:"SESSIOND_ERROR_LOG_PATH" envDefault:"/var/tmp/sessiond.error.log"`

	// PollInterval is how often the foreground source probes the frontmost
	// application.
	PollInterval time.Duration `env:"SESSIOND_POLL_INTERVAL" envDefault:"1s"`

	// FlushInterval bounds the durability gap after a failed persist.
	FlushInterval time.Duration `env:"SESSIOND_FLUSH_INTERVAL" envDefault:"30s"`

	// HeartbeatInterval is how often the runfile heartbeat is refreshed.
	HeartbeatInterval time.Duration `env:"SESSIOND_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// AvailabilityInterval is how often the observation capability is
	// re-checked and service_state re-derived.
	AvailabilityInterval time.Duration `env:"SESSIOND_AVAILABILITY_INTERVAL" envDefault:"10s"`

	// OverlayHelper is the external program rendering the block screen.
	// Empty selects the logging no-op surface.
	OverlayHelper string `env:"SESSIOND_OVERLAY_HELPER"`

	// IgnoredPackages are bundle identifiers the monitor never treats as a
	// foreground app (the host's own surfaces, settings panes it opens).
	IgnoredPackages []string `env:"SESSIOND_IGNORED_PACKAGES" envSeparator:","`

	// EventHistorySize is the event bus retention for late subscribers.
	EventHistorySize int `env:"SESSIOND_EVENT_HISTORY" envDefault:"50"`
}

// LoadConfig parses configuration from the environment and expands ~ in the
// data dir.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	return cfg, nil
}

// SnapshotValidity is the staleness bound for getCurrentForegroundApp:
// twice the poll interval, so one missed probe does not invalidate the
// snapshot but a stalled source does.
func (c Config) SnapshotValidity() time.Duration {
	return 2 * c.PollInterval
}

func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
