// Package daemon runs the engine's long-lived loops: the foreground monitor
// and the runtime wiring around it.
package daemon

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
	"github.com/eliteGoblin/focusd/session_engine/internal/usecase"
)

// MonitorConfig holds foreground monitor configuration.
type MonitorConfig struct {
	// IgnoredPackages are identifiers that never count as a distinct
	// foreground app (the host's own surfaces, empty probe results are
	// always skipped).
	IgnoredPackages []string
}

// ForegroundMonitor consumes the OS notification stream and forwards each
// distinct foreground change to the engine. Rapid repeats for the same
// package (app-switch animations burst many notifications) are collapsed so
// the engine decides once per actual switch and the overlay never flickers.
type ForegroundMonitor struct {
	config MonitorConfig
	source domain.ForegroundSource
	engine *usecase.Engine
	logger *zap.Logger

	lastPkg string
	primed  bool
}

// NewForegroundMonitor creates a monitor feeding the engine.
func NewForegroundMonitor(
	config MonitorConfig,
	source domain.ForegroundSource,
	engine *usecase.Engine,
	logger *zap.Logger,
) *ForegroundMonitor {
	return &ForegroundMonitor{
		config: config,
		source: source,
		engine: engine,
		logger: logger,
	}
}

// Run consumes notifications until the context is canceled or the source
// closes its stream. Blocks; run on its own goroutine.
func (m *ForegroundMonitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-m.source.Changes():
			if !ok {
				// Source stopped: the engine reports running=false via the
				// runtime's availability check rather than raising here.
				m.logger.Info("foreground stream closed")
				return nil
			}
			m.handle(change)
		}
	}
}

func (m *ForegroundMonitor) handle(change domain.ForegroundChange) {
	pkg := change.PackageName
	if pkg == "" || m.ignored(pkg) {
		return
	}
	if m.primed && pkg == m.lastPkg {
		// Same resolved package; nothing changed, no new decision.
		return
	}
	m.lastPkg = pkg
	m.primed = true

	m.logger.Debug("foreground changed", zap.String("package", pkg))
	m.engine.OnForegroundChange(pkg, change.At)
}

func (m *ForegroundMonitor) ignored(pkg string) bool {
	for _, ig := range m.config.IgnoredPackages {
		if ig == pkg {
			return true
		}
	}
	return false
}
