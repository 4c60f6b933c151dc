package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
	"github.com/eliteGoblin/focusd/session_engine/internal/infra"
	"github.com/eliteGoblin/focusd/session_engine/internal/usecase"
)

// RuntimeConfig holds the daemon loop intervals.
type RuntimeConfig struct {
	FlushInterval        time.Duration // persistence retry after a failed save
	HeartbeatInterval    time.Duration // runfile liveness refresh
	AvailabilityInterval time.Duration // observation capability re-check
}

// DefaultRuntimeConfig returns the default daemon intervals.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		FlushInterval:        30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		AvailabilityInterval: 10 * time.Second,
	}
}

// Runtime wires the engine, foreground source, and monitor into the daemon
// process: rehydrate first, then observe, with periodic upkeep tickers.
// SIGHUP reloads the session set from the store so the CLI can mutate it
// out of process.
type Runtime struct {
	config  RuntimeConfig
	engine  *usecase.Engine
	monitor *ForegroundMonitor
	source  domain.ForegroundSource
	runfile *infra.Runfile
	clock   clockwork.Clock
	logger  *zap.Logger
	version string
}

// NewRuntime creates the daemon runtime.
func NewRuntime(
	config RuntimeConfig,
	engine *usecase.Engine,
	monitor *ForegroundMonitor,
	source domain.ForegroundSource,
	runfile *infra.Runfile,
	clock clockwork.Clock,
	version string,
	logger *zap.Logger,
) *Runtime {
	return &Runtime{
		config:  config,
		engine:  engine,
		monitor: monitor,
		source:  source,
		runfile: runfile,
		clock:   clock,
		logger:  logger,
		version: version,
	}
}

// Run starts the daemon and blocks until the context is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	// Rehydration must complete before the monitor dispatches decisions.
	if err := r.engine.Init(); err != nil {
		r.logger.Error("failed to rehydrate engine", zap.Error(err))
		return err
	}

	if err := r.runfile.Write(os.Getpid(), r.clock.Now(), r.version); err != nil {
		r.logger.Warn("failed to write runfile", zap.Error(err))
	}
	defer func() {
		if err := r.runfile.Clear(); err != nil {
			r.logger.Warn("failed to clear runfile", zap.Error(err))
		}
	}()

	if err := r.source.Start(ctx); err != nil {
		return err
	}
	defer r.source.Stop()
	r.engine.SetServiceRunning(r.source.Available())

	// Prime the decision for whatever is already foregrounded.
	if pkg, err := r.source.Current(); err == nil && pkg != "" {
		r.engine.OnForegroundChange(pkg, r.clock.Now())
	}

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- r.monitor.Run(ctx) }()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	defer signal.Stop(reloadCh)

	flushTicker := r.clock.NewTicker(r.config.FlushInterval)
	heartbeatTicker := r.clock.NewTicker(r.config.HeartbeatInterval)
	availTicker := r.clock.NewTicker(r.config.AvailabilityInterval)
	defer func() {
		flushTicker.Stop()
		heartbeatTicker.Stop()
		availTicker.Stop()
	}()

	r.logger.Info("sessiond started",
		zap.Int("pid", os.Getpid()),
		zap.String("version", r.version),
		zap.Bool("observing", r.source.Available()))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sessiond stopping")
			r.engine.Shutdown()
			return ctx.Err()

		case err := <-monitorDone:
			if err != nil && err != context.Canceled {
				r.logger.Error("foreground monitor exited", zap.Error(err))
			}
			r.engine.SetServiceRunning(false)
			monitorDone = nil // keep selecting on the other channels

		case <-reloadCh:
			r.logger.Info("reload signal received")
			if err := r.engine.Reload(); err != nil {
				r.logger.Warn("failed to reload session set", zap.Error(err))
			}

		case <-flushTicker.Chan():
			r.engine.Flush()

		case <-heartbeatTicker.Chan():
			if err := r.runfile.Heartbeat(); err != nil {
				r.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-availTicker.Chan():
			r.engine.SetServiceRunning(r.source.Available())
		}
	}
}
