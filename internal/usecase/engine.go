package usecase

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/deferred"
	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
	"github.com/eliteGoblin/focusd/session_engine/internal/event"
	"github.com/eliteGoblin/focusd/session_engine/internal/metrics"
)

// EngineConfig holds engine tunables.
type EngineConfig struct {
	// SnapshotValidity bounds how stale a foreground snapshot may be before
	// CurrentForegroundApp reports the package as unknown. Zero disables
	// the bound.
	SnapshotValidity time.Duration

	// HistorySize is the event bus retention; 0 uses the bus default.
	HistorySize int
}

// Engine is the session/blocking engine: it owns the registry, drives the
// overlay from decisions, persists sessions durably, and emits the event
// stream. Constructed once by the host, passed by reference to all adapters.
//
// The three entry points - the foreground notification stream, control calls
// from the host, and the expiry wake-up - all serialize on one mutex, so no
// caller ever observes a partially-applied registry mutation.
type Engine struct {
	store  domain.SessionStore
	perms  domain.PermissionProber
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	registry *SessionRegistry
	decider  *DecisionEngine
	overlay  *OverlayController
	expiry   *deferred.Timer
	bus      *event.Bus

	snapshot         domain.ForegroundSnapshot
	snapshotValidity time.Duration
	running          bool
	dirty            bool // last persist failed; retried on next mutation or Flush
}

// NewEngine wires the engine core to its capability adapters.
func NewEngine(
	cfg EngineConfig,
	store domain.SessionStore,
	deadlines deferred.DeadlineStore,
	surface domain.OverlaySurface,
	perms domain.PermissionProber,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Engine {
	registry := NewSessionRegistry()
	e := &Engine{
		store:            store,
		perms:            perms,
		clock:            clock,
		logger:           logger,
		registry:         registry,
		decider:          NewDecisionEngine(registry),
		overlay:          NewOverlayController(surface, logger),
		bus:              event.NewBus(cfg.HistorySize, logger),
		snapshotValidity: cfg.SnapshotValidity,
	}
	e.expiry = deferred.NewTimer(clock, deadlines, e.onWake, logger)
	return e
}

// Init rehydrates the registry from durable storage, drops sessions that
// expired while the process was down, and primes the consolidated expiry
// timer. Must run before the foreground monitor starts dispatching.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sessions, err := e.store.LoadSessions()
	if err != nil {
		return err
	}
	e.registry.Replace(sessions)

	now := e.clock.Now()
	expired := e.registry.DropExpired(now)
	if len(expired) > 0 {
		e.logger.Info("dropped expired sessions on rehydration",
			zap.Strings("sessions", expired))
		e.persistLocked()
	}

	// Restore the persisted wake deadline, then reconcile against the
	// rehydrated set. When nothing lapsed while down the two agree and the
	// reconcile is a no-op; otherwise the recomputed deadline supersedes.
	if err := e.expiry.Restore(); err != nil {
		e.logger.Warn("failed to restore wake deadline", zap.Error(err))
	}
	e.rescheduleLocked()

	e.logger.Info("engine rehydrated",
		zap.Int("sessions", len(sessions)-len(expired)))
	return nil
}

// Shutdown dismisses a visible overlay, reports the service stopped, and
// stops event delivery. The persisted deadline is left in place so a restart
// honors it.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	now := e.clock.Now()
	for _, ev := range e.overlay.Apply(domain.Verdict{}, "", now) {
		e.bus.Publish(ev)
	}
	if e.running {
		e.running = false
		e.bus.Publish(domain.ServiceState{Running: false, At: now})
	}
	e.mu.Unlock()
	e.bus.Close()
}

// --- control surface ---

// StartSession validates and registers a new session, persists the set,
// reschedules expiry, and re-evaluates the current foreground package so
// blocking begins without waiting for the next app switch.
func (e *Engine) StartSession(cfg domain.SessionConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.registry.Start(cfg); err != nil {
		return err
	}
	e.logger.Info("session started",
		zap.String("session", cfg.ID),
		zap.Int("blocked", len(cfg.BlockedPackages)),
		zap.Int("allowed", len(cfg.AllowPackages)))

	e.afterMutationLocked()
	return nil
}

// UpdateSession applies a partial merge to an existing session. The merge is
// atomic: a validation failure leaves the session untouched.
func (e *Engine) UpdateSession(patch domain.SessionUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.registry.Update(patch); err != nil {
		return err
	}
	e.logger.Info("session updated", zap.String("session", patch.ID))

	e.afterMutationLocked()
	return nil
}

// StopSession removes a session. Stopping an absent id is a no-op.
func (e *Engine) StopSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.Stop(id) {
		return
	}
	e.logger.Info("session stopped", zap.String("session", id))

	e.afterMutationLocked()
}

// StopAllSessions removes every session.
func (e *Engine) StopAllSessions() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registry.StopAll() == 0 {
		return
	}
	e.logger.Info("all sessions stopped")

	e.afterMutationLocked()
}

// GetSession returns the session with the given id.
func (e *Engine) GetSession(id string) (domain.SessionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Get(id)
}

// ListSessions returns every registered session config, sorted by id.
func (e *Engine) ListSessions() []domain.SessionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.All()
}

// ListActiveSessions returns the sessions active right now.
func (e *Engine) ListActiveSessions() []domain.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.ListActive(e.clock.Now())
}

// CurrentForegroundApp returns the last known foreground application,
// best-effort. A snapshot older than the validity bound is reported with the
// package cleared rather than served as current.
func (e *Engine) CurrentForegroundApp() domain.ForegroundSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.snapshot
	if snap.PackageName != "" && e.snapshotValidity > 0 &&
		e.clock.Now().Sub(snap.Timestamp) > e.snapshotValidity {
		snap.PackageName = ""
	}
	return snap
}

// IsServiceRunning reports whether the foreground observation capability is
// currently delivering notifications.
func (e *Engine) IsServiceRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// PermissionsStatus reports the OS capability grants.
func (e *Engine) PermissionsStatus() domain.PermissionsStatus {
	return e.perms.Status()
}

// RequestPermission opens the OS settings surface for the given capability.
// It returns once the surface is invoked; grant state must be re-polled.
func (e *Engine) RequestPermission(kind domain.PermissionKind) error {
	return e.perms.OpenSettings(kind)
}

// Subscribe registers a listener on the event stream.
func (e *Engine) Subscribe(fn event.Listener) *event.Subscription {
	return e.bus.Subscribe(fn)
}

// RecentEvents returns the bus's retained history, oldest first.
func (e *Engine) RecentEvents() []domain.BlockEvent {
	return e.bus.Recent()
}

// --- monitor-facing entry points ---

// OnForegroundChange records the new foreground package and evaluates it.
// Called by the foreground monitor once per distinct change.
func (e *Engine) OnForegroundChange(pkg string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.snapshot = domain.ForegroundSnapshot{PackageName: pkg, Timestamp: at}
	e.evaluateLocked(pkg, true)
}

// SetServiceRunning flips the running flag, emitting a service_state event on
// every transition.
func (e *Engine) SetServiceRunning(running bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running == running {
		return
	}
	e.running = running
	e.bus.Publish(domain.ServiceState{Running: running, At: e.clock.Now()})
}

// Reload re-reads the session set from durable storage, for an out-of-process
// mutation (e.g. the CLI wrote the store and signaled the daemon).
func (e *Engine) Reload() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sessions, err := e.store.LoadSessions()
	if err != nil {
		return err
	}
	e.registry.Replace(sessions)
	e.registry.DropExpired(e.clock.Now())
	e.rescheduleLocked()
	e.reevaluateLocked()
	e.logger.Info("session set reloaded", zap.Int("sessions", len(sessions)))
	return nil
}

// Flush retries a persist whose previous attempt failed. Called periodically
// by the daemon so the durability gap after a PersistenceFailure is bounded.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dirty {
		e.persistLocked()
	}
}

// --- expiry wake-up ---

// onWake fires at the consolidated deadline (or on a late delivery after
// restart). Lapsed sessions are dropped and the current foreground package is
// re-evaluated so an expired block is lifted promptly, with no new app-switch
// event required. A wake-up that finds nothing expired is a no-op.
func (e *Engine) onWake() {
	metrics.ExpiryWakeups.Inc()

	e.mu.Lock()
	defer e.mu.Unlock()

	expired := e.registry.DropExpired(e.clock.Now())
	if len(expired) > 0 {
		e.logger.Info("sessions expired", zap.Strings("sessions", expired))
		e.persistLocked()
	}
	e.rescheduleLocked()
	e.reevaluateLocked()
}

// --- internals (callers hold e.mu) ---

// afterMutationLocked runs the persist + reschedule + re-evaluate sequence
// every registry mutation requires.
func (e *Engine) afterMutationLocked() {
	e.persistLocked()
	e.rescheduleLocked()
	e.reevaluateLocked()
}

func (e *Engine) persistLocked() {
	if err := e.store.SaveSessions(e.registry.All()); err != nil {
		metrics.PersistFailures.Inc()
		e.logger.Warn("failed to persist sessions, continuing in memory",
			zap.Error(err))
		e.dirty = true
		return
	}
	e.dirty = false
}

func (e *Engine) rescheduleLocked() {
	if next := e.registry.NextExpiry(); next != nil {
		e.expiry.Schedule(*next)
	} else {
		e.expiry.Cancel()
	}
}

// reevaluateLocked re-decides the current foreground package after a session
// set change. No app_attempt is emitted here: that event belongs to actual
// foreground changes.
func (e *Engine) reevaluateLocked() {
	e.evaluateLocked(e.snapshot.PackageName, false)
}

func (e *Engine) evaluateLocked(pkg string, emitAttempt bool) {
	now := e.clock.Now()
	verdict := e.decider.Decide(pkg, now)
	metrics.DecisionsEvaluated.Inc()

	if verdict.Blocked && emitAttempt {
		metrics.AppAttempts.Inc()
		e.bus.Publish(domain.AppAttempt{
			PackageName: pkg,
			SessionID:   verdict.SessionID,
			At:          now,
		})
	}

	var reason string
	if verdict.Blocked {
		if s, ok := e.registry.Get(verdict.SessionID); ok {
			reason = s.Reason
		}
	}
	for _, ev := range e.overlay.Apply(verdict, reason, now) {
		e.bus.Publish(ev)
	}
}
