package usecase

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
)

// memStore implements domain.SessionStore and deferred.DeadlineStore
// in memory, with injectable failures
type memStore struct {
	mu            sync.Mutex
	sessions      []domain.SessionConfig
	deadline      *time.Time
	saveErr       error
	saves         int
	deadlineSaves int
}

func (m *memStore) SaveSessions(sessions []domain.SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sessions = append([]domain.SessionConfig(nil), sessions...)
	m.saves++
	return nil
}

func (m *memStore) LoadSessions() ([]domain.SessionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SessionConfig(nil), m.sessions...), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) SaveDeadline(due *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlineSaves++
	if due == nil {
		m.deadline = nil
	} else {
		d := *due
		m.deadline = &d
	}
	return nil
}

func (m *memStore) deadlineSaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadlineSaves
}

func (m *memStore) LoadDeadline() (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline, nil
}

func (m *memStore) setSaveErr(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// nopProber implements domain.PermissionProber for testing
type nopProber struct {
	opened []domain.PermissionKind
}

func (p *nopProber) Status() domain.PermissionsStatus {
	return domain.PermissionsStatus{AccessibilityEnabled: true, OverlayEnabled: true}
}

func (p *nopProber) OpenSettings(kind domain.PermissionKind) error {
	p.opened = append(p.opened, kind)
	return nil
}

type engineFixture struct {
	engine  *Engine
	store   *memStore
	surface *mockSurface
	clock   clockwork.FakeClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := &memStore{}
	surface := &mockSurface{}
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	engine := NewEngine(EngineConfig{SnapshotValidity: 5 * time.Second},
		store, store, surface, &nopProber{}, clock, zap.NewNop())
	require.NoError(t, engine.Init())
	return &engineFixture{engine: engine, store: store, surface: surface, clock: clock}
}

func countEvents(events []domain.BlockEvent) (attempts, shown, dismissed int) {
	for _, ev := range events {
		switch ev.(type) {
		case domain.AppAttempt:
			attempts++
		case domain.BlockShown:
			shown++
		case domain.BlockDismissed:
			dismissed++
		}
	}
	return
}

// TestEngineBlockScenario verifies the canonical flow: start a session,
// switch into a blocked app, switch out
func TestEngineBlockScenario(t *testing.T) {
	f := newEngineFixture(t)
	endsAt := f.clock.Now().Add(5 * time.Minute).UnixMilli()

	require.NoError(t, f.engine.StartSession(domain.SessionConfig{
		ID:              "s1",
		BlockedPackages: []string{"com.a"},
		EndsAt:          &endsAt,
	}))

	f.engine.OnForegroundChange("com.a", f.clock.Now())

	events := f.engine.RecentEvents()
	attempts, shown, dismissed := countEvents(events)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, shown)
	assert.Equal(t, 0, dismissed)

	// Attribution: both events name s1
	for _, ev := range events {
		switch e := ev.(type) {
		case domain.AppAttempt:
			assert.Equal(t, "s1", e.SessionID)
			assert.Equal(t, "com.a", e.PackageName)
		case domain.BlockShown:
			assert.Equal(t, "s1", e.SessionID)
		}
	}

	f.engine.OnForegroundChange("com.b", f.clock.Now())

	_, _, dismissed = countEvents(f.engine.RecentEvents())
	assert.Equal(t, 1, dismissed)
	assert.Equal(t, "hide", f.surface.calls[len(f.surface.calls)-1])
}

// TestEngineMutationReevaluatesImmediately verifies blocking begins on
// startSession without waiting for the next foreground change, and that no
// app_attempt is emitted for mutation-triggered re-evaluation
func TestEngineMutationReevaluatesImmediately(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.OnForegroundChange("com.a", f.clock.Now())
	attempts, shown, _ := countEvents(f.engine.RecentEvents())
	assert.Equal(t, 0, attempts)
	assert.Equal(t, 0, shown)

	require.NoError(t, f.engine.StartSession(domain.SessionConfig{
		ID:              "s1",
		BlockedPackages: []string{"com.a"},
	}))

	attempts, shown, _ = countEvents(f.engine.RecentEvents())
	assert.Equal(t, 0, attempts, "mutation re-evaluation must not emit app_attempt")
	assert.Equal(t, 1, shown)
}

// TestEngineStopLiftsBlock verifies stopSession dismisses a visible overlay
// within the same call
func TestEngineStopLiftsBlock(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.engine.StartSession(domain.SessionConfig{
		ID:              "s1",
		BlockedPackages: []string{"com.a"},
	}))
	f.engine.OnForegroundChange("com.a", f.clock.Now())

	f.engine.StopSession("s1")

	_, _, dismissed := countEvents(f.engine.RecentEvents())
	assert.Equal(t, 1, dismissed)

	// Idempotent: stopping again changes nothing
	before := len(f.engine.RecentEvents())
	f.engine.StopSession("s1")
	assert.Len(t, f.engine.RecentEvents(), before)
}

// TestEngineDuplicateAndValidationErrors verifies the error taxonomy is
// returned, not raised
func TestEngineDuplicateAndValidationErrors(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.engine.StartSession(domain.SessionConfig{ID: "s1"}))

	var dup *domain.DuplicateSessionError
	require.ErrorAs(t, f.engine.StartSession(domain.SessionConfig{ID: "s1"}), &dup)

	var notFound *domain.NotFoundError
	require.ErrorAs(t, f.engine.UpdateSession(domain.SessionUpdate{ID: "ghost"}), &notFound)

	starts := f.clock.Now().Add(time.Hour).UnixMilli()
	ends := f.clock.Now().UnixMilli()
	var invalid *domain.InvalidWindowError
	require.ErrorAs(t, f.engine.StartSession(domain.SessionConfig{
		ID: "s2", StartsAt: &starts, EndsAt: &ends,
	}), &invalid)
}

// TestEngineExpiryWake verifies the consolidated timer drops the lapsed
// session and dismisses the overlay with no residual state
func TestEngineExpiryWake(t *testing.T) {
	f := newEngineFixture(t)
	endsAt := f.clock.Now().Add(5 * time.Second).UnixMilli()

	require.NoError(t, f.engine.StartSession(domain.SessionConfig{
		ID:              "s1",
		BlockedPackages: []string{"com.a"},
		EndsAt:          &endsAt,
	}))
	f.engine.OnForegroundChange("com.a", f.clock.Now())

	_, shown, _ := countEvents(f.engine.RecentEvents())
	require.Equal(t, 1, shown)

	f.clock.Advance(5*time.Second + time.Millisecond)

	require.Eventually(t, func() bool {
		_, _, dismissed := countEvents(f.engine.RecentEvents())
		return dismissed == 1
	}, 2*time.Second, 10*time.Millisecond, "expiry wake must dismiss exactly once")

	assert.Empty(t, f.engine.ListSessions())
	// Exactly one dismissal, no extra events later
	_, shown, dismissed := countEvents(f.engine.RecentEvents())
	assert.Equal(t, 1, shown)
	assert.Equal(t, 1, dismissed)
}

// TestEngineUpdateShortensSession verifies updateSession({endsAt: T+10})
// while showing yields exactly one block_dismissed at the wake-up
func TestEngineUpdateShortensSession(t *testing.T) {
	f := newEngineFixture(t)
	endsAt := f.clock.Now().Add(time.Hour).UnixMilli()

	require.NoError(t, f.engine.StartSession(domain.SessionConfig{
		ID:              "s1",
		BlockedPackages: []string{"com.a"},
		EndsAt:          &endsAt,
	}))
	f.engine.OnForegroundChange("com.a", f.clock.Now())

	soon := f.clock.Now().Add(10 * time.Millisecond).UnixMilli()
	require.NoError(t, f.engine.UpdateSession(domain.SessionUpdate{ID: "s1", EndsAt: &soon}))

	f.clock.Advance(11 * time.Millisecond)

	require.Eventually(t, func() bool {
		_, _, dismissed := countEvents(f.engine.RecentEvents())
		return dismissed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, f.engine.ListSessions())
	_, _, dismissed := countEvents(f.engine.RecentEvents())
	assert.Equal(t, 1, dismissed)
}

// TestEngineRehydrationDropsExpired verifies a restart after expiry does not
// resurrect the session
func TestEngineRehydrationDropsExpired(t *testing.T) {
	store := &memStore{}
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	endsAt := clock.Now().Add(5 * time.Second).UnixMilli()
	live := clock.Now().Add(time.Hour).UnixMilli()
	store.sessions = []domain.SessionConfig{
		{ID: "expired", BlockedPackages: []string{"com.a"}, EndsAt: &endsAt},
		{ID: "live", BlockedPackages: []string{"com.b"}, EndsAt: &live},
	}

	// Cold start 6 seconds after the first session lapsed
	clock.Advance(6 * time.Second)
	engine := NewEngine(EngineConfig{}, store, store, &mockSurface{}, &nopProber{}, clock, zap.NewNop())
	require.NoError(t, engine.Init())

	sessions := engine.ListSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "live", sessions[0].ID)

	// The blocked package of the expired session is allowed now
	engine.OnForegroundChange("com.a", clock.Now())
	_, shown, _ := countEvents(engine.RecentEvents())
	assert.Equal(t, 0, shown)
}

// TestEngineInitRestoresPersistedDeadline verifies a cold start picks up the
// persisted wake deadline without rewriting it, and still fires on time
func TestEngineInitRestoresPersistedDeadline(t *testing.T) {
	store := &memStore{}
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	endsAt := clock.Now().Add(time.Minute).UnixMilli()
	deadline := time.UnixMilli(endsAt + 1)
	store.sessions = []domain.SessionConfig{
		{ID: "s1", BlockedPackages: []string{"com.a"}, EndsAt: &endsAt},
	}
	store.deadline = &deadline

	engine := NewEngine(EngineConfig{}, store, store, &mockSurface{}, &nopProber{}, clock, zap.NewNop())
	require.NoError(t, engine.Init())

	// Restored and reconciled: the unchanged deadline was not rewritten
	assert.Equal(t, 0, store.deadlineSaveCount())

	clock.Advance(time.Minute + 2*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(engine.ListSessions()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestEnginePersistFailureRetriedOnFlush verifies PersistenceFailure keeps
// the engine serving from memory and Flush retries the write
func TestEnginePersistFailureRetriedOnFlush(t *testing.T) {
	f := newEngineFixture(t)

	f.store.setSaveErr(errors.New("disk full"))
	require.NoError(t, f.engine.StartSession(domain.SessionConfig{
		ID:              "s1",
		BlockedPackages: []string{"com.a"},
	}))

	// Engine still blocks from memory
	f.engine.OnForegroundChange("com.a", f.clock.Now())
	_, shown, _ := countEvents(f.engine.RecentEvents())
	assert.Equal(t, 1, shown)

	f.store.setSaveErr(nil)
	f.engine.Flush()

	sessions, err := f.store.LoadSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
}

// TestEngineSnapshotStaleness verifies the documented validity window
func TestEngineSnapshotStaleness(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.OnForegroundChange("com.a", f.clock.Now())
	assert.Equal(t, "com.a", f.engine.CurrentForegroundApp().PackageName)

	f.clock.Advance(6 * time.Second) // beyond the 5s validity bound
	snap := f.engine.CurrentForegroundApp()
	assert.Empty(t, snap.PackageName)
	assert.False(t, snap.Timestamp.IsZero())
}

// TestEngineServiceStateTransitions verifies service_state is emitted once
// per transition, not per report
func TestEngineServiceStateTransitions(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.SetServiceRunning(true)
	f.engine.SetServiceRunning(true)
	f.engine.SetServiceRunning(false)

	var states []bool
	for _, ev := range f.engine.RecentEvents() {
		if s, ok := ev.(domain.ServiceState); ok {
			states = append(states, s.Running)
		}
	}
	assert.Equal(t, []bool{true, false}, states)
	assert.False(t, f.engine.IsServiceRunning())
}

// TestEngineUnionAcrossSessions verifies two concurrent sessions block the
// union of their packages
func TestEngineUnionAcrossSessions(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.engine.StartSession(domain.SessionConfig{
		ID: "a", BlockedPackages: []string{"x"},
	}))
	require.NoError(t, f.engine.StartSession(domain.SessionConfig{
		ID: "b", BlockedPackages: []string{"y"},
	}))

	f.engine.OnForegroundChange("x", f.clock.Now())
	f.engine.OnForegroundChange("z", f.clock.Now())
	f.engine.OnForegroundChange("y", f.clock.Now())

	attempts, shown, dismissed := countEvents(f.engine.RecentEvents())
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, shown)
	assert.Equal(t, 1, dismissed)
}

// TestEngineStopAllPersistsEmptySet verifies stop-all clears durable state
func TestEngineStopAllPersistsEmptySet(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.engine.StartSession(domain.SessionConfig{ID: "s1"}))
	require.NoError(t, f.engine.StartSession(domain.SessionConfig{ID: "s2"}))
	f.engine.StopAllSessions()

	sessions, err := f.store.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
