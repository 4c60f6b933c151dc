// Package deferred implements a durable deferred task: a single consolidated
// callback scheduled for a due time, persisted so it can be restored after a
// process restart. Rescheduling supersedes the pending deadline, never queues
// a duplicate timer. Delivery may be late (after a restart it waits for the
// host process to come back), never early.
package deferred

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DeadlineStore persists the pending due time across process restarts.
// A nil due time means nothing is scheduled.
type DeadlineStore interface {
	SaveDeadline(due *time.Time) error
	LoadDeadline() (*time.Time, error)
}

// Timer schedules one idempotent callback at a due time. The callback fires
// on the clock's timer goroutine; it must not block for long and must
// tolerate firing after its work was already done elsewhere.
type Timer struct {
	clock  clockwork.Clock
	store  DeadlineStore
	fire   func()
	logger *zap.Logger

	mu    sync.Mutex
	timer clockwork.Timer
	due   *time.Time
	gen   uint64 // invalidates stale timer callbacks
}

// NewTimer creates an unscheduled durable timer.
func NewTimer(clock clockwork.Clock, store DeadlineStore, fire func(), logger *zap.Logger) *Timer {
	return &Timer{
		clock:  clock,
		store:  store,
		fire:   fire,
		logger: logger,
	}
}

// Schedule replaces any pending deadline with due. The deadline is persisted
// before the in-process timer is armed; a persist failure is logged and the
// timer still runs in-memory. Scheduling the already-pending deadline is a
// no-op, so mutations that leave the earliest expiry unchanged (and a restart
// that Restored it) cost no store write and no re-arm.
func (t *Timer) Schedule(due time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.due != nil && t.timer != nil && t.due.Equal(due) {
		return
	}
	d := due
	t.due = &d
	if err := t.store.SaveDeadline(t.due); err != nil {
		t.logger.Warn("failed to persist deadline", zap.Error(err))
	}
	t.armLocked(due)
}

// Cancel drops the pending deadline, if any.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.due == nil {
		return
	}
	t.due = nil
	if err := t.store.SaveDeadline(nil); err != nil {
		t.logger.Warn("failed to clear persisted deadline", zap.Error(err))
	}
}

// Restore reloads the persisted deadline on cold start and re-arms the
// in-process timer. A deadline already in the past fires promptly.
func (t *Timer) Restore() error {
	due, err := t.store.LoadDeadline()
	if err != nil {
		return err
	}
	if due == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.due = due
	t.armLocked(*due)
	return nil
}

// Due returns the pending due time, or nil when unscheduled.
func (t *Timer) Due() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.due == nil {
		return nil
	}
	d := *t.due
	return &d
}

// armLocked supersedes the previous timer. Caller holds t.mu.
func (t *Timer) armLocked(due time.Time) {
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	delay := due.Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}
	t.timer = t.clock.AfterFunc(delay, func() { t.onFire(gen) })
}

func (t *Timer) onFire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		// Superseded by a later Schedule or Cancel.
		t.mu.Unlock()
		return
	}
	t.due = nil
	t.timer = nil
	if err := t.store.SaveDeadline(nil); err != nil {
		t.logger.Warn("failed to clear persisted deadline", zap.Error(err))
	}
	t.mu.Unlock()

	// Outside the lock: the callback may call Schedule again.
	t.fire()
}
