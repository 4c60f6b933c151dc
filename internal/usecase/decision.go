package usecase

import (
	"time"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
)

// DecisionEngine derives a block/allow verdict for a package at a point in
// time from the registry. It holds no state of its own.
type DecisionEngine struct {
	registry *SessionRegistry
}

// NewDecisionEngine creates a decision engine over the given registry.
func NewDecisionEngine(registry *SessionRegistry) *DecisionEngine {
	return &DecisionEngine{registry: registry}
}

// Decide returns blocked if any active session's ShouldBlock(pkg) is true.
// Among matches the verdict is attributed to the session with the earliest
// startsAt (unset sorting first), then lexicographic id, so event attribution
// is deterministic.
func (d *DecisionEngine) Decide(pkg string, now time.Time) domain.Verdict {
	verdict := domain.Verdict{Package: pkg}
	if pkg == "" {
		return verdict
	}
	// ListActive is already sorted by the tie-break order.
	for _, s := range d.registry.ListActive(now) {
		if s.ShouldBlock(pkg) {
			verdict.Blocked = true
			verdict.SessionID = s.ID
			return verdict
		}
	}
	return verdict
}
