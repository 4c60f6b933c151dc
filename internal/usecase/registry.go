// Package usecase contains the engine's application logic.
package usecase

import (
	"sort"
	"time"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
)

// SessionRegistry owns the set of sessions: pure state plus invariant
// enforcement. It is not safe for concurrent use; the Engine serializes all
// access behind its own lock.
type SessionRegistry struct {
	sessions map[string]domain.SessionState
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]domain.SessionState),
	}
}

// Start validates and inserts a new session.
// Fails with DuplicateSessionError if the id is taken and InvalidWindowError
// if startsAt > endsAt.
func (r *SessionRegistry) Start(cfg domain.SessionConfig) (domain.SessionState, error) {
	if _, ok := r.sessions[cfg.ID]; ok {
		return domain.SessionState{}, &domain.DuplicateSessionError{ID: cfg.ID}
	}
	if err := cfg.Validate(); err != nil {
		return domain.SessionState{}, err
	}
	state := domain.SessionState{SessionConfig: cfg.Clone()}
	r.sessions[cfg.ID] = state
	return state, nil
}

// Update merges the provided fields into an existing session. The merge is
// atomic: the window invariant is re-validated on a copy before commit, so a
// rejected update leaves the session untouched.
func (r *SessionRegistry) Update(patch domain.SessionUpdate) (domain.SessionState, error) {
	current, ok := r.sessions[patch.ID]
	if !ok {
		return domain.SessionState{}, &domain.NotFoundError{ID: patch.ID}
	}

	merged := current.SessionConfig.Clone()
	if patch.BlockedPackages != nil {
		merged.BlockedPackages = append([]string(nil), patch.BlockedPackages...)
	}
	if patch.AllowPackages != nil {
		merged.AllowPackages = append([]string(nil), patch.AllowPackages...)
	}
	if patch.ClearStartsAt {
		merged.StartsAt = nil
	} else if patch.StartsAt != nil {
		v := *patch.StartsAt
		merged.StartsAt = &v
	}
	if patch.ClearEndsAt {
		merged.EndsAt = nil
	} else if patch.EndsAt != nil {
		v := *patch.EndsAt
		merged.EndsAt = &v
	}
	if patch.Reason != nil {
		merged.Reason = *patch.Reason
	}

	if err := merged.Validate(); err != nil {
		return domain.SessionState{}, err
	}

	state := domain.SessionState{SessionConfig: merged}
	r.sessions[patch.ID] = state
	return state, nil
}

// Stop removes a session. Stopping an absent id is a no-op; the return value
// reports whether anything was removed.
func (r *SessionRegistry) Stop(id string) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// StopAll removes every session and returns how many were removed.
func (r *SessionRegistry) StopAll() int {
	n := len(r.sessions)
	r.sessions = make(map[string]domain.SessionState)
	return n
}

// Get returns the session with the given id.
func (r *SessionRegistry) Get(id string) (domain.SessionState, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// ListActive returns all sessions active at now, in deterministic order
// (earliest startsAt first, unset sorting before set, then id).
func (r *SessionRegistry) ListActive(now time.Time) []domain.SessionState {
	out := make([]domain.SessionState, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.IsActive(now) {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out
}

// All returns every session config sorted by id, for persistence.
func (r *SessionRegistry) All() []domain.SessionConfig {
	out := make([]domain.SessionConfig, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.SessionConfig.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace swaps the whole session set, used for rehydration after restart.
// Invalid configs are skipped rather than aborting the reload.
func (r *SessionRegistry) Replace(cfgs []domain.SessionConfig) {
	r.sessions = make(map[string]domain.SessionState, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ID == "" || cfg.Validate() != nil {
			continue
		}
		r.sessions[cfg.ID] = domain.SessionState{SessionConfig: cfg.Clone()}
	}
}

// DropExpired removes sessions whose endsAt lies strictly before now and
// returns their ids.
func (r *SessionRegistry) DropExpired(now time.Time) []string {
	ms := now.UnixMilli()
	var expired []string
	for id, s := range r.sessions {
		if s.EndsAt != nil && *s.EndsAt < ms {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		delete(r.sessions, id)
	}
	return expired
}

// NextExpiry returns the consolidated wake-up deadline: the earliest instant
// at which some session lapses (one millisecond past its inclusive endsAt),
// or nil when no session has an end bound. One timer covers the whole set.
// A deadline already in the past is returned as-is; the timer fires promptly
// and the lapsed session is dropped.
func (r *SessionRegistry) NextExpiry() *time.Time {
	var earliest *int64
	for _, s := range r.sessions {
		if s.EndsAt == nil {
			continue
		}
		if earliest == nil || *s.EndsAt < *earliest {
			v := *s.EndsAt
			earliest = &v
		}
	}
	if earliest == nil {
		return nil
	}
	t := time.UnixMilli(*earliest + 1)
	return &t
}

// sortSessions orders by startsAt (unset first), then lexicographic id.
// This is the tie-break used for deterministic event attribution.
func sortSessions(sessions []domain.SessionState) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		switch {
		case a.StartsAt == nil && b.StartsAt != nil:
			return true
		case a.StartsAt != nil && b.StartsAt == nil:
			return false
		case a.StartsAt != nil && b.StartsAt != nil && *a.StartsAt != *b.StartsAt:
			return *a.StartsAt < *b.StartsAt
		}
		return a.ID < b.ID
	})
}
