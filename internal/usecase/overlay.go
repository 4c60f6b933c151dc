package usecase

import (
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
	"github.com/eliteGoblin/focusd/session_engine/internal/metrics"
)

type overlayPhase int

const (
	overlayHidden overlayPhase = iota
	overlayShowing
)

// OverlayController is a state machine {Hidden, Showing(sessionId, pkg)} that
// drives the overlay surface exactly when the verdict flips, no matter how
// many times the same verdict repeats. Render failures are contained here:
// the controller degrades to Hidden and the engine keeps deciding without
// being able to enforce.
type OverlayController struct {
	surface domain.OverlaySurface
	logger  *zap.Logger

	phase     overlayPhase
	sessionID string
	pkg       string
}

// NewOverlayController creates a controller in the Hidden state.
func NewOverlayController(surface domain.OverlaySurface, logger *zap.Logger) *OverlayController {
	return &OverlayController{
		surface: surface,
		logger:  logger,
	}
}

// Apply feeds one verdict and returns the events to publish (zero or one).
// Not safe for concurrent use; the Engine serializes calls.
func (c *OverlayController) Apply(v domain.Verdict, reason string, now time.Time) []domain.BlockEvent {
	if v.Blocked {
		return c.applyBlocked(v, reason, now)
	}
	return c.applyAllowed(now)
}

func (c *OverlayController) applyBlocked(v domain.Verdict, reason string, now time.Time) []domain.BlockEvent {
	content := domain.OverlayContent{
		SessionID: v.SessionID,
		Package:   v.Package,
		Reason:    reason,
	}

	if c.phase == overlayShowing {
		if c.sessionID == v.SessionID && c.pkg == v.Package {
			// Same verdict repeating: no re-render, no flicker.
			return nil
		}
		// Replace content in place, no hide/show flash.
		sessionChanged := c.sessionID != v.SessionID
		if err := c.surface.Update(content); err != nil {
			c.logger.Warn("overlay update failed, degrading to hidden",
				zap.String("session", v.SessionID),
				zap.Error(err))
			// The shown overlay is gone as far as the state machine is
			// concerned; its block_shown needs a closing block_dismissed so
			// listeners do not believe the block is still up.
			dismissed := c.sessionID
			c.reset()
			return []domain.BlockEvent{domain.BlockDismissed{SessionID: dismissed, At: now}}
		}
		c.sessionID = v.SessionID
		c.pkg = v.Package
		if !sessionChanged {
			return nil
		}
		metrics.BlocksShown.Inc()
		return []domain.BlockEvent{domain.BlockShown{SessionID: v.SessionID, At: now}}
	}

	if err := c.surface.Show(content); err != nil {
		c.logger.Warn("overlay show failed, degrading to hidden",
			zap.String("session", v.SessionID),
			zap.String("package", v.Package),
			zap.Error(err))
		c.reset()
		return nil
	}
	c.phase = overlayShowing
	c.sessionID = v.SessionID
	c.pkg = v.Package
	metrics.BlocksShown.Inc()
	return []domain.BlockEvent{domain.BlockShown{SessionID: v.SessionID, At: now}}
}

func (c *OverlayController) applyAllowed(now time.Time) []domain.BlockEvent {
	if c.phase == overlayHidden {
		return nil
	}
	dismissed := c.sessionID
	if err := c.surface.Hide(); err != nil {
		// The overlay may be stuck on screen, but the state machine moves
		// on: the next blocked verdict re-renders from scratch.
		c.logger.Warn("overlay hide failed", zap.Error(err))
	}
	c.reset()
	return []domain.BlockEvent{domain.BlockDismissed{SessionID: dismissed, At: now}}
}

// Visible reports whether the overlay is currently showing.
func (c *OverlayController) Visible() bool {
	return c.phase == overlayShowing
}

// Showing returns the session id and package currently on screen.
func (c *OverlayController) Showing() (sessionID, pkg string) {
	return c.sessionID, c.pkg
}

func (c *OverlayController) reset() {
	c.phase = overlayHidden
	c.sessionID = ""
	c.pkg = ""
}
