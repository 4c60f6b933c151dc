package infra

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
)

// overlayOp is one serialized display operation.
type overlayOp struct {
	verb    string // show | update | hide
	content domain.OverlayContent
	reply   chan error
}

// CommandOverlay implements domain.OverlaySurface by invoking an external
// helper program (the presentation layer lives outside the engine). All
// invocations are handed off to a single dispatch goroutine, which owns the
// display surface; callers on other goroutines never touch it directly.
type CommandOverlay struct {
	helper string
	runner CommandRunner
	logger *zap.Logger

	ops  chan overlayOp
	done chan struct{}
	once sync.Once
}

// NewCommandOverlay creates an overlay surface backed by the helper binary.
func NewCommandOverlay(helper string, runner CommandRunner, logger *zap.Logger) *CommandOverlay {
	o := &CommandOverlay{
		helper: helper,
		runner: runner,
		logger: logger,
		ops:    make(chan overlayOp),
		done:   make(chan struct{}),
	}
	go o.dispatch()
	return o
}

func (o *CommandOverlay) dispatch() {
	for {
		select {
		case <-o.done:
			return
		case op := <-o.ops:
			op.reply <- o.invoke(op)
		}
	}
}

func (o *CommandOverlay) invoke(op overlayOp) error {
	args := []string{op.verb}
	if op.verb != "hide" {
		args = append(args,
			"--session", op.content.SessionID,
			"--package", op.content.Package,
			"--reason", op.content.Reason,
		)
	}
	if err := o.runner.Run(o.helper, args...); err != nil {
		return fmt.Errorf("overlay helper %s failed: %w", op.verb, err)
	}
	return nil
}

func (o *CommandOverlay) submit(verb string, content domain.OverlayContent) error {
	op := overlayOp{verb: verb, content: content, reply: make(chan error, 1)}
	select {
	case <-o.done:
		return fmt.Errorf("overlay surface closed")
	case o.ops <- op:
	}
	return <-op.reply
}

// Show renders the overlay.
func (o *CommandOverlay) Show(content domain.OverlayContent) error {
	return o.submit("show", content)
}

// Update replaces the overlay content in place.
func (o *CommandOverlay) Update(content domain.OverlayContent) error {
	return o.submit("update", content)
}

// Hide removes the overlay.
func (o *CommandOverlay) Hide() error {
	return o.submit("hide", domain.OverlayContent{})
}

// Close stops the dispatch goroutine.
func (o *CommandOverlay) Close() {
	o.once.Do(func() { close(o.done) })
}

// LogOverlay implements domain.OverlaySurface with log output only, for
// headless installs and tests. Never fails.
type LogOverlay struct {
	logger *zap.Logger
}

// NewLogOverlay creates a logging overlay surface.
func NewLogOverlay(logger *zap.Logger) *LogOverlay {
	return &LogOverlay{logger: logger}
}

// Show logs the overlay render.
func (o *LogOverlay) Show(content domain.OverlayContent) error {
	o.logger.Info("overlay shown",
		zap.String("session", content.SessionID),
		zap.String("package", content.Package))
	return nil
}

// Update logs the content replacement.
func (o *LogOverlay) Update(content domain.OverlayContent) error {
	o.logger.Info("overlay updated",
		zap.String("session", content.SessionID),
		zap.String("package", content.Package))
	return nil
}

// Hide logs the overlay removal.
func (o *LogOverlay) Hide() error {
	o.logger.Info("overlay hidden")
	return nil
}

// Ensure both surfaces implement domain.OverlaySurface.
var _ domain.OverlaySurface = (*CommandOverlay)(nil)
var _ domain.OverlaySurface = (*LogOverlay)(nil)
