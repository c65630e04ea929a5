package control

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lilygo-motion/motioncontroller/components/motor"
	"github.com/lilygo-motion/motioncontroller/logging"
)

// A Guardian keeps a freewheeling shaft inside the configured limits. When the encoder shows
// the shaft has been pushed past a bound while the motor is unpowered, it powers the motor and
// drives back to a point a margin inside that bound, then lets go again.
//
// The configured limits are user positions. The encoder frame is their negation, so the user
// maximum becomes the lower raw bound and the user minimum the upper one.
type Guardian struct {
	executor motor.Executor
	enable   motor.EnablePin
	logger   logging.Logger

	minLimit  int64
	maxLimit  int64
	margin    int64
	speed     float64
	freewheel bool

	active bool
	target int64
}

// GuardianConfig holds the guardian's settings.
type GuardianConfig struct {
	MinLimit           int64
	MaxLimit           int64
	Margin             int64
	Speed              float64
	FreewheelAfterMove bool
}

// NewGuardian returns an idle guardian.
func NewGuardian(executor motor.Executor, enable motor.EnablePin, cfg GuardianConfig, logger logging.Logger) *Guardian {
	g := &Guardian{executor: executor, enable: enable, logger: logger}
	g.Configure(cfg)
	return g
}

// Configure replaces the settings. A recovery in flight keeps its target.
func (g *Guardian) Configure(cfg GuardianConfig) {
	g.minLimit = cfg.MinLimit
	g.maxLimit = cfg.MaxLimit
	g.margin = cfg.Margin
	g.speed = cfg.Speed
	g.freewheel = cfg.FreewheelAfterMove
}

// Bounds returns the limits in the encoder frame.
func (g *Guardian) Bounds() (lower, upper int64) {
	return -g.maxLimit, -g.minLimit
}

// Active reports whether a recovery move is in flight.
func (g *Guardian) Active() bool {
	return g.active
}

// Target returns the last recovery target.
func (g *Guardian) Target() int64 {
	return g.target
}

// InBounds reports whether encoderSteps lies within the bounds. A zero width range contains
// nothing, so the guardian always engages on it.
func (g *Guardian) InBounds(encoderSteps int64) bool {
	lower, upper := g.Bounds()
	if lower >= upper {
		return false
	}
	return encoderSteps >= lower && encoderSteps <= upper
}

// Tick advances the guardian by one control period. enabled is the motor enable state. When
// allowEngage is false, a breach is ignored but a recovery in flight still completes. It
// reports whether a recovery was started.
func (g *Guardian) Tick(ctx context.Context, encoderSteps int64, enabled, allowEngage bool) (bool, error) {
	if g.active {
		return false, g.finish(ctx, encoderSteps, allowEngage)
	}
	if enabled || !allowEngage || g.InBounds(encoderSteps) {
		return false, nil
	}

	lower, upper := g.Bounds()
	target := upper - g.margin
	if encoderSteps < lower {
		target = lower + g.margin
	}

	// sync first so the target is in the frame the executor drives
	g.executor.SetCurrentPosition(encoderSteps)
	if err := g.executor.MoveTo(ctx, target, g.speed); err != nil {
		return false, errors.Wrap(err, "failed to start soft limit recovery")
	}
	g.active = true
	g.target = target
	g.logger.Warnw("soft limit breached while freewheeling, recovering",
		"encoder_position", encoderSteps,
		"lower_bound", lower,
		"upper_bound", upper,
		"target", target,
	)
	return true, nil
}

func (g *Guardian) finish(ctx context.Context, encoderSteps int64, trusted bool) error {
	if g.executor.IsMoving() {
		return nil
	}
	g.active = false

	if !trusted || !g.InBounds(encoderSteps) {
		lower, upper := g.Bounds()
		// released anyway so the next tick re-evaluates instead of latching
		g.logger.Warnw("soft limit recovery ended outside bounds",
			"encoder_position", encoderSteps,
			"lower_bound", lower,
			"upper_bound", upper,
			"target", g.target,
			"trusted", trusted,
		)
		return nil
	}

	g.logger.Infow("soft limit recovery complete", "encoder_position", encoderSteps)
	if !g.freewheel {
		return nil
	}
	if err := g.enable.SetEnabled(ctx, false); err != nil {
		return errors.Wrap(err, "failed to release motor after soft limit recovery")
	}
	g.logger.Debugw("motor released after soft limit recovery")
	return nil
}
