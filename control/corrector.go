package control

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lilygo-motion/motioncontroller/components/motor"
	"github.com/lilygo-motion/motioncontroller/logging"
	"github.com/lilygo-motion/motioncontroller/utils"
)

// A Corrector reconciles the executor with the encoder. It has two independent mechanisms:
// SyncOnEnable adopts the encoder position when the motor is powered back up, and Correct
// nudges the executor target when a settled motor is off by more than the deadband.
//
// Correct measures the error against the latched command target, never against the executor's
// live position, which moves with every correction.
type Corrector struct {
	executor motor.Executor
	logger   logging.Logger

	deadband           int64
	gain               float64
	speed              float64
	stepsPerRevolution int64

	wasEnabled bool
	command    int64
}

// NewCorrector returns a corrector with no latched command.
func NewCorrector(
	executor motor.Executor,
	deadband int64,
	gain, speed float64,
	stepsPerRevolution int64,
	logger logging.Logger,
) *Corrector {
	return &Corrector{
		executor:           executor,
		logger:             logger,
		deadband:           deadband,
		gain:               gain,
		speed:              speed,
		stepsPerRevolution: stepsPerRevolution,
	}
}

// Configure changes the deadband in steps, the proportional gain and the correction speed.
func (c *Corrector) Configure(deadband int64, gain, speed float64, stepsPerRevolution int64) {
	c.deadband = deadband
	c.gain = gain
	c.speed = speed
	c.stepsPerRevolution = stepsPerRevolution
}

// Latch records the position the motor has been commanded to. Every move that is not a
// correction must be latched.
func (c *Corrector) Latch(target int64) {
	c.command = target
}

// Command returns the latched command target.
func (c *Corrector) Command() int64 {
	return c.command
}

// Error returns the latched command target minus the encoder position.
func (c *Corrector) Error(encoderSteps int64) int64 {
	return c.command - encoderSteps
}

// SyncOnEnable must be called every tick with the enable state, whatever the control mode. On
// a disabled to enabled transition it redefines the executor position as encoderSteps, unless
// a move is already queued or the encoder is not trusted, so that a shaft turned by hand while
// freewheeling does not snap back. It reports whether a sync happened.
func (c *Corrector) SyncOnEnable(enabled, trusted bool, encoderSteps int64) bool {
	rising := enabled && !c.wasEnabled
	c.wasEnabled = enabled
	if !rising {
		return false
	}
	if !trusted {
		c.logger.Debugw("motor enabled in open loop, keeping executor position",
			"position", c.executor.CurrentPosition())
		return false
	}
	if togo := c.executor.DistanceToGo(); togo != 0 {
		c.logger.Debugw("motor enabled with a move queued, keeping executor position",
			"distance_to_go", togo, "encoder_position", encoderSteps)
		return false
	}
	previous := c.executor.CurrentPosition()
	c.executor.SetCurrentPosition(encoderSteps)
	c.command = encoderSteps
	c.logger.Infow("motor enabled, executor synced to encoder",
		"encoder_position", encoderSteps, "previous_position", previous)
	return true
}

// Correct issues a proportional correction when the executor has settled and the error exceeds
// the deadband. An error exactly equal to the deadband is left alone. The correction is
// round(error * gain), added to the executor's current target. It returns the correction
// applied, zero if none.
func (c *Corrector) Correct(ctx context.Context, encoderSteps int64) (int64, error) {
	if c.executor.DistanceToGo() != 0 || c.executor.IsMoving() {
		return 0, nil
	}
	errSteps := c.command - encoderSteps
	if utils.AbsInt64(errSteps) <= c.deadband {
		return 0, nil
	}

	correction := utils.RoundToInt64(float64(errSteps) * c.gain)
	if correction == 0 {
		return 0, nil
	}
	target := c.executor.TargetPosition() + correction
	if err := c.executor.MoveTo(ctx, target, c.speed); err != nil {
		return 0, errors.Wrap(err, "failed to apply position correction")
	}
	c.logger.Infow("position correction applied",
		"error_steps", errSteps,
		"error_degrees", utils.StepsToDegrees(utils.AbsInt64(errSteps), c.stepsPerRevolution),
		"correction", correction,
		"command", c.command,
		"new_target", target,
	)
	return correction, nil
}
