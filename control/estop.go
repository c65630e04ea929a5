package control

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/lilygo-motion/motioncontroller/components/motor"
	"github.com/lilygo-motion/motioncontroller/logging"
)

// ErrEmergencyStopActive is returned for motion commands refused while the emergency stop is
// engaged.
var ErrEmergencyStopActive = errors.New("emergency stop active")

// An EmergencyStop sequences a stop and an optional slow return to a captured position.
//
// A trigger decelerates the executor and enters Stopping. Once the executor has fully stopped,
// a remembered recovery target that differs from the current position is approached at the
// recovery speed in PendingRecovery; when that move completes the state returns to Stopping.
// Only Reset reaches Inactive.
type EmergencyStop struct {
	executor motor.Executor
	logger   logging.Logger

	recoverySpeed float64

	// read without the control lock by status readers
	state atomic.Int32

	hasTarget bool
	target    int64
}

// NewEmergencyStop returns an inactive coordinator.
func NewEmergencyStop(executor motor.Executor, recoverySpeed float64, logger logging.Logger) *EmergencyStop {
	return &EmergencyStop{executor: executor, recoverySpeed: recoverySpeed, logger: logger}
}

// SetRecoverySpeed changes the speed of later recovery moves.
func (e *EmergencyStop) SetRecoverySpeed(speed float64) {
	e.recoverySpeed = speed
}

// State returns the current state. It is safe to call from any goroutine.
func (e *EmergencyStop) State() EStopState {
	return EStopState(e.state.Load())
}

// Active reports whether the state is anything but Inactive.
func (e *EmergencyStop) Active() bool {
	return e.State() != EStopInactive
}

// RecoveryTarget returns the remembered recovery target, if any.
func (e *EmergencyStop) RecoveryTarget() (int64, bool) {
	return e.target, e.hasTarget
}

// Trigger stops the executor and enters Stopping from any state, forgetting any recovery.
func (e *EmergencyStop) Trigger(ctx context.Context, reason string) error {
	e.hasTarget = false
	e.state.Store(int32(EStopStopping))
	e.logger.Warnw("emergency stop activated", "reason", reason, "position", e.executor.CurrentPosition())
	return errors.Wrap(e.executor.Stop(ctx), "failed to stop executor")
}

// TriggerWithRecovery is like Trigger but returns to target once deceleration completes.
func (e *EmergencyStop) TriggerWithRecovery(ctx context.Context, reason string, target int64) error {
	e.hasTarget = true
	e.target = target
	e.state.Store(int32(EStopStopping))
	e.logger.Warnw("emergency stop activated, will recover after deceleration",
		"reason", reason, "position", e.executor.CurrentPosition(), "recovery_target", target)
	return errors.Wrap(e.executor.Stop(ctx), "failed to stop executor")
}

// Tick advances the sequence by one control period. It reports the recovery target when a
// recovery move was started.
func (e *EmergencyStop) Tick(ctx context.Context) (int64, bool, error) {
	switch e.State() {
	case EStopStopping:
		if !e.hasTarget || e.executor.IsMoving() {
			return 0, false, nil
		}
		e.hasTarget = false
		position := e.executor.CurrentPosition()
		if position == e.target {
			e.logger.Infow("already at recovery target, emergency stop remains active", "position", position)
			return 0, false, nil
		}
		if err := e.executor.MoveTo(ctx, e.target, e.recoverySpeed); err != nil {
			return 0, false, errors.Wrap(err, "failed to start emergency stop recovery")
		}
		e.state.Store(int32(EStopPendingRecovery))
		e.logger.Infow("deceleration complete, recovering",
			"position", position, "recovery_target", e.target, "speed", e.recoverySpeed)
		return e.target, true, nil
	case EStopPendingRecovery:
		if e.executor.IsMoving() {
			return 0, false, nil
		}
		e.state.Store(int32(EStopStopping))
		e.logger.Infow("recovery move complete, awaiting reset", "position", e.executor.CurrentPosition())
	case EStopInactive:
	}
	return 0, false, nil
}

// Reset clears the emergency stop. A recovery move in flight is left to finish.
func (e *EmergencyStop) Reset() {
	e.hasTarget = false
	if EStopState(e.state.Swap(int32(EStopInactive))) != EStopInactive {
		e.logger.Infow("emergency stop cleared")
	}
}
