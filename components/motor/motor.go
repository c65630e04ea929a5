// Package motor defines the motion-profile executor that turns target positions into step
// pulses, and the enable output that powers the driver.
package motor

import (
	"context"

	"github.com/samber/lo"
)

const (
	// MinSpeed is the slowest speed ceiling accepted, in steps per second.
	MinSpeed = 100.0
	// MaxSpeed is the fastest speed ceiling accepted, in steps per second.
	MaxSpeed = 100000.0
	// MinAcceleration is the smallest acceleration accepted, in steps per second squared.
	MinAcceleration = 100.0
	// MaxAcceleration is the largest acceleration accepted, in steps per second squared.
	MaxAcceleration = 500000.0
)

// An Executor drives the motor toward a target position with an acceleration shaped profile.
// Every method is safe to call from any goroutine and returns without waiting on the motion.
type Executor interface {
	// MoveTo sets a new absolute target. speed is the ceiling for this move and is clamped to
	// [MinSpeed, MaxSpeed]. The enable output is switched on if it was off.
	MoveTo(ctx context.Context, position int64, speed float64) error

	// Stop decelerates to a halt as quickly as the acceleration allows, replacing the target
	// with the stopping point.
	Stop(ctx context.Context) error

	// IsMoving reports whether the profile still has speed or distance to cover.
	IsMoving() bool

	// CurrentPosition returns the commanded position in steps.
	CurrentPosition() int64

	// TargetPosition returns the position the executor is driving toward.
	TargetPosition() int64

	// DistanceToGo returns TargetPosition minus CurrentPosition.
	DistanceToGo() int64

	// SetCurrentPosition redefines the current position without moving. Any outstanding move is
	// dropped.
	SetCurrentPosition(position int64)

	// SetAcceleration changes the acceleration used by later profile updates. The value is
	// clamped to [MinAcceleration, MaxAcceleration].
	SetAcceleration(acceleration float64)
}

// An EnablePin switches the motor driver output stage.
type EnablePin interface {
	// SetEnabled powers (true) or releases (false) the motor.
	SetEnabled(ctx context.Context, enabled bool) error
	// IsEnabled returns the last state written.
	IsEnabled() bool
}

// ClampSpeed limits a speed ceiling to the range the driver supports.
func ClampSpeed(speed float64) float64 {
	return lo.Clamp(speed, MinSpeed, MaxSpeed)
}

// ClampAcceleration limits an acceleration to the range the driver supports.
func ClampAcceleration(acceleration float64) float64 {
	return lo.Clamp(acceleration, MinAcceleration, MaxAcceleration)
}
