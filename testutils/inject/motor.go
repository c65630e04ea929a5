package inject

import (
	"context"

	"github.com/lilygo-motion/motioncontroller/components/motor"
)

// Executor is an injected motion executor.
type Executor struct {
	motor.Executor
	MoveToFunc             func(ctx context.Context, position int64, speed float64) error
	StopFunc               func(ctx context.Context) error
	IsMovingFunc           func() bool
	CurrentPositionFunc    func() int64
	TargetPositionFunc     func() int64
	DistanceToGoFunc       func() int64
	SetCurrentPositionFunc func(position int64)
	SetAccelerationFunc    func(acceleration float64)
}

// MoveTo calls the injected MoveTo or the real version.
func (e *Executor) MoveTo(ctx context.Context, position int64, speed float64) error {
	if e.MoveToFunc == nil {
		return e.Executor.MoveTo(ctx, position, speed)
	}
	return e.MoveToFunc(ctx, position, speed)
}

// Stop calls the injected Stop or the real version.
func (e *Executor) Stop(ctx context.Context) error {
	if e.StopFunc == nil {
		return e.Executor.Stop(ctx)
	}
	return e.StopFunc(ctx)
}

// IsMoving calls the injected IsMoving or the real version.
func (e *Executor) IsMoving() bool {
	if e.IsMovingFunc == nil {
		return e.Executor.IsMoving()
	}
	return e.IsMovingFunc()
}

// CurrentPosition calls the injected CurrentPosition or the real version.
func (e *Executor) CurrentPosition() int64 {
	if e.CurrentPositionFunc == nil {
		return e.Executor.CurrentPosition()
	}
	return e.CurrentPositionFunc()
}

// TargetPosition calls the injected TargetPosition or the real version.
func (e *Executor) TargetPosition() int64 {
	if e.TargetPositionFunc == nil {
		return e.Executor.TargetPosition()
	}
	return e.TargetPositionFunc()
}

// DistanceToGo calls the injected DistanceToGo or the real version.
func (e *Executor) DistanceToGo() int64 {
	if e.DistanceToGoFunc == nil {
		return e.Executor.DistanceToGo()
	}
	return e.DistanceToGoFunc()
}

// SetCurrentPosition calls the injected SetCurrentPosition or the real version.
func (e *Executor) SetCurrentPosition(position int64) {
	if e.SetCurrentPositionFunc == nil {
		e.Executor.SetCurrentPosition(position)
		return
	}
	e.SetCurrentPositionFunc(position)
}

// SetAcceleration calls the injected SetAcceleration or the real version.
func (e *Executor) SetAcceleration(acceleration float64) {
	if e.SetAccelerationFunc == nil {
		e.Executor.SetAcceleration(acceleration)
		return
	}
	e.SetAccelerationFunc(acceleration)
}

// EnablePin is an injected motor enable output.
type EnablePin struct {
	motor.EnablePin
	SetEnabledFunc func(ctx context.Context, enabled bool) error
	IsEnabledFunc  func() bool
}

// SetEnabled calls the injected SetEnabled or the real version.
func (p *EnablePin) SetEnabled(ctx context.Context, enabled bool) error {
	if p.SetEnabledFunc == nil {
		return p.EnablePin.SetEnabled(ctx, enabled)
	}
	return p.SetEnabledFunc(ctx, enabled)
}

// IsEnabled calls the injected IsEnabled or the real version.
func (p *EnablePin) IsEnabled() bool {
	if p.IsEnabledFunc == nil {
		return p.EnablePin.IsEnabled()
	}
	return p.IsEnabledFunc()
}
