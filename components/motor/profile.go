package motor

import (
	"context"
	"math"
	"sync"
	"time"
)

// Profile is an acceleration shaped step scheduler. It follows David Austin's stepper speed
// profile: the interval between steps is recomputed after every step from the previous interval,
// so acceleration is constant without evaluating a square root per step.
//
// Profile implements Executor except for the enable output, which callers layer on top.
type Profile struct {
	mu sync.Mutex

	currentPos   int64
	targetPos    int64
	speed        float64 // steps per second, negative when moving backwards
	maxSpeed     float64
	acceleration float64

	// step timing in microseconds. stepInterval is zero when no step is due.
	stepInterval float64
	c0, cn, cmin float64
	n            int64
	forward      bool

	// time accumulated toward the next step by Advance.
	sinceStep float64
}

// NewProfile returns an idle profile at position zero.
func NewProfile(maxSpeed, acceleration float64) *Profile {
	p := &Profile{forward: true}
	p.setMaxSpeed(ClampSpeed(maxSpeed))
	p.setAcceleration(ClampAcceleration(acceleration))
	return p
}

// MoveTo sets the target position and the speed ceiling for the move.
func (p *Profile) MoveTo(ctx context.Context, position int64, speed float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setMaxSpeed(ClampSpeed(speed))
	p.moveTo(position)
	return nil
}

// Stop retargets to the nearest point the profile can decelerate to.
func (p *Profile) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.speed == 0 {
		p.moveTo(p.currentPos)
		return nil
	}
	stepsToStop := int64(p.speed*p.speed/(2*p.acceleration)) + 1
	if p.speed > 0 {
		p.moveTo(p.currentPos + stepsToStop)
	} else {
		p.moveTo(p.currentPos - stepsToStop)
	}
	return nil
}

// IsMoving reports whether there is speed or distance left.
func (p *Profile) IsMoving() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed != 0 || p.targetPos != p.currentPos
}

// CurrentPosition returns the position in steps.
func (p *Profile) CurrentPosition() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPos
}

// TargetPosition returns the target in steps.
func (p *Profile) TargetPosition() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetPos
}

// DistanceToGo returns the steps left to the target.
func (p *Profile) DistanceToGo() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetPos - p.currentPos
}

// Speed returns the current signed speed in steps per second.
func (p *Profile) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// SetCurrentPosition redefines the current position and halts immediately.
func (p *Profile) SetCurrentPosition(position int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentPos = position
	p.targetPos = position
	p.n = 0
	p.stepInterval = 0
	p.speed = 0
	p.sinceStep = 0
}

// SetAcceleration changes the acceleration, clamped to the supported range.
func (p *Profile) SetAcceleration(acceleration float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setAcceleration(ClampAcceleration(acceleration))
}

// NextInterval returns how long to wait before the next step, or false when idle.
func (p *Profile) NextInterval() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stepInterval == 0 {
		return 0, false
	}
	return time.Duration(p.stepInterval * float64(time.Microsecond)), true
}

// TakeStep advances the position by one step and schedules the next one. It returns the
// direction of the step taken, or false when no step was due.
func (p *Profile) TakeStep() (forward, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stepInterval == 0 {
		return false, false
	}
	forward = p.forward
	p.step()
	p.computeNewSpeed()
	return forward, true
}

// Advance runs the profile for elapsed time and returns the net displacement in steps, negative
// when moving backwards. It is used to drive the profile from a simulated clock.
func (p *Profile) Advance(elapsed time.Duration) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var steps int64
	p.sinceStep += float64(elapsed) / float64(time.Microsecond)
	for p.stepInterval > 0 && p.sinceStep >= p.stepInterval {
		p.sinceStep -= p.stepInterval
		if p.forward {
			steps++
		} else {
			steps--
		}
		p.step()
		p.computeNewSpeed()
	}
	if p.stepInterval == 0 {
		p.sinceStep = 0
	}
	return steps
}

// must hold p.mu.
func (p *Profile) step() {
	if p.forward {
		p.currentPos++
	} else {
		p.currentPos--
	}
}

// must hold p.mu.
func (p *Profile) moveTo(position int64) {
	if p.targetPos != position {
		p.targetPos = position
		p.computeNewSpeed()
	}
}

// must hold p.mu.
func (p *Profile) setMaxSpeed(speed float64) {
	speed = math.Abs(speed)
	if p.maxSpeed == speed {
		return
	}
	p.maxSpeed = speed
	p.cmin = 1e6 / speed
	// recompute n from the current speed when already accelerating
	if p.n > 0 {
		p.n = int64(p.speed * p.speed / (2 * p.acceleration))
		p.computeNewSpeed()
	}
}

// must hold p.mu.
func (p *Profile) setAcceleration(acceleration float64) {
	acceleration = math.Abs(acceleration)
	if acceleration == 0 || p.acceleration == acceleration {
		return
	}
	p.n = int64(float64(p.n) * (p.acceleration / acceleration))
	// equation 15 of the profile derivation, with the 0.676 correction for the first step
	p.c0 = 0.676 * math.Sqrt(2.0/acceleration) * 1e6
	p.acceleration = acceleration
	p.computeNewSpeed()
}

// must hold p.mu.
func (p *Profile) computeNewSpeed() {
	if p.acceleration == 0 {
		return
	}
	distanceTo := p.targetPos - p.currentPos
	stepsToStop := int64(p.speed * p.speed / (2 * p.acceleration))

	if distanceTo == 0 && stepsToStop <= 1 {
		// at the target and slow enough to stop
		p.stepInterval = 0
		p.speed = 0
		p.n = 0
		return
	}

	switch {
	case distanceTo > 0:
		if p.n > 0 {
			// accelerating: start decelerating if we would overshoot or are heading the wrong way
			if stepsToStop >= distanceTo || !p.forward {
				p.n = -stepsToStop
			}
		} else if p.n < 0 {
			// decelerating: accelerate again if there is room and we are heading the right way
			if stepsToStop < distanceTo && p.forward {
				p.n = -p.n
			}
		}
	case distanceTo < 0:
		if p.n > 0 {
			if stepsToStop >= -distanceTo || p.forward {
				p.n = -stepsToStop
			}
		} else if p.n < 0 {
			if stepsToStop < -distanceTo && !p.forward {
				p.n = -p.n
			}
		}
	}

	if p.n == 0 {
		// first step from standstill
		p.cn = p.c0
		p.forward = distanceTo > 0
	} else {
		p.cn -= (2.0 * p.cn) / (4.0*float64(p.n) + 1)
		p.cn = math.Max(p.cn, p.cmin)
	}
	p.n++
	p.stepInterval = p.cn
	p.speed = 1e6 / p.cn
	if !p.forward {
		p.speed = -p.speed
	}
}
