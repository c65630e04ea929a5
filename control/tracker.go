// Package control implements the closed-loop motion control engine: multi-turn position
// tracking from a wrapping absolute encoder, encoder health monitoring with open-loop
// degradation, deadband correction of the motion executor, soft-limit enforcement while
// freewheeling and emergency-stop sequencing.
//
// All of the state machines in this package are driven from a single periodic task (see
// Controller.Tick) and are not safe for concurrent use on their own.
package control

import (
	"github.com/lilygo-motion/motioncontroller/components/encoder"
	"github.com/lilygo-motion/motioncontroller/logging"
)

// EncoderToSteps converts a multi-turn encoder reading to motor steps. It is linear in
// rotations: each additional rotation adds exactly stepsPerRevolution steps. Partial steps are
// floored so the scale stays linear on both sides of zero.
func EncoderToSteps(rotations int64, raw uint16, stepsPerRevolution int64) int64 {
	counts := rotations*encoder.CountsPerRevolution + int64(raw)
	scaled := counts * stepsPerRevolution
	steps := scaled / encoder.CountsPerRevolution
	if scaled%encoder.CountsPerRevolution < 0 {
		steps--
	}
	return steps
}

// A Tracker reconstructs an absolute multi-turn position from raw single-turn samples.
//
// Observe must be called often enough that the shaft turns less than half a revolution
// between two samples. Faster motion aliases and the rotation count goes wrong in a way that
// cannot be detected here.
type Tracker struct {
	stepsPerRevolution int64
	logger             logging.Logger

	rotations int64
	previous  uint16
	primed    bool
}

// NewTracker returns a tracker at rotation zero. Positions are relative to the shaft angle at
// boot; there is no homing.
func NewTracker(stepsPerRevolution int64, logger logging.Logger) *Tracker {
	return &Tracker{stepsPerRevolution: stepsPerRevolution, logger: logger}
}

// Observe records a raw sample and returns the new absolute position in steps. The first
// sample only sets the reference angle.
func (t *Tracker) Observe(raw uint16) int64 {
	raw &= encoder.RawMask
	if !t.primed {
		t.primed = true
		t.previous = raw
		return t.Position()
	}

	delta := int64(raw) - int64(t.previous)
	switch {
	case delta > encoder.HalfRevolution:
		t.rotations--
		t.logger.Debugw("encoder wrapped backward", "rotations", t.rotations, "previous_raw", t.previous, "raw", raw)
	case delta < -encoder.HalfRevolution:
		t.rotations++
		t.logger.Debugw("encoder wrapped forward", "rotations", t.rotations, "previous_raw", t.previous, "raw", raw)
	}
	t.previous = raw
	return t.Position()
}

// Position returns the absolute position in steps for the last sample.
func (t *Tracker) Position() int64 {
	return EncoderToSteps(t.rotations, t.previous, t.stepsPerRevolution)
}

// RotationCount returns the number of full turns since boot.
func (t *Tracker) RotationCount() int64 {
	return t.rotations
}

// Raw returns the last sample.
func (t *Tracker) Raw() uint16 {
	return t.previous
}

// Primed reports whether a sample has been observed yet.
func (t *Tracker) Primed() bool {
	return t.primed
}

// SetStepsPerRevolution changes the step scale. The rotation count is kept.
func (t *Tracker) SetStepsPerRevolution(stepsPerRevolution int64) {
	t.stepsPerRevolution = stepsPerRevolution
}
