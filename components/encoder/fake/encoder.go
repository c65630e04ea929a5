// Package fake implements a fake encoder that follows a simulated shaft.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lilygo-motion/motioncontroller/components/encoder"
)

// Encoder derives its angle from a motor step position plus any manual rotation applied while
// the motor was freewheeling. Faults can be injected to exercise the health monitor.
type Encoder struct {
	mu                 sync.Mutex
	source             func() int64
	stepsPerRevolution int64
	mountOffset        int64 // counts
	manualSteps        int64

	forced  *uint16
	frozen  *uint16
	readErr error
	reads   int64
}

var _ encoder.Encoder = (*Encoder)(nil)

// NewEncoder returns an encoder that follows source, a motor position in steps. mountOffset is
// the angle reported when source is zero, since a real magnet is never mounted exactly at zero.
func NewEncoder(source func() int64, stepsPerRevolution int64, mountOffset uint16) *Encoder {
	return &Encoder{
		source:             source,
		stepsPerRevolution: stepsPerRevolution,
		mountOffset:        int64(mountOffset & encoder.RawMask),
	}
}

// ReadRaw returns the simulated angle, or the injected fault.
func (e *Encoder) ReadRaw(ctx context.Context) (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reads++

	if e.readErr != nil {
		return 0, errors.Wrap(encoder.ErrReadFailed, e.readErr.Error())
	}
	if e.forced != nil {
		return *e.forced, nil
	}
	if e.frozen != nil {
		return *e.frozen, nil
	}
	return e.rawLocked(), nil
}

func (e *Encoder) rawLocked() uint16 {
	if e.stepsPerRevolution <= 0 {
		return uint16(e.mountOffset)
	}
	steps := e.source() + e.manualSteps
	counts := floorDiv(steps*encoder.CountsPerRevolution, e.stepsPerRevolution) + e.mountOffset
	return uint16(floorMod(counts, encoder.CountsPerRevolution))
}

// Rotate turns the shaft by hand, as if someone moved it while the motor was unpowered.
func (e *Encoder) Rotate(steps int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manualSteps += steps
}

// ManualSteps returns the total manual rotation applied so far.
func (e *Encoder) ManualSteps() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manualSteps
}

// Force makes every read return raw until ClearFaults is called.
func (e *Encoder) Force(raw uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forced = &raw
}

// Freeze makes every read return the current angle, as a stuck sensor would.
func (e *Encoder) Freeze() {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw := e.rawLocked()
	e.frozen = &raw
}

// FailReads makes every read fail with err.
func (e *Encoder) FailReads(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readErr = err
}

// ClearFaults removes every injected fault.
func (e *Encoder) ClearFaults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forced = nil
	e.frozen = nil
	e.readErr = nil
}

// Reads returns how many reads were attempted.
func (e *Encoder) Reads() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reads
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
