package motor

import (
	"context"

	"go.uber.org/atomic"

	"github.com/lilygo-motion/motioncontroller/components/board"
)

// GPIOEnablePin drives a driver enable input. Many stepper drivers, the TMC2209 included, enable
// their output stage when the pin is pulled low.
type GPIOEnablePin struct {
	pin       board.GPIOPin
	activeLow bool
	enabled   atomic.Bool
}

// NewGPIOEnablePin wraps pin. A nil pin is allowed for drivers that are hard wired on; the state
// is then only tracked.
func NewGPIOEnablePin(pin board.GPIOPin, activeLow bool) *GPIOEnablePin {
	return &GPIOEnablePin{pin: pin, activeLow: activeLow}
}

// SetEnabled writes the pin level for the requested state.
func (e *GPIOEnablePin) SetEnabled(ctx context.Context, enabled bool) error {
	if e.pin != nil {
		if err := e.pin.Set(ctx, enabled != e.activeLow); err != nil {
			return err
		}
	}
	e.enabled.Store(enabled)
	return nil
}

// IsEnabled returns the last state written.
func (e *GPIOEnablePin) IsEnabled() bool {
	return e.enabled.Load()
}
