// Package board defines the GPIO abstractions shared by the stepper driver, the encoder and the
// limit switches.
package board

import (
	"context"

	"github.com/pkg/errors"
)

// A GPIOPin represents an individual GPIO pin on a board.
type GPIOPin interface {
	// Set sets the pin to either low or high.
	Set(ctx context.Context, high bool) error

	// Get gets the high/low state of the pin.
	Get(ctx context.Context) (bool, error)
}

// A DigitalInterrupt is an input pin that reports its edges.
type DigitalInterrupt interface {
	GPIOPin

	// Watch invokes onEdge for every edge seen on the pin until ctx is done. onEdge runs on the
	// watching goroutine and must return quickly.
	Watch(ctx context.Context, onEdge func(high bool)) error
}

// A Board hands out pins by name.
type Board interface {
	GPIOPinByName(name string) (GPIOPin, error)
	DigitalInterruptByName(name string) (DigitalInterrupt, error)
	Close(ctx context.Context) error
}

// NewPinNotFoundError is returned when a board has no pin with the given name.
func NewPinNotFoundError(name string) error {
	return errors.Errorf("no pin found for %q", name)
}
