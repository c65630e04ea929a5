// Package periph implements a board backed by the periph.io GPIO registry. The host drivers must
// be loaded with host.Init before any pin is requested.
package periph

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/lilygo-motion/motioncontroller/components/board"
	"github.com/lilygo-motion/motioncontroller/logging"
)

// edgePollTimeout bounds each WaitForEdge call so watchers notice cancellation.
const edgePollTimeout = 100 * time.Millisecond

// Board looks pins up by their periph names, e.g. "GPIO18".
type Board struct {
	mu     sync.Mutex
	pins   map[string]*gpioPin
	logger logging.Logger
}

// NewBoard returns a periph backed board.
func NewBoard(logger logging.Logger) *Board {
	return &Board{pins: map[string]*gpioPin{}, logger: logger}
}

func (b *Board) lookup(name string) (*gpioPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pins[name]; ok {
		return p, nil
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, board.NewPinNotFoundError(name)
	}
	p := &gpioPin{pin: pin, name: name, logger: b.logger}
	b.pins[name] = p
	return p, nil
}

// GPIOPinByName returns an output capable pin.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	return b.lookup(name)
}

// DigitalInterruptByName returns a pulled-up input pin that reports both edges.
func (b *Board) DigitalInterruptByName(name string) (board.DigitalInterrupt, error) {
	p, err := b.lookup(name)
	if err != nil {
		return nil, err
	}
	if err := p.pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, errors.Wrapf(err, "configuring %s as interrupt input", name)
	}
	return p, nil
}

// Close releases every pin that was handed out.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, p := range b.pins {
		if err := p.pin.Halt(); err != nil {
			b.logger.Debugw("failed to halt pin", "pin", name, "error", err)
		}
	}
	b.pins = map[string]*gpioPin{}
	return nil
}

type gpioPin struct {
	pin    gpio.PinIO
	name   string
	logger logging.Logger
}

func (gp *gpioPin) Set(ctx context.Context, high bool) error {
	l := gpio.Low
	if high {
		l = gpio.High
	}
	return gp.pin.Out(l)
}

func (gp *gpioPin) Get(ctx context.Context) (bool, error) {
	return gp.pin.Read() == gpio.High, nil
}

func (gp *gpioPin) Watch(ctx context.Context, onEdge func(high bool)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if gp.pin.WaitForEdge(edgePollTimeout) {
			onEdge(gp.pin.Read() == gpio.High)
		}
	}
}
