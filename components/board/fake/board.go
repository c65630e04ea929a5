// Package fake implements a fake board.
package fake

import (
	"context"
	"sync"

	"github.com/lilygo-motion/motioncontroller/components/board"
)

// Board is a fake board whose pins are created on first use.
type Board struct {
	mu                sync.Mutex
	GPIOPins          map[string]*GPIOPin
	DigitalInterrupts map[string]*DigitalInterrupt
}

// NewBoard returns a new fake board.
func NewBoard() *Board {
	return &Board{
		GPIOPins:          map[string]*GPIOPin{},
		DigitalInterrupts: map[string]*DigitalInterrupt{},
	}
}

// GPIOPinByName returns the GPIO pin by the given name, creating it if needed.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.GPIOPins[name]
	if !ok {
		p = &GPIOPin{}
		b.GPIOPins[name] = p
	}
	return p, nil
}

// DigitalInterruptByName returns the interrupt by the given name, creating it if needed.
func (b *Board) DigitalInterruptByName(name string) (board.DigitalInterrupt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	di, ok := b.DigitalInterrupts[name]
	if !ok {
		di = &DigitalInterrupt{}
		b.DigitalInterrupts[name] = di
	}
	return di, nil
}

// Close does nothing.
func (b *Board) Close(ctx context.Context) error {
	return nil
}

// A GPIOPin reads back the same set values and counts rising edges.
type GPIOPin struct {
	mu      sync.Mutex
	high    bool
	pulses  int64
	history []bool
}

// Set sets the pin to either low or high.
func (gp *GPIOPin) Set(ctx context.Context, high bool) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if high && !gp.high {
		gp.pulses++
	}
	gp.high = high
	gp.history = append(gp.history, high)
	return nil
}

// Get gets the high/low state of the pin.
func (gp *GPIOPin) Get(ctx context.Context) (bool, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.high, nil
}

// Pulses returns how many low to high transitions were written.
func (gp *GPIOPin) Pulses() int64 {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.pulses
}

// History returns every level written to the pin, oldest first.
func (gp *GPIOPin) History() []bool {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return append([]bool(nil), gp.history...)
}

// A DigitalInterrupt is an input pin driven from tests through Tick.
type DigitalInterrupt struct {
	mu       sync.Mutex
	high     bool
	watchers []func(high bool)
}

// Set changes the level without emitting an edge.
func (di *DigitalInterrupt) Set(ctx context.Context, high bool) error {
	di.mu.Lock()
	defer di.mu.Unlock()
	di.high = high
	return nil
}

// Get gets the high/low state of the pin.
func (di *DigitalInterrupt) Get(ctx context.Context) (bool, error) {
	di.mu.Lock()
	defer di.mu.Unlock()
	return di.high, nil
}

// Watch registers onEdge and blocks until ctx is done.
func (di *DigitalInterrupt) Watch(ctx context.Context, onEdge func(high bool)) error {
	di.mu.Lock()
	di.watchers = append(di.watchers, onEdge)
	idx := len(di.watchers) - 1
	di.mu.Unlock()

	<-ctx.Done()

	di.mu.Lock()
	di.watchers[idx] = nil
	di.mu.Unlock()
	return nil
}

// Tick changes the level and delivers the edge to every watcher, the way a hardware interrupt
// would.
func (di *DigitalInterrupt) Tick(high bool) {
	di.mu.Lock()
	di.high = high
	watchers := append([]func(bool){}, di.watchers...)
	di.mu.Unlock()

	for _, w := range watchers {
		if w != nil {
			w(high)
		}
	}
}

// Watching reports whether any watcher is registered.
func (di *DigitalInterrupt) Watching() bool {
	di.mu.Lock()
	defer di.mu.Unlock()
	for _, w := range di.watchers {
		if w != nil {
			return true
		}
	}
	return false
}
