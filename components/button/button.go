// Package button reads the push buttons on the controller board and turns them into jog and
// emergency stop commands.
//
// Like the limit switches, edges only raise a flag on the interrupt side; debouncing and press
// classification happen in Poll.
package button

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/lilygo-motion/motioncontroller/components/board"
	"github.com/lilygo-motion/motioncontroller/logging"
)

// Timing defaults.
const (
	DefaultDebounce = 50 * time.Millisecond
	// DefaultHold is how long a button must be held before a press counts as a hold.
	DefaultHold = 100 * time.Millisecond
)

// Config describes one button input.
type Config struct {
	Pin string `json:"pin"`
	// Buttons short to ground against a pull-up, so they read low when pressed.
	ActiveHigh bool `json:"active_high,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Pin == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "pin")
	}
	return nil
}

// Event is what a poll observed.
type Event int

// Events.
const (
	None Event = iota
	// Click is a press released before it became a hold.
	Click
	HoldStart
	HoldStop
)

func (e Event) String() string {
	switch e {
	case Click:
		return "click"
	case HoldStart:
		return "hold start"
	case HoldStop:
		return "hold stop"
	default:
		return "none"
	}
}

// Button classifies the presses of one input.
type Button struct {
	name       string
	pin        board.DigitalInterrupt
	activeHigh bool
	debounce   time.Duration
	hold       time.Duration
	clock      clock.Clock
	logger     logging.Logger

	pending atomic.Bool

	// owned by Poll
	lastReading bool
	lastEdge    time.Time
	stable      bool
	down        bool
	holding     bool
	pressedAt   time.Time
}

// Option customizes a Button.
type Option func(*Button)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(b *Button) {
		b.debounce = d
	}
}

// WithHold overrides DefaultHold.
func WithHold(d time.Duration) Option {
	return func(b *Button) {
		b.hold = d
	}
}

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(b *Button) {
		b.clock = clk
	}
}

// New returns a button reading pin.
func New(name string, pin board.DigitalInterrupt, activeHigh bool, logger logging.Logger, opts ...Option) *Button {
	b := &Button{
		name:       name,
		pin:        pin,
		activeHigh: activeHigh,
		debounce:   DefaultDebounce,
		hold:       DefaultHold,
		clock:      clock.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastReading = !activeHigh
	b.stable = !activeHigh
	return b
}

// Name returns the button name.
func (b *Button) Name() string {
	return b.name
}

// Interrupt records that an edge happened. It is safe to call from an edge callback.
func (b *Button) Interrupt() {
	b.pending.Store(true)
}

// Watch forwards every edge of the pin to Interrupt until ctx is done.
func (b *Button) Watch(ctx context.Context) error {
	return b.pin.Watch(ctx, func(bool) { b.Interrupt() })
}

// Poll samples the input and reports at most one event. A hold starts once the button has been
// pressed for the hold time and stops on a debounced release; a shorter press is a click.
func (b *Button) Poll(ctx context.Context) Event {
	now := b.clock.Now()

	reading, err := b.pin.Get(ctx)
	if err != nil {
		b.logger.Debugw("failed to read button", "button", b.name, "error", err)
		reading = b.lastReading
	}
	if b.pending.Swap(false) || reading != b.lastReading {
		b.lastEdge = now
	}
	b.lastReading = reading
	if now.Sub(b.lastEdge) > b.debounce {
		b.stable = reading
	}

	if b.stable == b.activeHigh {
		if !b.down {
			b.down = true
			b.pressedAt = b.lastEdge
		}
		// a release still inside the debounce window must not turn a click into a hold
		if !b.holding && reading == b.stable && now.Sub(b.pressedAt) >= b.hold {
			b.holding = true
			return HoldStart
		}
		return None
	}
	if !b.down {
		return None
	}
	b.down = false
	if b.holding {
		b.holding = false
		return HoldStop
	}
	return Click
}
