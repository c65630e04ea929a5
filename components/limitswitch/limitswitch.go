// Package limitswitch turns noisy mechanical limit switch inputs into single, debounced trigger
// events.
//
// Edges are captured on the interrupt side by Interrupt, which only raises a flag. Everything
// else, reading the level, debouncing, capturing the position and persisting it, happens in
// Poll on the periodic control task.
package limitswitch

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/lilygo-motion/motioncontroller/components/board"
	"github.com/lilygo-motion/motioncontroller/logging"
)

// DefaultDebounce is how long a level must stay unchanged before it is believed.
const DefaultDebounce = 50 * time.Millisecond

// Config describes one switch input.
type Config struct {
	Pin string `json:"pin"`
	// Switches are wired normally open to ground with a pull-up, so they read low when pressed.
	ActiveHigh bool `json:"active_high,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Pin == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "pin")
	}
	return nil
}

// Event is a debounced trigger.
type Event struct {
	Switch   int
	Name     string
	Position int64
	At       time.Time
}

// A PositionRecorder persists the position captured when a switch triggers. It must not block.
type PositionRecorder interface {
	RecordLimitPosition(number int, position int64)
}

// Switch debounces one input. A trigger stays latched until the input reads released again.
type Switch struct {
	number     int
	name       string
	pin        board.GPIOPin
	activeHigh bool
	debounce   time.Duration
	clock      clock.Clock
	recorder   PositionRecorder
	logger     logging.Logger

	// written from the interrupt side
	pending atomic.Bool
	// read by status snapshots
	triggered atomic.Bool

	// owned by Poll
	lastReading bool
	lastEdge    time.Time
	stable      bool
}

// Option customizes a Switch.
type Option func(*Switch)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(s *Switch) {
		s.debounce = d
	}
}

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Switch) {
		s.clock = clk
	}
}

// WithRecorder persists trigger positions through r.
func WithRecorder(r PositionRecorder) Option {
	return func(s *Switch) {
		s.recorder = r
	}
}

// New returns a switch reading pin. number identifies the switch in events and persisted
// positions (1 or 2).
func New(number int, name string, pin board.GPIOPin, activeHigh bool, logger logging.Logger, opts ...Option) *Switch {
	s := &Switch{
		number:     number,
		name:       name,
		pin:        pin,
		activeHigh: activeHigh,
		debounce:   DefaultDebounce,
		clock:      clock.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastReading = !activeHigh
	s.stable = !activeHigh
	return s
}

// Number returns the switch number.
func (s *Switch) Number() int {
	return s.number
}

// Name returns the switch name.
func (s *Switch) Name() string {
	return s.name
}

// SetDebounce changes the debounce window. It must be called from the goroutine that polls.
func (s *Switch) SetDebounce(d time.Duration) {
	s.debounce = d
}

// Interrupt records that an edge happened. It is safe to call from an edge callback.
func (s *Switch) Interrupt() {
	s.pending.Store(true)
}

// Watch forwards every edge of di to Interrupt until ctx is done.
func (s *Switch) Watch(ctx context.Context, di board.DigitalInterrupt) error {
	return di.Watch(ctx, func(bool) { s.Interrupt() })
}

// Triggered reports whether the switch has fired and not yet been released.
func (s *Switch) Triggered() bool {
	return s.triggered.Load()
}

// Poll samples the input and returns an event the first time a debounced press is seen. A held
// switch fires once; a debounced release re-arms it. position is only called when an event is
// produced.
func (s *Switch) Poll(ctx context.Context, position func() int64) (Event, bool) {
	now := s.clock.Now()

	reading, err := s.pin.Get(ctx)
	if err != nil {
		s.logger.Debugw("failed to read limit switch", "switch", s.name, "error", err)
		reading = s.lastReading
	}
	if s.pending.Swap(false) || reading != s.lastReading {
		s.lastEdge = now
	}
	s.lastReading = reading

	if now.Sub(s.lastEdge) > s.debounce {
		s.stable = reading
	}
	if s.stable != s.activeHigh {
		if s.triggered.Swap(false) {
			s.logger.Infow("limit switch released", "switch", s.name)
		}
		return Event{}, false
	}
	if s.triggered.Load() {
		return Event{}, false
	}

	s.triggered.Store(true)
	ev := Event{Switch: s.number, Name: s.name, Position: position(), At: now}
	s.logger.Warnw("limit switch triggered", "switch", s.name, "position", ev.Position)
	if s.recorder != nil {
		s.recorder.RecordLimitPosition(s.number, ev.Position)
	}
	return ev, true
}
