// Package fake implements a simulated motion-profile executor.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/lilygo-motion/motioncontroller/components/motor"
	"github.com/lilygo-motion/motioncontroller/utils"
)

// Move records one MoveTo call.
type Move struct {
	Position int64
	Speed    float64
}

// Executor runs a motor.Profile against a clock instead of GPIO pins. Tests can drive it
// explicitly with Advance; Start runs it in the background for simulations.
type Executor struct {
	*motor.Profile

	Enable *EnablePin

	shaft atomic.Int64

	mu      sync.Mutex
	moves   []Move
	stops   int
	syncs   []int64
	workers *utils.Loops
}

var _ motor.Executor = (*Executor)(nil)

// NewExecutor returns an idle executor at position zero with its output enabled.
func NewExecutor(maxSpeed, acceleration float64) *Executor {
	e := &Executor{
		Profile: motor.NewProfile(maxSpeed, acceleration),
		Enable:  &EnablePin{},
	}
	e.Enable.enabled.Store(true)
	return e
}

// MoveTo enables the output, records the move and retargets the profile.
func (e *Executor) MoveTo(ctx context.Context, position int64, speed float64) error {
	if !e.Enable.IsEnabled() {
		if err := e.Enable.SetEnabled(ctx, true); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.moves = append(e.moves, Move{Position: position, Speed: speed})
	e.mu.Unlock()
	return e.Profile.MoveTo(ctx, position, speed)
}

// Stop records the stop and decelerates.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
	return e.Profile.Stop(ctx)
}

// SetCurrentPosition records the sync and redefines the position.
func (e *Executor) SetCurrentPosition(position int64) {
	e.mu.Lock()
	e.syncs = append(e.syncs, position)
	e.mu.Unlock()
	e.Profile.SetCurrentPosition(position)
}

// Advance runs the profile for elapsed and turns the simulated shaft with it.
func (e *Executor) Advance(elapsed time.Duration) int64 {
	steps := e.Profile.Advance(elapsed)
	e.shaft.Add(steps)
	return steps
}

// Shaft returns the net steps physically driven so far. Unlike CurrentPosition it is not
// affected by SetCurrentPosition, so it can feed a simulated encoder.
func (e *Executor) Shaft() int64 {
	return e.shaft.Load()
}

// Moves returns every MoveTo call so far.
func (e *Executor) Moves() []Move {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Move(nil), e.moves...)
}

// Stops returns how many times Stop was called.
func (e *Executor) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

// Syncs returns every SetCurrentPosition call so far.
func (e *Executor) Syncs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.syncs...)
}

// RunUntilIdle advances the profile in step-sized slices until it stops or limit elapses. It
// returns the simulated time spent.
func (e *Executor) RunUntilIdle(limit time.Duration) time.Duration {
	const slice = time.Millisecond
	var elapsed time.Duration
	for e.IsMoving() && elapsed < limit {
		e.Advance(slice)
		elapsed += slice
	}
	return elapsed
}

// Start advances the profile every period of clk until Close.
func (e *Executor) Start(clk clock.Clock, period time.Duration) {
	e.workers = utils.StartLoops(func(ctx context.Context) {
		ticker := clk.Ticker(period)
		defer ticker.Stop()
		last := clk.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				e.Advance(now.Sub(last))
				last = now
			}
		}
	})
}

// Close stops the background simulation, if any.
func (e *Executor) Close(ctx context.Context) error {
	if e.workers != nil {
		e.workers.Stop()
	}
	return nil
}

// EnablePin tracks the enable state and counts transitions.
type EnablePin struct {
	enabled  atomic.Bool
	disables atomic.Int64
	err      atomic.Error
}

// SetEnabled records the requested state.
func (p *EnablePin) SetEnabled(ctx context.Context, enabled bool) error {
	if err := p.err.Load(); err != nil {
		return err
	}
	if !enabled && p.enabled.Load() {
		p.disables.Inc()
	}
	p.enabled.Store(enabled)
	return nil
}

// IsEnabled returns the last state written.
func (p *EnablePin) IsEnabled() bool {
	return p.enabled.Load()
}

// Disables returns how many times the output went from enabled to disabled.
func (p *EnablePin) Disables() int64 {
	return p.disables.Load()
}

// Fail makes every later SetEnabled return err. A nil err clears the failure.
func (p *EnablePin) Fail(err error) {
	p.err.Store(err)
}
