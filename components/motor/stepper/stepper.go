// Package stepper implements a step/direction stepper driver on board GPIO pins.
package stepper

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/lilygo-motion/motioncontroller/components/board"
	"github.com/lilygo-motion/motioncontroller/components/motor"
	"github.com/lilygo-motion/motioncontroller/logging"
	rutils "github.com/lilygo-motion/motioncontroller/utils"
)

const (
	idlePoll       = time.Millisecond
	stepErrBackoff = time.Second
)

// PinConfig defines the mapping of where the driver is wired.
type PinConfig struct {
	Step          string `json:"step"`
	Direction     string `json:"dir"`
	EnablePinHigh string `json:"en_high,omitempty"`
	EnablePinLow  string `json:"en_low,omitempty"`
}

// Config describes the configuration of a stepper driver.
type Config struct {
	Pins            PinConfig `json:"pins"`
	StepPulseUsec   int       `json:"step_pulse_usec,omitempty"` // time to hold the step pin high
	InvertDirection bool      `json:"invert_direction,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Pins.Step == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "pins.step")
	}
	if cfg.Pins.Direction == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "pins.dir")
	}
	if cfg.Pins.EnablePinHigh != "" && cfg.Pins.EnablePinLow != "" {
		return utils.NewConfigValidationError(path, errors.New("only one of en_high and en_low may be set"))
	}
	if cfg.StepPulseUsec < 0 {
		return utils.NewConfigValidationError(path, errors.New("step_pulse_usec cannot be negative"))
	}
	return nil
}

// Stepper pulses the step pin from its own goroutine following a motor.Profile.
type Stepper struct {
	*motor.Profile

	enable          motor.EnablePin
	stepPin, dirPin board.GPIOPin
	stepPulse       time.Duration
	invertDirection bool
	clock           clock.Clock
	logger          logging.Logger
	workers         *rutils.Loops

	// only touched by the pulse goroutine
	lastStep   time.Time
	dirForward *bool
}

var _ motor.Executor = (*Stepper)(nil)

// New looks up the pins on b and starts the pulse goroutine.
func New(b board.Board, cfg Config, maxSpeed, acceleration float64, logger logging.Logger) (*Stepper, error) {
	return newWithClock(b, cfg, maxSpeed, acceleration, clock.New(), logger)
}

func newWithClock(
	b board.Board,
	cfg Config,
	maxSpeed, acceleration float64,
	clk clock.Clock,
	logger logging.Logger,
) (*Stepper, error) {
	if cfg.Pins.Step == "" {
		return nil, motor.NewPinRequiredError("step")
	}
	if cfg.Pins.Direction == "" {
		return nil, motor.NewPinRequiredError("direction")
	}

	s := &Stepper{
		Profile:         motor.NewProfile(maxSpeed, acceleration),
		stepPulse:       time.Duration(cfg.StepPulseUsec) * time.Microsecond,
		invertDirection: cfg.InvertDirection,
		clock:           clk,
		logger:          logger,
	}

	var err error
	var enablePin board.GPIOPin
	activeLow := false
	// only set enable pins if they exist
	if cfg.Pins.EnablePinHigh != "" {
		enablePin, err = b.GPIOPinByName(cfg.Pins.EnablePinHigh)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Pins.EnablePinLow != "" {
		enablePin, err = b.GPIOPinByName(cfg.Pins.EnablePinLow)
		if err != nil {
			return nil, err
		}
		activeLow = true
	}
	s.enable = motor.NewGPIOEnablePin(enablePin, activeLow)

	s.stepPin, err = b.GPIOPinByName(cfg.Pins.Step)
	if err != nil {
		return nil, err
	}
	s.dirPin, err = b.GPIOPinByName(cfg.Pins.Direction)
	if err != nil {
		return nil, err
	}

	// the driver holds position from power on
	if err := s.enable.SetEnabled(context.Background(), true); err != nil {
		return nil, errors.Wrap(err, "enabling driver")
	}

	s.workers = rutils.StartLoops(s.doRun)
	return s, nil
}

// EnablePin returns the driver enable output.
func (s *Stepper) EnablePin() motor.EnablePin {
	return s.enable
}

// MoveTo powers the driver if needed and retargets the profile.
func (s *Stepper) MoveTo(ctx context.Context, position int64, speed float64) error {
	if !s.enable.IsEnabled() {
		if err := s.enable.SetEnabled(ctx, true); err != nil {
			return errors.Wrap(err, "enabling driver")
		}
	}
	return s.Profile.MoveTo(ctx, position, speed)
}

// Close stops pulsing. The driver is left in whatever enable state it was in.
func (s *Stepper) Close(ctx context.Context) error {
	s.workers.Stop()
	return nil
}

func (s *Stepper) doRun(ctx context.Context) {
	for {
		sleep, err := s.doCycle(ctx)
		if err != nil {
			s.logger.Errorw("error cycling stepper", "error", err)
			sleep = stepErrBackoff
		}
		if sleep > 0 {
			if !utils.SelectContextOrWait(ctx, sleep) {
				return
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// doCycle takes a step when one is due and returns how long to wait before the next call.
func (s *Stepper) doCycle(ctx context.Context) (time.Duration, error) {
	interval, ok := s.NextInterval()
	if !ok {
		s.lastStep = time.Time{}
		return idlePoll, nil
	}

	now := s.clock.Now()
	if !s.lastStep.IsZero() {
		if wait := s.lastStep.Add(interval).Sub(now); wait > 0 {
			return wait, nil
		}
	}

	forward, ok := s.TakeStep()
	if !ok {
		return idlePoll, nil
	}
	s.lastStep = now
	if err := s.doStep(ctx, forward); err != nil {
		return 0, motor.NewStepError(err, s.CurrentPosition())
	}
	return 0, nil
}

func (s *Stepper) doStep(ctx context.Context, forward bool) error {
	if s.dirForward == nil || *s.dirForward != forward {
		if err := s.dirPin.Set(ctx, forward != s.invertDirection); err != nil {
			return err
		}
		s.dirForward = &forward
	}

	if err := s.stepPin.Set(ctx, true); err != nil {
		return err
	}
	if s.stepPulse > 0 {
		s.clock.Sleep(s.stepPulse)
	}
	return s.stepPin.Set(ctx, false)
}
