package button

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/lilygo-motion/motioncontroller/components/board"
	"github.com/lilygo-motion/motioncontroller/logging"
)

// DefaultPollInterval is how often the panel samples its buttons.
const DefaultPollInterval = 10 * time.Millisecond

// PanelConfig names the three board buttons.
type PanelConfig struct {
	Backward Config `json:"backward"`
	EStop    Config `json:"estop"`
	Forward  Config `json:"forward"`
	// HoldMs overrides DefaultHold.
	HoldMs int `json:"hold_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *PanelConfig) Validate(path string) error {
	err := multierr.Combine(
		cfg.Backward.Validate(fmt.Sprintf("%s.%s", path, "backward")),
		cfg.EStop.Validate(fmt.Sprintf("%s.%s", path, "estop")),
		cfg.Forward.Validate(fmt.Sprintf("%s.%s", path, "forward")),
	)
	if cfg.HoldMs < 0 {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.New("hold_ms cannot be negative")))
	}
	return err
}

// Hold returns the configured hold time.
func (cfg *PanelConfig) Hold() time.Duration {
	if cfg.HoldMs == 0 {
		return DefaultHold
	}
	return time.Duration(cfg.HoldMs) * time.Millisecond
}

// Actions are the commands the panel issues.
type Actions struct {
	JogBackward func(ctx context.Context) error
	JogForward  func(ctx context.Context) error
	JogStop     func(ctx context.Context) error
	Stop        func(ctx context.Context) error
}

// A Panel jogs backward while the first button is held, engages the emergency stop when the
// second is pressed and jogs forward while the third is held.
type Panel struct {
	backward *Button
	estop    *Button
	forward  *Button
	actions  Actions
	interval time.Duration
	clock    clock.Clock
	logger   logging.Logger
}

// NewPanel opens the buttons named by cfg on b.
func NewPanel(b board.Board, cfg PanelConfig, actions Actions, logger logging.Logger) (*Panel, error) {
	return newWithClock(b, cfg, actions, clock.New(), logger)
}

func newWithClock(
	b board.Board,
	cfg PanelConfig,
	actions Actions,
	clk clock.Clock,
	logger logging.Logger,
) (*Panel, error) {
	open := func(name string, bc Config) (*Button, error) {
		di, err := b.DigitalInterruptByName(bc.Pin)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s button", name)
		}
		return New(name, di, bc.ActiveHigh, logger, WithClock(clk), WithHold(cfg.Hold())), nil
	}
	backward, err := open("backward", cfg.Backward)
	if err != nil {
		return nil, err
	}
	estop, err := open("estop", cfg.EStop)
	if err != nil {
		return nil, err
	}
	forward, err := open("forward", cfg.Forward)
	if err != nil {
		return nil, err
	}
	p := &Panel{
		backward: backward,
		estop:    estop,
		forward:  forward,
		actions:  actions,
		interval: DefaultPollInterval,
		clock:    clk,
		logger:   logger,
	}
	logger.Infow("buttons ready",
		"backward", cfg.Backward.Pin, "estop", cfg.EStop.Pin, "forward", cfg.Forward.Pin)
	return p, nil
}

// Run watches the buttons and polls them until ctx is done.
func (p *Panel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, b := range []*Button{p.backward, p.estop, p.forward} {
		b := b
		g.Go(func() error { return b.Watch(ctx) })
	}
	g.Go(func() error {
		ticker := p.clock.Ticker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	})
	return g.Wait()
}

// Poll samples every button once and issues the resulting commands. A failed command is logged
// and does not stop the panel.
func (p *Panel) Poll(ctx context.Context) {
	switch p.backward.Poll(ctx) {
	case HoldStart:
		p.do(ctx, "jog backward", p.actions.JogBackward)
	case HoldStop:
		p.do(ctx, "stop jog", p.actions.JogStop)
	case None, Click:
	}

	// a short press stops on release, a longer one as soon as it becomes a hold
	switch p.estop.Poll(ctx) {
	case Click, HoldStart:
		p.do(ctx, "emergency stop", p.actions.Stop)
	case None, HoldStop:
	}

	switch p.forward.Poll(ctx) {
	case HoldStart:
		p.do(ctx, "jog forward", p.actions.JogForward)
	case HoldStop:
		p.do(ctx, "stop jog", p.actions.JogStop)
	case None, Click:
	}
}

func (p *Panel) do(ctx context.Context, what string, action func(context.Context) error) {
	p.logger.Infow("button command", "action", what)
	if action == nil {
		return
	}
	if err := action(ctx); err != nil {
		p.logger.Warnw("button command failed", "action", what, "error", err)
	}
}
