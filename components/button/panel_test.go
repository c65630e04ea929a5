package button

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	fakeboard "github.com/lilygo-motion/motioncontroller/components/board/fake"
	"github.com/lilygo-motion/motioncontroller/logging"
)

type commands struct {
	mu      sync.Mutex
	calls   []string
	failJog error
}

func (c *commands) record(name string, err error) func(context.Context) error {
	return func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls = append(c.calls, name)
		return err
	}
}

func (c *commands) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.calls...)
}

func (c *commands) actions() Actions {
	return Actions{
		JogBackward: c.record("backward", nil),
		JogForward:  c.record("forward", c.failJog),
		JogStop:     c.record("jogstop", nil),
		Stop:        c.record("stop", nil),
	}
}

type panelHarness struct {
	panel *Panel
	clk   *clock.Mock
	pins  map[string]*fakeboard.DigitalInterrupt
	cmds  *commands
}

func newPanelHarness(t *testing.T, cmds *commands, logger logging.Logger) *panelHarness {
	t.Helper()
	b := fakeboard.NewBoard()
	cfg := PanelConfig{
		Backward: Config{Pin: "GPIO36"},
		EStop:    Config{Pin: "GPIO34"},
		Forward:  Config{Pin: "GPIO35"},
	}
	test.That(t, cfg.Validate("buttons"), test.ShouldBeNil)

	pins := map[string]*fakeboard.DigitalInterrupt{}
	for name, pin := range map[string]string{"backward": "GPIO36", "estop": "GPIO34", "forward": "GPIO35"} {
		di, err := b.DigitalInterruptByName(pin)
		test.That(t, err, test.ShouldBeNil)
		pins[name] = di.(*fakeboard.DigitalInterrupt)
		test.That(t, pins[name].Set(context.Background(), true), test.ShouldBeNil)
	}

	clk := clock.NewMock()
	p, err := newWithClock(b, cfg, cmds.actions(), clk, logger)
	test.That(t, err, test.ShouldBeNil)
	return &panelHarness{panel: p, clk: clk, pins: pins, cmds: cmds}
}

func (h *panelHarness) step(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += pollEvery {
		h.clk.Add(pollEvery)
		h.panel.Poll(context.Background())
	}
}

func TestPanelCommands(t *testing.T) {
	h := newPanelHarness(t, &commands{}, logging.NewTestLogger(t))

	// a tap on a jog button does nothing
	h.pins["backward"].Tick(false)
	h.step(80 * time.Millisecond)
	h.pins["backward"].Tick(true)
	h.step(200 * time.Millisecond)
	test.That(t, h.cmds.seen(), test.ShouldBeEmpty)

	h.pins["backward"].Tick(false)
	h.step(150 * time.Millisecond)
	test.That(t, h.cmds.seen(), test.ShouldResemble, []string{"backward"})
	h.pins["backward"].Tick(true)
	h.step(100 * time.Millisecond)
	test.That(t, h.cmds.seen(), test.ShouldResemble, []string{"backward", "jogstop"})

	h.pins["forward"].Tick(false)
	h.step(500 * time.Millisecond)
	h.pins["forward"].Tick(true)
	h.step(100 * time.Millisecond)
	test.That(t, h.cmds.seen(), test.ShouldResemble, []string{"backward", "jogstop", "forward", "jogstop"})

	t.Run("stop on click", func(t *testing.T) {
		h := newPanelHarness(t, &commands{}, logging.NewTestLogger(t))
		h.pins["estop"].Tick(false)
		h.step(80 * time.Millisecond)
		test.That(t, h.cmds.seen(), test.ShouldBeEmpty)
		h.pins["estop"].Tick(true)
		h.step(100 * time.Millisecond)
		test.That(t, h.cmds.seen(), test.ShouldResemble, []string{"stop"})
	})

	t.Run("stop while held", func(t *testing.T) {
		h := newPanelHarness(t, &commands{}, logging.NewTestLogger(t))
		h.pins["estop"].Tick(false)
		h.step(150 * time.Millisecond)
		test.That(t, h.cmds.seen(), test.ShouldResemble, []string{"stop"})
		h.pins["estop"].Tick(true)
		h.step(time.Second)
		test.That(t, h.cmds.seen(), test.ShouldResemble, []string{"stop"})
	})
}

func TestPanelCommandFailureIsLogged(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	h := newPanelHarness(t, &commands{failJog: errors.New("emergency stop is active")}, logger)

	h.pins["forward"].Tick(false)
	h.step(150 * time.Millisecond)
	test.That(t, logs.FilterMessage("button command failed").Len(), test.ShouldEqual, 1)

	// the panel keeps working
	h.pins["estop"].Tick(false)
	h.step(150 * time.Millisecond)
	test.That(t, h.cmds.seen(), test.ShouldResemble, []string{"forward", "stop"})
}

func TestPanelRun(t *testing.T) {
	h := newPanelHarness(t, &commands{}, logging.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.panel.Run(ctx)
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		for _, pin := range h.pins {
			test.That(tb, pin.Watching(), test.ShouldBeTrue)
		}
	})

	h.pins["estop"].Tick(false)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		h.clk.Add(pollEvery)
		test.That(tb, h.cmds.seen(), test.ShouldResemble, []string{"stop"})
	})

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
}

func TestPanelConfigValidate(t *testing.T) {
	cfg := PanelConfig{EStop: Config{Pin: "GPIO34"}, HoldMs: -1}
	err := cfg.Validate("config.hardware.buttons")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "buttons.backward")
	test.That(t, err.Error(), test.ShouldContainSubstring, "buttons.forward")
	test.That(t, err.Error(), test.ShouldContainSubstring, "hold_ms")

	cfg = PanelConfig{HoldMs: 250}
	test.That(t, cfg.Hold(), test.ShouldEqual, 250*time.Millisecond)
	cfg.HoldMs = 0
	test.That(t, cfg.Hold(), test.ShouldEqual, DefaultHold)
}
