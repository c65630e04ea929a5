package stepper

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	fakeboard "github.com/lilygo-motion/motioncontroller/components/board/fake"
	"github.com/lilygo-motion/motioncontroller/logging"
)

func TestValidate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate("motor")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pins.step")

	cfg.Pins.Step = "GPIO23"
	err = cfg.Validate("motor")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pins.dir")

	cfg.Pins.Direction = "GPIO18"
	test.That(t, cfg.Validate("motor"), test.ShouldBeNil)

	cfg.Pins.EnablePinHigh = "GPIO2"
	cfg.Pins.EnablePinLow = "GPIO3"
	test.That(t, cfg.Validate("motor"), test.ShouldNotBeNil)
}

func TestStepperPulses(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	b := fakeboard.NewBoard()

	cfg := Config{Pins: PinConfig{Step: "step", Direction: "dir", EnablePinLow: "en"}}
	s, err := newWithClock(b, cfg, 20000, 200000, clock.New(), logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, s.Close(ctx), test.ShouldBeNil)
	}()

	// active low enable is pulled low at startup
	en := b.GPIOPins["en"]
	high, err := en.Get(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeFalse)
	test.That(t, s.EnablePin().IsEnabled(), test.ShouldBeTrue)

	test.That(t, s.MoveTo(ctx, 200, 20000), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, s.IsMoving(), test.ShouldBeFalse)
	})
	test.That(t, s.CurrentPosition(), test.ShouldEqual, 200)
	test.That(t, b.GPIOPins["step"].Pulses(), test.ShouldBeGreaterThanOrEqualTo, 200)
	test.That(t, b.GPIOPins["dir"].History()[0], test.ShouldBeTrue)

	test.That(t, s.MoveTo(ctx, 150, 20000), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, s.IsMoving(), test.ShouldBeFalse)
	})
	test.That(t, s.CurrentPosition(), test.ShouldEqual, 150)
	test.That(t, b.GPIOPins["step"].Pulses(), test.ShouldBeGreaterThanOrEqualTo, 250)
	dirs := b.GPIOPins["dir"].History()
	test.That(t, dirs[len(dirs)-1], test.ShouldBeFalse)
}

func TestStepperReenablesOnMove(t *testing.T) {
	ctx := context.Background()
	b := fakeboard.NewBoard()

	cfg := Config{Pins: PinConfig{Step: "step", Direction: "dir", EnablePinHigh: "en"}, InvertDirection: true}
	s, err := New(b, cfg, 20000, 200000, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, s.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, s.EnablePin().SetEnabled(ctx, false), test.ShouldBeNil)
	high, err := b.GPIOPins["en"].Get(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeFalse)

	test.That(t, s.MoveTo(ctx, 10, 20000), test.ShouldBeNil)
	test.That(t, s.EnablePin().IsEnabled(), test.ShouldBeTrue)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, s.CurrentPosition(), test.ShouldEqual, 10)
	})
	// forward motion with an inverted direction pin drives it low
	test.That(t, b.GPIOPins["dir"].History()[0], test.ShouldBeFalse)
}
