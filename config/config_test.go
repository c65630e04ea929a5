package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"

	"github.com/lilygo-motion/motioncontroller/components/button"
	"github.com/lilygo-motion/motioncontroller/components/limitswitch"
	"github.com/lilygo-motion/motioncontroller/logging"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	test.That(t, cfg.Validate("config"), test.ShouldBeNil)
	test.That(t, cfg.Motor.Acceleration, test.ShouldEqual, 80000)
	test.That(t, cfg.Motor.MaxSpeed, test.ShouldEqual, 14400)
	test.That(t, cfg.Motor.FreewheelAfterMove, test.ShouldBeFalse)
	test.That(t, cfg.Motor.MinLimit(), test.ShouldEqual, 0)
	test.That(t, cfg.Motor.MaxLimit(), test.ShouldEqual, 2500)
	test.That(t, cfg.Motor.Deadband(), test.ShouldEqual, 26)
	test.That(t, cfg.Motor.LimitDebounce(), test.ShouldEqual, limitswitch.DefaultDebounce)
	test.That(t, cfg.Motor.TickInterval().Milliseconds(), test.ShouldEqual, 20)
}

func TestLimitsAreOrdered(t *testing.T) {
	m := Defaults().Motor
	m.LimitPos1 = 4000
	m.LimitPos2 = -300
	test.That(t, m.MinLimit(), test.ShouldEqual, -300)
	test.That(t, m.MaxLimit(), test.ShouldEqual, 4000)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"max speed", func(c *Config) { c.Motor.MaxSpeed = 0 }, "max_speed"},
		{"acceleration", func(c *Config) { c.Motor.Acceleration = -1 }, "acceleration"},
		{"steps per revolution", func(c *Config) { c.Motor.StepsPerRevolution = 0 }, "steps_per_revolution"},
		{"deadband", func(c *Config) { c.Motor.DeadbandDegrees = -1 }, "deadband_degrees"},
		{"gain too high", func(c *Config) { c.Motor.CorrectionGain = 1.5 }, "correction_gain"},
		{"gain zero", func(c *Config) { c.Motor.CorrectionGain = 0 }, "correction_gain"},
		{"stuck timeout", func(c *Config) { c.Motor.StuckTimeoutMs = 0 }, "stuck_timeout_ms"},
		{"tick", func(c *Config) { c.Motor.TickIntervalMs = 0 }, "tick_interval_ms"},
		{"command rate", func(c *Config) { c.Web.CommandRate = -1 }, "command_rate"},
		{"log pattern", func(c *Config) {
			c.Log = []logging.LoggerPatternConfig{{Pattern: "a..b", Level: "debug"}}
		}, "invalid pattern"},
		{"log level", func(c *Config) {
			c.Log = []logging.LoggerPatternConfig{{Pattern: "controller.*", Level: "loud"}}
		}, "log[0]"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.modify(cfg)
			err := cfg.Validate("config")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errMsg)
		})
	}
}

func TestValidateHardware(t *testing.T) {
	cfg := Defaults()
	err := cfg.ValidateHardware("config")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "config.hardware.stepper")
	test.That(t, err.Error(), test.ShouldContainSubstring, "config.hardware.encoder")

	cfg.Hardware.Stepper.Pins.Step = "GPIO23"
	cfg.Hardware.Stepper.Pins.Direction = "GPIO18"
	cfg.Hardware.Encoder.Bus = "0"
	cfg.Hardware.Encoder.ChipSelect = "0"
	test.That(t, cfg.ValidateHardware("config"), test.ShouldBeNil)

	cfg.Hardware.LimitSwitches = []limitswitch.Config{{Pin: "GPIO21"}, {}}
	err = cfg.ValidateHardware("config")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "limit_switches.1")

	cfg.Hardware.LimitSwitches = nil
	cfg.Hardware.Buttons = &button.PanelConfig{
		Backward: button.Config{Pin: "GPIO36"},
		Forward:  button.Config{Pin: "GPIO35"},
	}
	err = cfg.ValidateHardware("config")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "config.hardware.buttons.estop")

	cfg.Hardware.Buttons.EStop.Pin = "GPIO34"
	test.That(t, cfg.ValidateHardware("config"), test.ShouldBeNil)
}

func TestWithAttributes(t *testing.T) {
	m := Defaults().Motor

	updated, err := m.WithAttributes(map[string]interface{}{
		"max_speed":            "12000",
		"limit_pos_2":          3100.0,
		"freewheel_after_move": true,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, updated.MaxSpeed, test.ShouldEqual, 12000)
	test.That(t, updated.LimitPos2, test.ShouldEqual, 3100)
	test.That(t, updated.FreewheelAfterMove, test.ShouldBeTrue)
	test.That(t, updated.Acceleration, test.ShouldEqual, m.Acceleration)
	// the receiver is untouched
	test.That(t, m.MaxSpeed, test.ShouldEqual, DefaultMaxSpeed)

	_, err = m.WithAttributes(map[string]interface{}{"top_speed": 1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "top_speed")

	unchanged, err := m.WithAttributes(map[string]interface{}{"correction_gain": 2})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, unchanged, test.ShouldResemble, m)
}

func TestReadSubstitutesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motor.json")
	t.Setenv("MOTOR_MAX_SPEED", "9000")
	body := `{"motor": {"max_speed": ${MOTOR_MAX_SPEED}, "limit_pos_1": -50}, "web": {"listen": "127.0.0.1:9090"}}`
	test.That(t, os.WriteFile(path, []byte(body), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Motor.MaxSpeed, test.ShouldEqual, 9000)
	test.That(t, cfg.Motor.LimitPos1, test.ShouldEqual, -50)
	test.That(t, cfg.Motor.LimitPos2, test.ShouldEqual, DefaultLimitPos2)
	test.That(t, cfg.Motor.Acceleration, test.ShouldEqual, DefaultAcceleration)
	test.That(t, cfg.Web.Listen, test.ShouldEqual, "127.0.0.1:9090")
	test.That(t, cfg.Web.CommandRate, test.ShouldEqual, DefaultCommandRate)
}

func TestReadRejectsInvalid(t *testing.T) {
	_, err := FromReader(strings.NewReader(`{"motor": {"steps_per_revolution": 0}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "config.motor")

	_, err = FromReader(strings.NewReader(`{"motor": `))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "failed to decode")
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motor.json")
	cfg := Defaults()
	cfg.Motor.FreewheelAfterMove = true
	cfg.Log = []logging.LoggerPatternConfig{{Pattern: "controller.health", Level: "debug"}}
	test.That(t, Write(path, cfg), test.ShouldBeNil)

	read, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read, test.ShouldResemble, cfg)

	// no temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)
}
