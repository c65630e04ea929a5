// Package config defines the motor configuration, its validation and its persistence.
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/lilygo-motion/motioncontroller/components/button"
	"github.com/lilygo-motion/motioncontroller/components/encoder/mt6816"
	"github.com/lilygo-motion/motioncontroller/components/limitswitch"
	"github.com/lilygo-motion/motioncontroller/components/motor/stepper"
	"github.com/lilygo-motion/motioncontroller/logging"
	rutils "github.com/lilygo-motion/motioncontroller/utils"
)

// Defaults used when a field is missing from the file.
const (
	DefaultAcceleration         = 80000.0
	DefaultMaxSpeed             = 14400.0
	DefaultLimitPos1            = 0
	DefaultLimitPos2            = 2500
	DefaultStepsPerRevolution   = 3200
	DefaultDeadbandDegrees      = 3.0
	DefaultCorrectionGain       = 0.5
	DefaultStuckTimeoutMs       = 5000
	DefaultHealthRetryMs        = 10000
	DefaultSoftLimitMarginSteps = 200
	DefaultTickIntervalMs       = 20
	DefaultStatusIntervalMs     = 100
	DefaultListen               = ":8080"
	DefaultCommandRate          = 20.0
)

// Config is the whole configuration file.
type Config struct {
	Motor    MotorConfig                   `json:"motor"`
	Hardware HardwareConfig                `json:"hardware"`
	Web      WebConfig                     `json:"web"`
	Log      []logging.LoggerPatternConfig `json:"log,omitempty"`
}

// MotorConfig holds the motion limits and the closed-loop tunables. Positions are in steps.
type MotorConfig struct {
	Acceleration       float64 `json:"acceleration"`
	MaxSpeed           float64 `json:"max_speed"`
	LimitPos1          int64   `json:"limit_pos_1"`
	LimitPos2          int64   `json:"limit_pos_2"`
	FreewheelAfterMove bool    `json:"freewheel_after_move"`

	StepsPerRevolution   int64   `json:"steps_per_revolution"`
	DeadbandDegrees      float64 `json:"deadband_degrees"`
	CorrectionGain       float64 `json:"correction_gain"`
	StuckTimeoutMs       int     `json:"stuck_timeout_ms"`
	HealthRetryMs        int     `json:"health_retry_ms"`
	SoftLimitMarginSteps int64   `json:"soft_limit_margin_steps"`
	// RecoverySpeed is the speed used to return to the pre-stop target. Zero means five times
	// the minimum speed.
	RecoverySpeed    float64 `json:"recovery_speed,omitempty"`
	TickIntervalMs   int     `json:"tick_interval_ms"`
	StatusIntervalMs int     `json:"status_interval_ms"`
	LimitDebounceMs  int     `json:"limit_debounce_ms"`
}

// HardwareConfig names the pins and buses of a physical controller. It is only required when
// running against real hardware.
type HardwareConfig struct {
	Stepper       stepper.Config       `json:"stepper"`
	Encoder       mt6816.Config        `json:"encoder"`
	LimitSwitches []limitswitch.Config `json:"limit_switches,omitempty"`
	Buttons       *button.PanelConfig  `json:"buttons,omitempty"`
}

// WebConfig configures the HTTP command and status server.
type WebConfig struct {
	Listen         string   `json:"listen"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// CommandRate bounds accepted commands per second.
	CommandRate float64 `json:"command_rate"`
}

// Defaults returns a configuration with every field set to its default.
func Defaults() *Config {
	return &Config{
		Motor: MotorConfig{
			Acceleration:         DefaultAcceleration,
			MaxSpeed:             DefaultMaxSpeed,
			LimitPos1:            DefaultLimitPos1,
			LimitPos2:            DefaultLimitPos2,
			StepsPerRevolution:   DefaultStepsPerRevolution,
			DeadbandDegrees:      DefaultDeadbandDegrees,
			CorrectionGain:       DefaultCorrectionGain,
			StuckTimeoutMs:       DefaultStuckTimeoutMs,
			HealthRetryMs:        DefaultHealthRetryMs,
			SoftLimitMarginSteps: DefaultSoftLimitMarginSteps,
			TickIntervalMs:       DefaultTickIntervalMs,
			StatusIntervalMs:     DefaultStatusIntervalMs,
			LimitDebounceMs:      int(limitswitch.DefaultDebounce / time.Millisecond),
		},
		Web: WebConfig{
			Listen:      DefaultListen,
			CommandRate: DefaultCommandRate,
		},
	}
}

// Validate ensures all parts of the config are valid. Hardware is validated separately by
// ValidateHardware since simulations have none.
func (c *Config) Validate(path string) error {
	if err := c.Motor.Validate(fmt.Sprintf("%s.%s", path, "motor")); err != nil {
		return err
	}
	if c.Web.CommandRate < 0 {
		return utils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, "web"),
			errors.New("command_rate cannot be negative"))
	}
	for i, p := range c.Log {
		if !logging.ValidatePattern(p.Pattern) {
			return utils.NewConfigValidationError(path, errors.Errorf("log[%d]: invalid pattern %q", i, p.Pattern))
		}
		if _, err := logging.LevelFromString(p.Level); err != nil {
			return utils.NewConfigValidationError(path, errors.Wrapf(err, "log[%d]", i))
		}
	}
	return nil
}

// ValidateHardware ensures every pin and bus needed to drive real hardware is named.
func (c *Config) ValidateHardware(path string) error {
	path = fmt.Sprintf("%s.%s", path, "hardware")
	err := multierr.Combine(
		c.Hardware.Stepper.Validate(fmt.Sprintf("%s.%s", path, "stepper")),
		c.Hardware.Encoder.Validate(fmt.Sprintf("%s.%s", path, "encoder")),
	)
	if len(c.Hardware.LimitSwitches) > 2 {
		err = multierr.Append(err, utils.NewConfigValidationError(path,
			errors.Errorf("at most 2 limit_switches are supported, got %d", len(c.Hardware.LimitSwitches))))
	}
	for i := range c.Hardware.LimitSwitches {
		err = multierr.Append(err, c.Hardware.LimitSwitches[i].Validate(fmt.Sprintf("%s.%s.%d", path, "limit_switches", i)))
	}
	if c.Hardware.Buttons != nil {
		err = multierr.Append(err, c.Hardware.Buttons.Validate(fmt.Sprintf("%s.%s", path, "buttons")))
	}
	return err
}

// Validate ensures every tunable is usable. Speed and acceleration outside the supported range
// are accepted and clamped when applied.
func (m *MotorConfig) Validate(path string) error {
	switch {
	case m.MaxSpeed <= 0:
		return utils.NewConfigValidationError(path, errors.New("max_speed must be positive"))
	case m.Acceleration <= 0:
		return utils.NewConfigValidationError(path, errors.New("acceleration must be positive"))
	case m.StepsPerRevolution <= 0:
		return utils.NewConfigValidationError(path, errors.New("steps_per_revolution must be positive"))
	case m.DeadbandDegrees < 0:
		return utils.NewConfigValidationError(path, errors.New("deadband_degrees cannot be negative"))
	case m.CorrectionGain <= 0 || m.CorrectionGain > 1:
		return utils.NewConfigValidationError(path,
			errors.Errorf("correction_gain %v must be in (0, 1]", m.CorrectionGain))
	case m.StuckTimeoutMs <= 0:
		return utils.NewConfigValidationError(path, errors.New("stuck_timeout_ms must be positive"))
	case m.HealthRetryMs <= 0:
		return utils.NewConfigValidationError(path, errors.New("health_retry_ms must be positive"))
	case m.SoftLimitMarginSteps < 0:
		return utils.NewConfigValidationError(path, errors.New("soft_limit_margin_steps cannot be negative"))
	case m.RecoverySpeed < 0:
		return utils.NewConfigValidationError(path, errors.New("recovery_speed cannot be negative"))
	case m.TickIntervalMs <= 0:
		return utils.NewConfigValidationError(path, errors.New("tick_interval_ms must be positive"))
	case m.StatusIntervalMs <= 0:
		return utils.NewConfigValidationError(path, errors.New("status_interval_ms must be positive"))
	case m.LimitDebounceMs < 0:
		return utils.NewConfigValidationError(path, errors.New("limit_debounce_ms cannot be negative"))
	}
	return nil
}

// MinLimit returns the lower of the two limit positions.
func (m MotorConfig) MinLimit() int64 {
	return lo.Min([]int64{m.LimitPos1, m.LimitPos2})
}

// MaxLimit returns the higher of the two limit positions.
func (m MotorConfig) MaxLimit() int64 {
	return lo.Max([]int64{m.LimitPos1, m.LimitPos2})
}

// Deadband returns the deadband in steps.
func (m MotorConfig) Deadband() int64 {
	return rutils.DegreesToSteps(m.DeadbandDegrees, m.StepsPerRevolution)
}

// StuckTimeout returns how long an unchanged reading is tolerated while moving.
func (m MotorConfig) StuckTimeout() time.Duration {
	return time.Duration(m.StuckTimeoutMs) * time.Millisecond
}

// HealthRetry returns how often an unhealthy encoder is re-checked.
func (m MotorConfig) HealthRetry() time.Duration {
	return time.Duration(m.HealthRetryMs) * time.Millisecond
}

// TickInterval returns the control task period.
func (m MotorConfig) TickInterval() time.Duration {
	return time.Duration(m.TickIntervalMs) * time.Millisecond
}

// StatusInterval returns the status publishing period.
func (m MotorConfig) StatusInterval() time.Duration {
	return time.Duration(m.StatusIntervalMs) * time.Millisecond
}

// LimitDebounce returns the limit switch debounce window.
func (m MotorConfig) LimitDebounce() time.Duration {
	return time.Duration(m.LimitDebounceMs) * time.Millisecond
}

// WithAttributes returns a copy of m with the given attributes applied. Keys are the json
// names of MotorConfig fields; unknown keys are an error. Numbers may be given as strings. The
// result is validated.
func (m MotorConfig) WithAttributes(attributes map[string]interface{}) (MotorConfig, error) {
	updated := m
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &updated,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return m, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return m, errors.Wrap(err, "failed to decode motor attributes")
	}
	if err := updated.Validate("motor"); err != nil {
		return m, err
	}
	return updated, nil
}
