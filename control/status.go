package control

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
)

// ControlMode says whether encoder feedback is trusted.
type ControlMode int32

// Control modes.
const (
	ClosedLoop ControlMode = iota
	OpenLoop
)

func (m ControlMode) String() string {
	switch m {
	case ClosedLoop:
		return "closed_loop"
	case OpenLoop:
		return "open_loop"
	default:
		return "unknown"
	}
}

// MarshalText encodes the mode by name.
func (m ControlMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *ControlMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed_loop":
		*m = ClosedLoop
	case "open_loop":
		*m = OpenLoop
	default:
		return errors.Errorf("unknown control mode %q", text)
	}
	return nil
}

// EStopState is the state of the emergency stop coordinator.
type EStopState int32

// Emergency stop states.
const (
	EStopInactive EStopState = iota
	EStopStopping
	EStopPendingRecovery
)

func (s EStopState) String() string {
	switch s {
	case EStopInactive:
		return "inactive"
	case EStopStopping:
		return "stopping"
	case EStopPendingRecovery:
		return "pending_recovery"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s EStopState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *EStopState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "inactive":
		*s = EStopInactive
	case "stopping":
		*s = EStopStopping
	case "pending_recovery":
		*s = EStopPendingRecovery
	default:
		return errors.Errorf("unknown emergency stop state %q", text)
	}
	return nil
}

// LimitSwitchStatus reports which limit switches have fired and are still pressed.
type LimitSwitchStatus struct {
	Min bool `json:"min"`
	Max bool `json:"max"`
	Any bool `json:"any"`
}

// Status is a read-only snapshot of the controller.
type Status struct {
	Position             int64             `json:"position"`
	TargetPosition       int64             `json:"target_position"`
	IsMoving             bool              `json:"is_moving"`
	MotorEnabled         bool              `json:"motor_enabled"`
	EncoderRaw           uint16            `json:"encoder_raw"`
	EncoderPosition      int64             `json:"encoder_position"`
	RotationCount        int64             `json:"rotation_count"`
	PositionErrorSteps   int64             `json:"position_error_steps"`
	PositionErrorDegrees float64           `json:"position_error_degrees"`
	ControlMode          ControlMode       `json:"control_mode"`
	SoftLimitActive      bool              `json:"soft_limit_active"`
	EmergencyStop        EStopState        `json:"emergency_stop"`
	LimitSwitches        LimitSwitchStatus `json:"limit_switches"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Changed reports whether anything but the timestamp differs.
func (s Status) Changed(other Status) bool {
	s.UpdatedAt = time.Time{}
	other.UpdatedAt = time.Time{}
	return s != other
}

// String renders the snapshot as a table.
func (s Status) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"Position", s.Position},
		{"Target", s.TargetPosition},
		{"Moving", s.IsMoving},
		{"Motor enabled", s.MotorEnabled},
		{"Encoder raw", s.EncoderRaw},
		{"Encoder position", s.EncoderPosition},
		{"Rotations", s.RotationCount},
		{"Error", fmt.Sprintf("%d steps (%.2f°)", s.PositionErrorSteps, s.PositionErrorDegrees)},
		{"Control mode", s.ControlMode},
		{"Soft limit active", s.SoftLimitActive},
		{"Emergency stop", s.EmergencyStop},
		{"Limit switches", "min=" + strconv.FormatBool(s.LimitSwitches.Min) + " max=" + strconv.FormatBool(s.LimitSwitches.Max)},
	})
	return t.Render()
}
