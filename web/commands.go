package web

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/lilygo-motion/motioncontroller/config"
	"github.com/lilygo-motion/motioncontroller/control"
)

var (
	errRateLimited = errors.New("too many commands")
	errBadRequest  = errors.New("bad request")
)

// Command names.
const (
	cmdMove      = "move"
	cmdGoto      = "goto"
	cmdStop      = "stop"
	cmdJogStart  = "jogStart"
	cmdJogStop   = "jogStop"
	cmdReset     = "reset"
	cmdStatus    = "status"
	cmdGetConfig = "getConfig"
	cmdSetConfig = "setConfig"
)

// configAliases maps the camelCase names used by browser clients to configuration fields.
var configAliases = map[string]string{
	"maxSpeed":           "max_speed",
	"minLimit":           "limit_pos_1",
	"maxLimit":           "limit_pos_2",
	"freewheelAfterMove": "freewheel_after_move",
}

// ignoredConfig are accepted for compatibility but have no effect.
var ignoredConfig = map[string]bool{
	"useStealthChop": true,
}

type statusMessage struct {
	Type string `json:"type"`
	control.Status
}

func newStatusMessage(st control.Status) statusMessage {
	return statusMessage{Type: "status", Status: st}
}

type configMessage struct {
	Type               string             `json:"type"`
	MaxSpeed           float64            `json:"maxSpeed"`
	Acceleration       float64            `json:"acceleration"`
	MinLimit           int64              `json:"minLimit"`
	MaxLimit           int64              `json:"maxLimit"`
	FreewheelAfterMove bool               `json:"freewheelAfterMove"`
	Motor              config.MotorConfig `json:"motor"`
}

func newConfigMessage(m config.MotorConfig) configMessage {
	return configMessage{
		Type:               "config",
		MaxSpeed:           m.MaxSpeed,
		Acceleration:       m.Acceleration,
		MinLimit:           m.MinLimit(),
		MaxLimit:           m.MaxLimit(),
		FreewheelAfterMove: m.FreewheelAfterMove,
		Motor:              m,
	}
}

type ackMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type configUpdatedMessage struct {
	Type   string        `json:"type"`
	Status string        `json:"status"`
	Config configMessage `json:"config"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// commandName returns the command of msg, given either as "command" or the older "cmd".
func commandName(msg map[string]interface{}) (string, error) {
	for _, key := range []string{"command", "cmd"} {
		if v, ok := msg[key]; ok {
			name, err := cast.ToStringE(v)
			if err != nil || name == "" {
				return "", errors.Wrapf(errBadRequest, "invalid %s", key)
			}
			return name, nil
		}
	}
	return "", errors.Wrap(errBadRequest, "missing command")
}

// dispatch runs one command and returns the message to send back.
func (s *Server) dispatch(ctx context.Context, msg map[string]interface{}) (interface{}, error) {
	name, err := commandName(msg)
	if err != nil {
		return nil, err
	}
	// stopping is never throttled
	if name != cmdStop && !s.limiter.Allow() {
		return nil, errRateLimited
	}

	switch name {
	case cmdMove, cmdGoto:
		raw, ok := msg["position"]
		if !ok {
			return nil, errors.Wrap(errBadRequest, "position is required")
		}
		position, err := cast.ToInt64E(raw)
		if err != nil {
			return nil, errors.Wrapf(errBadRequest, "invalid position %v", raw)
		}
		var speed float64
		if raw, ok := msg["speed"]; ok {
			if speed, err = cast.ToFloat64E(raw); err != nil || speed < 0 {
				return nil, errors.Wrapf(errBadRequest, "invalid speed %v", raw)
			}
		}
		if err := s.ctrl.MoveTo(ctx, position, speed); err != nil {
			return nil, err
		}
	case cmdStop:
		if err := s.ctrl.Stop(ctx); err != nil {
			return nil, err
		}
	case cmdJogStart:
		direction, err := control.ParseDirection(cast.ToString(msg["direction"]))
		if err != nil {
			return nil, errors.Wrap(errBadRequest, err.Error())
		}
		if err := s.ctrl.JogStart(ctx, direction); err != nil {
			return nil, err
		}
	case cmdJogStop:
		if err := s.ctrl.JogStop(ctx); err != nil {
			return nil, err
		}
	case cmdReset:
		if err := s.ctrl.Reset(ctx); err != nil {
			return nil, err
		}
	case cmdStatus:
		return newStatusMessage(s.ctrl.Status()), nil
	case cmdGetConfig:
		return newConfigMessage(s.store.Motor()), nil
	case cmdSetConfig:
		attrs := make(map[string]interface{}, len(msg))
		for k, v := range msg {
			if k != "command" && k != "cmd" {
				attrs[k] = v
			}
		}
		return s.setConfig(attrs)
	default:
		return nil, errors.Wrapf(errBadRequest, "unknown command %q", name)
	}
	return ackMessage{Type: "ack", Command: name}, nil
}

// setConfig applies a partial motor configuration and pushes the result to every client.
func (s *Server) setConfig(attrs map[string]interface{}) (interface{}, error) {
	translated := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		if ignoredConfig[k] {
			s.logger.Debugw("ignoring unsupported setting", "setting", k)
			continue
		}
		if alias, ok := configAliases[k]; ok {
			k = alias
		}
		translated[k] = v
	}
	if len(translated) == 0 {
		return nil, errors.Wrap(errBadRequest, "no settings given")
	}
	motor, err := s.store.SetMotorAttributes(translated)
	if err != nil {
		return nil, errors.Wrap(errBadRequest, err.Error())
	}
	cfg := newConfigMessage(motor)
	s.broadcast(cfg)
	return configUpdatedMessage{Type: "configUpdated", Status: "success", Config: cfg}, nil
}

// statusCode maps a command error to an HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, control.ErrEmergencyStopActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
