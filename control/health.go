package control

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lilygo-motion/motioncontroller/components/encoder"
	"github.com/lilygo-motion/motioncontroller/logging"
)

// Fault reasons reported by HealthMonitor.Check.
const (
	faultNone     = ""
	faultSentinel = "bus fault pattern"
	faultStuck    = "no change while moving"
	faultRead     = "read failed"
)

// A HealthMonitor decides whether encoder samples can be trusted and switches the control mode
// accordingly.
type HealthMonitor struct {
	clock  clock.Clock
	logger logging.Logger

	stuckTimeout  time.Duration
	retryInterval time.Duration

	mode ControlMode
	// sample and time of the last observed change, for stuck detection
	lastRaw    uint16
	lastChange time.Time
	// last sample that passed every check
	lastGood    uint16
	lastAttempt time.Time
	faults      int64
}

// NewHealthMonitor returns a monitor in closed-loop mode.
func NewHealthMonitor(clk clock.Clock, stuckTimeout, retryInterval time.Duration, logger logging.Logger) *HealthMonitor {
	now := clk.Now()
	return &HealthMonitor{
		clock:         clk,
		logger:        logger,
		stuckTimeout:  stuckTimeout,
		retryInterval: retryInterval,
		lastChange:    now,
		lastAttempt:   now,
	}
}

// SetTimeouts changes the stuck timeout and the retry interval.
func (h *HealthMonitor) SetTimeouts(stuckTimeout, retryInterval time.Duration) {
	h.stuckTimeout = stuckTimeout
	h.retryInterval = retryInterval
}

// Prime takes the boot-time sample. A sample that fails starts the monitor in open-loop mode.
func (h *HealthMonitor) Prime(raw uint16, readErr error) ControlMode {
	now := h.clock.Now()
	h.lastRaw = raw
	h.lastChange = now
	h.lastAttempt = now
	switch {
	case readErr != nil:
		h.mode = OpenLoop
		h.faults++
		h.logger.Warnw("encoder not responding, starting in open loop", "error", readErr)
	case encoder.IsSentinel(raw):
		h.mode = OpenLoop
		h.faults++
		h.logger.Warnw("encoder may not be connected, starting in open loop", "raw", raw)
	default:
		h.mode = ClosedLoop
		h.lastGood = raw
		h.logger.Infow("initial encoder reading", "raw", raw)
	}
	return h.mode
}

// Check classifies one sample. A sample is unhealthy when it is an all-zero or all-one bus
// pattern, or when it has not changed for longer than the stuck timeout while the motor is
// moving. The stuck timer restarts whenever the motor is idle.
func (h *HealthMonitor) Check(raw uint16, moving bool) bool {
	return h.classify(raw, moving) == faultNone
}

func (h *HealthMonitor) classify(raw uint16, moving bool) string {
	if encoder.IsSentinel(raw) {
		return faultSentinel
	}
	now := h.clock.Now()
	if moving && raw == h.lastRaw {
		if now.Sub(h.lastChange) > h.stuckTimeout {
			return faultStuck
		}
		return faultNone
	}
	h.lastRaw = raw
	h.lastChange = now
	return faultNone
}

// Update runs the health check for one tick and returns the resulting mode. readErr is the
// error from reading raw, if any, and counts as a sensor fault. While in open loop the check
// is only retried once per retry interval.
func (h *HealthMonitor) Update(raw uint16, readErr error, moving bool) ControlMode {
	now := h.clock.Now()
	if h.mode == OpenLoop && now.Sub(h.lastAttempt) < h.retryInterval {
		return h.mode
	}
	h.lastAttempt = now

	reason := faultRead
	if readErr == nil {
		reason = h.classify(raw, moving)
	}

	switch {
	case reason == faultNone:
		if h.mode == OpenLoop {
			h.logger.Infow("encoder recovered, switching to closed loop", "raw", raw, "last_good_raw", h.lastGood)
		}
		h.mode = ClosedLoop
		h.lastGood = raw
	case h.mode == ClosedLoop:
		h.mode = OpenLoop
		h.faults++
		h.logger.Errorw("encoder fault detected, switching to open loop",
			"reason", reason,
			"raw", raw,
			"last_good_raw", h.lastGood,
			"unchanged_for", now.Sub(h.lastChange),
			"moving", moving,
			"error", readErr,
		)
	default:
		h.logger.Debugw("encoder still faulted", "reason", reason, "raw", raw, "error", readErr)
	}
	return h.mode
}

// Mode returns the current control mode.
func (h *HealthMonitor) Mode() ControlMode {
	return h.mode
}

// Faults returns how many healthy to faulted transitions have happened.
func (h *HealthMonitor) Faults() int64 {
	return h.faults
}
