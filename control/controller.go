package control

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/lilygo-motion/motioncontroller/components/encoder"
	"github.com/lilygo-motion/motioncontroller/components/limitswitch"
	"github.com/lilygo-motion/motioncontroller/components/motor"
	"github.com/lilygo-motion/motioncontroller/config"
	"github.com/lilygo-motion/motioncontroller/logging"
	"github.com/lilygo-motion/motioncontroller/utils"
)

// JogFraction is the share of the maximum speed used for jogging.
const JogFraction = 0.3

// Direction selects the jog direction.
type Direction int

// Jog directions.
const (
	Backward Direction = iota
	Forward
)

// ParseDirection accepts "forward" and "backward".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward":
		return Forward, nil
	case "backward":
		return Backward, nil
	default:
		return Backward, errors.Errorf("unknown jog direction %q", s)
	}
}

// RecoverySpeed returns the emergency stop recovery speed for cfg.
func RecoverySpeed(cfg config.MotorConfig) float64 {
	if cfg.RecoverySpeed > 0 {
		return motor.ClampSpeed(cfg.RecoverySpeed)
	}
	return motor.MinSpeed * 5
}

// A Controller owns the control state machines and runs them from one periodic task. Commands
// may be issued from any goroutine; they are serialized with the task.
type Controller struct {
	executor motor.Executor
	enable   motor.EnablePin
	encoder  encoder.Encoder
	switches []*limitswitch.Switch
	clock    clock.Clock
	logger   logging.Logger

	// written by the config store's subscriber, consumed by Tick
	pending      atomic.Pointer[config.MotorConfig]
	tickInterval atomic.Duration

	mu           sync.Mutex
	cfg          config.MotorConfig
	tracker      *Tracker
	health       *HealthMonitor
	corrector    *Corrector
	guardian     *Guardian
	estop        *EmergencyStop
	encoderSteps int64
	tickErrors   *rate.Limiter

	status    atomic.Pointer[Status]
	subMu     sync.Mutex
	listeners map[chan Status]struct{}
	workers   *utils.Loops
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// WithLimitSwitches adds limit switches. The first is reported as the minimum switch and the
// second as the maximum.
func WithLimitSwitches(switches ...*limitswitch.Switch) Option {
	return func(c *Controller) {
		c.switches = append(c.switches, switches...)
	}
}

// New returns a controller using the motor configuration held by store. Later changes to the
// store are applied at the start of the next tick.
func New(
	executor motor.Executor,
	enable motor.EnablePin,
	enc encoder.Encoder,
	store *config.Store,
	logger logging.Logger,
	opts ...Option,
) *Controller {
	c := &Controller{
		executor:   executor,
		enable:     enable,
		encoder:    enc,
		clock:      clock.New(),
		logger:     logger,
		listeners:  map[chan Status]struct{}{},
		tickErrors: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := store.Motor()
	c.tracker = NewTracker(cfg.StepsPerRevolution, logger.Sublogger("tracker"))
	c.health = NewHealthMonitor(c.clock, cfg.StuckTimeout(), cfg.HealthRetry(), logger.Sublogger("health"))
	c.corrector = NewCorrector(executor, cfg.Deadband(), cfg.CorrectionGain, motor.ClampSpeed(cfg.MaxSpeed),
		cfg.StepsPerRevolution, logger.Sublogger("corrector"))
	c.guardian = NewGuardian(executor, enable, guardianConfig(cfg), logger.Sublogger("softlimit"))
	c.estop = NewEmergencyStop(executor, RecoverySpeed(cfg), logger.Sublogger("estop"))
	c.configure(cfg)
	c.status.Store(&Status{})

	store.Subscribe(func(updated *config.Config) {
		motorCfg := updated.Motor
		c.pending.Store(&motorCfg)
	})
	return c
}

func guardianConfig(cfg config.MotorConfig) GuardianConfig {
	return GuardianConfig{
		MinLimit:           cfg.MinLimit(),
		MaxLimit:           cfg.MaxLimit(),
		Margin:             cfg.SoftLimitMarginSteps,
		Speed:              motor.ClampSpeed(cfg.MaxSpeed),
		FreewheelAfterMove: cfg.FreewheelAfterMove,
	}
}

// must hold c.mu once the controller is running.
func (c *Controller) configure(cfg config.MotorConfig) {
	c.cfg = cfg
	c.executor.SetAcceleration(motor.ClampAcceleration(cfg.Acceleration))
	c.tracker.SetStepsPerRevolution(cfg.StepsPerRevolution)
	c.health.SetTimeouts(cfg.StuckTimeout(), cfg.HealthRetry())
	c.corrector.Configure(cfg.Deadband(), cfg.CorrectionGain, motor.ClampSpeed(cfg.MaxSpeed), cfg.StepsPerRevolution)
	c.guardian.Configure(guardianConfig(cfg))
	c.estop.SetRecoverySpeed(RecoverySpeed(cfg))
	for _, s := range c.switches {
		s.SetDebounce(cfg.LimitDebounce())
	}
	c.tickInterval.Store(cfg.TickInterval())
}

// Start takes the boot-time encoder sample and launches the control and status tasks.
func (c *Controller) Start(ctx context.Context) {
	c.prime(ctx)
	c.workers = utils.StartLoops(c.controlLoop, c.statusLoop)
}

func (c *Controller) prime(ctx context.Context) {
	raw, err := c.encoder.ReadRaw(ctx)
	c.mu.Lock()
	if c.health.Prime(raw, err) == ClosedLoop {
		c.encoderSteps = c.tracker.Observe(raw)
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snapshot)
}

// Close stops the background tasks.
func (c *Controller) Close(ctx context.Context) error {
	if c.workers != nil {
		c.workers.Stop()
	}
	return nil
}

func (c *Controller) controlLoop(ctx context.Context) {
	interval := c.tickInterval.Load()
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.Tick(ctx); err != nil && c.tickErrors.Allow() {
			c.logger.Errorw("control tick failed", "error", err)
		}
		if next := c.tickInterval.Load(); next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

func (c *Controller) statusLoop(ctx context.Context) {
	c.mu.Lock()
	interval := c.cfg.StatusInterval()
	c.mu.Unlock()
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	var last Status
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current := c.Status()
		if current.Changed(last) {
			c.broadcast(current)
			last = current
		}
	}
}

// Tick runs one control period: read the encoder, track position, check encoder health, poll
// the limit switches, then advance the emergency stop, the soft-limit guardian and the
// corrector. Faults are logged and degrade behavior; the returned error only reports
// collaborator failures.
func (c *Controller) Tick(ctx context.Context) error {
	raw, readErr := c.encoder.ReadRaw(ctx)

	c.mu.Lock()
	if cfg := c.pending.Swap(nil); cfg != nil {
		c.configure(*cfg)
		c.logger.Infow("motor configuration applied",
			"max_speed", cfg.MaxSpeed, "acceleration", cfg.Acceleration,
			"min_limit", cfg.MinLimit(), "max_limit", cfg.MaxLimit(),
			"freewheel_after_move", cfg.FreewheelAfterMove)
	}

	moving := c.executor.IsMoving()
	if readErr == nil && !encoder.IsSentinel(raw) {
		c.encoderSteps = c.tracker.Observe(raw)
	}
	mode := c.health.Update(raw, readErr, moving)
	enabled := c.enable.IsEnabled()

	var err error
	for _, s := range c.switches {
		ev, ok := s.Poll(ctx, c.executor.CurrentPosition)
		if !ok {
			continue
		}
		err = multierr.Append(err, c.estop.TriggerWithRecovery(ctx, "limit switch "+ev.Name, ev.Position))
	}

	target, recovering, estopErr := c.estop.Tick(ctx)
	err = multierr.Append(err, estopErr)
	if recovering {
		c.corrector.Latch(target)
	}

	closed := mode == ClosedLoop
	idle := !c.estop.Active()
	engaged, guardErr := c.guardian.Tick(ctx, c.encoderSteps, enabled, closed && idle)
	err = multierr.Append(err, guardErr)
	if engaged {
		c.corrector.Latch(c.guardian.Target())
	}
	// the guardian may have powered or released the motor
	enabled = c.enable.IsEnabled()

	c.corrector.SyncOnEnable(enabled, closed, c.encoderSteps)
	if closed && enabled && idle && !c.guardian.Active() {
		_, corrErr := c.corrector.Correct(ctx, c.encoderSteps)
		err = multierr.Append(err, corrErr)
	}

	err = multierr.Append(err, c.releaseIfSettledLocked(ctx, mode))
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.status.Store(&snapshot)
	return err
}

// releaseIfSettledLocked freewheels the motor once a move has completed, when configured to.
func (c *Controller) releaseIfSettledLocked(ctx context.Context, mode ControlMode) error {
	if !c.cfg.FreewheelAfterMove || !c.enable.IsEnabled() || c.executor.IsMoving() ||
		c.guardian.Active() || c.estop.Active() {
		return nil
	}
	if mode == ClosedLoop && utils.AbsInt64(c.corrector.Error(c.encoderSteps)) > c.cfg.Deadband() {
		return nil
	}
	if err := c.enable.SetEnabled(ctx, false); err != nil {
		return errors.Wrap(err, "failed to release motor")
	}
	c.logger.Debugw("move complete, motor freewheeling", "position", c.executor.CurrentPosition())
	return nil
}

// MoveTo commands an absolute move. A speed of zero means the configured maximum. It is refused
// while the emergency stop is active.
func (c *Controller) MoveTo(ctx context.Context, position int64, speed float64) error {
	c.mu.Lock()
	if speed <= 0 {
		speed = c.cfg.MaxSpeed
	}
	err := c.moveLocked(ctx, position, speed)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.logger.Infow("moving", "position", position, "speed", motor.ClampSpeed(speed))
	c.publish(snapshot)
	return nil
}

// JogStart moves toward the configured limit in direction at a fraction of the maximum speed.
func (c *Controller) JogStart(ctx context.Context, direction Direction) error {
	c.mu.Lock()
	target := c.cfg.MinLimit()
	if direction == Forward {
		target = c.cfg.MaxLimit()
	}
	speed := c.cfg.MaxSpeed * JogFraction
	err := c.moveLocked(ctx, target, speed)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.logger.Infow("jog started", "target", target, "speed", motor.ClampSpeed(speed))
	c.publish(snapshot)
	return nil
}

// must hold c.mu.
func (c *Controller) moveLocked(ctx context.Context, position int64, speed float64) error {
	if c.estop.Active() {
		return ErrEmergencyStopActive
	}
	// a freewheeling shaft may have been turned by hand
	if !c.enable.IsEnabled() && c.tracker.Primed() && c.health.Mode() == ClosedLoop {
		c.executor.SetCurrentPosition(c.encoderSteps)
	}
	if err := c.executor.MoveTo(ctx, position, speed); err != nil {
		return err
	}
	c.corrector.Latch(position)
	return nil
}

// JogStop decelerates to a halt without engaging the emergency stop.
func (c *Controller) JogStop(ctx context.Context) error {
	c.mu.Lock()
	err := c.executor.Stop(ctx)
	c.corrector.Latch(c.executor.TargetPosition())
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.logger.Infow("jog stopped")
	c.publish(snapshot)
	return nil
}

// Stop engages the emergency stop from any state, cancelling any move or recovery.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	err := c.estop.Trigger(ctx, "stop command")
	c.corrector.Latch(c.executor.TargetPosition())
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snapshot)
	return err
}

// Reset clears the emergency stop. Latched limit switches are left alone; they re-arm once
// released, so the motor can be driven off a switch that is still pressed.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.estop.Reset()
	c.corrector.Latch(c.executor.TargetPosition())
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snapshot)
	return nil
}

// Status returns the last published snapshot.
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// Subscribe returns a channel receiving snapshots as they change, and a function to stop. A
// slow reader only ever misses intermediate snapshots; the newest one is always delivered.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	c.subMu.Lock()
	c.listeners[ch] = struct{}{}
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		delete(c.listeners, ch)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish(s Status) {
	c.status.Store(&s)
	c.broadcast(s)
}

func (c *Controller) broadcast(s Status) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.listeners {
		select {
		case ch <- s:
			continue
		default:
		}
		// replace the stale snapshot
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// must hold c.mu.
func (c *Controller) snapshotLocked() Status {
	position := c.executor.CurrentPosition()
	errSteps := position - c.encoderSteps
	s := Status{
		Position:             position,
		TargetPosition:       c.executor.TargetPosition(),
		IsMoving:             c.executor.IsMoving(),
		MotorEnabled:         c.enable.IsEnabled(),
		EncoderRaw:           c.tracker.Raw(),
		EncoderPosition:      c.encoderSteps,
		RotationCount:        c.tracker.RotationCount(),
		PositionErrorSteps:   errSteps,
		PositionErrorDegrees: utils.StepsToDegrees(utils.AbsInt64(errSteps), c.cfg.StepsPerRevolution),
		ControlMode:          c.health.Mode(),
		SoftLimitActive:      c.guardian.Active(),
		EmergencyStop:        c.estop.State(),
		UpdatedAt:            c.clock.Now(),
	}
	for i, sw := range c.switches {
		triggered := sw.Triggered()
		switch i {
		case 0:
			s.LimitSwitches.Min = triggered
		case 1:
			s.LimitSwitches.Max = triggered
		}
		s.LimitSwitches.Any = s.LimitSwitches.Any || triggered
	}
	return s
}
