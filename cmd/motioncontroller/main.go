// Package main runs the closed-loop motor controller, either against real hardware or a
// simulated motor, and queries a running controller.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"periph.io/x/host/v3"

	"github.com/lilygo-motion/motioncontroller/components/board/periph"
	"github.com/lilygo-motion/motioncontroller/components/button"
	"github.com/lilygo-motion/motioncontroller/components/encoder"
	fakeencoder "github.com/lilygo-motion/motioncontroller/components/encoder/fake"
	"github.com/lilygo-motion/motioncontroller/components/encoder/mt6816"
	"github.com/lilygo-motion/motioncontroller/components/limitswitch"
	"github.com/lilygo-motion/motioncontroller/components/motor"
	fakemotor "github.com/lilygo-motion/motioncontroller/components/motor/fake"
	"github.com/lilygo-motion/motioncontroller/components/motor/stepper"
	"github.com/lilygo-motion/motioncontroller/config"
	"github.com/lilygo-motion/motioncontroller/control"
	"github.com/lilygo-motion/motioncontroller/logging"
	"github.com/lilygo-motion/motioncontroller/web"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
	flagListen = "listen"
	flagURL    = "url"

	// simStepPeriod is how often the simulated motor advances its profile.
	simStepPeriod = time.Millisecond
	// simMountOffset is the raw angle the simulated encoder reports at position zero.
	simMountOffset = 1234
)

var logger = logging.NewLogger("motioncontroller")

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	serveFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Value:   "motioncontroller.json",
			Usage:   "load configuration from `FILE`, creating it with defaults if missing",
		},
		&cli.StringFlag{
			Name:  flagListen,
			Usage: "override the web listen address",
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	}
	return &cli.App{
		Name:            "motioncontroller",
		Usage:           "closed-loop stepper motor controller",
		HideHelpCommand: true,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "drive the motor wired to this board",
				Flags:  serveFlags,
				Action: runHardware,
			},
			{
				Name:   "sim",
				Usage:  "drive a simulated motor and encoder",
				Flags:  serveFlags,
				Action: runSimulation,
			},
			{
				Name:  "status",
				Usage: "print the status of a running controller",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagURL,
						Value: "http://localhost:8080",
						Usage: "base `URL` of the controller",
					},
				},
				Action: printStatus,
			},
		},
	}
}

// hardware is what a controller drives.
type hardware struct {
	executor motor.Executor
	enable   motor.EnablePin
	encoder  encoder.Encoder
	switches []*limitswitch.Switch
	// watch runs until ctx is done, feeding limit switch edges.
	watch func(ctx context.Context) error
	// buttons opens the board buttons, if any are wired.
	buttons func(actions button.Actions) (*button.Panel, error)
	close   func(ctx context.Context) error
}

func openStore(c *cli.Context) (*config.Store, error) {
	if c.Bool(flagDebug) {
		logging.GlobalLogLevel.SetLevel(zap.DebugLevel)
	}
	store, err := config.Open(c.String(flagConfig), logger.Sublogger("config"))
	if err != nil {
		return nil, err
	}
	if err := logging.UpdateConfig(store.Config().Log, logger); err != nil {
		logger.Warnw("invalid log configuration", "error", err)
	}
	store.Subscribe(func(cfg *config.Config) {
		if err := logging.UpdateConfig(cfg.Log, logger); err != nil {
			logger.Warnw("invalid log configuration", "error", err)
		}
	})
	return store, nil
}

func runHardware(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	cfg := store.Config()
	if err := cfg.ValidateHardware("config"); err != nil {
		return err
	}
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "failed to load host drivers")
	}

	b := periph.NewBoard(logger.Sublogger("board"))
	dev, err := stepper.New(b, cfg.Hardware.Stepper,
		motor.ClampSpeed(cfg.Motor.MaxSpeed), motor.ClampAcceleration(cfg.Motor.Acceleration),
		logger.Sublogger("stepper"))
	if err != nil {
		return multierr.Combine(err, b.Close(c.Context))
	}
	enc, err := mt6816.Open(cfg.Hardware.Encoder, logger.Sublogger("encoder"))
	if err != nil {
		return multierr.Combine(err, dev.Close(c.Context), b.Close(c.Context))
	}

	hw := &hardware{
		executor: dev,
		enable:   dev.EnablePin(),
		encoder:  enc,
		close: func(ctx context.Context) error {
			return multierr.Combine(dev.Close(ctx), enc.Close(), b.Close(ctx))
		},
	}
	var watchers []func(ctx context.Context) error
	for i, sc := range cfg.Hardware.LimitSwitches {
		di, err := b.DigitalInterruptByName(sc.Pin)
		if err != nil {
			return multierr.Combine(err, hw.close(c.Context))
		}
		name := lo.Ternary(i == 0, "min", "max")
		sw := limitswitch.New(i+1, name, di, sc.ActiveHigh, logger.Sublogger("limit"),
			limitswitch.WithRecorder(store))
		hw.switches = append(hw.switches, sw)
		watchers = append(watchers, func(ctx context.Context) error { return sw.Watch(ctx, di) })
	}
	hw.watch = func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		for _, w := range watchers {
			w := w
			g.Go(func() error { return w(ctx) })
		}
		return g.Wait()
	}
	if cfg.Hardware.Buttons != nil {
		panelCfg := *cfg.Hardware.Buttons
		hw.buttons = func(actions button.Actions) (*button.Panel, error) {
			return button.NewPanel(b, panelCfg, actions, logger.Sublogger("buttons"))
		}
	}
	return serve(c, store, hw)
}

func runSimulation(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	motorCfg := store.Motor()
	exec := fakemotor.NewExecutor(motor.ClampSpeed(motorCfg.MaxSpeed), motor.ClampAcceleration(motorCfg.Acceleration))
	exec.Start(clock.New(), simStepPeriod)
	logger.Infow("running simulated motor", "steps_per_revolution", motorCfg.StepsPerRevolution)
	return serve(c, store, &hardware{
		executor: exec,
		enable:   exec.Enable,
		encoder:  fakeencoder.NewEncoder(exec.Shaft, motorCfg.StepsPerRevolution, simMountOffset),
		watch: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		close: exec.Close,
	})
}

func serve(c *cli.Context, store *config.Store, hw *hardware) (err error) {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Start(); err != nil {
		return multierr.Combine(err, hw.close(ctx))
	}
	ctrl := control.New(hw.executor, hw.enable, hw.encoder, store, logger.Sublogger("control"),
		control.WithLimitSwitches(hw.switches...))
	ctrl.Start(ctx)
	server := web.NewServer(ctrl, store, logger.Sublogger("web"))
	server.Start()
	defer func() {
		// a stopped controller must not leave the motor running
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Combine(err,
			server.Close(),
			ctrl.Stop(closeCtx),
			ctrl.Close(closeCtx),
			hw.close(closeCtx),
			store.Close(),
		)
	}()

	var panel *button.Panel
	if hw.buttons != nil {
		if panel, err = hw.buttons(buttonActions(ctrl)); err != nil {
			return err
		}
	}

	listen := store.Config().Web.Listen
	if c.IsSet(flagListen) {
		listen = c.String(flagListen)
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", listen)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, listener) })
	g.Go(func() error { return hw.watch(gctx) })
	if panel != nil {
		g.Go(func() error { return panel.Run(gctx) })
	}
	return g.Wait()
}

// buttonActions binds the board buttons to ctrl. Jogging is silently refused while the emergency
// stop is active.
func buttonActions(ctrl *control.Controller) button.Actions {
	jog := func(direction control.Direction) func(context.Context) error {
		return func(ctx context.Context) error {
			if err := ctrl.JogStart(ctx, direction); err != nil && !errors.Is(err, control.ErrEmergencyStopActive) {
				return err
			}
			return nil
		}
	}
	return button.Actions{
		JogBackward: jog(control.Backward),
		JogForward:  jog(control.Forward),
		JogStop:     ctrl.JogStop,
		Stop:        ctrl.Stop,
	}
}

func printStatus(c *cli.Context) error {
	url := strings.TrimSuffix(c.String(flagURL), "/") + "/api/status"
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to reach %s", url)
	}
	defer func() {
		//nolint:errcheck
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s returned %s", url, resp.Status)
	}
	var st control.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errors.Wrap(err, "invalid status response")
	}

	fmt.Fprintln(c.App.Writer, st.String())
	switch {
	case st.EmergencyStop != control.EStopInactive:
		fmt.Fprintln(c.App.Writer, color.RedString("emergency stop %s", st.EmergencyStop))
	case st.ControlMode == control.OpenLoop:
		fmt.Fprintln(c.App.Writer, color.YellowString("running open loop, encoder feedback ignored"))
	case st.SoftLimitActive:
		fmt.Fprintln(c.App.Writer, color.YellowString("returning inside the soft limits"))
	default:
		fmt.Fprintln(c.App.Writer, color.GreenString("ok"))
	}
	return nil
}
