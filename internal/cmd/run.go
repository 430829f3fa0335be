package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/joyconbridge/joyconbridge/dsu"
	"github.com/joyconbridge/joyconbridge/internal/bridge"
	"github.com/joyconbridge/joyconbridge/internal/config"
	"github.com/joyconbridge/joyconbridge/internal/configpaths"
	"github.com/joyconbridge/joyconbridge/internal/log"
	"github.com/joyconbridge/joyconbridge/internal/monitor"
	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/mapping"
	"github.com/joyconbridge/joyconbridge/sink/viiper"
	"github.com/joyconbridge/joyconbridge/transport"
	"github.com/joyconbridge/joyconbridge/transport/ble"
)

const shutdownTimeout = 2 * time.Second

type Run struct {
	Controller config.Controller `embed:"" prefix:"controller."`
	Viiper     config.Viiper     `embed:"" prefix:"viiper."`
	DSU        config.DSU        `embed:"" prefix:"dsu."`
	Connect    config.Connect    `embed:"" prefix:"connect."`
	Monitor    config.Monitor    `embed:"" prefix:"monitor."`
}

// Run is called by Kong when the run command is executed.
func (r *Run) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	connector := ble.NewConnector(nil, logger.With("component", "ble"))
	return r.Start(ctx, connector, logger, rawLogger)
}

// Start wires the pipeline and blocks until ctx is done or every controller
// is gone.
func (r *Run) Start(ctx context.Context, connector transport.Connector, logger *slog.Logger, rawLogger log.RawLogger) error {
	settings, warns := r.Controller.Resolve()
	for _, w := range warns {
		logger.Warn("Invalid setting", "warning", w.Error())
	}
	logger.Info("Starting bridge",
		"mode", settings.Mapping.Mode,
		"orientation", settings.Mapping.Orientation,
		"mouse", settings.Mapping.MouseMode,
		"deadzone", settings.Mapping.Deadzone)

	password, err := r.viiperPassword(logger)
	if err != nil {
		return err
	}
	out, err := viiper.Open(ctx, viiper.Config{
		Addr:        r.Viiper.Addr,
		Password:    password,
		BusID:       r.Viiper.BusID,
		Mouse:       settings.Mapping.MouseMode,
		ScrollScale: r.Viiper.ScrollScale,
	}, logger.With("component", "viiper"))
	if err != nil {
		return fmt.Errorf("open virtual devices: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := out.Close(cctx); err != nil {
			logger.Warn("Failed to clean up virtual devices", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var motionSink mapping.MotionSink
	deps := bridge.Deps{Raw: rawLogger, Logger: logger}
	if r.DSU.Enabled {
		srv := dsu.New(dsu.Config{
			Addr:          r.DSU.Addr,
			ClientTimeout: r.DSU.ClientTimeout,
			MAC:           settings.Init.MAC,
		}, logger.With("component", "dsu"), rawLogger.Named("dsu"))
		if err := srv.Listen(ctx); err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(gctx) })
		motionSink = srv
		deps.Motion = srv
	}

	if r.Monitor.Addr != "" {
		mon := monitor.New(logger, monitor.Config{})
		g.Go(func() error {
			mon.Run(gctx)
			return nil
		})
		g.Go(func() error { return mon.ListenAndServe(gctx, r.Monitor.Addr) })
		deps.Observer = mon
	}

	acc := &mapping.Accumulator{}
	engine := mapping.NewEngine(settings.Mapping, out, motionSink, acc, logger.With("component", "mapping"))
	if settings.Mapping.MouseMode {
		deps.Stepper = mapping.NewStepper(acc, out, logger.With("component", "pointer"))
	}

	if r.Connect.ScanTimeout > 0 {
		connector = scanLimit{Connector: connector, timeout: r.Connect.ScanTimeout}
	}
	br := bridge.New(bridge.Config{
		Sides:      settings.Mapping.Mode.Sides(),
		Init:       settings.Init,
		Attempts:   r.Connect.Attempts,
		Backoff:    r.Connect.Backoff,
		MotionSide: settings.Mapping.Mode.MotionSide(),
	}, connector, engine, deps)

	g.Go(func() error {
		defer cancel()
		return br.Run(gctx)
	})

	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info("Bridge stopped")
		return nil
	}
	return err
}

// scanLimit bounds each connect attempt.
type scanLimit struct {
	transport.Connector
	timeout time.Duration
}

func (s scanLimit) Connect(ctx context.Context, side joycon.Side) (transport.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Connector.Connect(ctx, side)
}

// viiperPassword resolves the API password: "-" prompts, an empty value
// falls back to the key file a local VIIPER server writes.
func (r *Run) viiperPassword(logger *slog.Logger) (string, error) {
	switch r.Viiper.Password {
	case "-":
		return promptPassword()
	case "":
		path, err := configpaths.ViiperKeyFile()
		if err != nil {
			return "", nil
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("No VIIPER key file, connecting without password", "path", path)
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read VIIPER key file: %w", err)
		}
		logger.Debug("Using VIIPER key file", "path", path)
		return strings.TrimSpace(string(data)), nil
	}
	return r.Viiper.Password, nil
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("cannot prompt for VIIPER password: stdin is not a terminal")
	}
	_, _ = fmt.Fprint(os.Stderr, "VIIPER password: ")
	pwd, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(pwd)), nil
}
