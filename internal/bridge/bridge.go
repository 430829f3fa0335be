// Package bridge runs the per unit pipelines: connect, initialize, then feed
// decoded reports through the mapping engine until the link goes away.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joyconbridge/joyconbridge/internal/log"
	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/joycon/protocol"
	"github.com/joyconbridge/joyconbridge/mapping"
	"github.com/joyconbridge/joyconbridge/sink"
	"github.com/joyconbridge/joyconbridge/transport"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

type Config struct {
	Sides          []joycon.Side
	Init           protocol.InitOptions
	Attempts       int
	Backoff        time.Duration
	CommandTimeout time.Duration
	// MotionSide is the unit whose connection state is reported to Motion.
	MotionSide joycon.Side
}

// MotionStatus is told when the motion unit comes and goes.
type MotionStatus interface {
	SetConnected(connected bool, battery uint16)
}

// Observer follows the bridge for debugging.
type Observer interface {
	Side(side joycon.Side, connected bool, addr string)
	Publish(g sink.Gamepad, owner string)
}

// Deps are the optional collaborators of a Bridge.
type Deps struct {
	Stepper  *mapping.Stepper
	Motion   MotionStatus
	Observer Observer
	Raw      log.RawLogger
	Logger   *slog.Logger
}

type Bridge struct {
	cfg       Config
	connector transport.Connector
	engine    *mapping.Engine
	deps      Deps
	logger    *slog.Logger
}

func New(cfg Config, connector transport.Connector, engine *mapping.Engine, deps Deps) *Bridge {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Raw == nil {
		deps.Raw = log.NewRaw(nil)
	}
	return &Bridge{cfg: cfg, connector: connector, engine: engine, deps: deps, logger: deps.Logger}
}

// Run serves every configured side until ctx is done or all sides are gone.
// Sides are connected one after another in configured order, since a scan
// binds the first unit found to the side being connected; each side starts
// serving as soon as it is ready. A failing side is logged and does not stop
// the others; the joined side errors are returned when nothing was left
// running.
func (b *Bridge) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stepperDone := make(chan struct{})
	if b.deps.Stepper != nil {
		go func() {
			defer close(stepperDone)
			_ = b.deps.Stepper.Run(ctx)
		}()
	} else {
		close(stepperDone)
	}

	var g errgroup.Group
	errs := make([]error, len(b.cfg.Sides))
	for i, side := range b.cfg.Sides {
		logger := b.logger.With("side", side)
		ch, err := b.connect(ctx, side, logger)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Giving up on controller", "error", err)
			}
			errs[i] = err
			continue
		}
		g.Go(func() error {
			err := b.serve(ctx, side, ch, logger)
			if err != nil && ctx.Err() == nil {
				logger.Warn("Controller lost", "error", err)
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	cancel()
	<-stepperDone

	if parent.Err() != nil {
		return nil
	}
	return errors.Join(errs...)
}

// connect runs connect plus initialize, retrying the whole sequence.
func (b *Bridge) connect(ctx context.Context, side joycon.Side, logger *slog.Logger) (transport.Channel, error) {
	var last error
	for attempt := 1; attempt <= b.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.cfg.Backoff):
			}
		}
		logger.Info("Connecting", "attempt", attempt, "of", b.cfg.Attempts)
		ch, err := b.connector.Connect(ctx, side)
		if err != nil {
			last = err
			logger.Warn("Connect failed", "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err := b.initialize(ctx, side, ch, logger); err != nil {
			_ = ch.Disconnect()
			last = err
			logger.Warn("Initialization failed", "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		logger.Info("Controller ready", "address", ch.Address())
		return ch, nil
	}
	return nil, fmt.Errorf("%s joy-con: %d attempts failed: %w", side, b.cfg.Attempts, last)
}

// rawWriter hex dumps outgoing command frames.
type rawWriter struct {
	ch  transport.Channel
	raw log.RawLogger
}

func (w rawWriter) Send(ctx context.Context, frame []byte) error {
	w.raw.Log(false, frame)
	return w.ch.Send(ctx, frame)
}

func (b *Bridge) initialize(ctx context.Context, side joycon.Side, ch transport.Channel, logger *slog.Logger) error {
	raw := b.deps.Raw.Named(side.String() + "/cmd")
	var opts []protocol.Option
	if b.cfg.CommandTimeout > 0 {
		opts = append(opts, protocol.WithTimeout(b.cfg.CommandTimeout))
	}
	engine := protocol.NewEngine(rawWriter{ch: ch, raw: raw}, logger, opts...)
	defer engine.Close()

	if err := ch.Subscribe(transport.CommandResponse, func(data []byte) {
		raw.Log(true, data)
		engine.OnResponse(data)
	}); err != nil {
		return &transport.Error{Op: "subscribe", Side: side, Err: err}
	}
	defer func() { _ = ch.Unsubscribe(transport.CommandResponse) }()

	return protocol.Initialize(ctx, engine, b.cfg.Init, logger)
}

// serve decodes reports until the link drops or ctx is done. The callback
// only parks the newest frame; a burst replaces the stale queued one.
func (b *Bridge) serve(ctx context.Context, side joycon.Side, ch transport.Channel, logger *slog.Logger) error {
	raw := b.deps.Raw.Named(side.String())
	queue := make(chan []byte, 1)
	if err := ch.Subscribe(transport.InputReport, func(data []byte) {
		raw.Log(true, data)
		offer(queue, append([]byte(nil), data...))
	}); err != nil {
		_ = ch.Disconnect()
		return &transport.Error{Op: "subscribe", Side: side, Err: err}
	}

	b.announce(side, ch, true, 0)
	defer func() {
		_ = ch.Unsubscribe(transport.InputReport)
		_ = ch.Disconnect()
		if _, err := b.engine.Forget(side); err != nil {
			logger.Warn("Failed to release controller state", "error", err)
		}
		b.announce(side, ch, false, 0)
	}()

	dec := joycon.NewDecoder(side)
	batteryReported := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch.Done():
			return &transport.Error{Op: "read", Side: side, Err: transport.ErrDisconnected}
		case frame := <-queue:
			if err := dec.Decode(frame); err != nil {
				var w *joycon.DecodeWarning
				if errors.As(err, &w) {
					logger.Debug("Dropped input report", "length", w.Length, "reason", w.Reason)
					continue
				}
				logger.Warn("Decode failed", "error", err)
				continue
			}
			st := dec.State()
			if !batteryReported && st.Battery != 0 {
				batteryReported = true
				b.announceBattery(side, st.Battery)
			}
			g, err := b.engine.Update(side, st)
			if err != nil {
				logger.Warn("Output failed", "error", err)
			}
			if b.deps.Observer != nil {
				owner := ""
				if s, ok := b.engine.MouseOwner(); ok {
					owner = s.String()
				}
				b.deps.Observer.Publish(g, owner)
			}
		}
	}
}

func (b *Bridge) announce(side joycon.Side, ch transport.Channel, connected bool, battery uint16) {
	if b.deps.Observer != nil {
		b.deps.Observer.Side(side, connected, ch.Address())
	}
	if b.deps.Motion != nil && side == b.cfg.MotionSide {
		b.deps.Motion.SetConnected(connected, battery)
	}
}

func (b *Bridge) announceBattery(side joycon.Side, battery uint16) {
	if b.deps.Motion != nil && side == b.cfg.MotionSide {
		b.deps.Motion.SetConnected(true, battery)
	}
}

// offer stores v, replacing an unconsumed older value.
func offer(q chan []byte, v []byte) {
	for {
		select {
		case q <- v:
			return
		default:
		}
		select {
		case <-q:
		default:
		}
	}
}
