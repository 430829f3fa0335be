// Package viiper implements sink.Sink on top of a VIIPER server: the
// gamepad is an emulated xbox360 device and the pointer an emulated mouse,
// both fed through device streams.
package viiper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/joyconbridge/joyconbridge/apiclient"
	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/sink"
)

const (
	DefaultAddr         = "localhost:3242"
	DefaultWriteTimeout = 500 * time.Millisecond
	// DefaultScrollScale is wheel notches per report at full stick deflection.
	DefaultScrollScale = 0.25
)

type Config struct {
	Addr     string
	Password string
	// BusID selects the bus to attach to. 0 creates a new one.
	BusID        uint32
	Mouse        bool
	ScrollScale  float64
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ScrollScale <= 0 {
		c.ScrollScale = DefaultScrollScale
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Sink is safe for concurrent use.
type Sink struct {
	cfg    Config
	client *apiclient.Client
	logger *slog.Logger

	busID      uint32
	createdBus bool
	devices    []string

	padMu     sync.Mutex
	pad       *apiclient.DeviceStream
	pending   PadState
	committed PadState
	sent      bool

	mouseMu  sync.Mutex
	mouse    *apiclient.DeviceStream
	mButtons uint8
	wheel    float64
	pan      float64
}

var _ sink.Sink = (*Sink)(nil)

// Open attaches to the server, resolves the bus and plugs in the devices.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		cfg:    cfg,
		client: apiclient.NewWithPassword(cfg.Addr, cfg.Password),
		logger: logger.With("component", "viiper"),
	}

	ping, err := s.client.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("viiper ping %s: %w", cfg.Addr, err)
	}
	s.logger.Info("Connected to VIIPER", "addr", cfg.Addr, "server", ping.Server, "version", ping.Version)

	if err := s.resolveBus(ctx); err != nil {
		return nil, err
	}

	stream, dev, err := s.client.AddDeviceAndConnect(ctx, s.busID, "xbox360", nil)
	if dev != nil {
		s.devices = append(s.devices, dev.DevId)
	}
	if err != nil {
		s.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("add xbox360 device: %w", err)
	}
	s.pad = stream
	s.logger.Info("Virtual gamepad attached", "bus", s.busID, "dev", dev.DevId)
	go s.drainRumble(stream)

	if cfg.Mouse {
		stream, dev, err := s.client.AddDeviceAndConnect(ctx, s.busID, "mouse", nil)
		if dev != nil {
			s.devices = append(s.devices, dev.DevId)
		}
		if err != nil {
			s.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("add mouse device: %w", err)
		}
		s.mouse = stream
		s.logger.Info("Virtual mouse attached", "bus", s.busID, "dev", dev.DevId)
	}
	return s, nil
}

func (s *Sink) resolveBus(ctx context.Context) error {
	if s.cfg.BusID != 0 {
		list, err := s.client.BusList(ctx)
		if err != nil {
			return fmt.Errorf("list buses: %w", err)
		}
		if slices.Contains(list.Buses, s.cfg.BusID) {
			s.busID = s.cfg.BusID
			return nil
		}
	}
	created, err := s.client.BusCreate(ctx, s.cfg.BusID)
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}
	s.busID = created.BusID
	s.createdBus = true
	s.logger.Debug("Created bus", "bus", s.busID)
	return nil
}

// BusID is the bus the devices live on.
func (s *Sink) BusID() uint32 { return s.busID }

func (s *Sink) drainRumble(stream io.Reader) {
	buf := make([]byte, 2)
	for {
		if _, err := io.ReadFull(stream, buf); err != nil {
			return
		}
		var r Rumble
		_ = r.UnmarshalBinary(buf)
		s.logger.Debug("Rumble request", "left", r.LeftMotor, "right", r.RightMotor)
	}
}

func (s *Sink) SetButton(b sink.VirtualButton, pressed bool) {
	s.padMu.Lock()
	defer s.padMu.Unlock()
	switch b {
	case sink.LeftTrigger:
		s.pending.LT = triggerLevel(pressed)
		return
	case sink.RightTrigger:
		s.pending.RT = triggerLevel(pressed)
		return
	}
	m, ok := buttonMasks[b]
	if !ok {
		return
	}
	if pressed {
		s.pending.Buttons |= m
	} else {
		s.pending.Buttons &^= m
	}
}

func triggerLevel(pressed bool) uint8 {
	if pressed {
		return math.MaxUint8
	}
	return 0
}

func (s *Sink) SetTrigger(side joycon.Side, level uint8) {
	s.padMu.Lock()
	defer s.padMu.Unlock()
	if side == joycon.Left {
		s.pending.LT = level
	} else {
		s.pending.RT = level
	}
}

func (s *Sink) SetStick(side joycon.Side, x, y int16) {
	s.padMu.Lock()
	defer s.padMu.Unlock()
	if side == joycon.Left {
		s.pending.LX, s.pending.LY = x, y
	} else {
		s.pending.RX, s.pending.RY = x, y
	}
}

// Commit writes the pending frame. Unchanged frames are not resent.
func (s *Sink) Commit() error {
	s.padMu.Lock()
	defer s.padMu.Unlock()
	if s.pad == nil {
		return apiclient.ErrStreamClosed
	}
	if s.sent && s.pending == s.committed {
		return nil
	}
	if err := s.write(s.pad, s.pending); err != nil {
		return fmt.Errorf("write gamepad state: %w", err)
	}
	s.committed = s.pending
	s.sent = true
	return nil
}

func (s *Sink) write(stream *apiclient.DeviceStream, v interface{ MarshalBinary() ([]byte, error) }) error {
	_ = stream.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return stream.WriteBinary(v)
}

// MoveCursor splits large moves into int16 sized frames.
func (s *Sink) MoveCursor(dx, dy int) error {
	s.mouseMu.Lock()
	defer s.mouseMu.Unlock()
	if s.mouse == nil {
		return nil
	}
	for dx != 0 || dy != 0 {
		sx, sy := clamp16(dx), clamp16(dy)
		if err := s.write(s.mouse, MouseState{Buttons: s.mButtons, DX: sx, DY: sy}); err != nil {
			return fmt.Errorf("write mouse move: %w", err)
		}
		dx -= int(sx)
		dy -= int(sy)
	}
	return nil
}

func clamp16(v int) int16 {
	return int16(max(math.MinInt16, min(math.MaxInt16, v)))
}

func (s *Sink) ClickButton(b sink.MouseButton, pressed bool) error {
	var bit uint8
	switch b {
	case sink.MouseLeft:
		bit = mouseLeft
	case sink.MouseRight:
		bit = mouseRight
	case sink.MouseMiddle:
		bit = mouseMiddle
	default:
		return fmt.Errorf("unsupported mouse button %v", b)
	}

	s.mouseMu.Lock()
	defer s.mouseMu.Unlock()
	if s.mouse == nil {
		return nil
	}
	if pressed {
		s.mButtons |= bit
	} else {
		s.mButtons &^= bit
	}
	if err := s.write(s.mouse, MouseState{Buttons: s.mButtons}); err != nil {
		return fmt.Errorf("write mouse button: %w", err)
	}
	return nil
}

// Scroll accumulates fractional notches and emits whole ones. A positive dy
// scrolls up.
func (s *Sink) Scroll(dx, dy float64) error {
	s.mouseMu.Lock()
	defer s.mouseMu.Unlock()
	if s.mouse == nil {
		return nil
	}
	s.pan += dx * s.cfg.ScrollScale
	s.wheel += dy * s.cfg.ScrollScale
	pan, wheel := math.Trunc(s.pan), math.Trunc(s.wheel)
	if pan == 0 && wheel == 0 {
		return nil
	}
	s.pan -= pan
	s.wheel -= wheel
	if err := s.write(s.mouse, MouseState{Buttons: s.mButtons, Wheel: int16(wheel), Pan: int16(pan)}); err != nil {
		return fmt.Errorf("write mouse scroll: %w", err)
	}
	return nil
}

// Close releases the streams and removes what Open added. The bus is only
// removed when Open created it.
func (s *Sink) Close(ctx context.Context) error {
	var errs []error

	s.padMu.Lock()
	if s.pad != nil {
		_ = s.write(s.pad, PadState{})
		errs = append(errs, s.pad.Close())
		s.pad = nil
	}
	s.padMu.Unlock()

	s.mouseMu.Lock()
	if s.mouse != nil {
		errs = append(errs, s.mouse.Close())
		s.mouse = nil
	}
	s.mouseMu.Unlock()

	if s.createdBus {
		if _, err := s.client.BusRemove(ctx, s.busID); err != nil {
			errs = append(errs, fmt.Errorf("remove bus %d: %w", s.busID, err))
		}
	} else {
		for _, dev := range s.devices {
			if _, err := s.client.DeviceRemove(ctx, s.busID, dev); err != nil {
				errs = append(errs, fmt.Errorf("remove device %d-%s: %w", s.busID, dev, err))
			}
		}
	}
	s.devices = nil
	return errors.Join(errs...)
}
