package dsu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joyconbridge/joyconbridge/internal/log"
	"github.com/joyconbridge/joyconbridge/mapping"
	"github.com/joyconbridge/joyconbridge/sink"
)

const (
	DefaultAddr          = "127.0.0.1:26760"
	DefaultClientTimeout = 5 * time.Second
	ControllerSlot       = 0
)

// Config configures a Server.
type Config struct {
	Addr          string
	ClientTimeout time.Duration
	ServerID      uint32
	// MAC identifies slot 0 to clients registering by address.
	MAC [6]byte
}

type client struct {
	addr    net.Addr
	id      uint32
	all     time.Time
	slots   map[byte]time.Time
	macs    map[[6]byte]time.Time
	counter uint32
}

func (c *client) lastSeen() time.Time {
	last := c.all
	for _, t := range c.slots {
		if t.After(last) {
			last = t
		}
	}
	for _, t := range c.macs {
		if t.After(last) {
			last = t
		}
	}
	return last
}

func (c *client) wants(slot byte, mac [6]byte, deadline time.Time) bool {
	if c.all.After(deadline) {
		return true
	}
	if t, ok := c.slots[slot]; ok && t.After(deadline) {
		return true
	}
	t, ok := c.macs[mac]
	return ok && t.After(deadline)
}

// Server answers DSU requests and streams motion to subscribed clients.
type Server struct {
	cfg    Config
	logger *slog.Logger
	raw    log.RawLogger
	now    func() time.Time

	conn net.PacketConn

	mu         sync.Mutex
	clients    map[string]*client
	controller Controller

	mailbox chan mapping.Motion
}

func New(cfg Config, logger *slog.Logger, raw log.RawLogger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = DefaultClientTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if raw == nil {
		raw = log.NewRaw(nil)
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		raw:     raw,
		now:     time.Now,
		clients: map[string]*client{},
		controller: Controller{
			Slot:       ControllerSlot,
			State:      SlotDisconnected,
			Model:      ModelDS4,
			Connection: ConnectionBT,
			MAC:        cfg.MAC,
		},
		mailbox: make(chan mapping.Motion, 1),
	}
}

// Listen binds the UDP socket.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(ctx, "udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dsu listen %s: %w", s.cfg.Addr, err)
	}
	s.conn = conn
	s.logger.Info("DSU server listening", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve runs the receive and broadcast loops until ctx is done, then closes
// the socket.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error { return s.receive(ctx) })
	g.Go(func() error { return s.broadcastLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// SetConnected updates slot 0 metadata when the motion unit connects or
// disconnects.
func (s *Server) SetConnected(connected bool, battery uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connected {
		s.controller.State = SlotConnected
	} else {
		s.controller.State = SlotDisconnected
	}
	s.controller.Battery = BatteryFromMillivolts(battery)
}

// PublishMotion hands a snapshot to the broadcast loop. An unsent older
// snapshot is replaced.
func (s *Server) PublishMotion(m mapping.Motion) {
	for {
		select {
		case s.mailbox <- m:
			return
		default:
		}
		select {
		case <-s.mailbox:
		default:
		}
	}
}

// Clients returns the number of registered clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) receive(ctx context.Context) error {
	buf := make([]byte, maxPacketLen)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("DSU read failed", "error", err)
			continue
		}
		s.raw.Log(true, buf[:n])
		if err := s.handle(buf[:n], addr); err != nil {
			s.logger.Debug("DSU request dropped", "remote", addr.String(), "error", err)
		}
	}
}

func (s *Server) handle(pkt []byte, addr net.Addr) error {
	h, body, err := DecodePacket(magicClient, pkt)
	if err != nil {
		return err
	}
	switch h.Type {
	case MsgVersion:
		v := make([]byte, 2)
		ble.PutUint16(v, ProtocolVersion)
		s.send(addr, MsgVersion, v)
	case MsgPorts:
		slots, err := ParsePortsRequest(body)
		if err != nil {
			return err
		}
		for _, slot := range slots {
			s.send(addr, MsgPorts, EncodePortInfo(s.portInfo(slot)))
		}
	case MsgPadData:
		req, err := ParseDataRequest(body)
		if err != nil {
			return err
		}
		s.register(addr, h.SenderID, req)
	default:
		return fmt.Errorf("unknown message type 0x%x", h.Type)
	}
	return nil
}

func (s *Server) portInfo(slot byte) Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot == ControllerSlot {
		return s.controller
	}
	return Controller{Slot: slot}
}

func (s *Server) register(addr net.Addr, id uint32, req DataRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.String()
	c, ok := s.clients[key]
	if !ok {
		c = &client{addr: addr, id: id, slots: map[byte]time.Time{}, macs: map[[6]byte]time.Time{}}
		s.clients[key] = c
		s.logger.Info("DSU client registered", "remote", key, "client_id", id)
	}
	now := s.now()
	// Slot and MAC are independent bits; both may be set.
	if req.Flags == RegisterAll {
		c.all = now
	}
	if req.Flags&RegisterSlot != 0 {
		c.slots[req.Slot] = now
	}
	if req.Flags&RegisterMAC != 0 {
		c.macs[req.MAC] = now
	}
}

func (s *Server) broadcastLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.mailbox:
			s.broadcast(m)
		}
	}
}

// evict drops clients silent for longer than the timeout. Callers hold mu.
func (s *Server) evict(now time.Time) {
	deadline := now.Add(-s.cfg.ClientTimeout)
	for key, c := range s.clients {
		if !c.lastSeen().After(deadline) {
			delete(s.clients, key)
			s.logger.Info("DSU client timed out", "remote", key)
		}
	}
}

type outgoing struct {
	addr net.Addr
	pkt  []byte
}

func (s *Server) broadcast(m mapping.Motion) {
	s.mu.Lock()
	now := s.now()
	s.evict(now)
	s.controller.State = SlotConnected
	s.controller.Battery = BatteryFromMillivolts(m.Battery)
	base := padData(s.controller, m)
	deadline := now.Add(-s.cfg.ClientTimeout)

	var out []outgoing
	for _, c := range s.clients {
		if !c.wants(ControllerSlot, s.controller.MAC, deadline) {
			continue
		}
		c.counter++
		pd := base
		pd.Counter = c.counter
		out = append(out, outgoing{addr: c.addr, pkt: EncodePacket(magicServer, s.cfg.ServerID, MsgPadData, pd.Encode())})
	}
	s.mu.Unlock()

	for _, o := range out {
		s.write(o.addr, o.pkt)
	}
}

func (s *Server) send(addr net.Addr, msgType uint32, body []byte) {
	s.write(addr, EncodePacket(magicServer, s.cfg.ServerID, msgType, body))
}

func (s *Server) write(addr net.Addr, pkt []byte) {
	s.raw.Log(false, pkt)
	if _, err := s.conn.WriteTo(pkt, addr); err != nil {
		s.logger.Warn("DSU send failed", "remote", addr.String(), "error", err)
	}
}

func padData(c Controller, m mapping.Motion) PadData {
	g := m.Gamepad
	pd := PadData{
		Controller: c,
		Connected:  true,
		LX:         AxisByte(g.LeftStick.X),
		LY:         AxisByte(g.LeftStick.Y),
		RX:         AxisByte(g.RightStick.X),
		RY:         AxisByte(g.RightStick.Y),
	}
	b1 := []struct {
		vb     sink.VirtualButton
		bit    byte
		analog int
	}{
		{sink.DPadLeft, Btn1Left, AnalogDPadLeft},
		{sink.DPadDown, Btn1Down, AnalogDPadDown},
		{sink.DPadRight, Btn1Right, AnalogDPadRight},
		{sink.DPadUp, Btn1Up, AnalogDPadUp},
		{sink.Start, Btn1Options, -1},
		{sink.RightThumb, Btn1R3, -1},
		{sink.LeftThumb, Btn1L3, -1},
		{sink.Back, Btn1Share, -1},
	}
	for _, e := range b1 {
		if g.Buttons.Has(e.vb) {
			pd.Buttons1 |= e.bit
			if e.analog >= 0 {
				pd.Analog[e.analog] = 0xFF
			}
		}
	}
	b2 := []struct {
		vb     sink.VirtualButton
		bit    byte
		analog int
	}{
		{sink.X, Btn2Square, AnalogSquare},
		{sink.A, Btn2Cross, AnalogCross},
		{sink.B, Btn2Circle, AnalogCircle},
		{sink.Y, Btn2Triangle, AnalogTriangle},
		{sink.RightShoulder, Btn2R1, AnalogR1},
		{sink.LeftShoulder, Btn2L1, AnalogL1},
	}
	for _, e := range b2 {
		if g.Buttons.Has(e.vb) {
			pd.Buttons2 |= e.bit
			pd.Analog[e.analog] = 0xFF
		}
	}
	if g.RightTrigger > 0 {
		pd.Buttons2 |= Btn2R2
	}
	if g.LeftTrigger > 0 {
		pd.Buttons2 |= Btn2L2
	}
	pd.Analog[AnalogR2] = g.RightTrigger
	pd.Analog[AnalogL2] = g.LeftTrigger
	if g.Buttons.Has(sink.Guide) {
		pd.Home = 1
	}

	if n := len(m.Samples); n > 0 {
		smp := m.Samples[n-1]
		pd.Timestamp = smp.Timestamp
		pd.Accel = Vec3{X: float32(smp.Accel.X), Y: float32(smp.Accel.Y), Z: float32(smp.Accel.Z)}
		pd.Gyro = Vec3{X: float32(smp.Gyro.X), Y: float32(smp.Gyro.Y), Z: float32(smp.Gyro.Z)}
	}
	return pd
}
