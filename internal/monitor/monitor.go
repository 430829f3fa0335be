package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/sink"
)

// DefaultInterval caps how often state frames are sent.
const DefaultInterval = 50 * time.Millisecond

type Config struct {
	// Interval coalesces state updates, latest wins.
	Interval     time.Duration
	SendBuf      int
	BroadcastBuf int
}

// State is the JSON form of a virtual gamepad frame.
type State struct {
	Buttons      []string `json:"buttons"`
	LeftTrigger  uint8    `json:"left_trigger"`
	RightTrigger uint8    `json:"right_trigger"`
	LeftStick    [2]int16 `json:"left_stick"`
	RightStick   [2]int16 `json:"right_stick"`
	MouseOwner   string   `json:"mouse_owner,omitempty"`
}

// StateOf converts a frame. owner is empty when no unit drives the mouse.
func StateOf(g sink.Gamepad, owner string) State {
	st := State{
		Buttons:      []string{},
		LeftTrigger:  g.LeftTrigger,
		RightTrigger: g.RightTrigger,
		LeftStick:    [2]int16{g.LeftStick.X, g.LeftStick.Y},
		RightStick:   [2]int16{g.RightStick.X, g.RightStick.Y},
		MouseOwner:   owner,
	}
	for b := sink.DPadUp; b <= sink.RightTrigger; b++ {
		if g.Buttons.Has(b) {
			st.Buttons = append(st.Buttons, b.String())
		}
	}
	return st
}

// SideEvent reports a unit connecting or going away.
type SideEvent struct {
	Side      string `json:"side"`
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
}

type snapshot struct {
	State State                `json:"state"`
	Sides map[string]SideEvent `json:"sides"`
}

type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// Monitor owns the hub and the latest state. Publish and Side never block.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	hub    *Hub

	mu      sync.Mutex
	state   State
	pending bool
	sides   map[string]SideEvent
	notify  chan struct{}

	upgrader websocket.Upgrader
}

func New(logger *slog.Logger, cfg Config) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger = logger.With("component", "monitor")
	return &Monitor{
		cfg:    cfg,
		logger: logger,
		hub:    newHub(logger, cfg.SendBuf, cfg.BroadcastBuf),
		state:  StateOf(sink.Gamepad{}, ""),
		sides:  map[string]SideEvent{},
		notify: make(chan struct{}, 1),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (m *Monitor) Hub() *Hub { return m.hub }

// Publish records the latest frame.
func (m *Monitor) Publish(g sink.Gamepad, owner string) {
	m.mu.Lock()
	m.state = StateOf(g, owner)
	m.pending = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Side announces a connection change immediately.
func (m *Monitor) Side(side joycon.Side, connected bool, addr string) {
	ev := SideEvent{Side: side.String(), Connected: connected, Address: addr}
	m.mu.Lock()
	m.sides[ev.Side] = ev
	m.mu.Unlock()
	if msg, err := encode("side", ev); err == nil {
		m.hub.publish(msg)
	}
}

func encode(typ string, data any) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: typ, Ts: &now, Data: data})
}

// Run drives the hub and the state coalescer until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	go m.hub.run(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	armed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.notify:
			armed = true
		case <-ticker.C:
			if !armed {
				continue
			}
			armed = false
			m.mu.Lock()
			st, ok := m.state, m.pending
			m.pending = false
			m.mu.Unlock()
			if !ok {
				continue
			}
			msg, err := encode("state", st)
			if err != nil {
				m.logger.Warn("Failed to encode state", "error", err)
				continue
			}
			m.hub.publish(msg)
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Monitor upgrade failed", "error", err)
		return
	}
	c := &client{hub: m.hub, conn: conn, send: make(chan []byte, m.hub.sendBuf), remoteAddr: r.RemoteAddr}

	m.mu.Lock()
	snap := snapshot{State: m.state, Sides: make(map[string]SideEvent, len(m.sides))}
	for k, v := range m.sides {
		snap.Sides[k] = v
	}
	m.mu.Unlock()
	if msg, err := encode("state_init", snap); err == nil {
		c.send <- msg
	}

	// The pumps outlive the request; the hub owns the connection from here.
	select {
	case m.hub.register <- c:
	case <-m.hub.done:
		c.close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// ListenAndServe serves the feed at "/" and "/ws" until ctx is done.
func (m *Monitor) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.Serve(ctx, ln)
}

func (m *Monitor) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", m)
	mux.Handle("/", m)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Monitor listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
