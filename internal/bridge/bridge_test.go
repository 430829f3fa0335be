package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	th "github.com/joyconbridge/joyconbridge/internal/testing"
	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/mapping"
	"github.com/joyconbridge/joyconbridge/sink"
	"github.com/joyconbridge/joyconbridge/transport"
)

type motionStatus struct {
	mu    sync.Mutex
	calls []bool
	batt  uint16
}

func (m *motionStatus) SetConnected(connected bool, battery uint16) {
	m.mu.Lock()
	m.calls = append(m.calls, connected)
	if battery != 0 {
		m.batt = battery
	}
	m.mu.Unlock()
}

func (m *motionStatus) snapshot() ([]bool, uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.calls...), m.batt
}

type observer struct {
	mu     sync.Mutex
	sides  []string
	frames int
}

func (o *observer) Side(side joycon.Side, connected bool, addr string) {
	o.mu.Lock()
	state := "down"
	if connected {
		state = "up"
	}
	o.sides = append(o.sides, side.String()+" "+state)
	o.mu.Unlock()
}

func (o *observer) Publish(sink.Gamepad, string) {
	o.mu.Lock()
	o.frames++
	o.mu.Unlock()
}

func (o *observer) events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.sides...)
}

// report builds a right unit frame with centered sticks and the given
// right button byte.
func report(rightButtons byte, battery uint16) []byte {
	f := make([]byte, 0x21)
	center := []byte{0x00, 0x08, 0x80}
	copy(f[0x0A:], center)
	copy(f[0x0D:], center)
	f[0x04] = rightButtons
	f[0x16] = 0x03
	f[0x1F] = byte(battery)
	f[0x20] = byte(battery >> 8)
	return f
}

type harness struct {
	conn   *th.FakeConnector
	out    *th.RecordingSink
	engine *mapping.Engine
	motion *motionStatus
	obs    *observer
}

func newHarness(cfg mapping.Config) *harness {
	out := &th.RecordingSink{}
	return &harness{
		conn:   th.NewFakeConnector(),
		out:    out,
		engine: mapping.NewEngine(cfg, out, nil, nil, nil),
		motion: &motionStatus{},
		obs:    &observer{},
	}
}

func (h *harness) bridge(sides ...joycon.Side) *Bridge {
	return New(Config{
		Sides:          sides,
		Attempts:       2,
		Backoff:        time.Millisecond,
		CommandTimeout: 200 * time.Millisecond,
		MotionSide:     joycon.Right,
	}, h.conn, h.engine, Deps{Motion: h.motion, Observer: h.obs})
}

func readyChannel() *th.FakeChannel {
	ch := th.NewFakeChannel()
	ch.Respond = th.AckAll
	return ch
}

func TestRunInitializesAndTranslates(t *testing.T) {
	cfg := mapping.DefaultConfig()
	cfg.Mode = mapping.SingleRight
	h := newHarness(cfg)
	ch := readyChannel()
	h.conn.Add(joycon.Right, ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge(joycon.Right).Run(ctx) }()

	require.Eventually(t, func() bool { return ch.Subscribed(transport.InputReport) }, time.Second, time.Millisecond)
	assert.False(t, ch.Subscribed(transport.CommandResponse), "init subscription is released")
	assert.NotEmpty(t, ch.Sent())

	ch.Notify(transport.InputReport, report(0x08, 3900))
	require.Eventually(t, func() bool {
		g, ok := h.out.LastCommit()
		return ok && g.Buttons.Has(sink.A)
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	g, _ := h.out.LastCommit()
	assert.Zero(t, g.Buttons, "buttons released on shutdown")
	calls, batt := h.motion.snapshot()
	assert.Equal(t, []bool{true, true, false}, calls)
	assert.Equal(t, uint16(3900), batt)
	assert.Equal(t, []string{"right up", "right down"}, h.obs.events())
}

func TestRetriesFailedInitialization(t *testing.T) {
	h := newHarness(mapping.DefaultConfig())
	broken := th.NewFakeChannel()
	broken.SendErr = errors.New("write failed")
	good := readyChannel()
	h.conn.Add(joycon.Left, broken)
	h.conn.Add(joycon.Left, good)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge(joycon.Left).Run(ctx) }()

	require.Eventually(t, func() bool { return good.Subscribed(transport.InputReport) }, time.Second, time.Millisecond)
	assert.Equal(t, 2, h.conn.ConnectCalls(joycon.Left))
	select {
	case <-broken.Done():
	default:
		t.Fatal("failed channel was not disconnected")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestGivesUpAfterAttempts(t *testing.T) {
	h := newHarness(mapping.DefaultConfig())
	err := h.bridge(joycon.Left).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNotFound)
	assert.Equal(t, 2, h.conn.ConnectCalls(joycon.Left))
}

func TestLostSideDoesNotStopOther(t *testing.T) {
	h := newHarness(mapping.DefaultConfig())
	left := readyChannel()
	right := readyChannel()
	h.conn.Add(joycon.Left, left)
	h.conn.Add(joycon.Right, right)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge(joycon.Left, joycon.Right).Run(ctx) }()

	require.Eventually(t, func() bool {
		return left.Subscribed(transport.InputReport) && right.Subscribed(transport.InputReport)
	}, time.Second, time.Millisecond)

	right.Notify(transport.InputReport, report(0x08, 0))
	require.Eventually(t, func() bool {
		g, ok := h.out.LastCommit()
		return ok && g.Buttons.Has(sink.A)
	}, time.Second, time.Millisecond)

	_ = right.Disconnect()
	require.Eventually(t, func() bool {
		g, _ := h.out.LastCommit()
		return !g.Buttons.Has(sink.A)
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		for _, e := range h.obs.events() {
			if e == "right down" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("bridge stopped early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, left.Subscribed(transport.InputReport))

	cancel()
	require.NoError(t, <-done)
}

// exclusiveConnector fails any Connect that overlaps another, the way an
// adapter refuses a second scan.
type exclusiveConnector struct {
	*th.FakeConnector
	busy  atomic.Int32
	mu    sync.Mutex
	order []joycon.Side
}

func (c *exclusiveConnector) Connect(ctx context.Context, side joycon.Side) (transport.Channel, error) {
	if c.busy.Add(1) > 1 {
		c.busy.Add(-1)
		return nil, errors.New("scan already in progress")
	}
	defer c.busy.Add(-1)
	c.mu.Lock()
	c.order = append(c.order, side)
	c.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return c.FakeConnector.Connect(ctx, side)
}

func (c *exclusiveConnector) connected() []joycon.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]joycon.Side(nil), c.order...)
}

func TestSidesConnectOneAtATime(t *testing.T) {
	h := newHarness(mapping.DefaultConfig())
	conn := &exclusiveConnector{FakeConnector: h.conn}
	left := readyChannel()
	right := readyChannel()
	conn.Add(joycon.Left, left)
	conn.Add(joycon.Right, right)

	b := New(Config{
		Sides:          []joycon.Side{joycon.Left, joycon.Right},
		Attempts:       1,
		CommandTimeout: 200 * time.Millisecond,
	}, conn, h.engine, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return left.Subscribed(transport.InputReport) && right.Subscribed(transport.InputReport)
	}, time.Second, time.Millisecond)
	assert.Equal(t, []joycon.Side{joycon.Left, joycon.Right}, conn.connected())

	cancel()
	require.NoError(t, <-done)
}

func TestFailedSideDoesNotBlockNext(t *testing.T) {
	h := newHarness(mapping.DefaultConfig())
	right := readyChannel()
	h.conn.Add(joycon.Right, right)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge(joycon.Left, joycon.Right).Run(ctx) }()

	require.Eventually(t, func() bool { return right.Subscribed(transport.InputReport) }, time.Second, time.Millisecond)
	assert.Equal(t, 2, h.conn.ConnectCalls(joycon.Left))

	cancel()
	require.NoError(t, <-done)
}

func TestShortReportsAreDropped(t *testing.T) {
	cfg := mapping.DefaultConfig()
	cfg.Mode = mapping.SingleRight
	h := newHarness(cfg)
	ch := readyChannel()
	h.conn.Add(joycon.Right, ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge(joycon.Right).Run(ctx) }()
	require.Eventually(t, func() bool { return ch.Subscribed(transport.InputReport) }, time.Second, time.Millisecond)

	ch.Notify(transport.InputReport, []byte{1, 2, 3})
	ch.Notify(transport.InputReport, report(0, 0))
	require.Eventually(t, func() bool { return h.out.CommitCount() > 0 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestOfferKeepsNewest(t *testing.T) {
	q := make(chan []byte, 1)
	offer(q, []byte{1})
	offer(q, []byte{2})
	assert.Equal(t, []byte{2}, <-q)
}
