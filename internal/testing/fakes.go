package testing

import (
	"context"
	"sync"

	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/sink"
	"github.com/joyconbridge/joyconbridge/transport"
)

// Click is a recorded mouse button event.
type Click struct {
	Button  sink.MouseButton
	Pressed bool
}

// Scroll is a recorded scroll event.
type Scroll struct{ DX, DY float64 }

// RecordingSink is a sink.Sink that keeps everything it is given.
type RecordingSink struct {
	mu      sync.Mutex
	frame   sink.Gamepad
	Commits []sink.Gamepad
	Moves   [][2]int
	Clicks  []Click
	Scrolls []Scroll
	Err     error
}

func (r *RecordingSink) SetButton(b sink.VirtualButton, pressed bool) {
	r.mu.Lock()
	r.frame.Buttons.Set(b, pressed)
	r.mu.Unlock()
}

func (r *RecordingSink) SetTrigger(side joycon.Side, level uint8) {
	r.mu.Lock()
	if side == joycon.Left {
		r.frame.LeftTrigger = level
	} else {
		r.frame.RightTrigger = level
	}
	r.mu.Unlock()
}

func (r *RecordingSink) SetStick(side joycon.Side, x, y int16) {
	r.mu.Lock()
	if side == joycon.Left {
		r.frame.LeftStick = sink.Axis{X: x, Y: y}
	} else {
		r.frame.RightStick = sink.Axis{X: x, Y: y}
	}
	r.mu.Unlock()
}

func (r *RecordingSink) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commits = append(r.Commits, r.frame)
	return r.Err
}

func (r *RecordingSink) MoveCursor(dx, dy int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Moves = append(r.Moves, [2]int{dx, dy})
	return r.Err
}

func (r *RecordingSink) ClickButton(b sink.MouseButton, pressed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Clicks = append(r.Clicks, Click{Button: b, Pressed: pressed})
	return r.Err
}

func (r *RecordingSink) Scroll(dx, dy float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Scrolls = append(r.Scrolls, Scroll{DX: dx, DY: dy})
	return r.Err
}

// LastCommit returns the latest committed frame.
func (r *RecordingSink) LastCommit() (sink.Gamepad, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Commits) == 0 {
		return sink.Gamepad{}, false
	}
	return r.Commits[len(r.Commits)-1], true
}

// CommitCount returns the number of committed frames.
func (r *RecordingSink) CommitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Commits)
}

// TotalMoved sums all cursor moves.
func (r *RecordingSink) TotalMoved() (x, y int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.Moves {
		x += m[0]
		y += m[1]
	}
	return x, y
}

// FakeChannel is an in-memory transport.Channel. Respond, when set, is called
// for every sent frame and its result is delivered to the command response
// subscriber.
type FakeChannel struct {
	Respond func(frame []byte) []byte
	SendErr error
	Addr    string

	mu      sync.Mutex
	sent    [][]byte
	subs    map[transport.Characteristic]func([]byte)
	done    chan struct{}
	closeMu sync.Once
}

func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		subs: map[transport.Characteristic]func([]byte){},
		done: make(chan struct{}),
		Addr: "98:B6:E9:00:00:01",
	}
}

// AckAll answers every command with an acknowledgement echoing its ids.
func AckAll(frame []byte) []byte {
	r := make([]byte, 8)
	r[0] = frame[0]
	r[1] = 0x01
	r[3] = frame[3]
	r[6] = frame[6]
	return r
}

func (f *FakeChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-f.done:
		return transport.ErrDisconnected
	default:
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), frame...))
	respond := f.Respond
	f.mu.Unlock()
	if respond != nil {
		if r := respond(frame); r != nil {
			go f.Notify(transport.CommandResponse, r)
		}
	}
	return nil
}

func (f *FakeChannel) Subscribe(c transport.Characteristic, fn func([]byte)) error {
	f.mu.Lock()
	f.subs[c] = fn
	f.mu.Unlock()
	return nil
}

func (f *FakeChannel) Unsubscribe(c transport.Characteristic) error {
	f.mu.Lock()
	delete(f.subs, c)
	f.mu.Unlock()
	return nil
}

// Subscribed reports whether a callback is registered for c.
func (f *FakeChannel) Subscribed(c transport.Characteristic) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[c]
	return ok
}

// Notify delivers data to the subscriber of c, if any.
func (f *FakeChannel) Notify(c transport.Characteristic, data []byte) {
	f.mu.Lock()
	fn := f.subs[c]
	f.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (f *FakeChannel) Disconnect() error {
	f.closeMu.Do(func() { close(f.done) })
	return nil
}

func (f *FakeChannel) Done() <-chan struct{} { return f.done }

func (f *FakeChannel) Address() string { return f.Addr }

// Sent returns copies of all sent frames.
func (f *FakeChannel) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// FakeConnector hands out prepared channels per side.
type FakeConnector struct {
	mu       sync.Mutex
	Channels map[joycon.Side][]*FakeChannel
	Err      error
	Calls    map[joycon.Side]int
}

func NewFakeConnector() *FakeConnector {
	return &FakeConnector{Channels: map[joycon.Side][]*FakeChannel{}, Calls: map[joycon.Side]int{}}
}

// Add queues a channel to be returned by the next Connect for side.
func (c *FakeConnector) Add(side joycon.Side, ch *FakeChannel) {
	c.mu.Lock()
	c.Channels[side] = append(c.Channels[side], ch)
	c.mu.Unlock()
}

func (c *FakeConnector) Connect(ctx context.Context, side joycon.Side) (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls[side]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}
	q := c.Channels[side]
	if len(q) == 0 {
		return nil, &transport.Error{Op: "connect", Side: side, Err: transport.ErrNotFound}
	}
	ch := q[0]
	c.Channels[side] = q[1:]
	return ch, nil
}

// ConnectCalls returns how often Connect was called for side.
func (c *FakeConnector) ConnectCalls(side joycon.Side) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[side]
}
