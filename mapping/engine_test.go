package mapping

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	th "github.com/joyconbridge/joyconbridge/internal/testing"
	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/sink"
)

type motionRecorder struct {
	mu   sync.Mutex
	got  []Motion
	last Motion
}

func (m *motionRecorder) PublishMotion(mo Motion) {
	m.mu.Lock()
	m.got = append(m.got, mo)
	m.last = mo
	m.mu.Unlock()
}

func centered(side joycon.Side) *joycon.State {
	return joycon.NewState(side)
}

func press(st *joycon.State, bs ...joycon.Button) *joycon.State {
	for _, b := range bs {
		st.Buttons.Set(b, true)
	}
	return st
}

func near(st *joycon.State, x, y uint16) *joycon.State {
	st.Pointer = joycon.Pointer{X: x, Y: y, Proximity: joycon.ProximityNear}
	return st
}

func newTestEngine(cfg Config) (*Engine, *th.RecordingSink, *motionRecorder) {
	out := &th.RecordingSink{}
	mr := &motionRecorder{}
	return NewEngine(cfg, out, mr, nil, nil), out, mr
}

func TestButtonTranslation(t *testing.T) {
	e, out, _ := newTestEngine(DefaultConfig())

	g, err := e.Update(joycon.Left, press(centered(joycon.Left), joycon.ButtonZL, joycon.ButtonUp, joycon.ButtonMinus))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), g.LeftTrigger)
	assert.Equal(t, uint8(0), g.RightTrigger)
	assert.True(t, g.Buttons.Has(sink.DPadUp))
	assert.True(t, g.Buttons.Has(sink.Back))
	assert.False(t, g.Buttons.Has(sink.A))

	g, err = e.Update(joycon.Right, press(centered(joycon.Right), joycon.ButtonA, joycon.ButtonZR))
	require.NoError(t, err)
	assert.True(t, g.Buttons.Has(sink.A))
	assert.True(t, g.Buttons.Has(sink.DPadUp), "left state is kept between reports")
	assert.Equal(t, uint8(255), g.RightTrigger)

	last, ok := out.LastCommit()
	require.True(t, ok)
	assert.Equal(t, g, last)
	assert.Equal(t, 2, out.CommitCount())
}

func TestSharedTargetIsOred(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tables[joycon.Right] = Table{joycon.ButtonA: sink.A, joycon.ButtonB: sink.A}
	e, _, _ := newTestEngine(cfg)

	g, _ := e.Update(joycon.Right, press(centered(joycon.Right), joycon.ButtonB))
	assert.True(t, g.Buttons.Has(sink.A))
	g, _ = e.Update(joycon.Right, centered(joycon.Right))
	assert.False(t, g.Buttons.Has(sink.A))
}

func TestUnseenSideContributesNothing(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())
	st := centered(joycon.Right)
	st.Stick = joycon.Stick{X: 32767, Y: stickCenter}
	g, err := e.Update(joycon.Right, st)
	require.NoError(t, err)
	assert.Equal(t, sink.Axis{}, g.LeftStick)
	assert.Equal(t, int16(32767), g.RightStick.X)
	assert.Equal(t, uint8(0), g.LeftTrigger)
}

func TestMouseModeIsExclusive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MouseMode = true
	e, out, _ := newTestEngine(cfg)

	_, err := e.Update(joycon.Right, press(near(centered(joycon.Right), 100, 100), joycon.ButtonA))
	require.NoError(t, err)
	owner, ok := e.MouseOwner()
	require.True(t, ok)
	assert.Equal(t, joycon.Right, owner)

	g, _ := e.Update(joycon.Left, press(near(centered(joycon.Left), 0, 0), joycon.ButtonUp))
	owner, _ = e.MouseOwner()
	assert.Equal(t, joycon.Right, owner, "second qualifying side must not take over")
	assert.True(t, g.Buttons.Has(sink.DPadUp))
	assert.False(t, g.Buttons.Has(sink.A), "owner buttons are suppressed")

	far := press(centered(joycon.Right), joycon.ButtonA)
	far.Pointer.Proximity = joycon.ProximityFar
	g, _ = e.Update(joycon.Right, far)
	_, ok = e.MouseOwner()
	assert.False(t, ok)
	assert.True(t, g.Buttons.Has(sink.A))

	_, _ = e.Update(joycon.Left, press(near(centered(joycon.Left), 0, 0), joycon.ButtonUp))
	owner, ok = e.MouseOwner()
	assert.True(t, ok)
	assert.Equal(t, joycon.Left, owner)
	assert.NotEmpty(t, out.Commits)
}

func TestMouseModeOwnershipProperty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MouseMode = true
	e, _, _ := newTestEngine(cfg)
	r := rand.New(rand.NewSource(3))
	prox := []joycon.Proximity{joycon.ProximityNear, joycon.ProximityFar, joycon.ProximityNone}

	var owner joycon.Side
	var owned bool
	for i := 0; i < 500; i++ {
		side := joycon.Sides[r.Intn(2)]
		st := centered(side)
		st.Pointer.Proximity = prox[r.Intn(len(prox))]
		_, _ = e.Update(side, st)

		gotOwner, gotOwned := e.MouseOwner()
		switch {
		case owned && side == owner && st.Pointer.Proximity != joycon.ProximityNear:
			assert.False(t, gotOwned)
			owned = false
		case owned:
			assert.True(t, gotOwned)
			assert.Equal(t, owner, gotOwner)
		case st.Pointer.Proximity == joycon.ProximityNear:
			assert.True(t, gotOwned)
			assert.Equal(t, side, gotOwner)
			owner, owned = side, true
		default:
			assert.False(t, gotOwned)
		}
	}
}

func TestMouseModeDisabled(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())
	_, _ = e.Update(joycon.Right, near(centered(joycon.Right), 1, 1))
	_, ok := e.MouseOwner()
	assert.False(t, ok)
}

func TestMouseModePointerAndClicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MouseMode = true
	e, out, _ := newTestEngine(cfg)

	st := near(centered(joycon.Right), 65530, 10)
	st.Stick = joycon.Stick{X: 32767, Y: stickCenter}
	g, _ := e.Update(joycon.Right, st)
	assert.Equal(t, sink.Axis{}, g.RightStick, "owner stick is skipped")
	ox, oy := e.Accumulator().Outstanding()
	assert.Zero(t, ox, "first report only primes the pointer")
	assert.Zero(t, oy)

	st = near(centered(joycon.Right), 4, 5)
	st.Stick = joycon.Stick{X: stickCenter, Y: 2 * stickCenter}
	st.PointerButtons = joycon.PointerButtons{Left: true, ScrollY: 32766}
	_, _ = e.Update(joycon.Right, st)
	ox, oy = e.Accumulator().Outstanding()
	assert.Equal(t, 10, ox)
	assert.Equal(t, -5, oy)
	assert.Equal(t, []th.Click{{Button: sink.MouseLeft, Pressed: true}}, out.Clicks)
	require.Len(t, out.Scrolls, 1)
	assert.Zero(t, out.Scrolls[0].DX)
	assert.InDelta(t, 1.0, out.Scrolls[0].DY, 1e-3)

	st = near(centered(joycon.Right), 4, 5)
	st.PointerButtons = joycon.PointerButtons{Left: true}
	_, _ = e.Update(joycon.Right, st)
	assert.Len(t, out.Clicks, 1, "held button is not repeated")

	st = centered(joycon.Right)
	_, _ = e.Update(joycon.Right, st)
	assert.Equal(t, th.Click{Button: sink.MouseLeft, Pressed: false}, out.Clicks[len(out.Clicks)-1])
	ox, _ = e.Accumulator().Outstanding()
	assert.Zero(t, ox)
}

func TestMotionForwarding(t *testing.T) {
	e, _, mr := newTestEngine(DefaultConfig())

	st := centered(joycon.Right)
	st.IMU = append(st.IMU, joycon.IMUSample{Timestamp: 5, Accel: joycon.Vec3{Z: 1}})
	st.Battery = 3900
	_, _ = e.Update(joycon.Right, st)
	require.Len(t, mr.got, 1)
	assert.Equal(t, uint16(3900), mr.last.Battery)
	assert.Equal(t, uint64(5), mr.last.Samples[0].Timestamp)

	st.IMU[0].Timestamp = 99
	assert.Equal(t, uint64(5), mr.last.Samples[0].Timestamp, "samples are copied")

	left := centered(joycon.Left)
	left.IMU = append(left.IMU, joycon.IMUSample{Timestamp: 7})
	_, _ = e.Update(joycon.Left, left)
	assert.Len(t, mr.got, 1, "left unit is not the motion side in dual mode")

	cfg := DefaultConfig()
	cfg.Mode = SingleLeft
	e2, _, mr2 := newTestEngine(cfg)
	_, _ = e2.Update(joycon.Left, left)
	assert.Len(t, mr2.got, 1)
}

func TestHorizontalSingleUnit(t *testing.T) {
	cfg := Config{Mode: SingleRight, Orientation: Horizontal, Deadzone: DefaultDeadzone}
	e, _, _ := newTestEngine(cfg)

	st := press(centered(joycon.Right), joycon.ButtonY)
	st.Stick = joycon.Stick{X: stickCenter, Y: 0}
	g, err := e.Update(joycon.Right, st)
	require.NoError(t, err)
	assert.True(t, g.Buttons.Has(sink.A))
	assert.Equal(t, sink.Axis{}, g.RightStick)
	assert.Equal(t, int16(-32767), g.LeftStick.X)
}

func TestSinkErrorIsReported(t *testing.T) {
	out := &th.RecordingSink{Err: assert.AnError}
	e := NewEngine(DefaultConfig(), out, nil, nil, nil)
	_, err := e.Update(joycon.Left, centered(joycon.Left))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, out.CommitCount())
}

func TestParseTable(t *testing.T) {
	tbl, errs := ParseTable(joycon.Left, Dual, Vertical, map[string]string{
		"ZL":    "RIGHT_TRIGGER",
		"Up":    "XUSB_GAMEPAD_Y",
		"Plus":  "START",
		"Bogus": "A",
		"L":     "TURBO",
	})
	assert.Len(t, errs, 3)
	assert.Equal(t, Table{joycon.ButtonZL: sink.RightTrigger, joycon.ButtonUp: sink.Y}, tbl)

	tbl, errs = ParseTable(joycon.Right, Dual, Vertical, nil)
	assert.Empty(t, errs)
	assert.Equal(t, DefaultTable(joycon.Right, Dual, Vertical), tbl)

	tbl, errs = ParseTable(joycon.Right, Dual, Vertical, map[string]string{"Nope": "A"})
	assert.Len(t, errs, 2)
	assert.Equal(t, DefaultTable(joycon.Right, Dual, Vertical), tbl)
}

func TestForgetReleasesSide(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MouseMode = true
	e, out, _ := newTestEngine(cfg)

	_, _ = e.Update(joycon.Left, press(centered(joycon.Left), joycon.ButtonZL, joycon.ButtonUp))
	st := near(centered(joycon.Right), 10, 10)
	st.PointerButtons.Right = true
	_, _ = e.Update(joycon.Right, st)
	_, ok := e.MouseOwner()
	require.True(t, ok)

	g, err := e.Forget(joycon.Right)
	require.NoError(t, err)
	_, ok = e.MouseOwner()
	assert.False(t, ok)
	assert.Equal(t, th.Click{Button: sink.MouseRight, Pressed: false}, out.Clicks[len(out.Clicks)-1])
	assert.True(t, g.Buttons.Has(sink.DPadUp), "the other side is untouched")

	g, err = e.Forget(joycon.Left)
	require.NoError(t, err)
	assert.Equal(t, sink.Gamepad{}, g)
	last, _ := out.LastCommit()
	assert.Equal(t, sink.Gamepad{}, last)
}

func TestScrollInsideDeadzoneIsIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MouseMode = true
	e, out, _ := newTestEngine(cfg)

	// A resting stick 30 raw steps off center decodes to a small scroll value.
	frame := make([]byte, 0x18)
	copy(frame[0x0A:], []byte{0x00, 0x08, 0x80})
	copy(frame[0x0D:], []byte{0x1E, 0x08, 0x80})
	frame[0x16] = 0x00
	dec := joycon.NewDecoder(joycon.Right)
	require.NoError(t, dec.Decode(frame))
	st := dec.State()
	require.NotZero(t, st.PointerButtons.ScrollX)

	for i := 0; i < 50; i++ {
		_, err := e.Update(joycon.Right, st)
		require.NoError(t, err)
	}
	owner, ok := e.MouseOwner()
	require.True(t, ok)
	assert.Equal(t, joycon.Right, owner)
	assert.Empty(t, out.Scrolls)

	st.Stick = joycon.Stick{X: 2 * stickCenter, Y: stickCenter}
	_, err := e.Update(joycon.Right, st)
	require.NoError(t, err)
	require.Len(t, out.Scrolls, 1)
	assert.Greater(t, out.Scrolls[0].DX, 0.9)
}
