package mapping

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/sink"
)

const (
	triggerPressed = 255
	scrollFull     = 32768.0
)

// Config is the validated mapping configuration.
type Config struct {
	Mode        Mode
	Orientation Orientation
	MouseMode   bool
	Deadzone    int
	Tables      [2]Table
}

// DefaultConfig returns the dual unit defaults.
func DefaultConfig() Config {
	return Config{
		Mode:     Dual,
		Deadzone: DefaultDeadzone,
		Tables:   [2]Table{DefaultTable(joycon.Left, Dual, Vertical), DefaultTable(joycon.Right, Dual, Vertical)},
	}
}

// Motion is the IMU hand-off to the motion server, taken from one report.
type Motion struct {
	Side    joycon.Side
	Gamepad sink.Gamepad
	Samples []joycon.IMUSample
	Battery uint16
}

// MotionSink receives motion snapshots. PublishMotion must not block.
type MotionSink interface {
	PublishMotion(m Motion)
}

type sideState struct {
	seen    bool
	buttons joycon.ButtonSet
	stick   joycon.Stick
}

// Engine combines the states of both units into one gamepad frame per report.
// It is safe for concurrent use by the per side report goroutines.
type Engine struct {
	cfg    Config
	out    sink.Sink
	motion MotionSink
	acc    *Accumulator
	logger *slog.Logger

	mu         sync.Mutex
	sides      [2]sideState
	owner      joycon.Side
	owned      bool
	mouseLeft  bool
	mouseRight bool
	last       sink.Gamepad
}

// NewEngine creates an engine writing to out. motion may be nil.
func NewEngine(cfg Config, out sink.Sink, motion MotionSink, acc *Accumulator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if acc == nil {
		acc = &Accumulator{}
	}
	for _, side := range joycon.Sides {
		if cfg.Tables[side] == nil {
			cfg.Tables[side] = DefaultTable(side, cfg.Mode, cfg.Orientation)
		}
	}
	return &Engine{cfg: cfg, out: out, motion: motion, acc: acc, logger: logger}
}

// Accumulator returns the pointer accumulator fed in mouse mode.
func (e *Engine) Accumulator() *Accumulator { return e.acc }

// MouseOwner reports which side currently holds mouse mode.
func (e *Engine) MouseOwner() (joycon.Side, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner, e.owned
}

// Last returns the most recently committed frame.
func (e *Engine) Last() sink.Gamepad {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Update runs one translation cycle for a freshly decoded report of side and
// returns the committed frame. Sink errors are returned but leave the engine
// state consistent.
func (e *Engine) Update(side joycon.Side, st *joycon.State) (sink.Gamepad, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sides[side] = sideState{seen: true, buttons: st.Buttons, stick: st.Stick}
	var errs []error

	errs = append(errs, e.arbitrate(side, st)...)
	g := e.translate()

	if e.motion != nil && side == e.cfg.Mode.MotionSide() && len(st.IMU) > 0 {
		e.motion.PublishMotion(Motion{
			Side:    side,
			Gamepad: g,
			Samples: append([]joycon.IMUSample(nil), st.IMU...),
			Battery: st.Battery,
		})
	}

	if e.owned && e.owner == side {
		errs = append(errs, e.pointer(st)...)
	}

	if err := sink.Apply(e.out, g); err != nil {
		errs = append(errs, err)
	}
	e.last = g
	return g, errors.Join(errs...)
}

// Forget treats side as disconnected: its buttons are released, its stick
// centered and it gives up mouse mode. The resulting frame is committed.
func (e *Engine) Forget(side joycon.Side) (sink.Gamepad, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sides[side] = sideState{}
	var errs []error
	if e.owned && e.owner == side {
		e.owned = false
		e.acc.Reset()
		errs = append(errs, e.releaseMouseButtons()...)
	}
	g := e.translate()
	if err := sink.Apply(e.out, g); err != nil {
		errs = append(errs, err)
	}
	e.last = g
	return g, errors.Join(errs...)
}

// arbitrate hands mouse mode to the first qualifying side and keeps it there
// until that side's sensor no longer reports a near surface.
func (e *Engine) arbitrate(side joycon.Side, st *joycon.State) []error {
	near := st.Pointer.Proximity == joycon.ProximityNear
	switch {
	case !e.owned && near && e.cfg.MouseMode:
		e.owner, e.owned = side, true
		e.acc.Prime(st.Pointer.X, st.Pointer.Y)
		e.logger.Debug("mouse mode entered", "side", side)
	case e.owned && e.owner == side && !near:
		e.owned = false
		e.acc.Reset()
		e.logger.Debug("mouse mode left", "side", side, "proximity", st.Pointer.Proximity)
		return e.releaseMouseButtons()
	}
	return nil
}

func (e *Engine) releaseMouseButtons() []error {
	var errs []error
	if e.mouseLeft {
		e.mouseLeft = false
		errs = append(errs, e.out.ClickButton(sink.MouseLeft, false))
	}
	if e.mouseRight {
		e.mouseRight = false
		errs = append(errs, e.out.ClickButton(sink.MouseRight, false))
	}
	return errs
}

func (e *Engine) translate() sink.Gamepad {
	var g sink.Gamepad
	for _, side := range joycon.Sides {
		s := e.sides[side]
		if !s.seen || (e.owned && e.owner == side) {
			continue
		}
		for b, vb := range e.cfg.Tables[side] {
			if !s.buttons.Has(b) {
				continue
			}
			switch vb {
			case sink.LeftTrigger:
				g.LeftTrigger = triggerPressed
			case sink.RightTrigger:
				g.RightTrigger = triggerPressed
			default:
				g.Buttons.Set(vb, true)
			}
		}

		axis := StickToAxis(s.stick, e.cfg.Deadzone)
		target := side
		if e.cfg.Mode != Dual && e.cfg.Orientation == Horizontal {
			axis = rotate(axis, side)
			target = joycon.Left
		}
		if target == joycon.Left {
			g.LeftStick = axis
		} else {
			g.RightStick = axis
		}
	}
	return g
}

func (e *Engine) pointer(st *joycon.State) []error {
	e.acc.Add(st.Pointer.X, st.Pointer.Y)

	var errs []error
	pb := st.PointerButtons
	if pb.Left != e.mouseLeft {
		e.mouseLeft = pb.Left
		errs = append(errs, e.out.ClickButton(sink.MouseLeft, pb.Left))
	}
	if pb.Right != e.mouseRight {
		e.mouseRight = pb.Right
		errs = append(errs, e.out.ClickButton(sink.MouseRight, pb.Right))
	}
	if pb.ScrollX != 0 || pb.ScrollY != 0 {
		if dx, dy := scrollOf(st.Stick, e.cfg.Deadzone); dx != 0 || dy != 0 {
			errs = append(errs, e.out.Scroll(dx, dy))
		}
	}
	return errs
}

// scrollOf is the stick offset in wheel units after the radial deadzone, 1 at
// full deflection. It keeps the raw axis directions of the decoded scroll.
func scrollOf(raw joycon.Stick, deadzone int) (dx, dy float64) {
	a := StickToAxis(raw, deadzone)
	return float64(a.X) / scrollFull, -float64(a.Y) / scrollFull
}
