// Package mapping translates decoded Joy-Con state into virtual gamepad frames
// and pointer movement.
package mapping

import (
	"fmt"
	"sort"

	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/sink"
)

// Table maps the physical buttons of one unit to virtual gamepad buttons.
// Several physical buttons may share a target; the target is pressed while any
// of them is.
type Table map[joycon.Button]sink.VirtualButton

// Mode selects how many units drive the gamepad.
type Mode uint8

const (
	Dual Mode = iota
	SingleLeft
	SingleRight
)

func (m Mode) String() string {
	switch m {
	case Dual:
		return "dual"
	case SingleLeft:
		return "single-left"
	case SingleRight:
		return "single-right"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Sides returns the units used in this mode.
func (m Mode) Sides() []joycon.Side {
	switch m {
	case SingleLeft:
		return []joycon.Side{joycon.Left}
	case SingleRight:
		return []joycon.Side{joycon.Right}
	}
	return []joycon.Side{joycon.Left, joycon.Right}
}

// MotionSide is the unit whose IMU feeds the motion server.
func (m Mode) MotionSide() joycon.Side {
	if m == SingleLeft {
		return joycon.Left
	}
	return joycon.Right
}

// Orientation is how a single unit is held.
type Orientation uint8

const (
	Vertical Orientation = iota
	Horizontal
)

func (o Orientation) String() string {
	if o == Horizontal {
		return "horizontal"
	}
	return "vertical"
}

var defaultDual = [2]Table{
	joycon.Left: {
		joycon.ButtonZL:    sink.LeftTrigger,
		joycon.ButtonL:     sink.LeftShoulder,
		joycon.ButtonL3:    sink.LeftThumb,
		joycon.ButtonRight: sink.DPadRight,
		joycon.ButtonDown:  sink.DPadDown,
		joycon.ButtonUp:    sink.DPadUp,
		joycon.ButtonLeft:  sink.DPadLeft,
		joycon.ButtonMinus: sink.Back,
	},
	joycon.Right: {
		joycon.ButtonZR:   sink.RightTrigger,
		joycon.ButtonR:    sink.RightShoulder,
		joycon.ButtonR3:   sink.RightThumb,
		joycon.ButtonA:    sink.A,
		joycon.ButtonB:    sink.B,
		joycon.ButtonX:    sink.X,
		joycon.ButtonY:    sink.Y,
		joycon.ButtonPlus: sink.Start,
		joycon.ButtonHome: sink.Guide,
	},
}

// Sideways units use their face buttons by position after rotation and the
// rail buttons as shoulders.
var defaultHorizontal = [2]Table{
	joycon.Left: {
		joycon.ButtonRight:   sink.A,
		joycon.ButtonUp:      sink.B,
		joycon.ButtonDown:    sink.X,
		joycon.ButtonLeft:    sink.Y,
		joycon.ButtonSLL:     sink.LeftShoulder,
		joycon.ButtonSRL:     sink.RightShoulder,
		joycon.ButtonL:       sink.LeftTrigger,
		joycon.ButtonZL:      sink.RightTrigger,
		joycon.ButtonL3:      sink.LeftThumb,
		joycon.ButtonMinus:   sink.Start,
		joycon.ButtonCapture: sink.Back,
	},
	joycon.Right: {
		joycon.ButtonY:        sink.A,
		joycon.ButtonB:        sink.B,
		joycon.ButtonX:        sink.X,
		joycon.ButtonA:        sink.Y,
		joycon.ButtonSLR:      sink.LeftShoulder,
		joycon.ButtonSRR:      sink.RightShoulder,
		joycon.ButtonR:        sink.LeftTrigger,
		joycon.ButtonZR:       sink.RightTrigger,
		joycon.ButtonR3:       sink.LeftThumb,
		joycon.ButtonPlus:     sink.Start,
		joycon.ButtonHome:     sink.Guide,
		joycon.ButtonGameChat: sink.Back,
	},
}

// DefaultTable returns a copy of the built-in table for a side.
func DefaultTable(side joycon.Side, mode Mode, o Orientation) Table {
	src := defaultDual[side]
	if mode != Dual && o == Horizontal {
		src = defaultHorizontal[side]
	}
	t := make(Table, len(src))
	for k, v := range src {
		t[k] = v
	}
	return t
}

// ParseTable validates a name to name table for a side. Entries naming an
// unknown button, a button the unit does not have, or an unknown virtual
// button are dropped and reported. An empty result yields the default table.
func ParseTable(side joycon.Side, mode Mode, o Orientation, raw map[string]string) (Table, []error) {
	if len(raw) == 0 {
		return DefaultTable(side, mode, o), nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	t := Table{}
	for _, k := range keys {
		b, err := joycon.ParseButton(k)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s mapping: %w", side, err))
			continue
		}
		if !side.Owns(b) {
			errs = append(errs, fmt.Errorf("%s mapping: button %s is not on the %s unit", side, b, side))
			continue
		}
		vb, err := sink.ParseVirtualButton(raw[k])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s mapping %s: %w", side, b, err))
			continue
		}
		t[b] = vb
	}
	if len(t) == 0 {
		errs = append(errs, fmt.Errorf("%s mapping has no valid entries, using defaults", side))
		return DefaultTable(side, mode, o), errs
	}
	return t, errs
}
