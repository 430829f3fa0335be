// Package sink defines the virtual gamepad and mouse model produced by the
// mapping engine and the consumer interface that applies it to the system.
package sink

import (
	"fmt"
	"strings"

	"github.com/joyconbridge/joyconbridge/joycon"
)

// VirtualButton is a button of the virtual Xbox 360 gamepad. The two trigger
// values are analog on the gamepad and driven as 0 or 255.
type VirtualButton uint8

const (
	DPadUp VirtualButton = iota
	DPadDown
	DPadLeft
	DPadRight
	Start
	Back
	LeftThumb
	RightThumb
	LeftShoulder
	RightShoulder
	Guide
	A
	B
	X
	Y
	LeftTrigger
	RightTrigger

	virtualButtonCount
)

var virtualButtonNames = [virtualButtonCount]string{
	DPadUp:        "DPAD_UP",
	DPadDown:      "DPAD_DOWN",
	DPadLeft:      "DPAD_LEFT",
	DPadRight:     "DPAD_RIGHT",
	Start:         "START",
	Back:          "BACK",
	LeftThumb:     "LEFT_THUMB",
	RightThumb:    "RIGHT_THUMB",
	LeftShoulder:  "LEFT_SHOULDER",
	RightShoulder: "RIGHT_SHOULDER",
	Guide:         "GUIDE",
	A:             "A",
	B:             "B",
	X:             "X",
	Y:             "Y",
	LeftTrigger:   "LEFT_TRIGGER",
	RightTrigger:  "RIGHT_TRIGGER",
}

func (b VirtualButton) String() string {
	if b < virtualButtonCount {
		return virtualButtonNames[b]
	}
	return fmt.Sprintf("virtual(%d)", uint8(b))
}

// IsTrigger reports whether b is one of the analog triggers.
func (b VirtualButton) IsTrigger() bool { return b == LeftTrigger || b == RightTrigger }

// TriggerSide returns the side of the gamepad a trigger belongs to.
func (b VirtualButton) TriggerSide() joycon.Side {
	if b == LeftTrigger {
		return joycon.Left
	}
	return joycon.Right
}

// ParseVirtualButton resolves a configuration name such as "DPAD_UP". The
// XUSB_GAMEPAD_ prefix is accepted and ignored.
func ParseVirtualButton(name string) (VirtualButton, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "XUSB_GAMEPAD_")
	for i, vn := range virtualButtonNames {
		if vn == n {
			return VirtualButton(i), nil
		}
	}
	return 0, fmt.Errorf("unknown gamepad button %q", name)
}

// ButtonMask is a set of pressed virtual buttons.
type ButtonMask uint32

func (m ButtonMask) Has(b VirtualButton) bool { return m&(1<<b) != 0 }

func (m *ButtonMask) Set(b VirtualButton, pressed bool) {
	if pressed {
		*m |= 1 << b
	} else {
		*m &^= 1 << b
	}
}

// Axis is a virtual joystick position in the signed 16 bit range, positive Y up.
type Axis struct {
	X, Y int16
}

// Gamepad is one complete virtual gamepad frame.
type Gamepad struct {
	Buttons      ButtonMask
	LeftTrigger  uint8
	RightTrigger uint8
	LeftStick    Axis
	RightStick   Axis
}

// Trigger returns the trigger level of a side.
func (g Gamepad) Trigger(side joycon.Side) uint8 {
	if side == joycon.Left {
		return g.LeftTrigger
	}
	return g.RightTrigger
}

// Stick returns the stick of a side.
func (g Gamepad) Stick(side joycon.Side) Axis {
	if side == joycon.Left {
		return g.LeftStick
	}
	return g.RightStick
}

// MouseButton is a button of the virtual mouse.
type MouseButton uint8

const (
	MouseLeft MouseButton = iota
	MouseRight
	MouseMiddle
)

func (b MouseButton) String() string {
	switch b {
	case MouseLeft:
		return "left"
	case MouseRight:
		return "right"
	case MouseMiddle:
		return "middle"
	}
	return fmt.Sprintf("mouse(%d)", uint8(b))
}

// Sink applies virtual gamepad frames and mouse events. A frame is built with
// SetButton, SetTrigger and SetStick and applied with Commit. Implementations
// must be safe for concurrent use: cursor moves arrive from the pointer stepper.
type Sink interface {
	SetButton(b VirtualButton, pressed bool)
	SetTrigger(side joycon.Side, level uint8)
	SetStick(side joycon.Side, x, y int16)
	Commit() error
	MoveCursor(dx, dy int) error
	ClickButton(b MouseButton, pressed bool) error
	// Scroll amounts are fractions of full scale per axis.
	Scroll(dx, dy float64) error
}

// Apply writes a whole frame to s and commits it.
func Apply(s Sink, g Gamepad) error {
	for b := VirtualButton(0); b < virtualButtonCount; b++ {
		if b.IsTrigger() {
			continue
		}
		s.SetButton(b, g.Buttons.Has(b))
	}
	s.SetTrigger(joycon.Left, g.LeftTrigger)
	s.SetTrigger(joycon.Right, g.RightTrigger)
	s.SetStick(joycon.Left, g.LeftStick.X, g.LeftStick.Y)
	s.SetStick(joycon.Right, g.RightStick.X, g.RightStick.Y)
	return s.Commit()
}
