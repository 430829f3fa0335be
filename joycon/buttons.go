package joycon

import (
	"fmt"
	"strings"
)

// Button is a named physical button of a Joy-Con unit.
type Button uint8

const (
	ButtonY Button = iota
	ButtonX
	ButtonB
	ButtonA
	ButtonSRR
	ButtonSLR
	ButtonR
	ButtonZR
	ButtonMinus
	ButtonPlus
	ButtonR3
	ButtonL3
	ButtonHome
	ButtonCapture
	ButtonGameChat
	ButtonDown
	ButtonUp
	ButtonRight
	ButtonLeft
	ButtonSRL
	ButtonSLL
	ButtonL
	ButtonZL

	buttonCount
)

var buttonNames = [buttonCount]string{
	ButtonY:        "Y",
	ButtonX:        "X",
	ButtonB:        "B",
	ButtonA:        "A",
	ButtonSRR:      "SRR",
	ButtonSLR:      "SLR",
	ButtonR:        "R",
	ButtonZR:       "ZR",
	ButtonMinus:    "Minus",
	ButtonPlus:     "Plus",
	ButtonR3:       "R3",
	ButtonL3:       "L3",
	ButtonHome:     "Home",
	ButtonCapture:  "Capture",
	ButtonGameChat: "GameChat",
	ButtonDown:     "Down",
	ButtonUp:       "Up",
	ButtonRight:    "Right",
	ButtonLeft:     "Left",
	ButtonSRL:      "SRL",
	ButtonSLL:      "SLL",
	ButtonL:        "L",
	ButtonZL:       "ZL",
}

func (b Button) String() string {
	if b < buttonCount {
		return buttonNames[b]
	}
	return fmt.Sprintf("button(%d)", uint8(b))
}

// ParseButton resolves a configuration name (case-insensitive) to a Button.
func ParseButton(name string) (Button, error) {
	n := strings.TrimSpace(name)
	for i, bn := range buttonNames {
		if strings.EqualFold(bn, n) {
			return Button(i), nil
		}
	}
	return 0, fmt.Errorf("unknown Joy-Con button %q", name)
}

// ButtonSet is a bit set of pressed buttons.
type ButtonSet uint32

func (s ButtonSet) Has(b Button) bool { return s&(1<<b) != 0 }

func (s *ButtonSet) Set(b Button, pressed bool) {
	if pressed {
		*s |= 1 << b
	} else {
		*s &^= 1 << b
	}
}

// List returns the pressed buttons in declaration order.
func (s ButtonSet) List() []Button {
	var out []Button
	for b := Button(0); b < buttonCount; b++ {
		if s.Has(b) {
			out = append(out, b)
		}
	}
	return out
}

// Input report button bytes.
const (
	rightButtonsOffset  = 0x04
	sharedButtonsOffset = 0x05
	leftButtonsOffset   = 0x06
)

// sideButtons maps bit positions of a unit's own button byte. The same bit means a
// different button depending on the side.
var sideButtons = [2][8]Button{
	Left:  {ButtonDown, ButtonUp, ButtonRight, ButtonLeft, ButtonSRL, ButtonSLL, ButtonL, ButtonZL},
	Right: {ButtonY, ButtonX, ButtonB, ButtonA, ButtonSRR, ButtonSLR, ButtonR, ButtonZR},
}

type sharedBit struct {
	mask   byte
	button Button
}

// sharedButtons are the bits of the shared byte each unit actually owns.
var sharedButtons = [2][]sharedBit{
	Left: {
		{0x01, ButtonMinus},
		{0x08, ButtonL3},
		{0x20, ButtonCapture},
	},
	Right: {
		{0x02, ButtonPlus},
		{0x04, ButtonR3},
		{0x10, ButtonHome},
		{0x40, ButtonGameChat},
	},
}

// Buttons returns the buttons physically present on a unit.
func (s Side) Buttons() []Button {
	out := make([]Button, 0, 11)
	out = append(out, sideButtons[s][:]...)
	for _, sb := range sharedButtons[s] {
		out = append(out, sb.button)
	}
	return out
}

// Owns reports whether b is a button of this unit.
func (s Side) Owns(b Button) bool {
	for _, own := range s.Buttons() {
		if own == b {
			return true
		}
	}
	return false
}

// Shoulder and Trigger return the unit's L/R and ZL/ZR buttons.
func (s Side) Shoulder() Button {
	if s == Left {
		return ButtonL
	}
	return ButtonR
}

func (s Side) Trigger() Button {
	if s == Left {
		return ButtonZL
	}
	return ButtonZR
}

func decodeButtons(side Side, frame []byte) ButtonSet {
	var set ButtonSet
	own := frame[rightButtonsOffset]
	if side == Left {
		own = frame[leftButtonsOffset]
	}
	for bit, b := range sideButtons[side] {
		set.Set(b, own&(1<<bit) != 0)
	}
	shared := frame[sharedButtonsOffset]
	for _, sb := range sharedButtons[side] {
		set.Set(sb.button, shared&sb.mask != 0)
	}
	return set
}
