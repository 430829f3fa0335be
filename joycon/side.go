// Package joycon holds the controller-side model of a Joy-Con 2 unit: which side
// it is, the physical buttons it exposes and the decoder that turns raw BLE input
// reports into a typed State.
package joycon

import (
	"fmt"
	"strings"
)

// Side identifies a physical Joy-Con unit. It is assigned at connection time and
// never changes afterwards.
type Side uint8

const (
	Left Side = iota
	Right
)

// Sides lists both sides in a stable order.
var Sides = [...]Side{Left, Right}

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

// Other returns the opposite unit.
func (s Side) Other() Side {
	if s == Left {
		return Right
	}
	return Left
}

// ParseSide accepts "left"/"l" and "right"/"r" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "left", "l":
		return Left, nil
	case "right", "r":
		return Right, nil
	}
	return 0, fmt.Errorf("unknown controller side %q", v)
}
