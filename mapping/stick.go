package mapping

import (
	"math"

	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/sink"
)

const (
	stickCenter = joycon.StickCenter
	axisMax     = math.MaxInt16

	DefaultDeadzone = 4000
	MaxDeadzone     = stickCenter - 1
)

// StickToAxis applies the radial deadzone to a raw stick. Inside the deadzone
// the result is (0,0); outside it the remaining travel is stretched to the full
// axis range. Positive Y is up, so the raw Y axis is inverted.
func StickToAxis(raw joycon.Stick, deadzone int) sink.Axis {
	cx := int64(raw.X) - stickCenter
	cy := int64(raw.Y) - stickCenter
	dz := int64(deadzone)

	magSq := cx*cx + cy*cy
	if magSq < dz*dz {
		return sink.Axis{}
	}
	mag := isqrt(magSq)
	if mag == 0 {
		return sink.Axis{}
	}
	scale := floorDiv((mag-dz)*axisMax, stickCenter-dz)
	return sink.Axis{
		X: clampAxis(floorDiv(cx*scale, mag)),
		Y: clampAxis(floorDiv(-cy*scale, mag)),
	}
}

// rotate turns the axis of a unit held sideways. The left unit is turned
// clockwise and the right unit counter-clockwise.
func rotate(a sink.Axis, side joycon.Side) sink.Axis {
	x, y := int64(a.X), int64(a.Y)
	if side == joycon.Left {
		return sink.Axis{X: clampAxis(y), Y: clampAxis(-x)}
	}
	return sink.Axis{X: clampAxis(-y), Y: clampAxis(x)}
}

func clampAxis(v int64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// floorDiv rounds toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func isqrt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	r := int64(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
