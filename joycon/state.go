package joycon

// Vec3 is a three axis sensor reading in physical units.
type Vec3 struct{ X, Y, Z float64 }

// IMUSample is one 6-axis sample. Timestamp is in microseconds of the
// controller's motion clock; Accel is in g and Gyro in degrees per second.
type IMUSample struct {
	Timestamp uint64
	Accel     Vec3
	Gyro      Vec3
}

// Stick holds a raw analog stick position in the 0..32767 range.
type Stick struct {
	X, Y int16
}

// StickCenter is the logical center of a raw stick axis.
const StickCenter = 32767 / 2

// Proximity is the coarse distance of the optical mouse sensor to a surface.
type Proximity uint8

const (
	ProximityNone Proximity = iota
	ProximityNear
	ProximityFar
)

func (p Proximity) String() string {
	switch p {
	case ProximityNear:
		return "near"
	case ProximityFar:
		return "far"
	}
	return "none"
}

// Pointer is the optical sensor position. X and Y are free running 16 bit counters.
type Pointer struct {
	X, Y      uint16
	Proximity Proximity
}

// PointerButtons holds the mouse buttons and scroll of a unit used as a mouse.
type PointerButtons struct {
	Left, Right      bool
	ScrollX, ScrollY int16
}

// State is the decoded state of one unit. It is owned by the Decoder of that side
// and mutated in place on every report.
type State struct {
	Side           Side
	Counter        uint32
	Buttons        ButtonSet
	Stick          Stick
	IMU            []IMUSample
	Pointer        Pointer
	PointerButtons PointerButtons
	// Battery is the cell voltage in millivolts, 0 when not reported.
	Battery uint16
}

// NewState returns a zeroed state with a centered stick.
func NewState(side Side) *State {
	return &State{
		Side:  side,
		Stick: Stick{X: StickCenter, Y: StickCenter},
		IMU:   make([]IMUSample, 0, maxIMUSamples),
	}
}

// Clone returns a deep copy that is safe to hand to another goroutine.
func (s *State) Clone() *State {
	c := *s
	c.IMU = append([]IMUSample(nil), s.IMU...)
	return &c
}

// LatestIMU returns the freshest sample of the last report.
func (s *State) LatestIMU() (IMUSample, bool) {
	if len(s.IMU) == 0 {
		return IMUSample{}, false
	}
	return s.IMU[len(s.IMU)-1], true
}
