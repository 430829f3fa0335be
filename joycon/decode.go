package joycon

import (
	"encoding/binary"
	"fmt"
)

// Input report layout.
const (
	counterOffset     = 0x00
	leftStickOffset   = 0x0A
	rightStickOffset  = 0x0D
	pointerXOffset    = 0x10
	pointerYOffset    = 0x12
	distanceOffset    = 0x16
	batteryOffset     = 0x1F
	motionTimeOffset  = 0x2A
	imuOffset         = 0x30
	imuSampleSize     = 12
	maxIMUSamples     = 3
	sampleIntervalUS  = 5000
	MinReportLength   = 0x10
	pointerReportLen  = 0x18
	batteryReportLen  = 0x21
	motionReportLen   = imuOffset + imuSampleSize
	stickScale        = 8
	accelLSBPerG      = 4096.0
	gyroDegPerLSB     = 2000.0 / 32768.0
	scrollCenter      = 16384
	scrollGain        = 2
	distanceNear      = 0x00
	distanceNearAlt   = 0x01
	distanceFar       = 0x02
	maxUint32Plus1    = 1 << 32
	wrapHalfThreshold = 1 << 31
)

// DecodeWarning reports a frame that could not be decoded. The state it was
// meant for is left untouched.
type DecodeWarning struct {
	Side   Side
	Length int
	Reason string
}

func (w *DecodeWarning) Error() string {
	return fmt.Sprintf("%s joy-con: dropped %d byte report: %s", w.Side, w.Length, w.Reason)
}

// Decoder turns raw input reports of one unit into its State.
type Decoder struct {
	state *State

	lastMotion uint32
	motionHigh uint64
	haveMotion bool
}

// NewDecoder creates a decoder owning a fresh State for side.
func NewDecoder(side Side) *Decoder {
	return &Decoder{state: NewState(side)}
}

// State returns the live state. Callers on other goroutines must Clone it.
func (d *Decoder) State() *State { return d.state }

// Decode parses one report into the state. A *DecodeWarning is returned for
// frames that are too short; all other frames are accepted.
func (d *Decoder) Decode(frame []byte) error {
	s := d.state
	if len(frame) < MinReportLength {
		return &DecodeWarning{Side: s.Side, Length: len(frame), Reason: fmt.Sprintf("shorter than %d bytes", MinReportLength)}
	}

	s.Counter = binary.LittleEndian.Uint32(frame[counterOffset:])
	s.Buttons = decodeButtons(s.Side, frame)

	stickAt := rightStickOffset
	if s.Side == Left {
		stickAt = leftStickOffset
	}
	x, y := unpackStick(frame[stickAt : stickAt+3])
	s.Stick = Stick{X: int16(x * stickScale), Y: int16(y * stickScale)}

	if len(frame) >= pointerReportLen {
		s.Pointer = Pointer{
			X:         binary.LittleEndian.Uint16(frame[pointerXOffset:]),
			Y:         binary.LittleEndian.Uint16(frame[pointerYOffset:]),
			Proximity: proximity(frame[distanceOffset]),
		}
	} else {
		s.Pointer.Proximity = ProximityNone
	}
	d.decodePointerButtons()

	if len(frame) >= batteryReportLen {
		s.Battery = binary.LittleEndian.Uint16(frame[batteryOffset:])
	}

	s.IMU = s.IMU[:0]
	if len(frame) >= motionReportLen {
		d.decodeIMU(frame)
	}
	return nil
}

// unpackStick splits the 3 byte packed pair of 12 bit values.
func unpackStick(b []byte) (x, y int) {
	x = int(b[0]) | int(b[1]&0x0F)<<8
	y = int(b[1]>>4) | int(b[2])<<4
	return x, y
}

func proximity(v byte) Proximity {
	switch v {
	case distanceNear, distanceNearAlt:
		return ProximityNear
	case distanceFar:
		return ProximityFar
	}
	return ProximityNone
}

func (d *Decoder) decodePointerButtons() {
	s := d.state
	pb := PointerButtons{
		Left:  s.Buttons.Has(s.Side.Shoulder()),
		Right: s.Buttons.Has(s.Side.Trigger()),
	}
	if s.Pointer.Proximity == ProximityNear {
		pb.ScrollX = scrollAxis(s.Stick.X)
		pb.ScrollY = scrollAxis(s.Stick.Y)
	}
	s.PointerButtons = pb
}

func scrollAxis(v int16) int16 {
	d := (int(v) - scrollCenter) * scrollGain
	if d > 32767 {
		return 32767
	}
	if d < -32768 {
		return -32768
	}
	return int16(d)
}

func (d *Decoder) decodeIMU(frame []byte) {
	s := d.state
	anchor := d.extendTimestamp(binary.LittleEndian.Uint32(frame[motionTimeOffset:]))

	n := (len(frame) - imuOffset) / imuSampleSize
	if n > maxIMUSamples {
		n = maxIMUSamples
	}
	for i := 0; i < n; i++ {
		p := frame[imuOffset+i*imuSampleSize:]
		back := uint64(n-1-i) * sampleIntervalUS
		ts := uint64(0)
		if anchor > back {
			ts = anchor - back
		}
		s.IMU = append(s.IMU, IMUSample{
			Timestamp: ts,
			Accel: Vec3{
				X: float64(int16(binary.LittleEndian.Uint16(p[0:]))) / accelLSBPerG,
				Y: float64(int16(binary.LittleEndian.Uint16(p[2:]))) / accelLSBPerG,
				Z: float64(int16(binary.LittleEndian.Uint16(p[4:]))) / accelLSBPerG,
			},
			Gyro: Vec3{
				X: float64(int16(binary.LittleEndian.Uint16(p[6:]))) * gyroDegPerLSB,
				Y: float64(int16(binary.LittleEndian.Uint16(p[8:]))) * gyroDegPerLSB,
				Z: float64(int16(binary.LittleEndian.Uint16(p[10:]))) * gyroDegPerLSB,
			},
		})
	}
}

// extendTimestamp carries wraps of the 32 bit motion clock into a 64 bit count.
func (d *Decoder) extendTimestamp(ts uint32) uint64 {
	if d.haveMotion && ts < d.lastMotion && d.lastMotion-ts > wrapHalfThreshold {
		d.motionHigh += maxUint32Plus1
	}
	d.lastMotion = ts
	d.haveMotion = true
	return d.motionHigh + uint64(ts)
}
