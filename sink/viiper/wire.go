package viiper

import (
	"encoding/binary"
	"io"

	"github.com/joyconbridge/joyconbridge/sink"
)

// XInput button masks as expected by the VIIPER xbox360 device.
const (
	maskDPadUp    = 0x0001
	maskDPadDown  = 0x0002
	maskDPadLeft  = 0x0004
	maskDPadRight = 0x0008
	maskStart     = 0x0010
	maskBack      = 0x0020
	maskLThumb    = 0x0040
	maskRThumb    = 0x0080
	maskLShoulder = 0x0100
	maskRShoulder = 0x0200
	maskGuide     = 0x0400
	maskA         = 0x1000
	maskB         = 0x2000
	maskX         = 0x4000
	maskY         = 0x8000
)

var buttonMasks = map[sink.VirtualButton]uint32{
	sink.DPadUp:        maskDPadUp,
	sink.DPadDown:      maskDPadDown,
	sink.DPadLeft:      maskDPadLeft,
	sink.DPadRight:     maskDPadRight,
	sink.Start:         maskStart,
	sink.Back:          maskBack,
	sink.LeftThumb:     maskLThumb,
	sink.RightThumb:    maskRThumb,
	sink.LeftShoulder:  maskLShoulder,
	sink.RightShoulder: maskRShoulder,
	sink.Guide:         maskGuide,
	sink.A:             maskA,
	sink.B:             maskB,
	sink.X:             maskX,
	sink.Y:             maskY,
}

// Mouse button bits.
const (
	mouseLeft   = 0x01
	mouseRight  = 0x02
	mouseMiddle = 0x04
)

const (
	padStateLen   = 14
	mouseStateLen = 9
)

// PadState is the client to device frame of the xbox360 device.
// Layout: buttons u32, lt u8, rt u8, lx ly rx ry i16, little endian.
type PadState struct {
	Buttons uint32
	LT, RT  uint8
	LX, LY  int16
	RX, RY  int16
}

func (p PadState) MarshalBinary() ([]byte, error) {
	b := make([]byte, padStateLen)
	binary.LittleEndian.PutUint32(b[0:], p.Buttons)
	b[4] = p.LT
	b[5] = p.RT
	binary.LittleEndian.PutUint16(b[6:], uint16(p.LX))
	binary.LittleEndian.PutUint16(b[8:], uint16(p.LY))
	binary.LittleEndian.PutUint16(b[10:], uint16(p.RX))
	binary.LittleEndian.PutUint16(b[12:], uint16(p.RY))
	return b, nil
}

func (p *PadState) UnmarshalBinary(b []byte) error {
	if len(b) < padStateLen {
		return io.ErrUnexpectedEOF
	}
	p.Buttons = binary.LittleEndian.Uint32(b[0:])
	p.LT = b[4]
	p.RT = b[5]
	p.LX = int16(binary.LittleEndian.Uint16(b[6:]))
	p.LY = int16(binary.LittleEndian.Uint16(b[8:]))
	p.RX = int16(binary.LittleEndian.Uint16(b[10:]))
	p.RY = int16(binary.LittleEndian.Uint16(b[12:]))
	return nil
}

// MouseState is the client to device frame of the mouse device. DX, DY,
// Wheel and Pan are relative.
type MouseState struct {
	Buttons uint8
	DX, DY  int16
	Wheel   int16
	Pan     int16
}

func (m MouseState) MarshalBinary() ([]byte, error) {
	b := make([]byte, mouseStateLen)
	b[0] = m.Buttons
	binary.LittleEndian.PutUint16(b[1:], uint16(m.DX))
	binary.LittleEndian.PutUint16(b[3:], uint16(m.DY))
	binary.LittleEndian.PutUint16(b[5:], uint16(m.Wheel))
	binary.LittleEndian.PutUint16(b[7:], uint16(m.Pan))
	return b, nil
}

func (m *MouseState) UnmarshalBinary(b []byte) error {
	if len(b) < mouseStateLen {
		return io.ErrUnexpectedEOF
	}
	m.Buttons = b[0]
	m.DX = int16(binary.LittleEndian.Uint16(b[1:]))
	m.DY = int16(binary.LittleEndian.Uint16(b[3:]))
	m.Wheel = int16(binary.LittleEndian.Uint16(b[5:]))
	m.Pan = int16(binary.LittleEndian.Uint16(b[7:]))
	return nil
}

// Rumble is the device to client feedback frame of the xbox360 device.
type Rumble struct {
	LeftMotor, RightMotor uint8
}

func (r *Rumble) UnmarshalBinary(b []byte) error {
	if len(b) < 2 {
		return io.ErrUnexpectedEOF
	}
	r.LeftMotor, r.RightMotor = b[0], b[1]
	return nil
}
