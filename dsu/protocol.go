// Package dsu implements a cemuhook compatible motion server (DSU protocol
// version 1001) that streams controller state and IMU samples over UDP.
package dsu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	ProtocolVersion = 1001

	magicServer = "DSUS"
	magicClient = "DSUC"

	// headerLen covers magic, version, length, crc, sender id and message type.
	headerLen = 20
	// lengthBase is the part of the header not counted by the length field.
	lengthBase = 16
	crcOffset  = 8

	MsgVersion     uint32 = 0x100000
	MsgPorts       uint32 = 0x100001
	MsgPadData     uint32 = 0x100002
	maxSlots              = 4
	controllerLen         = 11
	portInfoLen           = controllerLen + 1
	padDataLen            = 80
	DataPacketLen         = headerLen + padDataLen
	maxPacketLen          = 1024
)

var ble = binary.LittleEndian

var (
	ErrShort    = errors.New("packet too short")
	ErrMagic    = errors.New("invalid magic")
	ErrVersion  = errors.New("unsupported protocol version")
	ErrLength   = errors.New("length mismatch")
	ErrChecksum = errors.New("checksum mismatch")
)

// Header is the common packet header.
type Header struct {
	Magic    string
	Version  uint16
	Length   uint16
	CRC      uint32
	SenderID uint32
	Type     uint32
}

// EncodePacket frames body as a message of msgType sent by senderID. magic is
// "DSUS" for server packets and "DSUC" for client packets.
func EncodePacket(magic string, senderID, msgType uint32, body []byte) []byte {
	buf := make([]byte, headerLen+len(body))
	copy(buf, magic)
	ble.PutUint16(buf[4:], ProtocolVersion)
	ble.PutUint16(buf[6:], uint16(len(buf)-lengthBase))
	ble.PutUint32(buf[12:], senderID)
	ble.PutUint32(buf[16:], msgType)
	copy(buf[headerLen:], body)
	ble.PutUint32(buf[crcOffset:], crc32.ChecksumIEEE(buf))
	return buf
}

// DecodePacket validates a packet with the expected magic and returns its
// header and body. The input is not modified.
func DecodePacket(magic string, pkt []byte) (Header, []byte, error) {
	var h Header
	if len(pkt) < headerLen {
		return h, nil, ErrShort
	}
	h.Magic = string(pkt[:4])
	if h.Magic != magic {
		return h, nil, fmt.Errorf("%w %q", ErrMagic, h.Magic)
	}
	h.Version = ble.Uint16(pkt[4:])
	if h.Version != ProtocolVersion {
		return h, nil, fmt.Errorf("%w %d", ErrVersion, h.Version)
	}
	h.Length = ble.Uint16(pkt[6:])
	if int(h.Length)+lengthBase != len(pkt) {
		return h, nil, fmt.Errorf("%w: header says %d, got %d", ErrLength, h.Length, len(pkt)-lengthBase)
	}
	h.CRC = ble.Uint32(pkt[crcOffset:])
	tmp := make([]byte, len(pkt))
	copy(tmp, pkt)
	ble.PutUint32(tmp[crcOffset:], 0)
	if sum := crc32.ChecksumIEEE(tmp); sum != h.CRC {
		return h, nil, fmt.Errorf("%w: computed 0x%08x, got 0x%08x", ErrChecksum, sum, h.CRC)
	}
	h.SenderID = ble.Uint32(pkt[12:])
	h.Type = ble.Uint32(pkt[16:])
	return h, pkt[headerLen:], nil
}

// Slot states, models and connection types of the shared controller header.
const (
	SlotDisconnected byte = 0
	SlotReserved     byte = 1
	SlotConnected    byte = 2

	ModelNone       byte = 0
	ModelDS4        byte = 2
	ConnectionNone  byte = 0
	ConnectionUSB   byte = 1
	ConnectionBT    byte = 2
	BatteryNone     byte = 0x00
	BatteryDying    byte = 0x01
	BatteryLow      byte = 0x02
	BatteryMedium   byte = 0x03
	BatteryHigh     byte = 0x04
	BatteryFull     byte = 0x05
	BatteryCharging byte = 0xEE
	BatteryCharged  byte = 0xEF
)

// BatteryFromMillivolts maps a cell voltage to a DSU battery status.
func BatteryFromMillivolts(mv uint16) byte {
	switch {
	case mv == 0:
		return BatteryNone
	case mv >= 4000:
		return BatteryFull
	case mv >= 3800:
		return BatteryHigh
	case mv >= 3600:
		return BatteryMedium
	case mv >= 3400:
		return BatteryLow
	}
	return BatteryDying
}

// Controller is the shared controller header of port info and data packets.
type Controller struct {
	Slot       byte
	State      byte
	Model      byte
	Connection byte
	MAC        [6]byte
	Battery    byte
}

func (c Controller) put(b []byte) {
	b[0] = c.Slot
	b[1] = c.State
	b[2] = c.Model
	b[3] = c.Connection
	copy(b[4:10], c.MAC[:])
	b[10] = c.Battery
}

func readController(b []byte) Controller {
	c := Controller{Slot: b[0], State: b[1], Model: b[2], Connection: b[3], Battery: b[10]}
	copy(c.MAC[:], b[4:10])
	return c
}

// EncodePortInfo builds the body of a controller info response.
func EncodePortInfo(c Controller) []byte {
	b := make([]byte, portInfoLen)
	c.put(b)
	return b
}

// Buttons1 bits.
const (
	Btn1Share   byte = 0x01
	Btn1L3      byte = 0x02
	Btn1R3      byte = 0x04
	Btn1Options byte = 0x08
	Btn1Up      byte = 0x10
	Btn1Right   byte = 0x20
	Btn1Down    byte = 0x40
	Btn1Left    byte = 0x80
)

// Buttons2 bits.
const (
	Btn2L2       byte = 0x01
	Btn2R2       byte = 0x02
	Btn2L1       byte = 0x04
	Btn2R1       byte = 0x08
	Btn2Triangle byte = 0x10
	Btn2Circle   byte = 0x20
	Btn2Cross    byte = 0x40
	Btn2Square   byte = 0x80
)

// Analog button order in the data packet.
const (
	AnalogDPadLeft = iota
	AnalogDPadDown
	AnalogDPadRight
	AnalogDPadUp
	AnalogSquare
	AnalogCross
	AnalogCircle
	AnalogTriangle
	AnalogR1
	AnalogL1
	AnalogR2
	AnalogL2
)

// Vec3 is a float vector as carried on the wire.
type Vec3 struct{ X, Y, Z float32 }

// PadData is the body of a controller data packet.
type PadData struct {
	Controller Controller
	Connected  bool
	Counter    uint32
	Buttons1   byte
	Buttons2   byte
	Home       byte
	Touch      byte
	LX, LY     byte
	RX, RY     byte
	Analog     [12]byte
	TouchData  [12]byte
	// Timestamp is in microseconds.
	Timestamp uint64
	// Accel is in g, Gyro is pitch, yaw, roll in degrees per second.
	Accel Vec3
	Gyro  Vec3
}

// Encode serializes the 80 byte data body.
func (p PadData) Encode() []byte {
	b := make([]byte, padDataLen)
	p.Controller.put(b)
	if p.Connected {
		b[11] = 1
	}
	ble.PutUint32(b[12:], p.Counter)
	b[16] = p.Buttons1
	b[17] = p.Buttons2
	b[18] = p.Home
	b[19] = p.Touch
	b[20], b[21], b[22], b[23] = p.LX, p.LY, p.RX, p.RY
	copy(b[24:36], p.Analog[:])
	copy(b[36:48], p.TouchData[:])
	ble.PutUint64(b[48:], p.Timestamp)
	putVec(b[56:], p.Accel)
	putVec(b[68:], p.Gyro)
	return b
}

// DecodePadData parses a data body produced by Encode.
func DecodePadData(b []byte) (PadData, error) {
	var p PadData
	if len(b) < padDataLen {
		return p, ErrShort
	}
	p.Controller = readController(b)
	p.Connected = b[11] != 0
	p.Counter = ble.Uint32(b[12:])
	p.Buttons1, p.Buttons2, p.Home, p.Touch = b[16], b[17], b[18], b[19]
	p.LX, p.LY, p.RX, p.RY = b[20], b[21], b[22], b[23]
	copy(p.Analog[:], b[24:36])
	copy(p.TouchData[:], b[36:48])
	p.Timestamp = ble.Uint64(b[48:])
	p.Accel = readVec(b[56:])
	p.Gyro = readVec(b[68:])
	return p, nil
}

func putVec(b []byte, v Vec3) {
	ble.PutUint32(b[0:], math.Float32bits(v.X))
	ble.PutUint32(b[4:], math.Float32bits(v.Y))
	ble.PutUint32(b[8:], math.Float32bits(v.Z))
}

func readVec(b []byte) Vec3 {
	return Vec3{
		X: math.Float32frombits(ble.Uint32(b[0:])),
		Y: math.Float32frombits(ble.Uint32(b[4:])),
		Z: math.Float32frombits(ble.Uint32(b[8:])),
	}
}

// Registration flags of a data request.
const (
	RegisterAll  byte = 0
	RegisterSlot byte = 1
	RegisterMAC  byte = 2
)

// DataRequest is the body of a controller data subscription.
type DataRequest struct {
	Flags byte
	Slot  byte
	MAC   [6]byte
}

func ParseDataRequest(b []byte) (DataRequest, error) {
	var r DataRequest
	if len(b) < 8 {
		return r, ErrShort
	}
	r.Flags, r.Slot = b[0], b[1]
	copy(r.MAC[:], b[2:8])
	return r, nil
}

func (r DataRequest) Encode() []byte {
	b := make([]byte, 8)
	b[0], b[1] = r.Flags, r.Slot
	copy(b[2:], r.MAC[:])
	return b
}

// ParsePortsRequest returns the slots a controller info request asks for.
func ParsePortsRequest(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, ErrShort
	}
	n := int32(ble.Uint32(b))
	if n < 0 || n > maxSlots {
		return nil, fmt.Errorf("invalid port count %d", n)
	}
	if len(b) < 4+int(n) {
		return nil, ErrShort
	}
	return append([]byte(nil), b[4:4+n]...), nil
}

// AxisByte converts a signed 16 bit axis to the unsigned byte used on the wire,
// 128 centered.
func AxisByte(v int16) byte {
	return byte((int(v) >> 8) + 128)
}
