package protocol

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// MACSize is the length of a Bluetooth device address.
const MACSize = 6

// MAC is a host address in the little-endian order the controller stores it.
type MAC [MACSize]byte

// ParseMAC reads 12 hex digits (separators ':' and '-' allowed) written in the
// usual big-endian order and returns them reversed.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	if len(clean) != 2*MACSize {
		return m, fmt.Errorf("mac address %q: want 12 hex digits", s)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return m, fmt.Errorf("mac address %q: %w", s, err)
	}
	for i := range m {
		m[i] = raw[MACSize-1-i]
	}
	return m, nil
}

func (m MAC) String() string { return hex.EncodeToString(m[:]) }

// Secondary is the second address the controller is given during pairing: the
// primary address with its leading byte decremented, wrapping 0x00 to 0xFF.
func (m MAC) Secondary() MAC {
	s := m
	s[0]--
	return s
}

// LEDPattern is a 4 character string of '0' and '1', left to right player lights.
type LEDPattern string

const DefaultLEDPattern LEDPattern = "0001"

// Valid reports whether the pattern is 4 binary digits.
func (p LEDPattern) Valid() bool {
	if len(p) != 4 {
		return false
	}
	for _, c := range p {
		if c != '0' && c != '1' {
			return false
		}
	}
	return true
}

// Nibble converts the pattern to its hex nibble. Invalid patterns yield the
// nibble of DefaultLEDPattern.
func (p LEDPattern) Nibble() byte {
	if !p.Valid() {
		p = DefaultLEDPattern
	}
	var n byte
	for _, c := range p {
		n = n<<1 | byte(c-'0')
	}
	return n
}

var (
	sensorMask = []byte{0x2f, 0x00, 0x00, 0x00}
	// connectedPattern selects the short buzz played on pairing.
	connectedPattern = []byte{0x03, 0x00, 0x00, 0x00}
)

func ConnectedVibration() Command {
	return Command{Name: "connected-vibration", ID: CmdVibration, Sub: SubVibrationConnected, Payload: append([]byte(nil), connectedPattern...)}
}

func PlayerLED(p LEDPattern) Command {
	payload := make([]byte, 8)
	payload[0] = p.Nibble()
	return Command{Name: "player-led", ID: CmdLED, Sub: SubLEDPattern, Payload: payload}
}

func SensorInit() Command {
	return Command{Name: "sensor-init", ID: CmdSensor, Sub: SubSensorInit, Payload: append([]byte(nil), sensorMask...)}
}

func SensorStart() Command {
	return Command{Name: "sensor-start", ID: CmdSensor, Sub: SubSensorStart, Payload: append([]byte(nil), sensorMask...)}
}

// MACSaveCommands returns the four pairing steps that store mac on the controller.
func MACSaveCommands(mac MAC) []Command {
	sec := mac.Secondary()
	step1 := make([]byte, 0, 2+2*MACSize)
	step1 = append(step1, 0x00, 0x02)
	step1 = append(step1, mac[:]...)
	step1 = append(step1, sec[:]...)
	return []Command{
		{Name: "mac-save-1", ID: CmdPairing, Sub: SubPairingSetAddress, Payload: step1},
		{Name: "mac-save-2", ID: CmdPairing, Sub: SubPairingLTK, Payload: make([]byte, 17)},
		{Name: "mac-save-3", ID: CmdPairing, Sub: SubPairingConfirm, Payload: make([]byte, 17)},
		{Name: "mac-save-4", ID: CmdPairing, Sub: SubPairingFinalize, Payload: []byte{0x00}},
	}
}

// InitOptions selects the optional parts of the initialization sequence.
type InitOptions struct {
	LED     LEDPattern
	SaveMAC bool
	MAC     MAC
}

// Sequence lists the initialization commands in the order they must be sent.
func Sequence(opts InitOptions) []Command {
	cmds := []Command{ConnectedVibration()}
	if opts.SaveMAC {
		cmds = append(cmds, MACSaveCommands(opts.MAC)...)
	}
	return append(cmds, PlayerLED(opts.LED), SensorInit(), SensorStart())
}

// Sender is satisfied by *Engine.
type Sender interface {
	Send(ctx context.Context, cmd Command) (Response, error)
}

// Initialize runs the sequence, stopping at the first failing command.
func Initialize(ctx context.Context, s Sender, opts InitOptions, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, cmd := range Sequence(opts) {
		if _, err := s.Send(ctx, cmd); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		logger.Debug("command acknowledged", "command", cmd.String())
	}
	if opts.SaveMAC {
		logger.Info("saved host address on controller", "mac", opts.MAC.String(), "secondary", opts.MAC.Secondary().String())
	}
	return nil
}
