// Package protocol implements the Joy-Con 2 command channel: request framing,
// one-at-a-time request/response matching and the initialization sequence.
package protocol

import (
	"errors"
	"fmt"
)

// Frame layout of a host to controller request.
const (
	HeaderSize       = 8
	requestMarker    = 0x91
	interfaceBLE     = 0x01
	statusAck        = 0x01
	respStatusOffset = 1
	respSubOffset    = 3
	respSeqOffset    = 6
	minResponseSize  = HeaderSize - 1
)

// Command ids.
const (
	CmdLED       = 0x09
	CmdVibration = 0x0A
	CmdSensor    = 0x0C
	CmdPairing   = 0x15
)

// Subcommand ids.
const (
	SubVibrationConnected = 0x02
	SubLEDPattern         = 0x07
	SubSensorInit         = 0x02
	SubSensorStart        = 0x04
	SubPairingSetAddress  = 0x01
	SubPairingConfirm     = 0x02
	SubPairingFinalize    = 0x03
	SubPairingLTK         = 0x04
)

// Command is one request to the controller.
type Command struct {
	Name    string
	ID      byte
	Sub     byte
	Payload []byte
}

func (c Command) String() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("cmd 0x%02x/0x%02x", c.ID, c.Sub)
}

// Encode builds the wire frame for the command with the given sequence number.
func (c Command) Encode(seq byte) []byte {
	f := make([]byte, HeaderSize+len(c.Payload))
	f[0] = c.ID
	f[1] = requestMarker
	f[2] = interfaceBLE
	f[3] = c.Sub
	f[5] = byte(len(c.Payload))
	f[6] = seq
	copy(f[HeaderSize:], c.Payload)
	return f
}

// Response is an acknowledged controller reply.
type Response struct {
	ID   byte
	Sub  byte
	Seq  byte
	Data []byte
}

var (
	ErrTimeout  = errors.New("command timed out")
	ErrRejected = errors.New("command rejected by controller")
	ErrCanceled = errors.New("command canceled")
	ErrBusy     = errors.New("another command is in flight")
	ErrClosed   = errors.New("command engine closed")
)

// CommandError carries the command that failed. Err is one of the sentinel
// errors above, or a transport error.
type CommandError struct {
	Command Command
	Status  byte
	Err     error
}

func (e *CommandError) Error() string {
	if errors.Is(e.Err, ErrRejected) {
		return fmt.Sprintf("%s: %v (status 0x%02x)", e.Command, e.Err, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
