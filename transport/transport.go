// Package transport defines the byte channel the bridge uses to talk to a
// connected Joy-Con. Discovery and connection are left to implementations such
// as transport/ble.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/joyconbridge/joyconbridge/joycon"
)

// Characteristic names one of the GATT characteristics of a Joy-Con 2.
type Characteristic uint8

const (
	InputReport Characteristic = iota
	Command
	CommandResponse
)

func (c Characteristic) String() string {
	switch c {
	case InputReport:
		return "input-report"
	case Command:
		return "command"
	case CommandResponse:
		return "command-response"
	}
	return fmt.Sprintf("characteristic(%d)", uint8(c))
}

// Channel is an ordered, reliable byte channel to one controller. Callbacks of
// one characteristic are invoked sequentially in arrival order.
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Subscribe(c Characteristic, fn func([]byte)) error
	Unsubscribe(c Characteristic) error
	Disconnect() error
	// Done is closed when the link is lost or Disconnect was called.
	Done() <-chan struct{}
	// Address is the controller's Bluetooth address, if known.
	Address() string
}

// Connector establishes a Channel to the unit of the given side.
type Connector interface {
	Connect(ctx context.Context, side joycon.Side) (Channel, error)
}

var (
	ErrDisconnected = errors.New("controller disconnected")
	ErrNotFound     = errors.New("controller not found")
)

// Error reports a failed transport operation.
type Error struct {
	Op   string
	Side joycon.Side
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s joy-con %s: %v", e.Side, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
