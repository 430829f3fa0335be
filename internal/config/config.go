// Package config holds the user facing option groups and turns them into the
// validated settings the bridge runs with. Invalid values never abort
// startup: they fall back to a default and produce a Warning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/joycon/protocol"
	"github.com/joyconbridge/joyconbridge/mapping"
)

const DefaultMAC = "FFFFFFFFFFFF"

// Log configures logging.
type Log struct {
	Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" env:"JOYCONBRIDGE_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" env:"JOYCONBRIDGE_LOG_FILE"`
	RawFile string `help:"Hex dump raw BLE frames and DSU packets to this file" env:"JOYCONBRIDGE_LOG_RAW_FILE"`
}

// Controller is the controller and mapping configuration as entered.
type Controller struct {
	Controller     int               `help:"0 for a left and right pair, 1 for a single left unit, 2 for a single right unit" default:"0" env:"JOYCONBRIDGE_CONTROLLER"`
	Orientation    int               `help:"Single unit grip: 0 vertical, 1 horizontal" default:"0" env:"JOYCONBRIDGE_ORIENTATION"`
	MouseMode      int               `help:"0 off; 1 or 2 lets a unit held on a surface drive the mouse" default:"0" env:"JOYCONBRIDGE_MOUSE_MODE"`
	Deadzone       int               `help:"Radial stick deadzone, 0 to 16382" default:"4000" env:"JOYCONBRIDGE_DEADZONE"`
	LED            string            `help:"Player LED pattern, four binary digits" default:"0001" env:"JOYCONBRIDGE_LED"`
	SaveMACAddress bool              `help:"Store the host address in the controllers for reconnection" env:"JOYCONBRIDGE_SAVE_MAC_ADDRESS"`
	MACAddress     string            `help:"Host Bluetooth address, 12 hex digits" default:"FFFFFFFFFFFF" env:"JOYCONBRIDGE_MAC_ADDRESS"`
	LeftControls   map[string]string `help:"Left unit mapping, e.g. ZL=LEFT_TRIGGER;L=LEFT_SHOULDER" mapsep:";" env:"JOYCONBRIDGE_LEFT_CONTROLS"`
	RightControls  map[string]string `help:"Right unit mapping, e.g. A=B;B=A" mapsep:";" env:"JOYCONBRIDGE_RIGHT_CONTROLS"`
}

// DSU configures the motion server.
type DSU struct {
	Enabled       bool          `help:"Serve motion data over the cemuhook DSU protocol" env:"JOYCONBRIDGE_DSU_ENABLED"`
	Addr          string        `help:"DSU listen address" default:"127.0.0.1:26760" env:"JOYCONBRIDGE_DSU_ADDR"`
	ClientTimeout time.Duration `help:"Drop DSU clients silent for this long" default:"5s" env:"JOYCONBRIDGE_DSU_CLIENT_TIMEOUT"`
}

// Viiper configures the virtual device server.
type Viiper struct {
	Addr        string  `help:"VIIPER API address" default:"localhost:3242" env:"JOYCONBRIDGE_VIIPER_ADDR"`
	Password    string  `help:"VIIPER API password, '-' to prompt. Empty reads the local VIIPER key file" env:"JOYCONBRIDGE_VIIPER_PASSWORD"`
	BusID       uint32  `help:"Attach to this bus, 0 creates one" default:"0" env:"JOYCONBRIDGE_VIIPER_BUS_ID"`
	ScrollScale float64 `help:"Wheel notches per report at full stick deflection" default:"0.25" env:"JOYCONBRIDGE_VIIPER_SCROLL_SCALE"`
}

// Connect configures BLE connection attempts.
type Connect struct {
	Attempts    int           `help:"Connect and initialize attempts per unit" default:"3" env:"JOYCONBRIDGE_CONNECT_ATTEMPTS"`
	Backoff     time.Duration `help:"Pause between attempts" default:"1s" env:"JOYCONBRIDGE_CONNECT_BACKOFF"`
	ScanTimeout time.Duration `help:"Give up scanning after this long, 0 scans forever" default:"0s" env:"JOYCONBRIDGE_CONNECT_SCAN_TIMEOUT"`
}

// Monitor configures the debug state feed.
type Monitor struct {
	Addr string `help:"Serve a WebSocket state feed on this address, empty disables it" env:"JOYCONBRIDGE_MONITOR_ADDR"`
}

// Warning reports an invalid setting and the value used instead.
type Warning struct {
	Field    string
	Value    string
	Fallback string
	Err      error
}

func (w Warning) Error() string {
	msg := w.Field
	if w.Value != "" {
		msg += fmt.Sprintf("=%q", w.Value)
	}
	msg += ": " + w.Err.Error()
	if w.Fallback != "" {
		msg += ", using " + w.Fallback
	}
	return msg
}

func (w Warning) Unwrap() error { return w.Err }

// Settings is the validated controller configuration.
type Settings struct {
	Mapping mapping.Config
	Init    protocol.InitOptions
}

// Resolve validates c. It always returns usable settings.
func (c Controller) Resolve() (Settings, []Warning) {
	var warns []Warning
	warn := func(field, value, fallback string, err error) {
		warns = append(warns, Warning{Field: field, Value: value, Fallback: fallback, Err: err})
	}

	mode := mapping.Dual
	switch c.Controller {
	case 0:
	case 1:
		mode = mapping.SingleLeft
	case 2:
		mode = mapping.SingleRight
	default:
		warn("controller", fmt.Sprint(c.Controller), "0", fmt.Errorf("must be 0, 1 or 2"))
	}

	orient := mapping.Vertical
	switch c.Orientation {
	case 0:
	case 1:
		orient = mapping.Horizontal
	default:
		warn("orientation", fmt.Sprint(c.Orientation), "0", fmt.Errorf("must be 0 or 1"))
	}

	mouse := false
	switch c.MouseMode {
	case 0:
	case 1, 2:
		mouse = true
	default:
		warn("mouse-mode", fmt.Sprint(c.MouseMode), "0", fmt.Errorf("must be 0, 1 or 2"))
	}

	dz := c.Deadzone
	if dz < 0 || dz > mapping.MaxDeadzone {
		warn("deadzone", fmt.Sprint(dz), fmt.Sprint(mapping.DefaultDeadzone), fmt.Errorf("out of range 0..%d", mapping.MaxDeadzone))
		dz = mapping.DefaultDeadzone
	}

	led := protocol.LEDPattern(strings.TrimSpace(c.LED))
	if !led.Valid() {
		warn("led", c.LED, string(protocol.DefaultLEDPattern), fmt.Errorf("want four binary digits"))
		led = protocol.DefaultLEDPattern
	}

	mac, err := protocol.ParseMAC(c.MACAddress)
	if err != nil {
		warn("mac-address", c.MACAddress, DefaultMAC, err)
		mac, _ = protocol.ParseMAC(DefaultMAC)
	}

	cfg := mapping.Config{Mode: mode, Orientation: orient, MouseMode: mouse, Deadzone: dz}
	for _, side := range joycon.Sides {
		raw := c.LeftControls
		if side == joycon.Right {
			raw = c.RightControls
		}
		table, errs := mapping.ParseTable(side, mode, orient, raw)
		for _, e := range errs {
			warn(side.String()+"-controls", "", "", e)
		}
		cfg.Tables[side] = table
	}

	return Settings{
		Mapping: cfg,
		Init:    protocol.InitOptions{LED: led, SaveMAC: c.SaveMACAddress, MAC: mac},
	}, warns
}
