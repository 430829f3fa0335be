// Package ble connects to Joy-Con 2 units over Bluetooth Low Energy.
package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/transport"
)

// Nintendo company identifier and the advertisement prefix of Joy-Con 2 units.
const (
	ManufacturerID = 0x0553
)

var manufacturerPrefix = []byte{0x01, 0x00, 0x03, 0x7e, 0x05}

var (
	uuidInputReport     = mustUUID("ab7de9be-89fe-49ad-828f-118f09df7fd2")
	uuidCommand         = mustUUID("649d4ac9-8eb7-4e6c-af44-1ea54fe5f005")
	uuidCommandResponse = mustUUID("c765a961-d9d8-4d36-a20a-5315b111836a")
)

// mustUUID parses a constant UUID string, panicking if it is malformed.
func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsJoyCon reports whether manufacturer data of an advertisement belongs to a Joy-Con 2.
func IsJoyCon(companyID uint16, data []byte) bool {
	return companyID == ManufacturerID && bytes.HasPrefix(data, manufacturerPrefix)
}

// Connector scans for and connects to Joy-Con units on one adapter.
type Connector struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	// scanning admits one scan at a time; the adapter supports only one.
	scanning chan struct{}

	mu       sync.Mutex
	claimed  map[string]bool
	channels map[string]*channel
}

// NewConnector creates a connector and installs the adapter's connect
// handler so that a dropped link closes the channel's Done.
func NewConnector(adapter *bluetooth.Adapter, logger *slog.Logger) *Connector {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	c := newConnector(adapter, logger)
	adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		c.linkChanged(d.Address.String(), connected)
	})
	return c
}

func newConnector(adapter *bluetooth.Adapter, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		adapter:  adapter,
		logger:   logger,
		scanning: make(chan struct{}, 1),
		claimed:  map[string]bool{},
		channels: map[string]*channel{},
	}
}

// Connect scans until an unclaimed Joy-Con advertises, then connects to it.
// The unit found first is assigned to side.
func (c *Connector) Connect(ctx context.Context, side joycon.Side) (transport.Channel, error) {
	c.enableOnce.Do(func() { c.enableErr = c.adapter.Enable() })
	if c.enableErr != nil {
		return nil, &transport.Error{Op: "enable adapter", Side: side, Err: c.enableErr}
	}

	select {
	case c.scanning <- struct{}{}:
	case <-ctx.Done():
		return nil, &transport.Error{Op: "scan", Side: side, Err: ctx.Err()}
	}
	c.logger.Info("scanning, press the sync button", "side", side)
	addr, err := c.scan(ctx)
	<-c.scanning
	if err != nil {
		return nil, &transport.Error{Op: "scan", Side: side, Err: err}
	}
	c.logger.Info("controller found", "side", side, "address", addr.String())

	dev, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		c.release(addr.String())
		return nil, &transport.Error{Op: "connect", Side: side, Err: err}
	}

	ch := c.newChannel(side, addr.String(), dev)
	if err := ch.discover(dev); err != nil {
		_ = ch.Disconnect()
		return nil, &transport.Error{Op: "discover", Side: side, Err: err}
	}
	c.track(ch)
	return ch, nil
}

func (c *Connector) newChannel(side joycon.Side, addr string, dev disconnecter) *channel {
	return &channel{
		side:    side,
		address: addr,
		logger:  c.logger.With("side", side),
		dev:     dev,
		done:    make(chan struct{}),
		release: func() { c.release(addr) },
	}
}

func (c *Connector) track(ch *channel) {
	c.mu.Lock()
	c.channels[ch.address] = ch
	c.mu.Unlock()
}

// linkChanged closes the channel of a unit whose link went down.
func (c *Connector) linkChanged(addr string, connected bool) {
	if connected {
		return
	}
	c.mu.Lock()
	ch := c.channels[addr]
	c.mu.Unlock()
	if ch != nil {
		ch.lost()
	}
}

func (c *Connector) scan(ctx context.Context) (bluetooth.Address, error) {
	found := make(chan bluetooth.Address, 1)
	scanErr := make(chan error, 1)
	var matched bool
	go func() {
		scanErr <- c.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if matched {
				return
			}
			for _, md := range r.ManufacturerData() {
				if !IsJoyCon(md.CompanyID, md.Data) {
					continue
				}
				if !c.claim(r.Address.String()) {
					return
				}
				matched = true
				select {
				case found <- r.Address:
				default:
				}
				_ = a.StopScan()
				return
			}
		})
	}()

	select {
	case addr := <-found:
		<-scanErr
		return addr, nil
	case err := <-scanErr:
		if err == nil {
			err = transport.ErrNotFound
		}
		return bluetooth.Address{}, err
	case <-ctx.Done():
		_ = c.adapter.StopScan()
		<-scanErr
		return bluetooth.Address{}, ctx.Err()
	}
}

func (c *Connector) claim(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed[addr] {
		return false
	}
	c.claimed[addr] = true
	return true
}

func (c *Connector) release(addr string) {
	c.mu.Lock()
	delete(c.claimed, addr)
	delete(c.channels, addr)
	c.mu.Unlock()
}

type disconnecter interface {
	Disconnect() error
}

type channel struct {
	side    joycon.Side
	address string
	logger  *slog.Logger
	dev     disconnecter
	release func()

	chars map[transport.Characteristic]bluetooth.DeviceCharacteristic

	done      chan struct{}
	closeOnce sync.Once
}

func (ch *channel) discover(dev interface {
	DiscoverServices([]bluetooth.UUID) ([]bluetooth.DeviceService, error)
}) error {
	svcs, err := dev.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("services: %w", err)
	}
	want := map[bluetooth.UUID]transport.Characteristic{
		uuidInputReport:     transport.InputReport,
		uuidCommand:         transport.Command,
		uuidCommandResponse: transport.CommandResponse,
	}
	ch.chars = make(map[transport.Characteristic]bluetooth.DeviceCharacteristic, len(want))
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for _, c := range chars {
			if kind, ok := want[c.UUID()]; ok {
				ch.chars[kind] = c
			}
		}
	}
	for _, kind := range want {
		if _, ok := ch.chars[kind]; !ok {
			return fmt.Errorf("characteristic %s missing", kind)
		}
	}
	return nil
}

func (ch *channel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ch.done:
		return &transport.Error{Op: "send", Side: ch.side, Err: transport.ErrDisconnected}
	default:
	}
	c := ch.chars[transport.Command]
	if _, err := c.WriteWithoutResponse(frame); err != nil {
		return &transport.Error{Op: "send", Side: ch.side, Err: err}
	}
	return nil
}

func (ch *channel) Subscribe(kind transport.Characteristic, fn func([]byte)) error {
	c, ok := ch.chars[kind]
	if !ok {
		return &transport.Error{Op: "subscribe", Side: ch.side, Err: fmt.Errorf("no %s characteristic", kind)}
	}
	if err := c.EnableNotifications(fn); err != nil {
		return &transport.Error{Op: "subscribe " + kind.String(), Side: ch.side, Err: err}
	}
	return nil
}

func (ch *channel) Unsubscribe(kind transport.Characteristic) error {
	c, ok := ch.chars[kind]
	if !ok {
		return nil
	}
	if err := c.EnableNotifications(nil); err != nil {
		return &transport.Error{Op: "unsubscribe " + kind.String(), Side: ch.side, Err: err}
	}
	return nil
}

func (ch *channel) Disconnect() error {
	var err error
	ch.closeOnce.Do(func() {
		err = ch.dev.Disconnect()
		close(ch.done)
		ch.release()
		ch.logger.Info("disconnected", "address", ch.address)
	})
	if err != nil && !errors.Is(err, transport.ErrDisconnected) {
		return &transport.Error{Op: "disconnect", Side: ch.side, Err: err}
	}
	return nil
}

// lost marks the link as gone without talking to the device.
func (ch *channel) lost() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.release()
		ch.logger.Warn("link lost", "address", ch.address)
	})
}

func (ch *channel) Done() <-chan struct{} { return ch.done }

func (ch *channel) Address() string { return ch.address }
