// Package apiclient talks to the management API of a VIIPER USB-IP server:
// bus and device lifecycle plus the per-device input streams.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/joyconbridge/joyconbridge/apitypes"
)

// CreateOptions overrides the USB identity of a new device.
type CreateOptions struct {
	IdVendor  *uint16
	IdProduct *uint16
}

// Client wraps a Transport with typed requests and problem+json decoding.
type Client struct{ transport *Transport }

func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword constructs a client that authenticates every connection.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport is mostly useful with NewMockTransport in tests.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

// Ping returns the identity and version of the server.
func (c *Client) Ping(ctx context.Context) (*apitypes.PingResponse, error) {
	return call[apitypes.PingResponse](ctx, c, "ping", nil, nil)
}

func (c *Client) BusList(ctx context.Context) (*apitypes.BusListResponse, error) {
	return call[apitypes.BusListResponse](ctx, c, "bus/list", nil, nil)
}

// BusCreate allocates a bus. A busID of 0 lets the server pick one.
func (c *Client) BusCreate(ctx context.Context, busID uint32) (*apitypes.BusCreateResponse, error) {
	var payload any
	if busID != 0 {
		payload = strconv.FormatUint(uint64(busID), 10)
	}
	return call[apitypes.BusCreateResponse](ctx, c, "bus/create", payload, nil)
}

// BusRemove removes a bus along with every device on it.
func (c *Client) BusRemove(ctx context.Context, busID uint32) (*apitypes.BusRemoveResponse, error) {
	return call[apitypes.BusRemoveResponse](ctx, c, "bus/remove", strconv.FormatUint(uint64(busID), 10), nil)
}

// DeviceAdd plugs a device of devType ("xbox360", "mouse", ...) into a bus.
func (c *Client) DeviceAdd(ctx context.Context, busID uint32, devType string, o *CreateOptions) (*apitypes.Device, error) {
	if o == nil {
		o = &CreateOptions{}
	}
	req := apitypes.DeviceCreateRequest{Type: &devType, IdVendor: o.IdVendor, IdProduct: o.IdProduct}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal device create request: %w", err)
	}
	return call[apitypes.Device](ctx, c, "bus/{id}/add", string(payload), busParams(busID))
}

func (c *Client) DeviceRemove(ctx context.Context, busID uint32, devID string) (*apitypes.DeviceRemoveResponse, error) {
	return call[apitypes.DeviceRemoveResponse](ctx, c, "bus/{id}/remove", devID, busParams(busID))
}

func (c *Client) DevicesList(ctx context.Context, busID uint32) (*apitypes.DevicesListResponse, error) {
	return call[apitypes.DevicesListResponse](ctx, c, "bus/{id}/list", nil, busParams(busID))
}

func busParams(busID uint32) map[string]string {
	return map[string]string{"id": strconv.FormatUint(uint64(busID), 10)}
}

func call[T any](ctx context.Context, c *Client, path string, payload any, params map[string]string) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload, params)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

// parse decodes a response strictly. A problem+json body becomes an
// *apitypes.ApiError.
func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
