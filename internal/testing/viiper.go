package testing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyconbridge/joyconbridge/apiclient/auth"
	"github.com/joyconbridge/joyconbridge/apitypes"
)

// FakeViiper is an in-process VIIPER management server. It keeps a bus
// table, answers the management paths and records every byte written to a
// device stream.
type FakeViiper struct {
	t        testing.TB
	ln       net.Listener
	password string

	mu       sync.Mutex
	buses    map[uint32][]apitypes.Device
	nextDev  map[uint32]int
	requests []string
	streams  map[string][]byte
	conns    map[string]net.Conn
}

// NewFakeViiper listens on 127.0.0.1:0. An empty password disables auth.
func NewFakeViiper(t testing.TB, password string) *FakeViiper {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &FakeViiper{
		t:        t,
		ln:       ln,
		password: password,
		buses:    map[uint32][]apitypes.Device{},
		nextDev:  map[uint32]int{},
		streams:  map[string][]byte{},
		conns:    map[string]net.Conn{},
	}
	go f.accept()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *FakeViiper) Addr() string { return f.ln.Addr().String() }

// AddBus pre-creates a bus.
func (f *FakeViiper) AddBus(id uint32) {
	f.mu.Lock()
	f.buses[id] = nil
	f.mu.Unlock()
}

// Requests returns the management request lines seen so far.
func (f *FakeViiper) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Devices lists the devices on a bus.
func (f *FakeViiper) Devices(bus uint32) []apitypes.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apitypes.Device(nil), f.buses[bus]...)
}

func (f *FakeViiper) HasBus(bus uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.buses[bus]
	return ok
}

// Stream returns the bytes received on the stream of bus/dev.
func (f *FakeViiper) Stream(bus uint32, dev string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.streams[streamKey(bus, dev)]...)
}

// Feedback writes raw bytes from the device back to the stream client.
func (f *FakeViiper) Feedback(bus uint32, dev string, data []byte) {
	f.mu.Lock()
	c := f.conns[streamKey(bus, dev)]
	f.mu.Unlock()
	if assert.NotNil(f.t, c, "no stream for %d-%s", bus, dev) {
		_, _ = c.Write(data)
	}
}

func streamKey(bus uint32, dev string) string { return fmt.Sprintf("%d-%s", bus, dev) }

func (f *FakeViiper) accept() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(c)
	}
}

func (f *FakeViiper) serve(c net.Conn) {
	var conn net.Conn = c
	r := bufio.NewReader(c)
	if f.password != "" {
		key, err := auth.DeriveKey(f.password)
		if err != nil {
			_ = c.Close()
			return
		}
		cn, sn, err := auth.ServerHandshake(r, c, key)
		if err != nil {
			_ = c.Close()
			return
		}
		conn, err = auth.WrapConn(c, auth.DeriveSessionKey(key, sn, cn))
		if err != nil {
			_ = c.Close()
			return
		}
		r = bufio.NewReader(conn)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.ReadString('\x00')
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	line = strings.TrimSuffix(line, "\x00")
	path, payload, _ := strings.Cut(line, " ")

	if bus, dev, ok := f.streamPath(path); ok {
		f.stream(conn, r, bus, dev)
		return
	}

	defer conn.Close()
	f.mu.Lock()
	f.requests = append(f.requests, line)
	resp := f.handle(path, payload)
	f.mu.Unlock()
	out, _ := json.Marshal(resp)
	_, _ = conn.Write(append(out, '\n'))
}

func (f *FakeViiper) streamPath(path string) (uint32, string, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] != "bus" {
		return 0, "", false
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, "", false
	}
	switch parts[2] {
	case "add", "remove", "list":
		return 0, "", false
	}
	return uint32(id), parts[2], true
}

func (f *FakeViiper) stream(conn net.Conn, r io.Reader, bus uint32, dev string) {
	key := streamKey(bus, dev)
	f.mu.Lock()
	f.conns[key] = conn
	f.mu.Unlock()
	defer conn.Close()

	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			f.mu.Lock()
			f.streams[key] = append(f.streams[key], buf[:n]...)
			f.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (f *FakeViiper) handle(path, payload string) any {
	notFound := apitypes.ApiError{Status: 404, Title: "Not Found", Detail: path}
	switch path {
	case "ping":
		return apitypes.PingResponse{Server: "viiper", Version: "test"}
	case "bus/list":
		ids := []uint32{}
		for id := range f.buses {
			ids = append(ids, id)
		}
		return apitypes.BusListResponse{Buses: ids}
	case "bus/create":
		id := uint32(1)
		if payload != "" {
			v, err := strconv.ParseUint(payload, 10, 32)
			if err != nil {
				return apitypes.ApiError{Status: 400, Title: "Bad Request", Detail: err.Error()}
			}
			id = uint32(v)
		}
		for payload == "" {
			if _, taken := f.buses[id]; !taken {
				break
			}
			id++
		}
		if _, taken := f.buses[id]; taken {
			return apitypes.ApiError{Status: 409, Title: "Conflict", Detail: "bus exists"}
		}
		f.buses[id] = nil
		return apitypes.BusCreateResponse{BusID: id}
	case "bus/remove":
		v, _ := strconv.ParseUint(payload, 10, 32)
		if _, ok := f.buses[uint32(v)]; !ok {
			return notFound
		}
		delete(f.buses, uint32(v))
		return apitypes.BusRemoveResponse{BusID: uint32(v)}
	}

	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return notFound
	}
	v, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return notFound
	}
	bus := uint32(v)
	devs, ok := f.buses[bus]
	if !ok {
		return notFound
	}
	switch parts[2] {
	case "add":
		var req apitypes.DeviceCreateRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil || req.Type == nil {
			return apitypes.ApiError{Status: 400, Title: "Bad Request", Detail: "bad device request"}
		}
		f.nextDev[bus]++
		d := apitypes.Device{BusID: bus, DevId: strconv.Itoa(f.nextDev[bus]), Vid: "0x045e", Pid: "0x028e", Type: *req.Type}
		f.buses[bus] = append(devs, d)
		return d
	case "remove":
		for i, d := range devs {
			if d.DevId == payload {
				f.buses[bus] = append(devs[:i:i], devs[i+1:]...)
				return apitypes.DeviceRemoveResponse{BusID: bus, DevId: payload}
			}
		}
		return notFound
	case "list":
		return apitypes.DevicesListResponse{Devices: append([]apitypes.Device{}, devs...)}
	}
	return notFound
}
