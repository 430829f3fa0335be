package dsu

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyconbridge/joyconbridge/joycon"
	"github.com/joyconbridge/joyconbridge/mapping"
	"github.com/joyconbridge/joyconbridge/sink"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func startServer(t *testing.T) (*Server, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1000, 0)}
	s := New(Config{Addr: "127.0.0.1:0", MAC: [6]byte{0xAA, 1, 2, 3, 4, 5}}, nil, nil)
	s.now = clk.now
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Listen(ctx))
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return s, clk
}

func dialClient(t *testing.T, s *Server) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, s.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func request(t *testing.T, c *net.UDPConn, msgType uint32, body []byte) {
	t.Helper()
	_, err := c.Write(EncodePacket(magicClient, 0xC0FFEE, msgType, body))
	require.NoError(t, err)
}

func readPacket(t *testing.T, c *net.UDPConn) (Header, []byte) {
	t.Helper()
	buf := make([]byte, maxPacketLen)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := c.Read(buf)
	require.NoError(t, err)
	h, body, err := DecodePacket(magicServer, buf[:n])
	require.NoError(t, err)
	return h, body
}

func expectSilence(t *testing.T, c *net.UDPConn) {
	t.Helper()
	buf := make([]byte, maxPacketLen)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := c.Read(buf)
	assert.Error(t, err)
}

func motion(ts uint64) mapping.Motion {
	var g sink.Gamepad
	g.Buttons.Set(sink.A, true)
	g.Buttons.Set(sink.DPadUp, true)
	g.RightTrigger = 255
	g.LeftStick = sink.Axis{X: 32767, Y: -32768}
	return mapping.Motion{
		Side:    joycon.Right,
		Gamepad: g,
		Samples: []joycon.IMUSample{
			{Timestamp: ts - 5000},
			{Timestamp: ts, Accel: joycon.Vec3{X: 0.5, Y: -1, Z: 0.25}, Gyro: joycon.Vec3{X: 10, Y: 20, Z: -30}},
		},
		Battery: 3900,
	}
}

func TestVersionAndPorts(t *testing.T) {
	s, _ := startServer(t)
	c := dialClient(t, s)

	request(t, c, MsgVersion, nil)
	h, body := readPacket(t, c)
	assert.Equal(t, MsgVersion, h.Type)
	assert.Equal(t, []byte{0xE9, 0x03}, body)

	request(t, c, MsgPorts, []byte{2, 0, 0, 0, 0, 1})
	_, body = readPacket(t, c)
	require.Len(t, body, portInfoLen)
	assert.Equal(t, byte(0), body[0])
	assert.Equal(t, ModelDS4, body[2])
	assert.Equal(t, []byte{0xAA, 1, 2, 3, 4, 5}, body[4:10])
	_, body = readPacket(t, c)
	assert.Equal(t, byte(1), body[0])
	assert.Equal(t, SlotDisconnected, body[1])
}

func TestStreamingCounterIsMonotonic(t *testing.T) {
	s, _ := startServer(t)
	c := dialClient(t, s)

	request(t, c, MsgPadData, DataRequest{Flags: RegisterSlot, Slot: 0}.Encode())
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	var last uint32
	for i := 0; i < 5; i++ {
		s.broadcast(motion(uint64(100000 + i*15000)))
		h, body := readPacket(t, c)
		assert.Equal(t, MsgPadData, h.Type)
		pd, err := DecodePadData(body)
		require.NoError(t, err)
		assert.Greater(t, pd.Counter, last)
		last = pd.Counter
	}
}

func TestStreamedSnapshot(t *testing.T) {
	s, _ := startServer(t)
	c := dialClient(t, s)
	request(t, c, MsgPadData, DataRequest{Flags: RegisterAll}.Encode())
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	s.PublishMotion(motion(200000))
	_, body := readPacket(t, c)
	pd, err := DecodePadData(body)
	require.NoError(t, err)

	assert.True(t, pd.Connected)
	assert.Equal(t, SlotConnected, pd.Controller.State)
	assert.Equal(t, BatteryHigh, pd.Controller.Battery)
	assert.Equal(t, Btn1Up, pd.Buttons1)
	assert.Equal(t, Btn2Cross|Btn2R2, pd.Buttons2)
	assert.Equal(t, byte(0xFF), pd.Analog[AnalogR2])
	assert.Equal(t, byte(255), pd.LX)
	assert.Equal(t, byte(0), pd.LY)
	assert.Equal(t, uint64(200000), pd.Timestamp)
	assert.Equal(t, Vec3{X: 0.5, Y: -1, Z: 0.25}, pd.Accel)
	assert.Equal(t, Vec3{X: 10, Y: 20, Z: -30}, pd.Gyro)
}

func TestRegistrationByMAC(t *testing.T) {
	s, _ := startServer(t)
	wrong := dialClient(t, s)
	right := dialClient(t, s)
	request(t, wrong, MsgPadData, DataRequest{Flags: RegisterMAC, MAC: [6]byte{9, 9, 9, 9, 9, 9}}.Encode())
	request(t, right, MsgPadData, DataRequest{Flags: RegisterMAC, MAC: [6]byte{0xAA, 1, 2, 3, 4, 5}}.Encode())
	require.Eventually(t, func() bool { return s.Clients() == 2 }, time.Second, 5*time.Millisecond)

	s.broadcast(motion(1))
	readPacket(t, right)
	expectSilence(t, wrong)
}

func TestRegistrationBySlotAndMAC(t *testing.T) {
	s, _ := startServer(t)
	c := dialClient(t, s)
	request(t, c, MsgPadData, DataRequest{Flags: RegisterSlot | RegisterMAC, Slot: 3, MAC: [6]byte{0xAA, 1, 2, 3, 4, 5}}.Encode())
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	s.broadcast(motion(1))
	h, _ := readPacket(t, c)
	assert.Equal(t, MsgPadData, h.Type, "the MAC bit registers even with the slot bit set")
}

func TestSendFailureSparesOtherClients(t *testing.T) {
	s, _ := startServer(t)
	live := dialClient(t, s)
	s.register(&net.UnixAddr{Name: "unreachable", Net: "unixgram"}, 1, DataRequest{Flags: RegisterAll})
	request(t, live, MsgPadData, DataRequest{Flags: RegisterAll}.Encode())
	require.Eventually(t, func() bool { return s.Clients() == 2 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		s.broadcast(motion(uint64(i + 1)))
		h, _ := readPacket(t, live)
		assert.Equal(t, MsgPadData, h.Type)
	}
	assert.Equal(t, 2, s.Clients())
}

func TestSilentClientIsEvicted(t *testing.T) {
	s, clk := startServer(t)
	c := dialClient(t, s)
	request(t, c, MsgPadData, DataRequest{Flags: RegisterSlot}.Encode())
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	clk.advance(DefaultClientTimeout - time.Second)
	s.broadcast(motion(1))
	readPacket(t, c)

	clk.advance(2 * time.Second)
	s.broadcast(motion(2))
	assert.Equal(t, 0, s.Clients())
	expectSilence(t, c)

	request(t, c, MsgPadData, DataRequest{Flags: RegisterSlot}.Encode())
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)
	s.broadcast(motion(3))
	_, body := readPacket(t, c)
	pd, err := DecodePadData(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), pd.Counter, "a new session starts its own counter")
}

func TestPublishMotionNeverBlocks(t *testing.T) {
	s := New(Config{}, nil, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.PublishMotion(motion(uint64(i + 1)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishMotion blocked")
	}
	m := <-s.mailbox
	assert.Equal(t, uint64(100), m.Samples[1].Timestamp)
}

func TestBadRequestsAreIgnored(t *testing.T) {
	s, _ := startServer(t)
	c := dialClient(t, s)
	_, err := c.Write([]byte("garbage"))
	require.NoError(t, err)
	request(t, c, 0x200000, nil)
	expectSilence(t, c)

	request(t, c, MsgVersion, nil)
	h, _ := readPacket(t, c)
	assert.Equal(t, MsgVersion, h.Type)
}
