package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSender struct {
	sent   []Command
	failAt int
}

func (s *scriptedSender) Send(_ context.Context, cmd Command) (Response, error) {
	s.sent = append(s.sent, cmd)
	if s.failAt > 0 && len(s.sent) == s.failAt {
		return Response{}, &CommandError{Command: cmd, Err: ErrTimeout}
	}
	return Response{ID: cmd.ID, Sub: cmd.Sub}, nil
}

func names(cmds []Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Name
	}
	return out
}

func TestParseMAC(t *testing.T) {
	m, err := ParseMAC("AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, MAC{0x01, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}, m)

	_, err = ParseMAC("AABBCC")
	assert.Error(t, err)
	_, err = ParseMAC("GGBBCCDDEEFF")
	assert.Error(t, err)
}

func TestMACSecondaryDecrementsLeadingByte(t *testing.T) {
	for _, lead := range []byte{0x00, 0x01, 0x7F, 0xFF} {
		m := MAC{lead, 1, 2, 3, 4, 5}
		cmds := MACSaveCommands(m)
		step1 := cmds[0].Payload
		require.Len(t, step1, 14)
		assert.Equal(t, []byte{0x00, 0x02}, step1[:2])
		primary, secondary := step1[2:8], step1[8:14]
		assert.Equal(t, lead-1, secondary[0], "lead 0x%02x", lead)
		assert.Equal(t, primary[1:], secondary[1:])
	}
	assert.Equal(t, byte(0xFF), MAC{0x00}.Secondary()[0])
}

func TestLEDPattern(t *testing.T) {
	tests := []struct {
		in    LEDPattern
		valid bool
		want  byte
	}{
		{"0001", true, 0x1},
		{"1111", true, 0xF},
		{"1010", true, 0xA},
		{"01", false, 0x1},
		{"0021", false, 0x1},
		{"", false, 0x1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.in.Valid(), string(tt.in))
		assert.Equal(t, tt.want, tt.in.Nibble(), string(tt.in))
		assert.Equal(t, tt.want, PlayerLED(tt.in).Payload[0])
	}
}

func TestConnectedVibrationFrame(t *testing.T) {
	assert.Equal(t,
		[]byte{0x0a, 0x91, 0x01, 0x02, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00},
		ConnectedVibration().Encode(0))
}

func TestSequenceOrder(t *testing.T) {
	assert.Equal(t,
		[]string{"connected-vibration", "player-led", "sensor-init", "sensor-start"},
		names(Sequence(InitOptions{LED: "0001"})))
	assert.Equal(t,
		[]string{"connected-vibration", "mac-save-1", "mac-save-2", "mac-save-3", "mac-save-4", "player-led", "sensor-init", "sensor-start"},
		names(Sequence(InitOptions{LED: "0001", SaveMAC: true})))
}

func TestInitializeStopsAtFirstFailure(t *testing.T) {
	s := &scriptedSender{failAt: 2}
	err := Initialize(context.Background(), s, InitOptions{LED: "0001"}, nil)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Len(t, s.sent, 2)

	ok := &scriptedSender{}
	require.NoError(t, Initialize(context.Background(), ok, InitOptions{LED: "1000", SaveMAC: true}, nil))
	assert.Len(t, ok.sent, 8)
}
