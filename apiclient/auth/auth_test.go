package auth_test

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyconbridge/joyconbridge/apiclient/auth"
	"github.com/joyconbridge/joyconbridge/apitypes"
)

func TestDeriveKey(t *testing.T) {
	k1, err := auth.DeriveKey("secret")
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := auth.DeriveKey("secret")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	_, err = auth.DeriveKey("")
	assert.Error(t, err)
}

func TestHandshake(t *testing.T) {
	key, err := auth.DeriveKey("pw")
	require.NoError(t, err)
	wrong, err := auth.DeriveKey("nope")
	require.NoError(t, err)

	tests := []struct {
		name      string
		serverKey []byte
		wantErr   bool
	}{
		{"matching keys", key, false},
		{"wrong password", wrong, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()

			type result struct {
				cn, sn []byte
				err    error
			}
			srv := make(chan result, 1)
			go func() {
				defer server.Close()
				cn, sn, err := auth.ServerHandshake(bufio.NewReader(server), server, tt.serverKey)
				srv <- result{cn, sn, err}
			}()

			cn, sn, err := auth.ClientHandshake(bufio.NewReader(client), client, key)
			got := <-srv
			if tt.wantErr {
				assert.ErrorIs(t, got.err, auth.ErrUnauthorized)
				var apiErr *apitypes.ApiError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, 401, apiErr.Status)
				return
			}
			require.NoError(t, err)
			require.NoError(t, got.err)
			assert.Equal(t, got.cn, cn)
			assert.Equal(t, got.sn, sn)
			assert.Equal(t, auth.DeriveSessionKey(key, sn, cn), auth.DeriveSessionKey(key, got.sn, got.cn))
		})
	}
}

func TestClientHandshakeDecodesApiError(t *testing.T) {
	key, err := auth.DeriveKey("pw")
	require.NoError(t, err)
	r := bufio.NewReader(bytes.NewBufferString(`{"status":403,"title":"Forbidden","detail":"nope"}` + "\n"))
	_, _, err = auth.ClientHandshake(r, io.Discard, key)
	var apiErr *apitypes.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
}

func TestConnRoundTrip(t *testing.T) {
	key, err := auth.DeriveKey("pw")
	require.NoError(t, err)
	other, err := auth.DeriveKey("other")
	require.NoError(t, err)

	tests := []struct {
		name    string
		readKey []byte
		wantErr bool
	}{
		{"same key", key, false},
		{"different key", other, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()
			wa, err := auth.WrapConn(a, key)
			require.NoError(t, err)
			wb, err := auth.WrapConn(b, tt.readKey)
			require.NoError(t, err)

			go func() {
				_, _ = wa.Write([]byte("hello"))
				_, _ = wa.Write([]byte("world"))
			}()

			buf := make([]byte, 10)
			n, err := io.ReadFull(wb, buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "helloworld", string(buf[:n]))
		})
	}
}

func TestWrapConnRejectsBadKey(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := auth.WrapConn(a, []byte("short"))
	assert.Error(t, err)
}
