package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportNotReadyWithoutRemote(t *testing.T) {
	tr, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer tr.Close()

	assert.False(t, tr.IsReady(), "Transport without a remote address is not ready")
	assert.Error(t, tr.SendRawFrame([]byte{0x01}))

	require.NoError(t, tr.SetRemoteAddr("127.0.0.1:5004"))
	assert.True(t, tr.IsReady())
}

func TestUDPTransportRoundtrip(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	tr, err := NewUDPTransport(Config{
		LocalAddr:  "127.0.0.1:0",
		RemoteAddr: peer.LocalAddr().String(),
	})
	require.NoError(t, err)
	defer tr.Close()

	require.True(t, tr.IsReady())

	frame := []byte{0x80, 0x78, 0x00, 0x01, 0xDE, 0xAD}
	require.NoError(t, tr.SendRawFrame(frame))

	buf := make([]byte, 1500)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])
}

func TestUDPTransportClose(t *testing.T) {
	tr, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsReady())
	assert.Error(t, tr.SendRawFrame([]byte{0x01}))
	require.NoError(t, tr.Close(), "Repeated close must be a no-op")
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, ":0", config.LocalAddr)
	assert.Equal(t, 46, config.DSCP, "Voice traffic defaults to DSCP EF")
}
