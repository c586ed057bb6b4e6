package addr_test

import (
	"net"
	"testing"

	"github.com/jserv/nstack/internal/addr"
	"github.com/stretchr/testify/require"
)

func TestIPv4_BytesRoundTrip(t *testing.T) {
	t.Parallel()
	a := addr.IPv4FromBytes(10, 0, 0, 2)
	require.Equal(t, [4]byte{10, 0, 0, 2}, a.Bytes())
	require.Equal(t, "10.0.0.2", a.String())
}

func TestIPv4FromNetIP(t *testing.T) {
	t.Parallel()

	t.Run("valid_v4", func(t *testing.T) {
		t.Parallel()
		a, err := addr.IPv4FromNetIP(net.ParseIP("192.168.1.1"))
		require.NoError(t, err)
		require.Equal(t, "192.168.1.1", a.String())
	})

	t.Run("rejects_v6", func(t *testing.T) {
		t.Parallel()
		_, err := addr.IPv4FromNetIP(net.ParseIP("::1"))
		require.Error(t, err)
	})
}

func TestIPv4_Mask(t *testing.T) {
	t.Parallel()
	a := addr.IPv4FromBytes(192, 168, 1, 42)
	mask := addr.IPv4FromBytes(255, 255, 255, 0)
	require.Equal(t, addr.IPv4FromBytes(192, 168, 1, 0), a.Mask(mask))
}

func TestMAC_IsZero(t *testing.T) {
	t.Parallel()
	require.True(t, addr.Zero.IsZero())
	require.False(t, addr.Broadcast.IsZero())
}

func TestSockAddr_String(t *testing.T) {
	t.Parallel()
	s := addr.SockAddr{Addr: addr.IPv4FromBytes(127, 0, 0, 1), Port: 8080}
	require.Equal(t, "127.0.0.1:8080", s.String())
}
