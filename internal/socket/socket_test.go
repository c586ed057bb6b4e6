package socket_test

import (
	"testing"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/socket"
	"github.com/stretchr/testify/require"
)

func TestSet_BindRejectsDuplicateAndOutOfRangePort(t *testing.T) {
	t.Parallel()
	set := socket.NewSet()
	a := addr.SockAddr{Addr: addr.IPv4FromBytes(10, 0, 0, 1), Port: 53}

	sock, err := set.Bind(a, socket.ProtoUDP)
	require.NoError(t, err)
	require.NotNil(t, sock)

	_, err = set.Bind(a, socket.ProtoUDP)
	require.Error(t, err)

	_, err = set.Bind(addr.SockAddr{Addr: a.Addr, Port: socket.MaxPort + 1}, socket.ProtoUDP)
	require.Error(t, err)
}

func TestSet_UnbindFreesTheAddress(t *testing.T) {
	t.Parallel()
	set := socket.NewSet()
	a := addr.SockAddr{Addr: addr.IPv4FromBytes(10, 0, 0, 1), Port: 53}
	_, err := set.Bind(a, socket.ProtoUDP)
	require.NoError(t, err)

	set.Unbind(a)
	_, ok := set.Find(a)
	require.False(t, ok)

	_, err = set.Bind(a, socket.ProtoUDP)
	require.NoError(t, err)
}

func TestSocket_PushIngressAndRecvFrom(t *testing.T) {
	t.Parallel()
	set := socket.NewSet()
	local := addr.SockAddr{Addr: addr.IPv4FromBytes(10, 0, 0, 1), Port: 53}
	sock, err := set.Bind(local, socket.ProtoUDP)
	require.NoError(t, err)

	peer := addr.SockAddr{Addr: addr.IPv4FromBytes(10, 0, 0, 2), Port: 5000}
	require.NoError(t, sock.PushIngress(socket.Datagram{Src: peer, Dst: local, Buf: []byte("hello")}))

	buf := make([]byte, 16)
	n, from, err := sock.RecvFrom(buf, false)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, peer, from)

	_, _, err = sock.RecvFrom(buf, false)
	require.Error(t, err)
}

func TestSocket_RecvFromPeekDoesNotConsume(t *testing.T) {
	t.Parallel()
	set := socket.NewSet()
	local := addr.SockAddr{Addr: addr.IPv4FromBytes(10, 0, 0, 1), Port: 53}
	sock, _ := set.Bind(local, socket.ProtoUDP)
	peer := addr.SockAddr{Addr: addr.IPv4FromBytes(10, 0, 0, 2), Port: 5000}
	require.NoError(t, sock.PushIngress(socket.Datagram{Src: peer, Dst: local, Buf: []byte("hi")}))

	buf := make([]byte, 16)
	_, _, err := sock.RecvFrom(buf, true)
	require.NoError(t, err)

	n, _, err := sock.RecvFrom(buf, false)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestSocket_SendToQueuesForEgress(t *testing.T) {
	t.Parallel()
	set := socket.NewSet()
	local := addr.SockAddr{Addr: addr.IPv4FromBytes(10, 0, 0, 1), Port: 53}
	sock, _ := set.Bind(local, socket.ProtoUDP)

	dst := addr.SockAddr{Addr: addr.IPv4FromBytes(10, 0, 0, 2), Port: 5000}
	n, err := sock.SendTo([]byte("reply"), dst)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	d, ok := sock.PopEgress()
	require.True(t, ok)
	require.Equal(t, "reply", string(d.Buf))
	require.Equal(t, dst, d.Dst)

	_, ok = sock.PopEgress()
	require.False(t, ok)
}
