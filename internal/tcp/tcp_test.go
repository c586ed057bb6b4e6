package tcp_test

import (
	"encoding/binary"
	"testing"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/ip"
	"github.com/jserv/nstack/internal/link/looplink"
	"github.com/jserv/nstack/internal/proto"
	"github.com/jserv/nstack/internal/socket"
	"github.com/jserv/nstack/internal/tcp"
	"github.com/stretchr/testify/require"
)

func newLocalStack(t *testing.T) (*ip.Stack, addr.IPv4) {
	t.Helper()
	s, iface, _ := newLocalStackWithAdapter(t)
	return s, iface
}

func newLocalStackWithAdapter(t *testing.T) (*ip.Stack, addr.IPv4, *looplink.Loopback) {
	t.Helper()
	iface := addr.IPv4FromBytes(10, 0, 0, 1)
	netmask := addr.IPv4FromBytes(255, 255, 255, 0)
	adapter := looplink.New(addr.MAC{0x02, 0, 0, 0, 0, 1})
	s := ip.NewStack(adapter)
	require.NoError(t, s.Config(iface, netmask))
	return s, iface, adapter
}

func synSegment(srcPort, dstPort uint16) []byte {
	h := tcp.Header{SrcPort: srcPort, DstPort: dstPort, Seq: 100, Flags: tcp.FlagSYN, Window: 65535}
	return tcp.Encode(h, addr.IPv4FromBytes(10, 0, 0, 2), addr.IPv4FromBytes(10, 0, 0, 1), 536, nil)
}

func TestLayer_HandshakeThenEstablishedSend(t *testing.T) {
	t.Parallel()
	ipStack, iface := newLocalStack(t)
	sockets := socket.NewSet()
	layer := tcp.NewLayer(sockets, ipStack)

	local := addr.SockAddr{Addr: iface, Port: 80}
	_, err := layer.Bind(local)
	require.NoError(t, err)

	remote := addr.IPv4FromBytes(10, 0, 0, 2)
	hdr := ip.Header{Src: remote, Dst: iface, Proto: ip.ProtoTCP}

	// SYN -> SYN/ACK
	result, err := layer.Input(hdr, synSegment(4000, 80))
	require.NoError(t, err)
	require.Equal(t, proto.Replied, result.Outcome)

	synAck, err := tcp.DecodeHeader(result.Payload)
	require.NoError(t, err)
	require.Equal(t, tcp.FlagSYN|tcp.FlagACK, synAck.Flags)

	// ACK completes the handshake.
	ackHdr := tcp.Header{
		SrcPort: 4000, DstPort: 80, Seq: 101, Ack: synAck.Seq + 1,
		Flags: tcp.FlagACK, Window: 65535,
	}
	ackWire := tcp.Encode(ackHdr, remote, iface, 0, nil)
	result, err = layer.Input(hdr, ackWire)
	require.NoError(t, err)
	require.Equal(t, proto.Consumed, result.Outcome)

	// Now the connection is ESTABLISHED; Send should succeed.
	remoteAddr := addr.SockAddr{Addr: remote, Port: 4000}
	n, err := layer.Send(local, remoteAddr, []byte("hello there"))
	require.NoError(t, err)
	require.Equal(t, len("hello there"), n)
}

func TestLayer_InputRejectsNonSYNForUnknownConnection(t *testing.T) {
	t.Parallel()
	ipStack, iface := newLocalStack(t)
	sockets := socket.NewSet()
	layer := tcp.NewLayer(sockets, ipStack)
	_, err := layer.Bind(addr.SockAddr{Addr: iface, Port: 80})
	require.NoError(t, err)

	hdr := ip.Header{Src: addr.IPv4FromBytes(10, 0, 0, 2), Dst: iface, Proto: ip.ProtoTCP}
	ackOnly := tcp.Encode(tcp.Header{SrcPort: 4000, DstPort: 80, Flags: tcp.FlagACK}, addr.IPv4FromBytes(10, 0, 0, 2), iface, 0, nil)

	_, err = layer.Input(hdr, ackOnly)
	require.Error(t, err)
}

func TestLayer_SendWithNoConnectionPerformsActiveOpen(t *testing.T) {
	t.Parallel()
	ipStack, iface, adapter := newLocalStackWithAdapter(t)
	sockets := socket.NewSet()
	layer := tcp.NewLayer(sockets, ipStack)

	remote := addr.IPv4FromBytes(10, 0, 0, 2)
	require.NoError(t, ipStack.ARP.Insert(remote, addr.MAC{0x02, 0, 0, 0, 0, 9}, false))

	local := addr.SockAddr{Addr: iface, Port: 4000}
	remoteAddr := addr.SockAddr{Addr: remote, Port: 80}

	n, err := layer.Send(local, remoteAddr, []byte("queued"))
	require.NoError(t, err)
	require.Equal(t, len("queued"), n)

	syn := nextIPv4Frame(t, adapter)
	ipHdr, err := ip.DecodeHeader(syn)
	require.NoError(t, err)
	require.Equal(t, uint8(ip.ProtoTCP), ipHdr.Proto)

	segHdr, err := tcp.DecodeHeader(syn[ipHdr.HeaderLen():])
	require.NoError(t, err)
	require.Equal(t, tcp.FlagSYN, segHdr.Flags)
	require.Equal(t, uint16(4000), segHdr.SrcPort)
	require.Equal(t, uint16(80), segHdr.DstPort)

	// Completing the handshake flushes the queued payload.
	synAck := tcp.Header{
		SrcPort: 80, DstPort: 4000, Seq: 500, Ack: segHdr.Seq + 1,
		Flags: tcp.FlagSYN | tcp.FlagACK, Window: 65535,
	}
	synAckWire := tcp.Encode(synAck, remote, iface, 1460, nil)
	hdr := ip.Header{Src: remote, Dst: iface, Proto: ip.ProtoTCP}
	result, err := layer.Input(hdr, synAckWire)
	require.NoError(t, err)
	require.Equal(t, proto.Replied, result.Outcome)

	ack, err := tcp.DecodeHeader(result.Payload)
	require.NoError(t, err)
	require.Equal(t, tcp.FlagACK, ack.Flags)

	flushed := nextIPv4Frame(t, adapter)
	flushedIPHdr, err := ip.DecodeHeader(flushed)
	require.NoError(t, err)
	flushedSeg, err := tcp.DecodeHeader(flushed[flushedIPHdr.HeaderLen():])
	require.NoError(t, err)
	require.Equal(t, []byte("queued"), flushed[flushedIPHdr.HeaderLen()+flushedSeg.HeaderLen():])
}

func TestLayer_InputRepliesWithRSTForSYNToUnboundPort(t *testing.T) {
	t.Parallel()
	ipStack, iface := newLocalStack(t)
	sockets := socket.NewSet()
	layer := tcp.NewLayer(sockets, ipStack)

	hdr := ip.Header{Src: addr.IPv4FromBytes(10, 0, 0, 2), Dst: iface, Proto: ip.ProtoTCP}
	result, err := layer.Input(hdr, synSegment(4000, 9999))
	require.NoError(t, err)
	require.Equal(t, proto.Replied, result.Outcome)

	rst, err := tcp.DecodeHeader(result.Payload)
	require.NoError(t, err)
	require.Equal(t, tcp.FlagRST|tcp.FlagACK, rst.Flags)
}

// nextIPv4Frame drains loopback frames until it finds one carrying an IPv4
// ethertype (skipping the gratuitous ARP broadcasts ip.Stack.Config sends),
// and returns its payload with the Ethernet header stripped.
func nextIPv4Frame(t *testing.T, adapter *looplink.Loopback) []byte {
	t.Helper()
	for i := 0; i < 16; i++ {
		frame, err := adapter.Receive()
		require.NoError(t, err)
		require.True(t, len(frame) >= 14)
		if binary.BigEndian.Uint16(frame[12:14]) == 0x0800 {
			return frame[14:]
		}
	}
	t.Fatal("no IPv4 frame received")
	return nil
}
