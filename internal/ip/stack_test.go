package ip_test

import (
	"testing"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/icmp"
	"github.com/jserv/nstack/internal/ip"
	"github.com/jserv/nstack/internal/link"
	"github.com/jserv/nstack/internal/link/looplink"
	"github.com/jserv/nstack/internal/proto"
	"github.com/stretchr/testify/require"
)

func newConfiguredStack(t *testing.T) (*ip.Stack, *looplink.Loopback, addr.IPv4) {
	t.Helper()
	iface := addr.IPv4FromBytes(10, 0, 0, 1)
	netmask := addr.IPv4FromBytes(255, 255, 255, 0)
	adapter := looplink.New(addr.MAC{0x02, 0, 0, 0, 0, 1})
	s := ip.NewStack(adapter)
	require.NoError(t, s.Config(iface, netmask))
	return s, adapter, iface
}

func TestStack_InputDropsBadChecksum(t *testing.T) {
	t.Parallel()
	s, _, iface := newConfiguredStack(t)

	h := ip.Header{VHL: 0x45, TTL: 64, Proto: ip.ProtoICMP, Src: addr.IPv4FromBytes(10, 0, 0, 2), Dst: iface, Len: 20}
	payload := h.Encode()
	payload[11] ^= 0xff // corrupt checksum low byte

	result, err := s.Input(link.Header{}, payload, true)
	require.NoError(t, err)
	require.Equal(t, proto.Consumed, result.Outcome)
}

func TestStack_InputEchoRequestRepliesThroughICMP(t *testing.T) {
	t.Parallel()
	s, adapter, iface := newConfiguredStack(t)
	icmpHandler := icmp.NewHandler()
	s.SetUnreachableSink(icmpHandler)
	s.RegisterProto(ip.ProtoICMP, icmpHandler.Input)

	remote := addr.IPv4FromBytes(10, 0, 0, 2)
	echo := []byte{8, 0, 0, 0, 0, 0, 0, 0} // type=8 (echo request), checksum zeroed
	csum := ip.Checksum(echo)
	echo[2], echo[3] = byte(csum>>8), byte(csum)

	h := ip.Header{VHL: 0x45, TTL: 64, Proto: ip.ProtoICMP, Src: remote, Dst: iface, Len: uint16(20 + len(echo))}
	packet := append(h.Encode(), echo...)

	result, err := s.Input(link.Header{}, packet, true)
	require.NoError(t, err)
	require.Equal(t, proto.Sent, result.Outcome)

	frame, err := adapter.Receive()
	require.NoError(t, err)
	require.Greater(t, len(frame), 14+20)
}

func TestStack_InputUnknownProtocolGeneratesUnreachable(t *testing.T) {
	t.Parallel()
	s, adapter, iface := newConfiguredStack(t)
	icmpHandler := icmp.NewHandler()
	s.SetUnreachableSink(icmpHandler)

	h := ip.Header{VHL: 0x45, TTL: 64, Proto: 250, Src: addr.IPv4FromBytes(10, 0, 0, 2), Dst: iface, Len: 20}
	packet := h.Encode()

	result, err := s.Input(link.Header{}, packet, true)
	require.NoError(t, err)
	require.Equal(t, proto.Sent, result.Outcome)

	_, err = adapter.Receive()
	require.NoError(t, err)
}
