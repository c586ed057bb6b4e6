package daemon_test

import (
	"context"
	"testing"
	"time"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/daemon"
	"github.com/jserv/nstack/internal/ip"
	"github.com/jserv/nstack/internal/link/looplink"
	"github.com/stretchr/testify/require"
)

func TestNew_ConfiguresInterfaceAndRoute(t *testing.T) {
	t.Parallel()
	adapter := looplink.New(addr.MAC{0x02, 0, 0, 0, 0, 1})
	iface := addr.IPv4FromBytes(10, 0, 0, 1)
	netmask := addr.IPv4FromBytes(255, 255, 255, 0)

	s, err := daemon.New(adapter, iface, netmask)
	require.NoError(t, err)

	found, ok := s.Routes.FindByIface(iface)
	require.True(t, ok)
	require.Equal(t, iface, found)

	mac, ok := s.ARP.Lookup(iface)
	require.True(t, ok)
	require.Equal(t, adapter.MAC(), mac)
}

// TestRun_RespondsToARPRequestThenICMPEcho drives a full two-stack exchange
// through Run: one peer resolves the other's MAC, then sends an ICMP echo
// request, exercising the ingress loop, the demux, and the ARP and IP send
// paths; the echo reply itself is not observed.
func TestRun_RespondsToARPRequestThenICMPEcho(t *testing.T) {
	t.Parallel()
	macA := addr.MAC{0x02, 0, 0, 0, 0, 1}
	macB := addr.MAC{0x02, 0, 0, 0, 0, 2}
	linkA, linkB := looplink.Pair(macA, macB)

	ifaceA := addr.IPv4FromBytes(10, 0, 0, 1)
	ifaceB := addr.IPv4FromBytes(10, 0, 0, 2)
	netmask := addr.IPv4FromBytes(255, 255, 255, 0)

	stackA, err := daemon.New(linkA, ifaceA, netmask)
	require.NoError(t, err)
	stackB, err := daemon.New(linkB, ifaceB, netmask)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go stackA.Run(ctx)
	go stackB.Run(ctx)

	// Give the ingress loops a moment to start, then resolve B's MAC from
	// A. B's gratuitous ARPs from its construction usually populate A's
	// cache first; otherwise a call misses, fires a broadcast request and
	// reports EHostUnreach, and a later call finds the entry once B has
	// answered.
	time.Sleep(50 * time.Millisecond)
	var mac addr.MAC
	require.Eventually(t, func() bool {
		m, err := stackA.ARP.Resolve(stackA.Adapter, stackA.Routes, ifaceA, ifaceB)
		if err != nil {
			return false
		}
		mac = m
		return true
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, macB, mac)

	echo := []byte{8, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, stackA.IP.Send(ifaceB, ip.ProtoICMP, echo))

	// The echo reply is consumed inside stack A's IP layer and is not
	// surfaced to the test. The check below only confirms that B holds an
	// ARP entry for A, which A's gratuitous ARPs already provide; it does
	// not show that the echo round trip completed.
	require.Eventually(t, func() bool {
		_, ok := stackB.ARP.Lookup(ifaceA)
		return ok
	}, time.Second, 10*time.Millisecond)
}
