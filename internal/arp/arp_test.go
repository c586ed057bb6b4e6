package arp_test

import (
	"testing"
	"time"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/arp"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/link/looplink"
	"github.com/stretchr/testify/require"
)

type fakeRoutes struct {
	local map[addr.IPv4]addr.IPv4
}

func (f fakeRoutes) FindByIface(a addr.IPv4) (addr.IPv4, bool) {
	v, ok := f.local[a]
	return v, ok
}

func TestCache_InsertLookupRemove(t *testing.T) {
	t.Parallel()
	c := arp.NewCache()
	ip := addr.IPv4FromBytes(10, 0, 0, 5)
	mac := addr.MAC{0x02, 0, 0, 0, 0, 1}

	require.NoError(t, c.Insert(ip, mac, false))
	got, ok := c.Lookup(ip)
	require.True(t, ok)
	require.Equal(t, mac, got)

	c.Remove(ip)
	_, ok = c.Lookup(ip)
	require.False(t, ok)
}

func TestCache_StaticEntrySurvivesAging(t *testing.T) {
	t.Parallel()
	c := arp.NewCache()
	ip := addr.IPv4FromBytes(10, 0, 0, 1)
	mac := addr.MAC{0x02, 0, 0, 0, 0, 2}
	require.NoError(t, c.Insert(ip, mac, true))

	c.Age(config.ARPCacheAgeMax * 10)
	got, ok := c.Lookup(ip)
	require.True(t, ok)
	require.Equal(t, mac, got)
}

func TestCache_DynamicEntryExpiresAfterAgeMax(t *testing.T) {
	t.Parallel()
	c := arp.NewCache()
	ip := addr.IPv4FromBytes(10, 0, 0, 2)
	mac := addr.MAC{0x02, 0, 0, 0, 0, 3}
	require.NoError(t, c.Insert(ip, mac, false))

	c.Age(config.ARPCacheAgeMax + time.Second)
	_, ok := c.Lookup(ip)
	require.False(t, ok)
}

func TestCache_ResolveMissSendsRequestAndReportsHostUnreach(t *testing.T) {
	t.Parallel()
	c := arp.NewCache()
	a := looplink.New(addr.MAC{0x02, 0, 0, 0, 0, 9})
	routes := fakeRoutes{local: map[addr.IPv4]addr.IPv4{
		addr.IPv4FromBytes(10, 0, 0, 1): addr.IPv4FromBytes(10, 0, 0, 1),
	}}

	_, err := c.Resolve(a, routes, addr.IPv4FromBytes(10, 0, 0, 1), addr.IPv4FromBytes(10, 0, 0, 99))
	require.Error(t, err)

	frame, recvErr := a.Receive()
	require.NoError(t, recvErr)
	require.NotEmpty(t, frame)
}

func TestPacket_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	p := arp.Packet{
		Operation: arp.OpRequest,
		SenderMAC: addr.MAC{1, 2, 3, 4, 5, 6},
		SenderIP:  addr.IPv4FromBytes(10, 0, 0, 1),
		TargetMAC: addr.MAC{},
		TargetIP:  addr.IPv4FromBytes(10, 0, 0, 2),
	}
	decoded, err := arp.Decode(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}
