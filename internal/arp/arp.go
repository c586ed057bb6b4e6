// Package arp implements the stack's ARP cache and responder: inserting
// and aging entries, answering ARP requests for addresses the stack owns,
// and issuing ARP requests/gratuitous announcements on demand. It mirrors
// the original implementation's fixed-size cache with a red-black tree
// index, using a bounded slice plus a map index in place of the tree (Go
// has no container/rbtree in its standard library; the map gives the same
// O(1)-ish lookup the tree provided without hand-rolling balanced-tree
// code the corpus never exercises for this purpose).
package arp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/link"
)

// AgeState classifies a cache slot.
type AgeState int

const (
	// StateFree marks an unused slot, immediately reusable.
	StateFree AgeState = -1
	// StateStatic marks a permanently pinned entry, never aged out.
	StateStatic AgeState = -2
)

// entry is one resident cache slot. age holds a non-negative
// time.Duration-like accumulator for DYNAMIC entries, or one of the
// AgeState sentinels.
type entry struct {
	ip    addr.IPv4
	mac   addr.MAC
	age   int64 // nanoseconds since inserted/refreshed, or an AgeState sentinel
	inUse bool
}

// RouteFinder resolves the outbound iface/route for a destination, so the
// cache can trigger an ARP request on a miss. Implemented by
// internal/iproute.Table.
type RouteFinder interface {
	FindByIface(dst addr.IPv4) (iface addr.IPv4, ok bool)
}

// Cache is the stack's ARP table, bounded to config.ARPCacheSize entries.
type Cache struct {
	mu      sync.Mutex
	entries [config.ARPCacheSize]entry
	index   map[addr.IPv4]int // ip -> slot index, mirrors the RB tree's purpose
	logger  *slog.Logger
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	c := &Cache{index: make(map[addr.IPv4]int), logger: slog.Default()}
	for i := range c.entries {
		c.entries[i].age = int64(StateFree)
	}
	return c
}

// Insert adds or replaces an entry for ip. An ip of zero is ignored, same
// as the original's guard. Returns errcode.ENoMem if the cache is full of
// static entries with no replacement candidate.
func (c *Cache) Insert(ip addr.IPv4, mac addr.MAC, static bool) error {
	if ip == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot := -1
	if i, ok := c.index[ip]; ok {
		slot = i
	} else {
		best := -1
		for i := range c.entries {
			if c.entries[i].age == int64(StateFree) {
				best = i
				break
			}
			if best == -1 || c.entries[i].age > c.entries[best].age {
				if c.entries[i].age >= 0 {
					best = i
				}
			}
		}
		slot = best
	}

	if slot == -1 {
		return errcode.New(errcode.ENoMem, "arp.Insert", nil)
	}

	old := c.entries[slot]
	if old.inUse && old.age >= 0 {
		delete(c.index, old.ip)
	}

	c.entries[slot] = entry{ip: ip, mac: mac, inUse: true}
	if static {
		c.entries[slot].age = int64(StateStatic)
	} else {
		c.entries[slot].age = 0
	}
	c.index[ip] = slot
	return nil
}

// Remove evicts any entry for ip.
func (c *Cache) Remove(ip addr.IPv4) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[ip]; ok {
		c.entries[i] = entry{age: int64(StateFree)}
		delete(c.index, ip)
	}
}

// Lookup returns the cached hardware address for ip, if resident and not
// expired.
func (c *Cache) Lookup(ip addr.IPv4) (addr.MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[ip]
	if !ok || c.entries[i].age < int64(StateStatic) {
		return addr.MAC{}, false
	}
	return c.entries[i].mac, true
}

// Age advances every DYNAMIC entry's age by delta and frees any entry past
// config.ARPCacheAgeMax, the Go analogue of the original's periodic
// arp_cache_update task.
func (c *Cache) Age(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		e := &c.entries[i]
		if e.age < 0 {
			continue
		}
		e.age += int64(delta)
		if e.age > int64(config.ARPCacheAgeMax) {
			delete(c.index, e.ip)
			*e = entry{age: int64(StateFree)}
		}
	}
}

// Resolve looks up ip's hardware address, and if absent, fires off an ARP
// request via sender/route and reports errcode.EHostUnreach so the caller
// (ip.Send) knows to defer the datagram, mirroring arp_cache_get_haddr.
func (c *Cache) Resolve(a link.Adapter, routes RouteFinder, iface, ip addr.IPv4) (addr.MAC, error) {
	if mac, ok := c.Lookup(ip); ok {
		return mac, nil
	}

	if srcIface, ok := routes.FindByIface(iface); ok {
		if err := Request(a, srcIface, ip); err != nil {
			c.logger.Debug("arp: request failed", "ip", ip, "error", err)
		}
	}
	return addr.MAC{}, errcode.New(errcode.EHostUnreach, "arp.Resolve", nil)
}

// Input processes a received ARP packet: it updates the cache with the
// sender's mapping and, for REQUEST operations targeting an address the
// stack owns, returns a reply ready to be sent back.
//
// routes resolves whether tpa belongs to a local interface, matching
// ip_route_find_by_iface's role in the original arp_input.
func Input(c *Cache, a link.Adapter, routes RouteFinder, hdr link.Header, payload []byte) ([]byte, error) {
	pkt, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	if err := c.Insert(pkt.SenderIP, pkt.SenderMAC, false); err != nil {
		c.logger.Debug("arp: cache insert failed", "error", err)
	}

	switch pkt.Operation {
	case OpRequest:
		if _, ok := routes.FindByIface(pkt.TargetIP); ok {
			reply := Packet{
				Operation: OpReply,
				SenderMAC: a.MAC(),
				SenderIP:  pkt.TargetIP,
				TargetMAC: pkt.SenderMAC,
				TargetIP:  pkt.SenderIP,
			}
			return reply.Encode(), nil
		}
	case OpReply:
		// cache already updated above; nothing more to do.
	default:
		c.logger.Warn("arp: unexpected operation", "op", pkt.Operation)
	}
	return nil, nil
}

// Request broadcasts an ARP request for tpa, sourced from spa.
func Request(a link.Adapter, spa, tpa addr.IPv4) error {
	msg := Packet{
		Operation: OpRequest,
		SenderMAC: a.MAC(),
		SenderIP:  spa,
		TargetMAC: addr.MAC{},
		TargetIP:  tpa,
	}
	_, err := a.Send(addr.Broadcast, link.EtherTypeARP, msg.Encode())
	return err
}

// Gratuitous announces ownership of spa to the local segment.
func Gratuitous(a link.Adapter, spa addr.IPv4) error {
	msg := Packet{
		Operation: OpRequest,
		SenderMAC: a.MAC(),
		SenderIP:  spa,
		TargetMAC: addr.MAC{},
		TargetIP:  spa,
	}
	_, err := a.Send(addr.Broadcast, link.EtherTypeARP, msg.Encode())
	return err
}

// Operation is the ARP opcode.
type Operation uint16

const (
	OpRequest Operation = 1
	OpReply   Operation = 2
)

// Packet is the decoded form of an Ethernet/IPv4 ARP message.
type Packet struct {
	Operation Operation
	SenderMAC addr.MAC
	SenderIP  addr.IPv4
	TargetMAC addr.MAC
	TargetIP  addr.IPv4
}

// Decode parses a wire-format ARP packet via gopacket/layers, rejecting
// anything that isn't Ethernet/IPv4 (EPROTOTYPE in the original), the same
// gopacket-decode-then-copy-into-domain-struct split ether.Demux uses for
// Ethernet frames.
func Decode(b []byte) (Packet, error) {
	pkt := gopacket.NewPacket(b, layers.LayerTypeARP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return Packet{}, errcode.New(errcode.EBadMsg, "arp.Decode", nil)
	}
	a := arpLayer.(*layers.ARP)
	if a.AddrType != layers.LinkTypeEthernet || a.Protocol != layers.EthernetTypeIPv4 {
		return Packet{}, errcode.New(errcode.EProtoUnreach, "arp.Decode", nil)
	}
	if len(a.SourceHwAddress) < 6 || len(a.SourceProtAddress) < 4 ||
		len(a.DstHwAddress) < 6 || len(a.DstProtAddress) < 4 {
		return Packet{}, errcode.New(errcode.EBadMsg, "arp.Decode", nil)
	}

	var p Packet
	p.Operation = Operation(a.Operation)
	copy(p.SenderMAC[:], a.SourceHwAddress)
	p.SenderIP = addr.IPv4FromBytes(a.SourceProtAddress[0], a.SourceProtAddress[1], a.SourceProtAddress[2], a.SourceProtAddress[3])
	copy(p.TargetMAC[:], a.DstHwAddress)
	p.TargetIP = addr.IPv4FromBytes(a.DstProtAddress[0], a.DstProtAddress[1], a.DstProtAddress[2], a.DstProtAddress[3])
	return p, nil
}

// Encode serializes p to wire format via gopacket/layers.ARP.
func (p Packet) Encode() []byte {
	senderMAC, targetMAC := p.SenderMAC, p.TargetMAC
	spa, tpa := p.SenderIP.Bytes(), p.TargetIP.Bytes()

	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         uint16(p.Operation),
		SourceHwAddress:   senderMAC[:],
		SourceProtAddress: spa[:],
		DstHwAddress:      targetMAC[:],
		DstProtAddress:    tpa[:],
	}

	buf := gopacket.NewSerializeBuffer()
	if err := a.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		// Fixed-size addresses only; a serialize failure here is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return buf.Bytes()
}
