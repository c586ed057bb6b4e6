// Package addr defines the address types shared across every layer of the
// stack: link-layer MAC addresses, host-order IPv4 addresses, and socket
// addresses. IPv4 addresses are carried as host-order uint32 throughout the
// stack's internal arithmetic (masking, longest-match, checksums), matching
// the original implementation's in_addr_t; conversion to net.IP/netip.Addr
// happens only at package boundaries such as CLI flags and log fields.
package addr

import (
	"fmt"
	"net"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// Broadcast is the link-layer broadcast address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Zero is the unset/unknown hardware address.
var Zero MAC

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsZero reports whether m is the unset address.
func (m MAC) IsZero() bool { return m == Zero }

// MACFromHardwareAddr converts a net.HardwareAddr into a MAC, zero-padding
// or truncating to 6 bytes as needed.
func MACFromHardwareAddr(hw net.HardwareAddr) MAC {
	var m MAC
	copy(m[:], hw)
	return m
}

// IPv4 is a host-order IPv4 address, the stack's native representation for
// all routing and checksum arithmetic.
type IPv4 uint32

// IPv4FromBytes builds an IPv4 from four octets in network order
// (a.b.c.d).
func IPv4FromBytes(a, b, c, d byte) IPv4 {
	return IPv4(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// IPv4FromNetIP converts a net.IP (v4) into the stack's host-order
// representation.
func IPv4FromNetIP(ip net.IP) (IPv4, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("addr: %s is not an IPv4 address", ip)
	}
	return IPv4FromBytes(v4[0], v4[1], v4[2], v4[3]), nil
}

// Bytes renders the address as four octets in network order.
func (a IPv4) Bytes() [4]byte {
	return [4]byte{
		byte(a >> 24),
		byte(a >> 16),
		byte(a >> 8),
		byte(a),
	}
}

// ToNetIP converts the address to a net.IP for use at package boundaries
// (logging, gopacket layers, CLI output).
func (a IPv4) ToNetIP() net.IP {
	b := a.Bytes()
	return net.IPv4(b[0], b[1], b[2], b[3])
}

func (a IPv4) String() string {
	b := a.Bytes()
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// Mask applies a netmask (also host-order) to the address, used throughout
// routing lookups.
func (a IPv4) Mask(mask IPv4) IPv4 {
	return a & mask
}

// SockAddr is an IPv4 address plus a transport port, the unit the socket
// layer binds, connects, and demuxes on.
type SockAddr struct {
	Addr IPv4
	Port uint16
}

func (s SockAddr) String() string {
	return fmt.Sprintf("%s:%d", s.Addr, s.Port)
}
