// Package ip implements the IPv4 layer: header codec and checksum,
// interface configuration, the receive-side dispatch (local-delivery
// check, reassembly hand-off, protocol dispatch, ICMP-unreachable
// synthesis), and the send path (route lookup, ARP resolution or defer,
// fragmentation).
package ip

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/errcode"
)

const (
	vhlDefault  = 0x45
	tosDefault  = 0x00
	ttlDefault  = 64
	flagDF      = 0x4000
	flagMF      = 0x2000
	headerLen   = 20
	MaxBytes    = 65535
)

// Header is the decoded form of an IPv4 header, carried entirely in host
// byte order once off the wire (matching the original's ip_ntoh
// convention).
type Header struct {
	VHL      uint8
	TOS      uint8
	Len      uint16
	ID       uint16
	FragOff  uint16 // flags in the top 3 bits, 8-byte fragment units in the low 13
	TTL      uint8
	Proto    uint8
	Checksum uint16
	Src      addr.IPv4
	Dst      addr.IPv4
}

// HeaderLen returns the header length in bytes implied by VHL's low nibble.
func (h Header) HeaderLen() int {
	return int(h.VHL&0x0f) * 4
}

// MoreFragments reports whether the MF flag is set.
func (h Header) MoreFragments() bool { return h.FragOff&flagMF != 0 }

// DontFragment reports whether the DF flag is set.
func (h Header) DontFragment() bool { return h.FragOff&flagDF != 0 }

// FragmentByteOffset converts the 8-byte-unit offset field to a byte
// offset.
func (h Header) FragmentByteOffset() int {
	return int(h.FragOff&0x1fff) << 3
}

// DecodeHeader parses a wire-format (network byte order) IPv4 header from
// the front of b via gopacket/layers, the same gopacket-decode-then-copy-
// into-domain-struct split ether.Demux uses for Ethernet frames.
func DecodeHeader(b []byte) (Header, error) {
	pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return Header{}, errcode.New(errcode.EBadMsg, "ip.DecodeHeader", nil)
	}
	v4 := ipLayer.(*layers.IPv4)
	if len(v4.SrcIP) < 4 || len(v4.DstIP) < 4 {
		return Header{}, errcode.New(errcode.EBadMsg, "ip.DecodeHeader", nil)
	}

	h := Header{
		VHL:      (v4.Version << 4) | (v4.IHL & 0x0f),
		TOS:      v4.TOS,
		Len:      v4.Length,
		ID:       v4.Id,
		FragOff:  uint16(v4.Flags)<<13 | v4.FragOffset,
		TTL:      v4.TTL,
		Proto:    uint8(v4.Protocol),
		Checksum: v4.Checksum,
		Src:      addr.IPv4FromBytes(v4.SrcIP[0], v4.SrcIP[1], v4.SrcIP[2], v4.SrcIP[3]),
		Dst:      addr.IPv4FromBytes(v4.DstIP[0], v4.DstIP[1], v4.DstIP[2], v4.DstIP[3]),
	}
	return h, nil
}

// Encode serializes h to wire format via gopacket/layers.IPv4, recomputing
// the checksum over the header the same way ip_hton does. This stack never
// emits IP options, so the serialized header is always exactly headerLen
// bytes.
func (h Header) Encode() []byte {
	v4 := &layers.IPv4{
		Version:    h.VHL >> 4,
		IHL:        h.VHL & 0x0f,
		TOS:        h.TOS,
		Length:     h.Len,
		Id:         h.ID,
		Flags:      layers.IPv4Flag(h.FragOff >> 13),
		FragOffset: h.FragOff & 0x1fff,
		TTL:        h.TTL,
		Protocol:   layers.IPProtocol(h.Proto),
		SrcIP:      h.Src.ToNetIP(),
		DstIP:      h.Dst.ToNetIP(),
	}

	buf := gopacket.NewSerializeBuffer()
	if err := v4.SerializeTo(buf, gopacket.SerializeOptions{ComputeChecksums: true}); err != nil {
		// Fixed headerLen-byte header, no options; a serialize failure
		// here is a programming error, not a runtime condition.
		panic(err)
	}
	return buf.Bytes()
}

// Checksum computes the IPv4 one's-complement checksum over data,
// matching ip_checksum's byte-at-a-time accumulation (including its
// handling of an odd trailing byte).
func Checksum(data []byte) uint16 {
	var acc uint32 = 0xffff
	i := 0
	for ; i+1 < len(data); i += 2 {
		word := uint16(data[i])<<8 | uint16(data[i+1])
		acc += uint32(word)
		if acc > 0xffff {
			acc -= 0xffff
		}
	}
	if len(data)&1 == 1 {
		word := uint16(data[len(data)-1]) << 8
		acc += uint32(word)
		if acc > 0xffff {
			acc -= 0xffff
		}
	}
	return ^uint16(acc)
}
