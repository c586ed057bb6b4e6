// Package tcp implements the stack's TCP transport: header codec with the
// pseudo-header checksum, a connection table keyed by the local/remote
// 4-tuple, the handshake/data/teardown state machine, Van Jacobson RTT/RTO
// estimation with Karn's rule, and per-connection timers: Tick runs the
// retransmit timer and the 2MSL (TIME_WAIT) expiry, while the persist and
// keepalive timer slots are never armed, so a zero-window stall or an idle
// connection is not probed or torn down. The original's nstack_tcp_send
// was an unimplemented stub; this package implements the full send path,
// per the design notes calling that gap out explicitly.
package tcp

import (
	"encoding/binary"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/ip"
)

// Flag bits, matching the wire layout's tcp_flags field.
const (
	FlagFIN uint16 = 0x001
	FlagSYN uint16 = 0x002
	FlagRST uint16 = 0x004
	FlagPSH uint16 = 0x008
	FlagACK uint16 = 0x010
	FlagURG uint16 = 0x020
)

const minHeaderLen = 20

// Header is the decoded form of a TCP segment header (options excluded).
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	DataOff  uint8 // header length in 32-bit words
	Flags    uint16
	Window   uint16
	Checksum uint16
	Urgent   uint16
	MSS      uint16 // decoded MSS option, 0 if absent
}

// HeaderLen returns the header length in bytes.
func (h Header) HeaderLen() int { return int(h.DataOff) * 4 }

// DecodeHeader parses a wire-format TCP header, including a single MSS
// option if present (the only option this stack negotiates).
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < minHeaderLen {
		return h, errcode.New(errcode.EBadMsg, "tcp.DecodeHeader", nil)
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Seq = binary.BigEndian.Uint32(b[4:8])
	h.Ack = binary.BigEndian.Uint32(b[8:12])
	h.DataOff = b[12] >> 4
	h.Flags = binary.BigEndian.Uint16(b[12:14]) & 0x01ff
	h.Window = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.Urgent = binary.BigEndian.Uint16(b[18:20])

	hlen := h.HeaderLen()
	if hlen < minHeaderLen || hlen > len(b) {
		return h, errcode.New(errcode.EInval, "tcp.DecodeHeader", nil)
	}
	opts := b[minHeaderLen:hlen]
	for len(opts) >= 2 {
		kind, l := opts[0], int(opts[1])
		if kind == 0 || l < 2 || l > len(opts) {
			break
		}
		if kind == 2 && l == 4 { // MSS option
			h.MSS = binary.BigEndian.Uint16(opts[2:4])
		}
		opts = opts[l:]
	}
	return h, nil
}

// Encode serializes h plus an optional MSS option (included when mss != 0)
// and appends data, returning a complete segment with checksum computed
// over the given pseudo-header addresses.
func Encode(h Header, src, dst addr.IPv4, mss uint16, data []byte) []byte {
	hlen := minHeaderLen
	if mss != 0 {
		hlen += 4
	}
	buf := make([]byte, hlen+len(data))
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	doff := uint16(hlen/4) << 12
	binary.BigEndian.PutUint16(buf[12:14], doff|(h.Flags&0x01ff))
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)

	if mss != 0 {
		buf[20] = 2
		buf[21] = 4
		binary.BigEndian.PutUint16(buf[22:24], mss)
	}
	copy(buf[hlen:], data)

	binary.BigEndian.PutUint16(buf[16:18], 0)
	csum := PseudoChecksum(src, dst, buf)
	binary.BigEndian.PutUint16(buf[16:18], csum)
	return buf
}

// PseudoChecksum computes the TCP checksum over segment, including the
// IPv4 pseudo-header (source, destination, zero, protocol, TCP length),
// matching tcp_checksum's pseudo-header layout.
func PseudoChecksum(src, dst addr.IPv4, segment []byte) uint16 {
	pseudo := make([]byte, 12)
	s := src.Bytes()
	d := dst.Bytes()
	copy(pseudo[0:4], s[:])
	copy(pseudo[4:8], d[:])
	pseudo[8] = 0
	pseudo[9] = ip.ProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	return ip.Checksum(append(pseudo, segment...))
}
