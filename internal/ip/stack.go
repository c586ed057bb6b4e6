package ip

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/arp"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/ipdefer"
	"github.com/jserv/nstack/internal/ipfrag"
	"github.com/jserv/nstack/internal/iproute"
	"github.com/jserv/nstack/internal/link"
	"github.com/jserv/nstack/internal/proto"
)

// Protocol numbers the stack dispatches on.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// maxEthernetPayload bounds an unfragmented send before ip.Send must split
// the datagram into fragments (the Ethernet MTU minus the IP header).
const maxEthernetPayload = 1500 - headerLen

// Handler processes a datagram's payload once the IP layer has stripped
// the header. Returning proto.RepliedResult(payload) tells the IP layer to
// wrap payload in a reply header (src/dst swapped) and send it back;
// proto.SentResult(n) means the handler already sent a reply itself, and
// proto.ConsumedResult() means there is nothing to send.
type Handler func(hdr Header, payload []byte) (proto.Result, error)

// UnreachableSink lets the ICMP layer synthesize destination-unreachable
// messages without ip importing icmp (which itself sits on top of ip);
// internal/daemon wires this after both are constructed.
type UnreachableSink interface {
	DestUnreachable(code uint8, origHdr Header, origPayload []byte) ([]byte, error)
}

// Stack is the IPv4 layer's mutable state, replacing the original's
// process-global tables (ip_global_id, the RIB, the ARP cache) with an
// explicit context so more than one can exist per process, per the design
// note calling out the original's reliance on globals.
type Stack struct {
	mu       sync.Mutex
	adapter  link.Adapter
	Routes   *iproute.Table
	ARP      *arp.Cache
	Defer    *ipdefer.Queue
	Frag     *ipfrag.Reassembler
	handlers map[uint8]Handler
	globalID uint32
	icmp     UnreachableSink
	logger   *slog.Logger
}

// NewStack constructs an IP layer bound to adapter.
func NewStack(adapter link.Adapter) *Stack {
	return &Stack{
		adapter:  adapter,
		Routes:   iproute.NewTable(),
		ARP:      arp.NewCache(),
		Defer:    ipdefer.NewQueue(),
		Frag:     ipfrag.NewReassembler(),
		handlers: make(map[uint8]Handler),
		logger:   slog.Default(),
	}
}

// RegisterProto installs the handler for an IP protocol number, the
// explicit-registry replacement for the original's SET_DECLARE dispatch
// table.
func (s *Stack) RegisterProto(p uint8, h Handler) {
	s.handlers[p] = h
}

// SetUnreachableSink wires the ICMP layer in after construction to break
// the import cycle between ip and icmp.
func (s *Stack) SetUnreachableSink(sink UnreachableSink) {
	s.icmp = sink
}

// Config assigns an address/netmask to the interface, pins it into the ARP
// cache as a STATIC entry, installs the connected route, and announces the
// address with three gratuitous ARPs, mirroring ip_config.
func (s *Stack) Config(ifaceAddr, netmask addr.IPv4) error {
	if err := s.ARP.Insert(ifaceAddr, s.adapter.MAC(), true); err != nil {
		return err
	}

	if err := s.Routes.Update(iproute.Route{
		Network: ifaceAddr & netmask,
		Netmask: netmask,
		Iface:   ifaceAddr,
	}); err != nil {
		return err
	}

	for i := 0; i < 3; i++ {
		if err := arp.Gratuitous(s.adapter, ifaceAddr); err != nil {
			s.logger.Warn("ip: gratuitous ARP failed", "error", err)
		}
	}
	return nil
}

// Input processes a received IPv4 datagram, decoding its header from the
// wire bytes in payload. fromEther is true when called from the Ethernet
// demux, in which case the sender's MAC is learned into the ARP cache;
// reassembly calls Input again with fromEther false on the rebuilt datagram.
func (s *Stack) Input(hdr link.Header, payload []byte, fromEther bool) (proto.Result, error) {
	ipHdr, err := DecodeHeader(payload)
	if err != nil {
		return proto.Result{}, err
	}

	if ipHdr.VHL&0xf0 != 0x40 {
		s.logger.Error("ip: unsupported version", "vhl", ipHdr.VHL)
		return proto.ConsumedResult(), nil
	}

	hlen := ipHdr.HeaderLen()
	if hlen < headerLen {
		s.logger.Error("ip: header too short", "hlen", hlen)
		return proto.ConsumedResult(), nil
	}
	if int(ipHdr.Len) != len(payload) {
		s.logger.Error("ip: length mismatch", "ip_len", ipHdr.Len, "got", len(payload))
		return proto.ConsumedResult(), nil
	}

	if Checksum(payload[:hlen]) != 0 {
		s.logger.Error("ip: dropping datagram with bad checksum")
		return proto.ConsumedResult(), nil
	}

	body := payload[hlen:]

	if fromEther {
		if err := s.ARP.Insert(ipHdr.Src, hdr.Src, false); err != nil {
			s.logger.Debug("ip: arp cache insert failed", "error", err)
		}
	}

	if _, ok := s.Routes.FindByIface(ipHdr.Dst); !ok {
		s.logger.Warn("ip: datagram not addressed to a local interface", "dst", ipHdr.Dst)
		return s.hostUnreachable(ipHdr, body)
	}

	if ipHdr.FragOff&(flagMF|0x1fff) != 0 {
		id := ipfrag.BufID{Src: ipHdr.Src, Dst: ipHdr.Dst, Proto: ipHdr.Proto, ID: ipHdr.ID}
		full, done, err := s.Frag.Insert(id, ipHdr.FragmentByteOffset(), ipHdr.MoreFragments(), body)
		if err != nil {
			return proto.Result{}, err
		}
		if !done {
			return proto.ConsumedResult(), nil
		}
		reassembled := append(payload[:hlen:hlen], full...)
		reassembled[6], reassembled[7] = 0, 0 // clear fragment-offset/MF for the reassembled dispatch
		binaryPutLen(reassembled, hlen+len(full))
		reassembled[10], reassembled[11] = 0, 0
		sum := Checksum(reassembled[:hlen])
		reassembled[10], reassembled[11] = byte(sum>>8), byte(sum)
		return s.Input(hdr, reassembled, false)
	}

	h, ok := s.handlers[ipHdr.Proto]
	if !ok {
		s.logger.Info("ip: unsupported protocol", "proto", ipHdr.Proto)
		return s.protoUnreachable(ipHdr, body)
	}

	result, err := h(ipHdr, body)
	if err != nil {
		if cause, ok := err.(*errcode.Error); ok && cause.Code == errcode.ENotSock {
			return s.portUnreachable(ipHdr, body)
		}
		return proto.Result{}, err
	}

	if result.Outcome == proto.Replied {
		reply := replyHeader(ipHdr, len(result.Payload))
		out := append(reply.Encode(), result.Payload...)
		n, sendErr := s.sendPrebuilt(reply.Dst, out)
		return proto.SentResult(n), sendErr
	}
	return result, nil
}

func binaryPutLen(b []byte, n int) {
	b[2] = byte(n >> 8)
	b[3] = byte(n)
}

func replyHeader(orig Header, bodyLen int) Header {
	h := orig
	h.Src, h.Dst = orig.Dst, orig.Src
	h.TTL = ttlDefault
	h.Len = uint16(h.HeaderLen() + bodyLen)
	h.FragOff = 0x4000 // DF, matching IP_TOFF_DEFAULT
	return h
}

func (s *Stack) hostUnreachable(hdr Header, body []byte) (proto.Result, error) {
	if !config.IPSendHostUnreachable {
		return proto.ConsumedResult(), nil
	}
	return s.unreachable(hdr, body, icmpCodeHostUnreach)
}

func (s *Stack) protoUnreachable(hdr Header, body []byte) (proto.Result, error) {
	return s.unreachable(hdr, body, icmpCodeProtoUnreach)
}

func (s *Stack) portUnreachable(hdr Header, body []byte) (proto.Result, error) {
	return s.unreachable(hdr, body, icmpCodePortUnreach)
}

const (
	icmpCodeHostUnreach  = 1
	icmpCodeProtoUnreach = 2
	icmpCodePortUnreach  = 3
)

func (s *Stack) unreachable(hdr Header, body []byte, code uint8) (proto.Result, error) {
	if s.icmp == nil {
		return proto.ConsumedResult(), nil
	}
	msg, err := s.icmp.DestUnreachable(code, hdr, body)
	if err != nil {
		return proto.Result{}, err
	}
	if msg == nil {
		return proto.ConsumedResult(), nil
	}
	if err := s.Send(hdr.Src, ProtoICMP, msg); err != nil {
		return proto.Result{}, err
	}
	return proto.SentResult(len(msg)), nil
}

// Send transmits proto-numbered payload buf to dst, resolving the route
// and ARP mapping, deferring if the mapping isn't yet resolved, and
// fragmenting if the datagram exceeds the link MTU, mirroring ip_send. A
// datagram that is queued on the defer queue counts as sent and Send
// returns nil; when called from inside a defer-queue drain (the queue
// refuses the push) it returns the EHostUnreach error so the drain keeps
// the entry for a later attempt.
func (s *Stack) Send(dst addr.IPv4, protoNum uint8, buf []byte) error {
	route, err := s.Routes.FindByNetwork(dst)
	if err != nil {
		return errcode.New(errcode.EHostUnreach, "ip.Send", nil)
	}

	mac, err := s.ARP.Resolve(s.adapter, s.Routes, route.Iface, dst)
	if err != nil {
		if cause, ok := err.(*errcode.Error); ok && cause.Code == errcode.EHostUnreach {
			if perr := s.Defer.Push(dst, protoNum, buf); perr != nil {
				if cause, ok := perr.(*errcode.Error); ok && cause.Code == errcode.EAlready {
					return err
				}
				return perr
			}
			return nil
		}
		return err
	}

	hdr := Header{
		VHL:     vhlDefault,
		TOS:     tosDefault,
		Len:     uint16(headerLen + len(buf)),
		ID:      uint16(atomic.AddUint32(&s.globalID, 1)),
		FragOff: 0x4000,
		TTL:     ttlDefault,
		Proto:   protoNum,
		Src:     route.Iface,
		Dst:     dst,
	}

	packet := append(hdr.Encode(), buf...)
	if len(buf) <= maxEthernetPayload {
		_, err := s.adapter.Send(mac, link.EtherTypeIPv4, packet)
		return err
	}
	return s.sendFragments(mac, hdr, buf)
}

func (s *Stack) sendPrebuilt(dst addr.IPv4, packet []byte) (int, error) {
	route, err := s.Routes.FindByNetwork(dst)
	if err != nil {
		return 0, errcode.New(errcode.EHostUnreach, "ip.sendPrebuilt", nil)
	}
	mac, err := s.ARP.Resolve(s.adapter, s.Routes, route.Iface, dst)
	if err != nil {
		return 0, err
	}
	return s.adapter.Send(mac, link.EtherTypeIPv4, packet)
}

// sendFragments splits a datagram larger than the link MTU into a chain of
// IP fragments, mirroring ip_send_fragments (each fragment bar the last
// gets MF set, offsets expressed in 8-byte units).
func (s *Stack) sendFragments(dst addr.MAC, hdr Header, body []byte) error {
	maxPerFrag := (maxEthernetPayload) &^ 7
	offset := 0
	remaining := len(body)
	for remaining > 0 {
		n := remaining
		if n > maxPerFrag {
			n = maxPerFrag
		}
		remaining -= n

		frag := hdr
		frag.Len = uint16(headerLen + n)
		frag.FragOff = uint16(offset >> 3)
		if remaining > 0 {
			frag.FragOff |= flagMF
		}

		packet := append(frag.Encode(), body[offset:offset+n]...)
		if _, err := s.adapter.Send(dst, link.EtherTypeIPv4, packet); err != nil {
			return err
		}
		offset += n
	}
	return nil
}
