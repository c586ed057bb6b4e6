// Package udp implements stateless UDP bind/demux/send atop the socket
// bind table, mirroring udp.c's udp_input/nstack_udp_bind/nstack_udp_send.
package udp

import (
	"encoding/binary"
	"log/slog"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/ip"
	"github.com/jserv/nstack/internal/proto"
	"github.com/jserv/nstack/internal/socket"
)

const headerLen = 8

// MaxLen bounds a UDP datagram's total size (header + payload).
const MaxLen = 65507

// Layer is the UDP protocol handler, wired into ip.Stack as the IP_PROTO_UDP
// handler.
type Layer struct {
	sockets *socket.Set
	ipStack *ip.Stack
	logger  *slog.Logger
}

// NewLayer constructs a UDP layer bound to the given socket table and IP
// stack (the latter used for outbound sends).
func NewLayer(sockets *socket.Set, ipStack *ip.Stack) *Layer {
	return &Layer{sockets: sockets, ipStack: ipStack, logger: slog.Default()}
}

// Bind reserves addr for a UDP socket.
func (l *Layer) Bind(a addr.SockAddr) (*socket.Socket, error) {
	return l.sockets.Bind(a, socket.ProtoUDP)
}

// Input demuxes a received UDP datagram to the socket bound at
// (ip_hdr.Dst, udp.dport), queuing it for the client process. It
// implements ip.Handler.
func (l *Layer) Input(hdr ip.Header, payload []byte) (proto.Result, error) {
	if len(payload) < headerLen {
		return proto.Result{}, errcode.New(errcode.EBadMsg, "udp.Input", nil)
	}

	sport := binary.BigEndian.Uint16(payload[0:2])
	dport := binary.BigEndian.Uint16(payload[2:4])

	dst := addr.SockAddr{Addr: hdr.Dst, Port: dport}
	sock, ok := l.sockets.Find(dst)
	if !ok {
		l.logger.Info("udp: port unreachable", "port", dport)
		return proto.Result{}, errcode.New(errcode.ENotSock, "udp.Input", nil)
	}

	src := addr.SockAddr{Addr: hdr.Src, Port: sport}
	body := payload[headerLen:]
	if err := sock.PushIngress(socket.Datagram{Src: src, Dst: dst, Buf: body}); err != nil {
		l.logger.Debug("udp: ingress ring full, dropping", "dst", dst, "error", err)
	}
	return proto.ConsumedResult(), nil
}

// Send builds and transmits a UDP datagram from src to dst via the IP
// layer, mirroring nstack_udp_send. Checksum is left zero as IPv4 allows.
func (l *Layer) Send(src, dst addr.SockAddr, payload []byte) error {
	if len(payload) == 0 || headerLen+len(payload) >= MaxLen {
		return errcode.New(errcode.EInval, "udp.Send", nil)
	}

	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], src.Port)
	binary.BigEndian.PutUint16(buf[2:4], dst.Port)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[6:8], 0)
	copy(buf[headerLen:], payload)

	return l.ipStack.Send(dst.Addr, ip.ProtoUDP, buf)
}

// DrainEgress walks every bound UDP socket and transmits anything the
// client queued for sending, the role the daemon's egress worker plays for
// this protocol.
func (l *Layer) DrainEgress() {
	for _, sock := range l.sockets.All() {
		for {
			d, ok := sock.PopEgress()
			if !ok {
				break
			}
			if err := l.Send(sock.Addr, d.Dst, d.Buf); err != nil {
				l.logger.Debug("udp: egress send failed", "dst", d.Dst, "error", err)
			}
		}
	}
}
