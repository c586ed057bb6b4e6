// Package daemon wires every protocol layer into a running stack: it owns
// the link adapter's receive loop, the periodic housekeeping tasks (ARP
// aging, deferred-datagram retry, fragment-reassembly timeout, TCP
// retransmission), and the egress drain that flushes what client sockets
// queued for sending. Its shape follows the teacher's runtime.Run: a
// context-scoped goroutine group fanning errors into one channel, shut
// down by the first error or by context cancellation.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/arp"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/ether"
	"github.com/jserv/nstack/internal/icmp"
	"github.com/jserv/nstack/internal/ip"
	"github.com/jserv/nstack/internal/ipdefer"
	"github.com/jserv/nstack/internal/ipfrag"
	"github.com/jserv/nstack/internal/iproute"
	"github.com/jserv/nstack/internal/link"
	"github.com/jserv/nstack/internal/proto"
	"github.com/jserv/nstack/internal/socket"
	"github.com/jserv/nstack/internal/tcp"
	"github.com/jserv/nstack/internal/udp"
)

// Stack bundles the fully wired protocol layers one running daemon owns.
type Stack struct {
	Adapter link.Adapter
	Demux   *ether.Demux
	ARP     *arp.Cache
	Routes  *iproute.Table
	Defer   *ipdefer.Queue
	Frag    *ipfrag.Reassembler
	IP      *ip.Stack
	ICMP    *icmp.Handler
	UDP     *udp.Layer
	TCP     *tcp.Layer

	UDPSockets *socket.Set
	TCPSockets *socket.Set

	logger *slog.Logger
}

// New assembles a Stack bound to adapter, configured with ifaceAddr/netmask
// as its one local interface, following ip.Stack.Config's role in the
// original's ip_config. Its sockets use private, in-process rings; see
// NewWithSocketDir for the shared-memory-backed production path.
func New(adapter link.Adapter, ifaceAddr, netmask addr.IPv4) (*Stack, error) {
	return newStack(adapter, ifaceAddr, netmask, "")
}

// NewWithSocketDir is New, except every socket a client later binds is
// backed by a shared-memory region created under dir (via
// internal/socket/shm.Create) instead of a private in-process ring, the
// path a client process attaches to with listen(path) per spec.md §4.10.
func NewWithSocketDir(adapter link.Adapter, ifaceAddr, netmask addr.IPv4, dir string) (*Stack, error) {
	return newStack(adapter, ifaceAddr, netmask, dir)
}

func newStack(adapter link.Adapter, ifaceAddr, netmask addr.IPv4, socketDir string) (*Stack, error) {
	logger := slog.Default()

	demux := ether.NewDemux(adapter.MAC())
	ipStack := ip.NewStack(adapter)
	arpCache := ipStack.ARP
	routes := ipStack.Routes
	deferQ := ipStack.Defer
	frag := ipStack.Frag

	icmpHandler := icmp.NewHandler()
	ipStack.SetUnreachableSink(icmpHandler)
	ipStack.RegisterProto(ip.ProtoICMP, icmpHandler.Input)

	var udpSockets, tcpSockets *socket.Set
	if socketDir != "" {
		udpSockets = socket.NewSharedSet(socketDir)
		tcpSockets = socket.NewSharedSet(socketDir)
	} else {
		udpSockets = socket.NewSet()
		tcpSockets = socket.NewSet()
	}
	udpLayer := udp.NewLayer(udpSockets, ipStack)
	tcpLayer := tcp.NewLayer(tcpSockets, ipStack)
	ipStack.RegisterProto(ip.ProtoUDP, udpLayer.Input)
	ipStack.RegisterProto(ip.ProtoTCP, tcpLayer.Input)

	demux.RegisterProto(link.EtherTypeIPv4, func(hdr link.Header, payload []byte) (proto.Result, error) {
		return ipStack.Input(hdr, payload, true)
	})
	demux.RegisterProto(link.EtherTypeARP, func(hdr link.Header, payload []byte) (proto.Result, error) {
		reply, err := arp.Input(arpCache, adapter, routes, hdr, payload)
		if err != nil {
			return proto.Result{}, err
		}
		if reply == nil {
			return proto.ConsumedResult(), nil
		}
		n, err := ether.Reply(adapter, hdr, reply)
		if err != nil {
			return proto.Result{}, err
		}
		return proto.SentResult(n), nil
	})

	s := &Stack{
		Adapter:    adapter,
		Demux:      demux,
		ARP:        arpCache,
		Routes:     routes,
		Defer:      deferQ,
		Frag:       frag,
		IP:         ipStack,
		ICMP:       icmpHandler,
		UDP:        udpLayer,
		TCP:        tcpLayer,
		UDPSockets: udpSockets,
		TCPSockets: tcpSockets,
		logger:     logger,
	}

	if err := ipStack.Config(ifaceAddr, netmask); err != nil {
		return nil, err
	}
	return s, nil
}

// Bind reserves a for a listening socket on the named transport ("tcp" or
// "udp"), the daemon-level entry point cmd/inetd's -bind flag drives.
func (s *Stack) Bind(transport string, a addr.SockAddr) error {
	switch transport {
	case "tcp":
		_, err := s.TCP.Bind(a)
		return err
	case "udp":
		_, err := s.UDP.Bind(a)
		return err
	default:
		return errcode.New(errcode.EInval, "daemon.Bind", nil)
	}
}

// Run drives the daemon until ctx is canceled: an ingress goroutine
// decoding frames off the adapter, and a periodic goroutine running the
// housekeeping sweeps (ARP aging, deferred-datagram retry, fragment
// timeout, TCP retransmission, UDP/TCP egress drain). It returns the
// first error encountered, or nil on clean shutdown.
func (s *Stack) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- s.ingressLoop(ctx) }()
	go func() { errCh <- s.periodicLoop(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// ingressLoop repeatedly receives a frame from the adapter and feeds it
// through ether.Demux, the path the original's nstack_recv_loop drives.
func (s *Stack) ingressLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := s.Adapter.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *errcode.Error
			if errors.As(err, &ce) && ce.Code == errcode.ETimeout {
				continue
			}
			s.logger.Warn("daemon: adapter receive failed", "error", err)
			continue
		}
		if len(frame) == 0 {
			continue
		}

		if _, err := s.Demux.Input(frame); err != nil {
			s.logger.Debug("daemon: frame processing failed", "error", err)
		}
	}
}

// periodicLoop runs ARP aging, deferred-datagram retry, fragment timeout
// sweeps and UDP/TCP egress draining every config.PeriodicEventInterval,
// mirroring the original's single periodic-event callback fanning out to
// each subsystem's tick function, and the TCP retransmission/TIME_WAIT
// sweep every config.TCPTimerGranularity.
func (s *Stack) periodicLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.PeriodicEventInterval)
	defer ticker.Stop()
	tcpTicker := time.NewTicker(config.TCPTimerGranularity)
	defer tcpTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(config.PeriodicEventInterval)
		case <-tcpTicker.C:
			s.TCP.Tick()
		}
	}
}

func (s *Stack) tick(delta time.Duration) {
	s.ARP.Age(delta)
	s.Frag.Tick(delta)
	s.Defer.Drain(s.IP.Send)
	s.UDP.DrainEgress()
	for _, sock := range s.TCPSockets.All() {
		for {
			d, ok := sock.PopEgress()
			if !ok {
				break
			}
			if _, err := s.TCP.Send(sock.Addr, d.Dst, d.Buf); err != nil {
				s.logger.Debug("daemon: tcp egress send failed", "dst", d.Dst, "error", err)
			}
		}
	}
}
