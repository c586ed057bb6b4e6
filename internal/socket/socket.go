// Package socket implements the stack-side half of the shared-memory
// socket IPC: a Datagram record format, per-socket ingress/egress rings,
// and a bind table the UDP and TCP layers register sockets into and
// deliver datagrams through. Client processes reach these rings through a
// matching mapping of the same shared-memory region (not implemented
// here, as it lives outside the stack process per the spec's external
// interfaces), and are woken by a POSIX signal (SIGUSR2) the way the
// original's nstack_sendto/nstack_recvfrom pair uses it.
package socket

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/socket/ring"
	"github.com/jserv/nstack/internal/socket/shm"
)

// Domain mirrors nstack_sock_dom.
type Domain int

const (
	DomainInet4 Domain = iota
)

// Type mirrors nstack_sock_type.
type Type int

const (
	TypeDgram Type = iota
	TypeStream
)

// Proto mirrors nstack_sock_proto.
type Proto int

const (
	ProtoNone Proto = iota
	ProtoTCP
	ProtoUDP
)

// MaxPort is the highest port number a bind may use.
const MaxPort = 49151

// Datagram is one queued ingress or egress record: a payload plus the
// peer address it came from or is bound for.
type Datagram struct {
	Src addr.SockAddr
	Dst addr.SockAddr
	Buf []byte
}

// Socket is one bound endpoint: its address, its protocol, and a pair of
// ingress/egress rings. The rings sit either over a private Go allocation
// (newSocket, used by tests and any Set built with NewSet) or over a
// shared-memory mapping a client process attaches to (newSharedSocket,
// used by a Set built with NewSharedSet) — the same ring.ControlBlock code
// drives both. The rings only count occupied slots: each datagram's
// addresses and bytes are kept in the socket's in-process queues and are
// not written into the ring's data area, so a client attached to the
// shared mapping sees the ring indices move but not the datagrams.
type Socket struct {
	Addr  addr.SockAddr
	Dom   Domain
	Typ   Type
	Proto Proto

	mu          sync.Mutex
	ingress     []Datagram // stack -> client
	egress      []Datagram // client -> stack, drained by the egress worker
	ingressRing *ring.ControlBlock
	egressRing  *ring.ControlBlock
	region      *shm.Region // non-nil when the rings above are shared memory
	logger      *slog.Logger
}

// newSocket constructs a bound socket with private, in-process rings sized
// per config.DatagramBufSize / config.DatagramSizeMax.
func newSocket(a addr.SockAddr, p Proto) *Socket {
	return &Socket{
		Addr:        a,
		Dom:         DomainInet4,
		Typ:         TypeDgram,
		Proto:       p,
		ingressRing: ring.New(config.DatagramSizeMax, config.DatagramBufSize),
		egressRing:  ring.New(config.DatagramSizeMax, config.DatagramBufSize),
		logger:      slog.Default(),
	}
}

// newSharedSocket constructs a bound socket whose rings are laid out over
// region, the shared-memory mapping a client process's listen(path) call
// attaches to.
func newSharedSocket(a addr.SockAddr, p Proto, region *shm.Region) *Socket {
	ingressRing, egressRing := region.Rings()
	return &Socket{
		Addr:        a,
		Dom:         DomainInet4,
		Typ:         TypeDgram,
		Proto:       p,
		ingressRing: ingressRing,
		egressRing:  egressRing,
		region:      region,
		logger:      slog.Default(),
	}
}

// PushIngress enqueues a datagram received from the network for delivery
// to the client, returning errcode.ENoBufs if the client hasn't drained
// fast enough, and signaling the attached client process when the socket is
// shared-memory-backed, mirroring dgram_input's "commit; signal
// ctrl.pid_client".
func (s *Socket) PushIngress(d Datagram) error {
	s.mu.Lock()
	if s.ingressRing.Alloc() == -1 {
		s.mu.Unlock()
		return errcode.New(errcode.ENoBufs, "socket.PushIngress", nil)
	}
	s.ingressRing.Commit()
	s.ingress = append(s.ingress, d)
	s.mu.Unlock()

	if s.region != nil {
		if err := s.region.WakeClient(); err != nil {
			s.logger.Debug("socket: waking client failed", "addr", s.Addr, "error", err)
		}
	}
	return nil
}

// RecvFrom dequeues the oldest ingress datagram, mirroring nstack_recvfrom
// (peek, copy up to len(buf), discard unless peekOnly is set).
func (s *Socket) RecvFrom(buf []byte, peekOnly bool) (int, addr.SockAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ingress) == 0 {
		return 0, addr.SockAddr{}, errcode.New(errcode.ETimeout, "socket.RecvFrom", nil)
	}
	d := s.ingress[0]
	n := copy(buf, d.Buf)
	if !peekOnly {
		s.ingress = s.ingress[1:]
		s.ingressRing.Discard(1)
	}
	return n, d.Src, nil
}

// SendTo enqueues a datagram for egress toward dst, mirroring
// nstack_sendto's size check and egress-ring slot claim.
func (s *Socket) SendTo(buf []byte, dst addr.SockAddr) (int, error) {
	if len(buf) > config.DatagramSizeMax {
		return 0, errcode.New(errcode.ENoBufs, "socket.SendTo", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.egressRing.Alloc() == -1 {
		return 0, errcode.New(errcode.ENoBufs, "socket.SendTo", nil)
	}
	s.egressRing.Commit()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.egress = append(s.egress, Datagram{Src: s.Addr, Dst: dst, Buf: cp})
	return len(buf), nil
}

// PopEgress dequeues the next datagram the client queued for
// transmission, drained by the daemon's egress worker.
func (s *Socket) PopEgress() (Datagram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.egress) == 0 {
		return Datagram{}, false
	}
	d := s.egress[0]
	s.egress = s.egress[1:]
	s.egressRing.Discard(1)
	return d, true
}

// Set is a protocol's bind table, keyed by local address. UDP and TCP
// each own one; it's the Go analogue of the original's per-protocol
// red-black tree of bound sockets.
type Set struct {
	mu      sync.RWMutex
	sockets map[addr.SockAddr]*Socket
	shmDir  string // non-empty: Bind backs each socket with a shared-memory region under this directory
	logger  *slog.Logger
}

// NewSet constructs an empty bind table whose sockets use private,
// in-process rings (the test/simulation path).
func NewSet() *Set {
	return &Set{sockets: make(map[addr.SockAddr]*Socket), logger: slog.Default()}
}

// NewSharedSet constructs an empty bind table whose sockets are backed by
// shared-memory regions created under dir via internal/socket/shm.Create —
// the production path a client process attaches to with listen(path),
// mirroring spec.md §4.10's per-socket shared-region startup sequence.
func NewSharedSet(dir string) *Set {
	return &Set{sockets: make(map[addr.SockAddr]*Socket), shmDir: dir, logger: slog.Default()}
}

// Bind reserves a and returns the new socket, failing with
// errcode.EInval if the port is out of range or errcode.EAddrInUse if a
// socket is already bound there.
func (s *Set) Bind(a addr.SockAddr, p Proto) (*Socket, error) {
	if a.Port > MaxPort {
		return nil, errcode.New(errcode.EInval, "socket.Bind", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sockets[a]; ok {
		return nil, errcode.New(errcode.EAddrInUse, "socket.Bind", nil)
	}

	var sock *Socket
	if s.shmDir != "" {
		path := filepath.Join(s.shmDir, fmt.Sprintf("%s-%d-%d.sock", a.Addr, a.Port, p))
		region, err := shm.Create(path)
		if err != nil {
			return nil, err
		}
		sock = newSharedSocket(a, p, region)
	} else {
		sock = newSocket(a, p)
	}
	s.sockets[a] = sock
	return sock, nil
}

// Unbind removes the socket bound at a, if any, closing its shared-memory
// region first when it has one.
func (s *Set) Unbind(a addr.SockAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sock, ok := s.sockets[a]; ok && sock.region != nil {
		if err := sock.region.Close(); err != nil {
			s.logger.Debug("socket: closing shared region failed", "addr", a, "error", err)
		}
	}
	delete(s.sockets, a)
}

// Find looks up the socket bound at a.
func (s *Set) Find(a addr.SockAddr) (*Socket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sock, ok := s.sockets[a]
	return sock, ok
}

// All returns every bound socket, used by the egress worker's drain loop.
func (s *Set) All() []*Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		out = append(out, sock)
	}
	return out
}
