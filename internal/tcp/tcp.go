package tcp

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/ip"
	"github.com/jserv/nstack/internal/proto"
	"github.com/jserv/nstack/internal/socket"
)

// State is a TCP connection's position in the handshake/teardown state
// machine, matching enum tcp_state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynRcvd
	StateSynSent
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

// Timer indices, matching TCP_T_*.
const (
	timerRexmt = iota
	timerPersist
	timerKeep
	timerTimeWait
	numTimers
)

// Van Jacobson RTT/RTO estimator scale factors, matching tcp.h.
const (
	rttScale      = 8
	rttShift      = 3
	rttVarScale   = 4
	rttVarShift   = 2
	rttDefaultInt = 6 // TCP_TV_SRTTDFLT, in timer ticks
)

// segment is one outbound byte range awaiting first transmission or
// retransmission, recorded so the retransmit timer can resend it.
type segment struct {
	seq      uint32
	data     []byte
	flags    uint
	sentAt   time.Time
	resent   bool
}

// conn is one TCP connection's control block (TCB).
type conn struct {
	mu sync.Mutex

	local, remote addr.SockAddr
	state         State

	sndUna uint32 // oldest unacknowledged sequence number
	sndNxt uint32 // next sequence number to send
	sndWnd uint32 // peer's advertised window
	rcvNxt uint32 // next sequence number expected from peer
	rcvWnd uint32 // our advertised window

	mss uint16

	// srtt/rttvar are fixed-point, scaled by rttScale/rttVarScale
	// respectively, per tcp.h's TCP_RTT_SCALE/TCP_RTTVAR_SCALE.
	srtt   int32
	rttvar int32
	rto    time.Duration

	unacked []segment // sent, not yet acknowledged, in seq order
	unsent  []byte    // application payload queued by Send before the handshake completes

	timers    [numTimers]time.Time
	closeTime time.Time
}

func (c *conn) key() connKey { return connKey{local: c.local, remote: c.remote} }

type connKey struct {
	local, remote addr.SockAddr
}

// Layer is the TCP protocol handler: the connection table, bind table, and
// send path, wired into ip.Stack as the IP_PROTO_TCP handler.
type Layer struct {
	mu      sync.Mutex
	conns   map[connKey]*conn
	sockets *socket.Set
	ipStack *ip.Stack
	logger  *slog.Logger
}

// NewLayer constructs a TCP layer bound to the given socket table and IP
// stack.
func NewLayer(sockets *socket.Set, ipStack *ip.Stack) *Layer {
	return &Layer{
		conns:   make(map[connKey]*conn),
		sockets: sockets,
		ipStack: ipStack,
		logger:  slog.Default(),
	}
}

// Bind reserves addr for a listening TCP socket, mirroring
// nstack_tcp_bind's port-range and duplicate-bind checks.
func (l *Layer) Bind(a addr.SockAddr) (*socket.Socket, error) {
	return l.sockets.Bind(a, socket.ProtoTCP)
}

// Input finds or creates the connection addressed by the segment and runs
// it through the state machine, implementing ip.Handler.
func (l *Layer) Input(hdr ip.Header, payload []byte) (proto.Result, error) {
	seg, err := DecodeHeader(payload)
	if err != nil {
		return proto.Result{}, err
	}
	body := payload[seg.HeaderLen():]

	local := addr.SockAddr{Addr: hdr.Dst, Port: seg.DstPort}
	remote := addr.SockAddr{Addr: hdr.Src, Port: seg.SrcPort}
	key := connKey{local: local, remote: remote}

	l.mu.Lock()
	c, ok := l.conns[key]
	if !ok {
		if seg.Flags&FlagSYN == 0 {
			l.mu.Unlock()
			return proto.Result{}, errcode.New(errcode.EInval, "tcp.Input", nil)
		}
		if _, bound := l.sockets.Find(local); !bound {
			l.mu.Unlock()
			l.logger.Info("tcp: RST for SYN to unbound port", "port", seg.DstPort)
			rst := Header{
				SrcPort: local.Port,
				DstPort: remote.Port,
				Seq:     0,
				Ack:     seg.Seq + uint32(len(body)) + 1,
				Flags:   FlagRST | FlagACK,
				Window:  0,
			}
			return proto.RepliedResult(Encode(rst, local.Addr, remote.Addr, 0, nil)), nil
		}
		c = &conn{
			local: local, remote: remote, state: StateListen,
			rcvWnd: config.DatagramSizeMax, rto: time.Second,
		}
		l.conns[key] = c
	}
	l.mu.Unlock()

	reply, err := l.fsm(c, seg, body)
	if err != nil {
		return proto.Result{}, err
	}
	if reply == nil {
		return proto.ConsumedResult(), nil
	}
	return proto.RepliedResult(reply), nil
}

// fsm advances c's state machine per the incoming segment and returns a
// reply segment body to send back (header-less, ready for Encode), or nil
// if nothing needs sending. It implements the same concrete transitions
// the original's tcp_fsm covers: the handshake, established data/FIN
// handling, and the LAST_ACK->CLOSED teardown step. States the original
// left as no-ops (FIN_WAIT_1/FIN_WAIT_2/CLOSE_WAIT/CLOSING) are handled
// here since the local side now drives a real send path through them.
func (l *Layer) fsm(c *conn, seg Header, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Sequence-window acceptance for synchronized states: a segment whose
	// sequence number lies outside [rcvNxt, rcvNxt+rcvWnd) is dropped.
	if c.state >= StateEstablished && seg.Seq-c.rcvNxt >= c.rcvWnd {
		return nil, nil
	}

	switch c.state {
	case StateListen:
		if seg.Flags&FlagSYN == 0 {
			return nil, errcode.New(errcode.EInval, "tcp.fsm", nil)
		}
		c.rcvNxt = seg.Seq + 1
		c.sndUna = uint32(rand.Intn(1<<30)) + 1
		c.sndNxt = c.sndUna + 1
		c.sndWnd = uint32(seg.Window)
		c.mss = seg.MSS
		if c.mss == 0 {
			c.mss = config.DefaultMSS
		}
		c.state = StateSynRcvd
		return l.buildSegment(c, FlagSYN|FlagACK, c.sndUna, nil), nil

	case StateSynRcvd:
		if seg.Flags&FlagRST != 0 {
			if seg.Seq == c.rcvNxt {
				c.state = StateListen
				l.forget(c)
			}
			return nil, nil
		}
		if seg.Flags&FlagACK == 0 || seg.Ack != c.sndUna+1 {
			// retransmit SYN-ACK
			return l.buildSegment(c, FlagSYN|FlagACK, c.sndUna, nil), nil
		}
		c.sndUna = seg.Ack
		c.state = StateEstablished
		return nil, nil

	case StateSynSent:
		if seg.Flags&FlagRST != 0 {
			c.state = StateClosed
			l.forget(c)
			return nil, nil
		}
		if seg.Flags&FlagACK != 0 {
			if seg.Flags&FlagSYN == 0 || seg.Ack != c.sndUna+1 {
				return nil, errcode.New(errcode.EInval, "tcp.fsm", nil)
			}
			c.rcvNxt = seg.Seq + 1
			c.sndUna = seg.Ack
			c.sndWnd = uint32(seg.Window)
			c.mss = seg.MSS
			if c.mss == 0 {
				c.mss = config.DefaultMSS
			}
			c.state = StateEstablished
			ack := l.buildSegment(c, FlagACK, c.sndNxt, nil)
			if len(c.unsent) > 0 {
				pending := c.unsent
				c.unsent = nil
				if _, err := l.sendLocked(c, pending); err != nil {
					l.logger.Debug("tcp: flushing queued send failed", "remote", c.remote, "error", err)
				}
			}
			return ack, nil
		}
		if seg.Flags&FlagSYN != 0 {
			// Simultaneous open: the peer sent an unsolicited SYN with no
			// ACK of our own SYN.
			c.rcvNxt = seg.Seq + 1
			c.sndWnd = uint32(seg.Window)
			c.mss = seg.MSS
			if c.mss == 0 {
				c.mss = config.DefaultMSS
			}
			c.state = StateSynRcvd
			return l.buildSegment(c, FlagSYN|FlagACK, c.sndUna, nil), nil
		}
		return nil, nil

	case StateEstablished:
		return l.handleEstablished(c, seg, body)

	case StateFinWait1:
		if seg.Flags&FlagACK != 0 && seg.Ack == c.sndNxt {
			c.sndUna = seg.Ack
			c.state = StateFinWait2
		}
		if seg.Flags&FlagFIN != 0 {
			c.rcvNxt = seg.Seq + 1
			if c.state == StateFinWait2 {
				c.state = StateTimeWait
				c.closeTime = time.Now()
			} else {
				c.state = StateClosing
			}
			return l.buildSegment(c, FlagACK, c.sndNxt, nil), nil
		}
		return nil, nil

	case StateFinWait2:
		if seg.Flags&FlagFIN != 0 {
			c.rcvNxt = seg.Seq + 1
			c.state = StateTimeWait
			c.closeTime = time.Now()
			return l.buildSegment(c, FlagACK, c.sndNxt, nil), nil
		}
		return nil, nil

	case StateClosing:
		if seg.Flags&FlagACK != 0 && seg.Ack == c.sndNxt {
			c.state = StateTimeWait
			c.closeTime = time.Now()
		}
		return nil, nil

	case StateCloseWait:
		// local side must still call Close to send its own FIN; nothing
		// to do on further incoming segments until then.
		return nil, nil

	case StateLastAck:
		if seg.Flags&FlagACK != 0 && seg.Ack == c.sndNxt {
			c.state = StateClosed
			l.forget(c)
		}
		return nil, nil

	default:
		return nil, errcode.New(errcode.EInval, "tcp.fsm", nil)
	}
}

func (l *Layer) handleEstablished(c *conn, seg Header, body []byte) ([]byte, error) {
	if seg.Flags&FlagACK != 0 {
		l.ackUnacked(c, seg.Ack)
		if seg.Window > 0 || seg.Ack != c.sndUna {
			c.sndWnd = uint32(seg.Window)
			c.sndUna = seg.Ack
		}
	}

	advanced := false
	if len(body) > 0 && seg.Seq == c.rcvNxt {
		local := c.local
		if sock, ok := l.sockets.Find(local); ok {
			d := socket.Datagram{
				Src: c.remote, Dst: c.local,
				Buf: append([]byte(nil), body...),
			}
			if err := sock.PushIngress(d); err != nil {
				l.logger.Debug("tcp: ingress ring full, dropping", "local", local, "error", err)
			}
		}
		c.rcvNxt = seg.Seq + uint32(len(body))
		advanced = true
	}

	if seg.Flags&FlagFIN != 0 {
		c.rcvNxt = seg.Seq + uint32(len(body)) + 1
		c.state = StateCloseWait
		return l.buildSegment(c, FlagACK, c.sndNxt, nil), nil
	}

	if advanced {
		return l.buildSegment(c, FlagACK, c.sndNxt, nil), nil
	}
	return nil, nil
}

// ackUnacked drops segments cumulatively acknowledged by ack from c's
// retransmission list, and folds a fresh RTT sample into the estimator for
// any segment that was never retransmitted (Karn's rule: a sample taken
// from a retransmitted segment can't be trusted, since the ack may belong
// to either transmission).
func (l *Layer) ackUnacked(c *conn, ack uint32) {
	kept := c.unacked[:0]
	for _, s := range c.unacked {
		end := s.seq + uint32(len(s.data))
		if end > ack {
			kept = append(kept, s)
			continue
		}
		if !s.resent {
			l.updateRTO(c, time.Since(s.sentAt))
		}
	}
	c.unacked = kept
}

// updateRTO folds a round-trip sample into c's smoothed RTT/variance per
// the Van Jacobson estimator (tcp.h's TCP_RTT_SCALE/TCP_RTT_SHIFT family).
func (l *Layer) updateRTO(c *conn, sample time.Duration) {
	m := int32(sample / time.Millisecond)
	if c.srtt == 0 {
		c.srtt = m << rttShift
		c.rttvar = m << (rttVarShift - 1)
	} else {
		delta := m - (c.srtt >> rttShift)
		c.srtt += delta
		if delta < 0 {
			delta = -delta
		}
		c.rttvar += (delta - (c.rttvar >> rttVarShift))
	}
	rto := (c.srtt >> rttShift) + max32(1, (c.rttvar>>(rttVarShift-2)))
	if rto < 1 {
		rto = 1
	}
	c.rto = time.Duration(rto) * time.Millisecond
	if c.rto < 200*time.Millisecond {
		c.rto = 200 * time.Millisecond
	}
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func (l *Layer) forget(c *conn) {
	l.mu.Lock()
	delete(l.conns, c.key())
	l.mu.Unlock()
}

// buildSegment constructs a reply header for c with the given flags and
// sequence number, recording it in the retransmission list when it carries
// data or SYN/FIN (segments requiring an ack).
func (l *Layer) buildSegment(c *conn, flags uint16, seq uint32, data []byte) []byte {
	h := Header{
		SrcPort: c.local.Port,
		DstPort: c.remote.Port,
		Seq:     seq,
		Ack:     c.rcvNxt,
		Flags:   flags,
		Window:  uint16(c.rcvWnd),
	}
	var mss uint16
	if flags&FlagSYN != 0 {
		mss = config.DefaultMSS
	}

	if flags&(FlagSYN|FlagFIN) != 0 || len(data) > 0 {
		c.unacked = append(c.unacked, segment{seq: seq, data: data, flags: uint(flags), sentAt: time.Now()})
		c.timers[timerRexmt] = time.Now().Add(c.rto)
	}

	return Encode(h, c.local.Addr, c.remote.Addr, mss, data)
}

// Send segments payload per c's negotiated MSS and transmits it through the
// IP layer, implementing the send path the original left stubbed
// (nstack_tcp_send unconditionally returned -1). Called with no existing
// connection for (local, remote), it performs active open instead: a fresh
// TCB is allocated in SYN_SENT, a SYN carrying the MSS option is sent with a
// random ISN, and payload is queued as unsent data to flush once the
// handshake reaches ESTABLISHED.
func (l *Layer) Send(local, remote addr.SockAddr, payload []byte) (int, error) {
	key := connKey{local: local, remote: remote}
	l.mu.Lock()
	c, ok := l.conns[key]
	if !ok {
		c = &conn{
			local: local, remote: remote, state: StateSynSent,
			rcvWnd: config.DatagramSizeMax, rto: time.Second,
		}
		c.sndUna = uint32(rand.Intn(1<<30)) + 1
		c.sndNxt = c.sndUna + 1
		l.conns[key] = c
	}
	l.mu.Unlock()

	if !ok {
		c.mu.Lock()
		syn := l.buildSegment(c, FlagSYN, c.sndUna, nil)
		c.unsent = append(c.unsent, payload...)
		c.mu.Unlock()

		if err := l.ipStack.Send(remote.Addr, ip.ProtoTCP, syn); err != nil {
			return 0, err
		}
		return len(payload), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished && c.state != StateCloseWait {
		return 0, errcode.New(errcode.EInval, "tcp.Send", nil)
	}
	return l.sendLocked(c, payload)
}

// sendLocked segments payload per c's negotiated MSS and transmits it
// through the IP layer. c.mu must be held by the caller.
func (l *Layer) sendLocked(c *conn, payload []byte) (int, error) {
	mss := int(c.mss)
	if mss == 0 {
		mss = config.DefaultMSS
	}

	sent := 0
	for sent < len(payload) {
		n := mss
		if rem := len(payload) - sent; rem < n {
			n = rem
		}
		chunk := payload[sent : sent+n]
		seq := c.sndNxt
		out := l.buildSegment(c, FlagACK|FlagPSH, seq, chunk)
		if err := l.ipStack.Send(c.remote.Addr, ip.ProtoTCP, out); err != nil {
			return sent, err
		}
		c.sndNxt += uint32(n)
		sent += n
	}
	return sent, nil
}

// Close begins active close for the connection identified by local/remote,
// sending a FIN and moving ESTABLISHED -> FIN_WAIT_1 or CLOSE_WAIT ->
// LAST_ACK.
func (l *Layer) Close(local, remote addr.SockAddr) error {
	l.mu.Lock()
	c, ok := l.conns[connKey{local: local, remote: remote}]
	l.mu.Unlock()
	if !ok {
		return errcode.New(errcode.ENotSock, "tcp.Close", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.sndNxt
	out := l.buildSegment(c, FlagACK|FlagFIN, seq, nil)
	c.sndNxt++

	switch c.state {
	case StateEstablished:
		c.state = StateFinWait1
	case StateCloseWait:
		c.state = StateLastAck
	default:
		return errcode.New(errcode.EInval, "tcp.Close", nil)
	}
	return l.ipStack.Send(remote.Addr, ip.ProtoTCP, out)
}

// Tick drives the retransmit timer across every open connection, resending
// the oldest unacknowledged segment and backing off the RTO on repeated
// loss, mirroring the tcp_timer_rexmt sweep the original runs on its
// TCP_TIMER_PR_SLOWHZ tick.
func (l *Layer) Tick() {
	l.mu.Lock()
	conns := make([]*conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	now := time.Now()
	for _, c := range conns {
		c.mu.Lock()
		if c.state == StateTimeWait && now.Sub(c.closeTime) > config.TCP2MSLTimeout {
			c.mu.Unlock()
			l.forget(c)
			continue
		}
		if !c.timers[timerRexmt].IsZero() && now.After(c.timers[timerRexmt]) && len(c.unacked) > 0 {
			s := &c.unacked[0]
			s.resent = true
			s.sentAt = now
			c.rto *= 2
			if c.rto > 64*time.Second {
				c.rto = 64 * time.Second
			}
			c.timers[timerRexmt] = now.Add(c.rto)
			h := Header{
				SrcPort: c.local.Port, DstPort: c.remote.Port,
				Seq: s.seq, Ack: c.rcvNxt, Flags: uint16(s.flags), Window: uint16(c.rcvWnd),
			}
			out := Encode(h, c.local.Addr, c.remote.Addr, 0, s.data)
			if err := l.ipStack.Send(c.remote.Addr, ip.ProtoTCP, out); err != nil {
				l.logger.Debug("tcp: retransmit failed", "remote", c.remote, "error", err)
			}
		}
		c.mu.Unlock()
	}
}
