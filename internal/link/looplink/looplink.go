// Package looplink provides an in-memory link.Adapter pair used by tests
// to exercise the full ingress/egress pipeline without a real interface or
// root privileges. It hands raw, ether.Demux-decodable frames across its
// channel, the same shape rawlink delivers in production.
package looplink

import (
	"encoding/binary"
	"time"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/errcode"
)

const receiveTimeout = 500 * time.Millisecond

// Loopback is a link.Adapter backed by a buffered channel; frames sent on
// one end are delivered to Receive on the same instance (useful for
// single-stack tests) or can be wired to a peer for two-stack tests via
// Pair.
type Loopback struct {
	mac addr.MAC
	rx  chan []byte
	tx  chan []byte
}

// New constructs a standalone loopback adapter whose sent frames are
// delivered back to its own Receive calls.
func New(mac addr.MAC) *Loopback {
	l := &Loopback{mac: mac, rx: make(chan []byte, 64)}
	l.tx = l.rx
	return l
}

// Pair constructs two loopback adapters wired to each other, so frames sent
// on a arrive at b's Receive and vice versa.
func Pair(macA, macB addr.MAC) (a, b *Loopback) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &Loopback{mac: macA, rx: ba, tx: ab}
	b = &Loopback{mac: macB, rx: ab, tx: ba}
	return a, b
}

func (l *Loopback) MAC() addr.MAC { return l.mac }

func (l *Loopback) Receive() ([]byte, error) {
	select {
	case f := <-l.rx:
		return f, nil
	case <-time.After(receiveTimeout):
		return nil, errcode.New(errcode.ETimeout, "looplink.Receive", nil)
	}
}

func (l *Loopback) Send(dst addr.MAC, ethertype uint16, payload []byte) (int, error) {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], l.mac[:])
	binary.BigEndian.PutUint16(frame[12:14], ethertype)
	copy(frame[14:], payload)
	l.tx <- frame
	return len(frame), nil
}

func (l *Loopback) Close() error {
	return nil
}
