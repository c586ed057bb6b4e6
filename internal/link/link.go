// Package link defines the raw-frame interface the daemon's ingress/egress
// workers drive. Production builds attach it to an AF_PACKET socket;
// tests attach it to an in-memory loopback (see the looplink subpackage).
package link

import (
	"github.com/jserv/nstack/internal/addr"
)

// Header is the decoded Ethernet header of a received frame.
type Header struct {
	Dst       addr.MAC
	Src       addr.MAC
	EtherType uint16
}

// Adapter is the external collaborator the stack receives frames from and
// sends frames to. It owns no protocol logic; it is purely link-layer I/O.
// Receive returns a raw, still-encoded Ethernet frame: decoding is the
// ether package's job (see ether.Demux.Input), the same split the teacher
// keeps between gopacket decode and protocol dispatch.
type Adapter interface {
	// MAC returns the adapter's own hardware address.
	MAC() addr.MAC

	// Receive blocks up to an adapter-internal timeout waiting for a
	// frame. It returns errcode.ETimeout if none arrived within that
	// window, which the ingress worker treats as a no-op tick so it can
	// re-check context cancellation.
	Receive() ([]byte, error)

	// Send transmits payload to dst with the given ethertype, returning
	// the number of bytes written.
	Send(dst addr.MAC, ethertype uint16, payload []byte) (int, error)

	Close() error
}

// EtherType values the stack dispatches on.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)
