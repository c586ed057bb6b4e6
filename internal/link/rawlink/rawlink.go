//go:build linux

// Package rawlink attaches the stack to a real interface via an AF_PACKET
// raw socket, the production link.Adapter. Socket setup follows the same
// golang.org/x/sys/unix raw-socket idiom tools/uping uses for its ICMP
// sender/listener, adapted from SOCK_RAW/AF_INET to SOCK_RAW/AF_PACKET so
// whole Ethernet frames (not just IP payloads) cross the boundary.
package rawlink

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/errcode"
)

// receiveTimeout bounds each blocking recvfrom so the daemon's ingress
// loop can periodically re-check context cancellation.
const receiveTimeout = 500 * time.Millisecond

// Link is a link.Adapter backed by an AF_PACKET raw socket bound to a
// named interface.
type Link struct {
	fd    int
	ifidx int
	mac   addr.MAC
}

// Open binds a raw socket to ifaceName, receiving every Ethernet frame
// that arrives on it.
func Open(ifaceName string) (*Link, error) {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, errcode.New(errcode.ENoMem, "rawlink.Open", fmt.Errorf("socket: %w", err))
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, errcode.New(errcode.EInval, "rawlink.Open", err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errcode.New(errcode.ENoMem, "rawlink.Open", fmt.Errorf("bind: %w", err))
	}

	tv := unix.NsecToTimeval(receiveTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errcode.New(errcode.ENoMem, "rawlink.Open", fmt.Errorf("setsockopt: %w", err))
	}

	return &Link{fd: fd, ifidx: iface.Index, mac: addr.MACFromHardwareAddr(iface.HardwareAddr)}, nil
}

func (l *Link) MAC() addr.MAC { return l.mac }

// Receive returns the next raw Ethernet frame (header included), leaving
// decoding to package ether.
func (l *Link) Receive() ([]byte, error) {
	buf := make([]byte, 65536)
	n, _, err := unix.Recvfrom(l.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil, errcode.New(errcode.ETimeout, "rawlink.Receive", nil)
		}
		return nil, errcode.New(errcode.ENoMem, "rawlink.Receive", err)
	}
	if n < 14 {
		return nil, errcode.New(errcode.EBadMsg, "rawlink.Receive", nil)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

func (l *Link) Send(dst addr.MAC, ethertype uint16, payload []byte) (int, error) {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], l.mac[:])
	binary.BigEndian.PutUint16(frame[12:14], ethertype)
	copy(frame[14:], payload)

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(ethertype),
		Ifindex:  l.ifidx,
		Halen:    6,
	}
	copy(sa.Addr[:6], dst[:])

	if err := unix.Sendto(l.fd, frame, 0, sa); err != nil {
		return 0, errcode.New(errcode.ENoBufs, "rawlink.Send", err)
	}
	return len(frame), nil
}

func (l *Link) Close() error {
	return unix.Close(l.fd)
}

func htons(v int) uint16 {
	return (uint16(v)>>8)&0xff | (uint16(v)<<8)&0xff00
}
