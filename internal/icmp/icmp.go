// Package icmp implements ICMP echo reply and destination-unreachable
// message synthesis, wired as an IP-layer protocol handler plus the
// ip.UnreachableSink IP registers itself against to break the import
// cycle (icmp sits on top of ip, but ip needs to call back into icmp when
// a datagram can't be delivered).
package icmp

import (
	"encoding/binary"
	"log/slog"

	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/ip"
	"github.com/jserv/nstack/internal/proto"
)

const (
	TypeEchoReply      = 0
	TypeDestUnreach    = 3
	TypeEchoRequest    = 8
)

const headerLen = 8      // type, code, checksum, rest-of-header
const origDataLen = 8    // bytes of the original datagram's body echoed back

// Handler implements ip.Handler for IP protocol 1.
type Handler struct {
	logger *slog.Logger
}

// NewHandler constructs the ICMP protocol handler.
func NewHandler() *Handler {
	return &Handler{logger: slog.Default()}
}

// Input handles an ICMP message addressed to the local stack: echo
// requests get a reply; anything else is logged and dropped.
func (h *Handler) Input(hdr ip.Header, payload []byte) (proto.Result, error) {
	if len(payload) < headerLen {
		return proto.Result{}, errcode.New(errcode.EBadMsg, "icmp.Input", nil)
	}

	msgType := payload[0]
	h.logger.Debug("icmp: message received", "type", msgType)

	switch msgType {
	case TypeEchoRequest:
		reply := make([]byte, len(payload))
		copy(reply, payload)
		reply[0] = TypeEchoReply
		reply[2], reply[3] = 0, 0
		csum := ip.Checksum(reply)
		binary.BigEndian.PutUint16(reply[2:4], csum)
		return proto.RepliedResult(reply), nil
	default:
		h.logger.Info("icmp: unsupported message type", "type", msgType)
		return proto.Result{}, errcode.New(errcode.EBadMsg, "icmp.Input", nil)
	}
}

// DestUnreachable builds an ICMP destination-unreachable message quoting
// the original datagram's header and first 8 bytes of payload, per RFC
// 792. It implements ip.UnreachableSink.
func (h *Handler) DestUnreachable(code uint8, origHdr ip.Header, origBody []byte) ([]byte, error) {
	quoted := origBody
	if len(quoted) > origDataLen {
		quoted = quoted[:origDataLen]
	}

	origHdrBytes := origHdr.Encode()
	msg := make([]byte, headerLen+len(origHdrBytes)+len(quoted))
	msg[0] = TypeDestUnreach
	msg[1] = code
	copy(msg[headerLen:], origHdrBytes)
	copy(msg[headerLen+len(origHdrBytes):], quoted)

	csum := ip.Checksum(msg)
	binary.BigEndian.PutUint16(msg[2:4], csum)
	return msg, nil
}
