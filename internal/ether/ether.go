// Package ether demuxes received Ethernet frames to registered protocol
// handlers and frames outbound replies, mirroring the original stack's
// ether_input/ether_output_reply pair. Frame codec itself is delegated to
// gopacket/layers, the same split of responsibility the teacher uses in
// its custom PIM layer (internal/pim): gopacket supplies the wire format,
// this package supplies the dispatch and reply semantics.
package ether

import (
	"log/slog"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/errcode"
	"github.com/jserv/nstack/internal/link"
	"github.com/jserv/nstack/internal/proto"
)

// Handler processes the payload of a frame whose ethertype it is registered
// for.
type Handler func(hdr link.Header, payload []byte) (proto.Result, error)

// Demux dispatches decoded frames to registered protocol handlers and
// carries the MAC used to source replies.
type Demux struct {
	self     addr.MAC
	handlers map[uint16]Handler
	logger   *slog.Logger
}

// NewDemux constructs a Demux for a link layer whose own address is self.
func NewDemux(self addr.MAC) *Demux {
	return &Demux{
		self:     self,
		handlers: make(map[uint16]Handler),
		logger:   slog.Default(),
	}
}

// RegisterProto installs the handler for a given ethertype, replacing the
// original's SET_DECLARE/SET_FOREACH linker-set registration with an
// explicit call made once during stack wiring.
func (d *Demux) RegisterProto(etherType uint16, h Handler) {
	d.handlers[etherType] = h
}

// Input decodes a raw frame and dispatches it, returning errcode.EProtoUnreach
// if no handler is registered for its ethertype.
func (d *Demux) Input(raw []byte) (proto.Result, error) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return proto.Result{}, errcode.New(errcode.EBadMsg, "ether.Input", nil)
	}
	eth := ethLayer.(*layers.Ethernet)
	hdr := link.Header{
		Dst:       addr.MACFromHardwareAddr(eth.DstMAC),
		Src:       addr.MACFromHardwareAddr(eth.SrcMAC),
		EtherType: uint16(eth.EthernetType),
	}

	h, ok := d.handlers[hdr.EtherType]
	d.logger.Debug("ether: frame received", "ethertype", hdr.EtherType, "src", hdr.Src)
	if !ok {
		return proto.Result{}, errcode.New(errcode.EProtoUnreach, "ether.Input", nil)
	}
	return h(hdr, eth.Payload)
}

// Reply frames payload back toward the source of hdr and transmits it via
// adapter, mirroring ether_output_reply's "reverse src/dst, keep ethertype"
// behavior.
func Reply(a link.Adapter, hdr link.Header, payload []byte) (int, error) {
	return a.Send(hdr.Src, hdr.EtherType, payload)
}
