// Package ipv4 contains the implementation of the ipv4 network protocol. To use
// it in the networking stack, this package must be added to the project, and
// activated on the stack by passing ipv4.ProtocolName (or "ipv4") as one of the
// network protocols when calling stack.New(). The endpoins can be created by passing
// ipv4.ProtocolNumber as the network protocol number when calling protocol.NewEndpoint().
package ipv4

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/stack"
	"github.com/kvnetwork/ktcp/types"
)

const (
	// ProtocolName is the string representation of the ipv4 protocol name.
	ProtocolName = "ipv4"

	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// defaultTTL is the default time to live given to outgoing packets.
	defaultTTL = 64
)

type endpoint struct {
	nicId      types.NicId
	id         types.NetworkEndpointId
	address    types.Address
	linkEp     types.LinkEndpoint
	dispatcher types.NetworkDispatcher

	// packetId is the source of the "identification" field stamped on each
	// outgoing ipv4 packet
	packetId uint32
}

// NewEndpoint creates a new ipv4 endpoint
func (p *protocol) NewEndpoint(nicId types.NicId, addr types.Address, dispatcher types.NetworkDispatcher, sender types.LinkEndpoint) (types.NetworkEndpoint, error) {
	e := &endpoint{
		nicId:      nicId,
		id:         types.NetworkEndpointId{LocalAddress: addr},
		address:    addr,
		linkEp:     sender,
		dispatcher: dispatcher,
	}

	return e, nil
}

func (e *endpoint) MTU() uint32 {
	return e.linkEp.MTU() - header.IPv4MinimumSize
}

func (e *endpoint) NicId() types.NicId {
	return e.nicId
}

func (e *endpoint) MaxHeaderLength() uint16 {
	return e.linkEp.MaxHeaderLength() + header.IPv4MinimumSize
}

func (e *endpoint) Id() *types.NetworkEndpointId {
	return &e.id
}

// HandlePacket is called by the Nic when a packet targeted at this endpoint's
// address arrives. It validates the ipv4 header, strips it, and forwards the
// payload to the appropriate transport/icmp handler
func (e *endpoint) HandlePacket(r *types.Route, vv *buffer.VectorisedView) {
	h := header.IPv4(vv.First())
	if !h.IsValid(vv.Size()) {
		logrus.Debug("ipv4: dropping invalid packet")
		return
	}

	hlen := int(h.HeaderLength())
	vv.TrimFront(hlen)
	vv.CapLength(int(h.PayloadLength()))

	p := h.TransportProtocol()
	switch p {
	case header.ICMPv4ProtocolNumber:
		handleICMP(e, r, vv)
		return
	}

	r.LocalAddress = h.DestinationAddress()
	r.RemoteAddress = h.SourceAddress()
	e.dispatcher.DeliverTransportPacket(r, types.TransportProtocolNumber(p), vv)
}

// WritePacket writes a packet through the given route. It prepends an ipv4
// header to hdr, fills in source/destination addresses from the route and
// computes the checksum
func (e *endpoint) WritePacket(r *types.Route, hdr *buffer.Prependable, payload buffer.View, protocol types.TransportProtocolNumber) error {
	ip := header.IPv4(hdr.Prepend(header.IPv4MinimumSize))
	length := uint16(hdr.UsedLength()) + uint16(len(payload))

	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: length,
		ID:          uint16(atomic.AddUint32(&e.packetId, 1)),
		TTL:         defaultTTL,
		Protocol:    uint8(protocol),
		SrcAddr:     r.LocalAddress,
		DstAddr:     r.RemoteAddress,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	return e.linkEp.WritePacket(r, hdr, payload, ProtocolNumber)
}

type protocol struct{}

// NewProtocol creates a new ipv4 protocol descriptor. This is exported only for tests
// that short-circuit the stack. Regular use of the protocol is done via the stack, which
// gets a protocol descriptor from the init() function below.
func NewProtocol() types.NetworkProtocol {
	return &protocol{}
}

// Number returns the ipv4 protocol number
func (p *protocol) Number() types.NetworkProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid ipv4 packet size
func (p *protocol) MinimumPacketSize() int {
	return header.IPv4MinimumSize
}

// ParseAddresses returns the source and destination addresses of an ipv4 packet
func (p *protocol) ParseAddresses(v []byte) (src, dst types.Address) {
	h := header.IPv4(v)
	return h.SourceAddress(), h.DestinationAddress()
}

func init() {
	stack.RegisterNetworkProtocolFactory(ProtocolName, func() types.NetworkProtocol {
		return &protocol{}
	})
}
