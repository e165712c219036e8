package types

import (
	"github.com/kvnetwork/ktcp/buffer"
)

// NetworkProtocolNumber is the number of a network protocol
type NetworkProtocolNumber uint32

// NetworkEndpointId uniquely identifies a network endpoint by the local
// address it has been bound to.
type NetworkEndpointId struct {
	LocalAddress Address
}

// NetworkDispatcher is implemented by the stack (the Nic) and handed to a
// LinkEndpoint via Attach so that the link layer can deliver inbound
// packets upward.
type NetworkDispatcher interface {
	// DeliverNetworkPacket finds the appropriate network protocol endpoint
	// and hands the packet to it
	DeliverNetworkPacket(linkEp LinkEndpoint, remoteLinkAddr LinkAddress, protocol NetworkProtocolNumber, vv *buffer.VectorisedView)

	// DeliverTransportPacket finds the appropriate transport protocol
	// endpoint and hands the packet to it. Network endpoints use this, via
	// the dispatcher handed to them at construction, to forward a packet's
	// payload once they've stripped their own header
	DeliverTransportPacket(r *Route, protocol TransportProtocolNumber, vv *buffer.VectorisedView)
}

// NetworkEndpoint is the interface that needs to be implemented by network
// protocol (e.g., ipv4) endpoints
type NetworkEndpoint interface {
	// MTU is the maximum transmission unit for this endpoint
	MTU() uint32

	// NicId returns the id of the Nic this endpoint is bound to
	NicId() NicId

	// MaxHeaderLength returns the maximum size, in bytes, of the headers
	// this network endpoint and everything below it (the link layer) will
	// prepend to an outgoing packet
	MaxHeaderLength() uint16

	// Id returns the network endpoint identifier
	Id() *NetworkEndpointId

	// HandlePacket is called by the Nic when a packet arrives targeted at
	// this network endpoint's address
	HandlePacket(r *Route, vv *buffer.VectorisedView)

	// WritePacket writes a packet to the given destination route,
	// prepending the network-layer header to hdr
	WritePacket(r *Route, hdr *buffer.Prependable, payload buffer.View, protocol TransportProtocolNumber) error
}

// NetworkProtocol is the interface that needs to be implemented by network
// protocols (e.g., ipv4, ipv6) that want to be part of the networking stack.
type NetworkProtocol interface {
	// Number returns the network protocol number.
	Number() NetworkProtocolNumber

	// MinimumPacketSize returns the minimum valid packet size of this
	// network protocol
	MinimumPacketSize() int

	// ParseAddresses returns the source and destination addresses stored
	// in a packet of this protocol
	ParseAddresses(v []byte) (src, dst Address)

	// NewEndpoint creates a new endpoint of this protocol, bound to addr
	// on the given Nic
	NewEndpoint(nicID NicId, addr Address, dispatcher NetworkDispatcher, sender LinkEndpoint) (NetworkEndpoint, error)
}

// NetworkProtocolFactory provides methods to be used by the stack to
// instantiate network protocols.
type NetworkProtocolFactory func() NetworkProtocol
