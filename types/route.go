package types

import (
	"github.com/kvnetwork/ktcp/buffer"
)

// Route represents the network connectivity between a local and a remote
// endpoint. A single Nic stack has no multi-hop forwarding table to consult,
// so a Route is not a row to be matched against a destination; it is the
// resolved local/remote addressing plus the network endpoint handle needed
// to actually transmit a packet for one connection
type Route struct {
	// NetProto is the network protocol used to send packets over this route
	NetProto NetworkProtocolNumber

	// LocalAddress is the local address through which the route starts
	LocalAddress Address

	// RemoteAddress is the remote address where the route is heading to
	RemoteAddress Address

	// LocalLinkAddress is the link-layer (MAC) address of the local Nic
	LocalLinkAddress LinkAddress

	// RemoteLinkAddress is the link-layer (MAC) address of the next hop,
	// resolved out of band (this stack has no ARP/NDP resolver, so it is
	// left empty and the link endpoint fills in whatever default it uses)
	RemoteLinkAddress LinkAddress

	// ep is the network endpoint through which packets are written
	ep NetworkEndpoint
}

// MakeRoute initializes a new route. It panics if ep is nil
func MakeRoute(netProto NetworkProtocolNumber, localAddr, remoteAddr Address, ep NetworkEndpoint) Route {
	if ep == nil {
		panic("types: MakeRoute called with a nil network endpoint")
	}

	return Route{
		NetProto:      netProto,
		LocalAddress:  localAddr,
		RemoteAddress: remoteAddr,
		ep:            ep,
	}
}

// NicId returns the id of the Nic from which this route originates
func (r *Route) NicId() NicId {
	return r.ep.NicId()
}

// MaxHeaderLength returns the number of bytes a caller must reserve ahead of
// its own header to leave room for everything this route will prepend
// (network layer plus link layer) before the packet reaches the wire
func (r *Route) MaxHeaderLength() uint16 {
	return r.ep.MaxHeaderLength()
}

// Clone returns a copy of the route that can be modified independently of the
// original
func (r *Route) Clone() Route {
	return *r
}

// WritePacket writes a packet to the given transport payload through this
// route's network endpoint, which prepends the network-layer header to hdr
func (r *Route) WritePacket(hdr *buffer.Prependable, payload buffer.View, protocol TransportProtocolNumber) error {
	return r.ep.WritePacket(r, hdr, payload, protocol)
}
