package stack

import (
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/types"
)

// Nic represents a "network interface card" to which the
// networking stack is attached
type Nic struct {
	stack  *Stack
	id     types.NicId
	linkEp types.LinkEndpoint

	// traceId is an opaque identifier used to correlate log lines and
	// metrics for this Nic across its lifetime
	traceId string

	demux *transportDemuxer

	mu        sync.RWMutex
	endpoints map[types.NetworkEndpointId]*referencedNetworkEndpoint
}

func newNic(stack *Stack, id types.NicId, ep types.LinkEndpoint) *Nic {
	return &Nic{
		stack:     stack,
		id:        id,
		linkEp:    ep,
		traceId:   xid.New().String(),
		demux:     newTransportDemuxer(stack),
		endpoints: make(map[types.NetworkEndpointId]*referencedNetworkEndpoint),
	}
}

func (n *Nic) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"nic": n.id, "trace": n.traceId})
}

// attachLinkEndpoint attaches the Nic to the endpoint, which will enable it
// to start delivering packets
func (n *Nic) attachLinkEndpoint() {
	n.linkEp.Attach(n)
}

// AddAddress adds a new address to n, so that it starts to accepting packets
// targeted at the given address (and network protocol)
func (n *Nic) AddAddress(protocol types.NetworkProtocolNumber, address types.Address) error {
	// Add the endpoint
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.addAddressLocked(protocol, address, false)

	return err
}

func (n *Nic) addAddressLocked(protocol types.NetworkProtocolNumber, addr types.Address, replace bool) (*referencedNetworkEndpoint, error) {
	netProtocol, ok := n.stack.networkProtocols[protocol]
	if !ok {
		n.log().WithField("protocol", protocol).Error("addAddressLocked: unknown network protocol")
		return nil, types.ErrUnknownProtocol
	}

	// Create the new network endpoint
	ep, err := netProtocol.NewEndpoint(n.id, addr, n, n.linkEp)
	if err != nil {
		n.log().WithError(err).Error("addAddressLocked: create network endpoint failed")
		return nil, err
	}

	id := *ep.Id()
	ref := newReferencedNetworkEndpoint(ep, protocol, n)

	if _, exists := n.endpoints[id]; exists && !replace {
		return nil, types.ErrDuplicateAddress
	}
	n.endpoints[id] = ref

	return ref, nil
}

type referencedNetworkEndpoint struct {
	ep       types.NetworkEndpoint
	nic      *Nic
	protocol types.NetworkProtocolNumber
}

func newReferencedNetworkEndpoint(ep types.NetworkEndpoint, protocol types.NetworkProtocolNumber, nic *Nic) *referencedNetworkEndpoint {
	return &referencedNetworkEndpoint{
		ep:       ep,
		nic:      nic,
		protocol: protocol,
	}
}

// DeliverNetworkPacket finds the appropriate network protocol endpoint and
// hands the packet over for further processing. This function is called when
// the Nic receives a packet from the physical interface
// Note that the ownership of the slice backing vv is retained by the caller
// This rule applies only to the slice itself, not to the items of the slice
// the ownership of the items is not retained by the caller
func (n *Nic) DeliverNetworkPacket(linkEp types.LinkEndpoint, remoteLinkAddr types.LinkAddress, protocol types.NetworkProtocolNumber, vv *buffer.VectorisedView) {
	netProtocol, ok := n.stack.networkProtocols[protocol]
	if !ok {
		n.log().WithField("protocol", protocol).Debug("DeliverNetworkPacket: unknown network protocol")
		return
	}

	if len(vv.First()) < netProtocol.MinimumPacketSize() {
		n.log().Debug("DeliverNetworkPacket: packet too small for protocol header")
		return
	}

	src, dst := netProtocol.ParseAddresses(vv.First())
	id := types.NetworkEndpointId{LocalAddress: types.Address(dst)}

	n.mu.RLock()
	ref, ok := n.endpoints[id]
	n.mu.RUnlock()
	if !ok {
		n.log().WithField("dst", dst).Debug("DeliverNetworkPacket: no endpoint bound to destination address")
		return
	}

	r := types.MakeRoute(protocol, dst, src, ref.ep)
	r.LocalLinkAddress = linkEp.LinkAddress()
	r.RemoteLinkAddress = remoteLinkAddr

	// Corresponding network endpoint handling the packet
	ref.ep.HandlePacket(&r, vv)
}

// DeliverTransportPacket delivers the packets to the appropriate transport
// protocol endpoint
func (n *Nic) DeliverTransportPacket(r *types.Route, protocol types.TransportProtocolNumber, vv *buffer.VectorisedView) {
	state, ok := n.stack.transportProtocols[protocol]
	if !ok {
		n.log().WithField("protocol", protocol).Debug("DeliverTransportPacket: unknown transport protocol, dropping")
		return
	}

	transProtocol := state.Protocol
	if len(vv.First()) < transProtocol.MinimumPacketSize() {
		n.log().Debug("DeliverTransportPacket: packet too small, dropping")
		return
	}

	srcPort, dstPort, err := transProtocol.ParsePorts(vv.First())
	if err != nil {
		n.log().WithError(err).Debug("DeliverTransportPacket: failed to parse ports, dropping")
		return
	}

	id := types.TransportEndpointId{
		LocalPort:     dstPort,
		LocalAddress:  r.LocalAddress,
		RemotePort:    srcPort,
		RemoteAddress: r.RemoteAddress,
	}
	if n.demux.deliverPacket(r, protocol, vv, id) {
		return
	}
	if n.stack.demux.deliverPacket(r, protocol, vv, id) {
		return
	}

	n.log().WithField("id", id).Debug("DeliverTransportPacket: no matching endpoint, dropping")
}

// primaryEndpoint returns the primary endpoint of nic
func (n *Nic) primaryEndpoint() *referencedNetworkEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, r := range n.endpoints {
		return r
	}

	return nil
}
