// Package stack provides the glue between networking protocols and the
// consumers of the networking stack.

package stack

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvnetwork/ktcp/metrics"
	"github.com/kvnetwork/ktcp/ports"
	"github.com/kvnetwork/ktcp/types"
	"github.com/kvnetwork/ktcp/waiter"
)

// Stack is a networking stack, with all supported protocols, Nics, and a
// single flat address space (no multi-hop routing table: every bound
// address is reachable directly through whichever Nic owns it)
type Stack struct {
	networkProtocols   map[types.NetworkProtocolNumber]types.NetworkProtocol
	transportProtocols map[types.TransportProtocolNumber]TransportProtocolState

	demux *transportDemuxer

	portManager *ports.PortManager

	// metrics holds this stack's private Prometheus registry and the
	// counters/gauges registered against it
	metrics *metrics.Metrics

	mu   sync.RWMutex
	nics map[types.NicId]*Nic
}

// New allocates a new networking stack with only the requested networking and
// transport protocols configured with default options.
func New(network []string, transport []string) *Stack {
	s := &Stack{
		networkProtocols:   make(map[types.NetworkProtocolNumber]types.NetworkProtocol),
		transportProtocols: make(map[types.TransportProtocolNumber]TransportProtocolState),
		portManager:        ports.NewPortManager(),
		metrics:            metrics.New(),
		nics:               make(map[types.NicId]*Nic),
	}

	// Add specified network protocols.
	for _, name := range network {
		netProtocolFactory, ok := networkProtocols[name]
		if !ok {
			logrus.WithField("protocol", name).Warn("stack: unknown network protocol requested")
			continue
		}
		netProtocol := netProtocolFactory()
		s.networkProtocols[netProtocol.Number()] = netProtocol
	}

	// Add specified transport protocols.
	for _, name := range transport {
		transProtocolFactory, ok := transportProtocols[name]
		if !ok {
			logrus.WithField("protocol", name).Warn("stack: unknown transport protocol requested")
			continue
		}
		transProtocol := transProtocolFactory()
		s.transportProtocols[transProtocol.Number()] = TransportProtocolState{Protocol: transProtocol}
	}

	s.demux = newTransportDemuxer(s)

	return s
}

// CreateNic creates a new Nic with the given id and attaches it to the given
// link-layer endpoint, immediately enabling packet delivery
func (s *Stack) CreateNic(id types.NicId, linkEp types.LinkEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nics[id]; ok {
		return types.ErrDuplicateNicId
	}

	n := newNic(s, id, linkEp)
	s.nics[id] = n
	n.attachLinkEndpoint()

	logrus.WithField("nic", id).Info("stack: nic created")
	return nil
}

// AddAddress adds a new address to the Nic identified by id, so that it
// starts accepting packets targeted at the given address
func (s *Stack) AddAddress(id types.NicId, protocol types.NetworkProtocolNumber, addr types.Address) error {
	s.mu.RLock()
	n, ok := s.nics[id]
	s.mu.RUnlock()
	if !ok {
		return types.ErrUnknownNicId
	}

	return n.AddAddress(protocol, addr)
}

// NewEndpoint creates a new transport layer endpoint of the given protocol
func (s *Stack) NewEndpoint(transport types.TransportProtocolNumber, network types.NetworkProtocolNumber, waiterQueue *waiter.Queue) (types.Endpoint, error) {
	state, ok := s.transportProtocols[transport]
	if !ok {
		return nil, types.ErrUnknownProtocol
	}

	return state.Protocol.NewEndpoint(s, network, waiterQueue)
}

// PortManager returns the port manager used to reserve and release ports for
// this stack
func (s *Stack) PortManager() *ports.PortManager {
	return s.portManager
}

// Metrics returns the Prometheus registry and collectors private to this
// stack
func (s *Stack) Metrics() *metrics.Metrics {
	return s.metrics
}

// FindRoute creates a route to the given destination, optionally restricting
// the search to a single Nic. If localAddr is empty, any address bound on
// the chosen Nic is used
func (s *Stack) FindRoute(id types.NicId, localAddr, remoteAddr types.Address, netProto types.NetworkProtocolNumber) (types.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id != 0 {
		if n, ok := s.nics[id]; ok {
			if r, err := s.routeFromNic(n, localAddr, remoteAddr, netProto); err == nil {
				return r, nil
			}
		}
		return types.Route{}, types.ErrNoRoute
	}

	for _, n := range s.nics {
		if r, err := s.routeFromNic(n, localAddr, remoteAddr, netProto); err == nil {
			return r, nil
		}
	}

	return types.Route{}, types.ErrNoRoute
}

func (s *Stack) routeFromNic(n *Nic, localAddr, remoteAddr types.Address, netProto types.NetworkProtocolNumber) (types.Route, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var ref *referencedNetworkEndpoint
	if localAddr != "" {
		ref = n.endpoints[types.NetworkEndpointId{LocalAddress: localAddr}]
	} else {
		for _, candidate := range n.endpoints {
			if candidate.protocol == netProto {
				ref = candidate
				break
			}
		}
	}

	if ref == nil {
		return types.Route{}, types.ErrNoRoute
	}

	r := types.MakeRoute(netProto, ref.ep.Id().LocalAddress, remoteAddr, ref.ep)
	r.LocalLinkAddress = n.linkEp.LinkAddress()
	return r, nil
}

// RegisterTransportEndpoint registers ep so that packets arriving from any
// of netProtos and matching id are delivered to it. A nicId of 0 registers
// the endpoint stack-wide rather than on a specific Nic
func (s *Stack) RegisterTransportEndpoint(nicId types.NicId, netProtos []types.NetworkProtocolNumber, protocol types.TransportProtocolNumber, id types.TransportEndpointId, ep types.TransportEndpoint) error {
	if nicId != 0 {
		s.mu.RLock()
		n, ok := s.nics[nicId]
		s.mu.RUnlock()
		if !ok {
			return types.ErrUnknownNicId
		}
		return n.demux.registerEndpoint(netProtos, protocol, id, ep)
	}

	return s.demux.registerEndpoint(netProtos, protocol, id, ep)
}

// UnregisterTransportEndpoint removes a previously registered endpoint
func (s *Stack) UnregisterTransportEndpoint(nicId types.NicId, netProtos []types.NetworkProtocolNumber, protocol types.TransportProtocolNumber, id types.TransportEndpointId) {
	if nicId != 0 {
		s.mu.RLock()
		n, ok := s.nics[nicId]
		s.mu.RUnlock()
		if ok {
			n.demux.unregisterEndpoint(netProtos, protocol, id)
			return
		}
	}

	s.demux.unregisterEndpoint(netProtos, protocol, id)
}
