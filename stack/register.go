package stack

import (
	"sync"
	"sync/atomic"

	"github.com/kvnetwork/ktcp/types"
)

var (
	networkProtocols   = make(map[string]types.NetworkProtocolFactory)
	transportProtocols = make(map[string]TransportProtocolFactory)
)

var (
	linkEndpointsMu sync.RWMutex
	linkEndpoints   = make(map[types.LinkEndpointID]types.LinkEndpoint)
	nextLinkEndpointID uint64
)

// RegisterLinkEndpoint allocates a new LinkEndpointID and registers ep
// against it so that it can later be retrieved by FindLinkEndpoint. This
// indirection lets a link endpoint be wrapped (e.g. by the sniffer) without
// every caller needing to hold the concrete type
func RegisterLinkEndpoint(ep types.LinkEndpoint) types.LinkEndpointID {
	id := types.LinkEndpointID(atomic.AddUint64(&nextLinkEndpointID, 1))

	linkEndpointsMu.Lock()
	linkEndpoints[id] = ep
	linkEndpointsMu.Unlock()

	return id
}

// FindLinkEndpoint returns the link endpoint previously registered with id,
// or nil if none was found
func FindLinkEndpoint(id types.LinkEndpointID) types.LinkEndpoint {
	linkEndpointsMu.RLock()
	defer linkEndpointsMu.RUnlock()

	return linkEndpoints[id]
}

// RegisterNetworkProtocolFactory registers a new network protocol factory with
// the stack so that it becomes available to users of the stack. This function
// is intended to be called by init() functions of the protocols.
func RegisterNetworkProtocolFactory(name string, p types.NetworkProtocolFactory) {
	networkProtocols[name] = p
}

// RegisterTransportProtocolFactory registers a new transport protocol factory
// with the stack so that it becomes available to users of the stack. This
// function is intended to be called by init() functions of the protocols.
func RegisterTransportProtocolFactory(name string, p TransportProtocolFactory) {
	transportProtocols[name] = p
}
