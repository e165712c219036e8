// Package ports provides PortManager that manages allocating, reserving and releasing ports

package ports

import (
	"math"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvnetwork/ktcp/types"
)

const (
	// firstEphemeral is the first ephemeral port
	firstEphemeral uint16 = 16000

	anyIPAddress = types.Address("")
)

// portDescriptor holds the information needed to demultiplex port
// reservations: the network/transport protocol pair and the port number
type portDescriptor struct {
	network   types.NetworkProtocolNumber
	transport types.TransportProtocolNumber
	port      uint16
}

// PortManager manages allocating, reserving and releasing ports. Reservations
// are keyed by protocol pair, port and bound address so that two endpoints
// can share a port as long as they bind to different specific addresses; a
// wildcard-address reservation excludes every other reservation of the port
type PortManager struct {
	mu sync.RWMutex

	// reserved maps a portDescriptor to the set of addresses that have
	// reserved it
	reserved map[portDescriptor]map[types.Address]bool
}

// NewPortManager creates new PortManager
func NewPortManager() *PortManager {
	return &PortManager{
		reserved: make(map[portDescriptor]map[types.Address]bool),
	}
}

// PickEphemeralPort randomly chooses a starting point and iterates over all
// possible ephemeral ports, allowing the caller to decided whether a given port
// is suitable for its needs, and stopping when a port is found or an error occurs
func (s *PortManager) PickEphemeralPort(testPort func(p uint16) (bool, error)) (port uint16, err error) {
	count := uint16(math.MaxUint16 - firstEphemeral + 1)
	offset := uint16(rand.Int31n(int32(count)))

	for i := uint16(0); i < count; i++ {
		port = firstEphemeral + (offset+i)%count
		ok, err := testPort(port)
		if err != nil {
			logrus.WithError(err).Warn("ports: testPort callback failed while picking ephemeral port")
			return 0, err
		}

		if ok {
			return port, nil
		}

		// The port has been used, try next one
	}

	return 0, types.ErrNoPortAvailable
}

// IsPortAvailable checks whether a given port is available to bind to for the
// given protocol pair and address
func (s *PortManager) IsPortAvailable(network types.NetworkProtocolNumber, transport types.TransportProtocolNumber, addr types.Address, port uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	desc := portDescriptor{network, transport, port}
	addrs, ok := s.reserved[desc]
	if !ok {
		return true
	}

	if addrs[anyIPAddress] {
		return false
	}
	if addr == anyIPAddress {
		return len(addrs) == 0
	}

	return !addrs[addr]
}

// ReservePort marks a port as reserved for the given protocol pair and
// address so that no other endpoint may bind to it
func (s *PortManager) ReservePort(network types.NetworkProtocolNumber, transport types.TransportProtocolNumber, addr types.Address, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc := portDescriptor{network, transport, port}
	addrs, ok := s.reserved[desc]
	if !ok {
		addrs = make(map[types.Address]bool)
		s.reserved[desc] = addrs
	}

	if addrs[anyIPAddress] || (addr == anyIPAddress && len(addrs) != 0) || addrs[addr] {
		return false
	}

	addrs[addr] = true

	logrus.WithFields(logrus.Fields{"port": port, "addr": addr, "transport": transport}).Debug("ports: reserved port")
	return true
}

// ReleasePort releases a previously reserved port
func (s *PortManager) ReleasePort(network types.NetworkProtocolNumber, transport types.TransportProtocolNumber, addr types.Address, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc := portDescriptor{network, transport, port}
	addrs, ok := s.reserved[desc]
	if !ok {
		return
	}

	delete(addrs, addr)
	if len(addrs) == 0 {
		delete(s.reserved, desc)
	}

	logrus.WithFields(logrus.Fields{"port": port, "addr": addr, "transport": transport}).Debug("ports: released port")
}
