package udp

import (
	"fmt"
	"sync"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kvnetwork/ktcp/stack"
	"github.com/kvnetwork/ktcp/types"
	"github.com/kvnetwork/ktcp/waiter"
	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/header"
)

type endpointState int

const (
	stateInitial	endpointState = iota
	stateBound
	stateConnected
	stateClosed
)

// endpoint represents a UDP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is legal to
// have concurrent goroutines make calls into the endpoint, they are properly
// synchronized
type endpoint struct {
	// The following fields are initialized at creation time and do not
	// change throughout the lifetime of the endpoint
	stack 		*stack.Stack
	netProtocol	types.NetworkProtocolNumber
	waiterQueue	*waiter.Queue

	// The following fields are used to manage the receive, and are proteced
	// by rcvMu
	rcvMu			sync.Mutex
	rcvReady		bool
	rcvList			udpPacketList
	rcvBufSizeMax	int
	rcvBufSize		int
	rcvClosed		bool


	// The following fields are protected by the mu mutex
	mu 			sync.RWMutex
	id 			types.TransportEndpointId
	state 		endpointState
	bindAddr	types.Address
	bindNicId	types.NicId
}

func newEndpoint(stack *stack.Stack, netProtocol types.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	return &endpoint{
		stack:			stack,
		netProtocol:	netProtocol,
		waiterQueue:	waiterQueue,
		rcvBufSizeMax:	32 * 1024,
	}
}

func (e *endpoint) registerWithStack(nicid types.NicId, netProtocols []types.NetworkProtocolNumber, id types.TransportEndpointId) (types.TransportEndpointId, error) {
	if id.LocalPort != 0 {
		// The endpoint already has a local port, just attempt to register it
		err := e.stack.RegisterTransportEndpoint(nicid, netProtocols, ProtocolNumber, id, e)
		return id, err
	}

	// We need to find a port for the endpoint
	_, err := e.stack.PickEphemeralPort(func(p uint16) (bool, error) {
		id.LocalPort = p
		err := e.stack.RegisterTransportEndpoint(nicid, netProtocols, ProtocolNumber, id, e)
		if err != nil {
			if strings.Compare(err.Error(), "port is in use") == 0 {
				return false, nil
			} else {
				return false, err
			}
		}

		return true, nil
	})

	return id, err
}

func (e *endpoint) bindLocked(address types.FullAddress) error {
	// Don't allow binding once endpoint is not in the initial state anymore
	if e.state != stateInitial {
		log.Warn("udp: bindLocked called with endpoint not in initial state")
		return types.ErrInvalidEndpointState
	}

	netProtocols := []types.NetworkProtocolNumber{e.netProtocol}

	// Not check if the address is valid for simplicity

	id := types.TransportEndpointId{
		LocalPort:		address.Port,
		LocalAddress:	address.Addr,
	}
	id, err := e.registerWithStack(address.Nic, netProtocols, id)
	if err != nil {
		log.WithError(err).Warn("udp: registerWithStack failed")
		return err
	}
	e.id = id

	// Mark endpoint as bound
	e.state = stateBound

	e.rcvMu.Lock()
	e.rcvReady = true
	e.rcvMu.Unlock()

	return nil
}

// Bind binds the endpoint to a specific local address and port
// Specifying a Nic is optional
func (e *endpoint) Bind(address types.FullAddress, commit func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.bindLocked(address)
	if err != nil {
		log.WithError(err).Warn("udp: Bind failed")
		return err
	}

	if commit != nil {
		if err := commit(); err != nil {
			e.state = stateInitial
			return err
		}
	}

	return nil
}

// Write sends v as one datagram to the address in to, which must not be nil
// (a UDP endpoint is never connected, so it has no default peer). This
// method does not block if the data cannot be written
func (e *endpoint) Write(v buffer.View, to *types.FullAddress) (uintptr, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if to == nil {
		return 0, fmt.Errorf("udp.Write: to should not be nil")
	}

	nicid := to.Nic
	netProto := e.netProtocol


	// Find the route
	route, err := e.stack.FindRoute(nicid, e.bindAddr, to.Addr, netProto)
	if err != nil {
		log.WithError(err).Warn("udp: FindRoute failed")
		return 0, nil
	}
	dstPort := to.Port
	sendUDP(&route, v, e.id.LocalPort, dstPort)

	return uintptr(len(v)), nil
}

// Send is Write's blocking counterpart. UDP writes never block on buffer
// space, so this only exists to satisfy types.Endpoint
func (e *endpoint) Send(v buffer.View, to *types.FullAddress, timeout time.Duration, interrupt <-chan struct{}) (uintptr, error) {
	return e.Write(v, to)
}

// Receive is Read's blocking counterpart, waiting on EventIn whenever Read
// reports ErrWouldBlock
func (e *endpoint) Receive(addr *types.FullAddress, timeout time.Duration, interrupt <-chan struct{}) (buffer.View, error) {
	for {
		v, err := e.Read(addr)
		if err != types.ErrWouldBlock {
			return v, err
		}

		waitEntry, notifyCh := waiter.NewChannelEntry(nil)
		e.waiterQueue.EventRegister(&waitEntry, waiter.EventIn)

		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			timeoutCh = timer.C
			defer timer.Stop()
		}

		select {
		case <-notifyCh:
		case <-timeoutCh:
			e.waiterQueue.EventUnregister(&waitEntry)
			return buffer.View{}, types.ErrTimeout
		case <-interrupt:
			e.waiterQueue.EventUnregister(&waitEntry)
			return buffer.View{}, types.ErrInterrupted
		}
		e.waiterQueue.EventUnregister(&waitEntry)
	}
}

// sendUDP sends an UDP segment via the provided network endpoint and under the
// provided identity
func sendUDP(r *types.Route, data buffer.View, localPort, remotePort uint16) error {
	// Allocate a buffer for the UDP header
	hdr := buffer.NewPrependable(header.UDPMinimumSize + int(r.MaxHeaderLength()))

	// Initialize the header
	udp := header.UDP(hdr.Prepend(header.UDPMinimumSize))

	length := uint16(header.UDPMinimumSize + len(data))
	udp.Encode(&header.UDPFields{
		SrcPort:	localPort,
		DstPort:	remotePort,
		Length:		length,
	})

	xsum := header.PseudoHeaderChecksum(ProtocolNumber, r.LocalAddress, r.RemoteAddress, length)
	udp.SetChecksum(udp.CalculateChecksum(xsum, data))

	return r.WritePacket(&hdr, data, ProtocolNumber)
}

// HandlePacket is called by the stack when new packets arrives to this transport
// endpoint
func (e *endpoint) HandlePacket(r *types.Route, id types.TransportEndpointId, vv *buffer.VectorisedView) {
	// Get the header then trim it from the view
	hdr := header.UDP(vv.First())
	if int(hdr.Length()) > vv.Size() {
		// Malformed packet
		return
	}

	vv.TrimFront(header.UDPMinimumSize)

	e.rcvMu.Lock()

	// Drop the packet if our buffer is currently full
	if !e.rcvReady || e.rcvClosed || e.rcvBufSize >= e.rcvBufSizeMax {
		e.rcvMu.Unlock()
		return
	}

	wasEmpty := e.rcvBufSize == 0

	// Push new packet into receive list and increment the buffer size
	pkt := &udpPacket{
		senderAddress:	types.FullAddress{
			Nic:	r.NicId(),
			Addr:	id.RemoteAddress,
			Port:	hdr.SourcePort(),
		},
	}
	pkt.data = vv.Clone(pkt.views[:])
	e.rcvList.PushBack(pkt)
	e.rcvBufSize += vv.Size()

	e.rcvMu.Unlock()

	// Notify any waiters that there's data to be read now
	if wasEmpty {
		e.waiterQueue.Notify(waiter.EventIn)
	}
}

// Read reads data from the endpoint. This method does not block if
// there is no data pending
func (e *endpoint) Read(address *types.FullAddress) (buffer.View, error) {
	e.rcvMu.Lock()

	if e.rcvList.Empty() {
		err := types.ErrWouldBlock
		if e.rcvClosed {
			err = types.ErrClosedForReceive
		}
		e.rcvMu.Unlock()
		return buffer.View{}, err
	}

	p := e.rcvList.Front()
	e.rcvList.Remove(p)
	e.rcvBufSize -= p.data.Size()

	e.rcvMu.Unlock()

	if address != nil {
		*address = p.senderAddress
	}

	return p.data.ToView(), nil
}

// Close puts the endpoint in a closed state and frees all resources
// associated with it
func (e *endpoint) Close() {
	e.mu.Lock()
	e.unregisterLocked()
	e.state = stateClosed
	e.mu.Unlock()

	e.rcvMu.Lock()
	e.rcvClosed = true
	e.rcvReady = false
	e.rcvMu.Unlock()

	e.waiterQueue.Notify(waiter.EventIn)
}

func (e *endpoint) unregisterLocked() {
	if e.state == stateBound || e.state == stateConnected {
		e.stack.UnregisterTransportEndpoint(e.bindNicId, []types.NetworkProtocolNumber{e.netProtocol}, ProtocolNumber, e.id)
	}
}

// Peek reads data without consuming it. UDP is datagram-oriented, so peeking
// only ever returns the head of the queue
func (e *endpoint) Peek(dst [][]byte) (int64, error) {
	e.rcvMu.Lock()
	defer e.rcvMu.Unlock()

	p := e.rcvList.Front()
	if p == nil {
		if e.rcvClosed {
			return 0, types.ErrClosedForReceive
		}
		return 0, types.ErrWouldBlock
	}

	v := p.data.ToView()
	var done int64
	di := 0
	for off := 0; off < len(v) && di < len(dst); di++ {
		n := copy(dst[di], v[off:])
		off += n
		done += int64(n)
	}
	return done, nil
}

// SetSockOpt sets a socket option. UDP only carries a receive-buffer size
func (e *endpoint) SetSockOpt(opt interface{}) error {
	switch v := opt.(type) {
	case types.ReceiveBufferSizeOption:
		e.rcvMu.Lock()
		e.rcvBufSizeMax = int(v)
		e.rcvMu.Unlock()
	default:
		return types.ErrUnknownProtocolOption
	}
	return nil
}

// GetSockOpt gets a socket option
func (e *endpoint) GetSockOpt(opt interface{}) error {
	switch v := opt.(type) {
	case *types.ReceiveBufferSizeOption:
		e.rcvMu.Lock()
		*v = types.ReceiveBufferSizeOption(e.rcvBufSizeMax)
		e.rcvMu.Unlock()
	case types.ErrorOption:
		// UDP is connectionless and latches no last-error state; draining
		// it always reports success
	default:
		return types.ErrUnknownProtocolOption
	}
	return nil
}

// Shutdown closes the read and/or write end of the endpoint connection.
// UDP has no notion of a half-closed connection, so only the read end is
// meaningfully affected
func (e *endpoint) Shutdown(flags types.ShutdownFlags) error {
	if flags&types.ShutdownRead == 0 {
		return nil
	}

	e.rcvMu.Lock()
	e.rcvClosed = true
	e.rcvMu.Unlock()

	e.waiterQueue.Notify(waiter.EventIn)
	return nil
}

// GetLocalAddress returns the address to which the endpoint is bound
func (e *endpoint) GetLocalAddress() (types.FullAddress, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return types.FullAddress{Nic: e.bindNicId, Addr: e.id.LocalAddress, Port: e.id.LocalPort}, nil
}

// GetRemoteAddress returns the address to which the endpoint is connected
func (e *endpoint) GetRemoteAddress() (types.FullAddress, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateConnected {
		return types.FullAddress{}, types.ErrNotConnected
	}
	return types.FullAddress{Nic: e.bindNicId, Addr: e.id.RemoteAddress, Port: e.id.RemotePort}, nil
}

// Readiness returns the current readiness of the endpoint with respect to
// the given event mask
func (e *endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	var result waiter.EventMask

	if mask&waiter.EventIn != 0 {
		e.rcvMu.Lock()
		if !e.rcvList.Empty() || e.rcvClosed {
			result |= waiter.EventIn
		}
		e.rcvMu.Unlock()
	}

	if mask&waiter.EventOut != 0 {
		result |= waiter.EventOut
	}

	return result
}

// Listen is not supported by UDP, it just fails
func (*endpoint) Listen(int) error {
	return types.ErrNotSupported
}

// Accept is not supported by UDP, it just fails
func (*endpoint) Accept() (types.Endpoint, *waiter.Queue, error) {
	return nil, nil, types.ErrNotSupported
}

// Connect is not supported by UDP, it just fails
func (*endpoint) Connect(addr types.FullAddress) error {
	return types.ErrNotSupported
}

// UserControl is not supported by UDP, it just fails
func (*endpoint) UserControl(req int, outPtr *int) error {
	return types.ErrNotSupported
}
