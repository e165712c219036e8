package tcp

import (
	"sync"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/seqnum"
	"github.com/kvnetwork/ktcp/sleep"
	"github.com/kvnetwork/ktcp/stack"
	"github.com/kvnetwork/ktcp/types"
	"github.com/kvnetwork/ktcp/waiter"
)

// defaultBufferSize is used for both send and receive buffers when the user
// hasn't set an explicit size via SetSockOpt
const defaultBufferSize = 208 * 1024

// maxSegmentLifetime is the assumed MSL used to size TIME_WAIT (§5)
const maxSegmentLifetime = 30 * time.Second

// endpoint represents a TCP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is
// legal to have concurrent goroutines make calls into the endpoint, they
// are properly synchronized. The protocol implementation itself, however,
// runs in a single goroutine per connected endpoint (protocolMainLoop)
type endpoint struct {
	// The following fields are initialized at creation time and do not
	// change throughout the lifetime of the endpoint.
	stack       *stack.Stack
	netProtocol types.NetworkProtocolNumber
	waiterQueue *waiter.Queue

	// traceID correlates this endpoint's log lines and metric series across
	// its lifetime, the same way the Nic's traceId does
	traceID string

	mu sync.RWMutex

	id    types.TransportEndpointId
	state EndpointState
	flags endpointFlags

	boundNicId            types.NicId
	route                 types.Route
	effectiveNetProtocols []types.NetworkProtocolNumber
	isRegistered          bool
	isBound               bool

	snd   *sender
	rcv   *receiver
	timer *connTimer

	segmentQueue  segmentQueue
	acceptedChan  chan *endpoint
	acceptedLimit int

	// segPool is this connection's freelist of reusable segment backing
	// buffers (§4.2), shared by every newSegment/newSegmentFromView call
	// this endpoint makes
	segPool *segmentPool

	notificationWaker sleep.Waker
	newSegmentWaker   sleep.Waker
	resendWaker       sleep.Waker
	keepAliveWaker    sleep.Waker
	closeWaker        sleep.Waker

	// rcvList holds data segments that have been consumed from the
	// reassembly queue and are waiting to be delivered to the application
	// via Read
	rcvList    segmentList
	rcvBufUsed int
	rcvBufSize int
	rcvClosed  bool

	sndBufSize int
	sndBufUsed int
	sndClosed  bool

	hasUrgentData bool
	rcvAckCounter int

	lastError *types.Error

	workerDone chan struct{}

	// keepAliveIdle, keepAliveInterval and keepAliveCount are the
	// user-configurable keep-alive parameters (§6 Tcp options)
	keepAliveIdle     time.Duration
	keepAliveInterval time.Duration
	keepAliveCount    int

	// rcvWndScale is the window-scale factor this endpoint advertises on
	// its next outbound SYN/SYN-ACK, before a receiver exists to own the
	// negotiated value itself. Recomputed from rcvBufSize by SetSockOpt's
	// ReceiveBufferSizeOption handling while still Initialized/Listening
	rcvWndScale uint8

	// sndTimeout and rcvTimeout hold §6's SendTimeout/ReceiveTimeout
	// options. They are only stored and reported back by GetSockOpt: Read
	// and Write never block, and Send/Receive take their own timeout
	// argument instead
	sndTimeout time.Duration
	rcvTimeout time.Duration

	// rcvMinimum holds §6's ReceiveMinimum option. It is only stored and
	// reported back by GetSockOpt; Read and Receive return as soon as any
	// data is queued
	rcvMinimum int
}

func newEndpoint(s *stack.Stack, netProtocol types.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	e := &endpoint{
		stack:             s,
		netProtocol:       netProtocol,
		waiterQueue:       waiterQueue,
		traceID:           xid.New().String(),
		state:             StateInitialized,
		rcvBufSize:        defaultBufferSize,
		sndBufSize:        defaultBufferSize,
		acceptedLimit:     10,
		keepAliveIdle:     2 * time.Hour,
		keepAliveInterval: 75 * time.Second,
		keepAliveCount:    9,
		rcvWndScale:       computeWndScale(defaultBufferSize),
		rcvMinimum:        1,
		segPool:           &segmentPool{},
	}
	e.segmentQueue.setLimit(defaultSegmentQueueLimit)
	e.timer = newConnTimer(e)
	return e
}

func (e *endpoint) log() *log.Entry {
	return log.WithFields(log.Fields{"tcp_endpoint": e.id, "trace": e.traceID, "state": e.state})
}

// Close implements types.Endpoint.Close
func (e *endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateListening:
		close(e.acceptedChan)
		for n := range e.acceptedChan {
			n.Close()
		}
		e.unregisterLocked()
		e.state = StateClosed
		e.notificationWaker.Assert()

	case StateSynSent:
		// No data has ever flowed on this connection, so there's nothing
		// to linger over: tear down immediately
		e.unregisterLocked()
		e.state = StateClosed

	case StateEstablished, StateSynReceived, StateCloseWait:
		if e.flags.lingerEnabled && e.flags.lingerTimeout == 0 {
			e.resetConnectionLocked()
			break
		}
		if e.flags.lingerEnabled {
			e.timer.mu.Lock()
			e.timer.lingerDeadline = time.Now().Add(time.Duration(e.flags.lingerTimeout) * time.Second)
			e.timer.mu.Unlock()
			e.timer.ref()
		}
		e.closeWaker.Assert()

	default:
		e.markClosedLocked()
		e.unregisterLocked()
		e.state = StateClosed
	}
}

// resetConnectionLocked aborts the connection immediately with an RST,
// bypassing the orderly FIN exchange. Caller must hold e.mu
func (e *endpoint) resetConnectionLocked() {
	if e.snd != nil {
		e.snd.sendSegment(nil, flagRst, e.snd.sndNxt)
	}
	e.markClosedLocked()
	e.unregisterLocked()
	e.state = StateClosed
	e.timer.forceDisarm()
}

func (e *endpoint) unregisterLocked() {
	if e.isRegistered {
		e.stack.UnregisterTransportEndpoint(e.boundNicId, e.effectiveNetProtocols, ProtocolNumber, e.id)
		e.isRegistered = false
	}
}

// Read implements types.Endpoint.Read
func (e *endpoint) Read(addr *types.FullAddress) (buffer.View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seg := e.rcvList.Front()
	if seg == nil {
		if e.rcvClosed {
			return nil, types.ErrClosedForReceive
		}
		if !e.state.connected() {
			return nil, types.ErrNotConnected
		}
		return nil, types.ErrWouldBlock
	}

	v := seg.data.ToView()
	e.rcvList.Remove(seg)
	e.rcvBufUsed -= len(v)
	seg.decRef()

	if addr != nil {
		*addr = types.FullAddress{Addr: e.id.RemoteAddress, Port: e.id.RemotePort}
	}

	return v, nil
}

// Peek implements types.Endpoint.Peek
func (e *endpoint) Peek(dst [][]byte) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var done int64
	di := 0
	for seg := e.rcvList.Front(); seg != nil && di < len(dst); seg = seg.Next() {
		v := seg.data.ToView()
		off := 0
		for off < len(v) && di < len(dst) {
			n := copy(dst[di], v[off:])
			off += n
			done += int64(n)
			di++
		}
	}
	return done, nil
}

// Write implements types.Endpoint.Write
func (e *endpoint) Write(v buffer.View, to *types.FullAddress) (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sndClosed {
		if e.flags.connectionReset {
			return 0, types.ErrSilentBrokenPipe
		}
		return 0, types.ErrClosedForSend
	}
	if !e.state.connected() {
		return 0, types.ErrNotConnected
	}
	if e.sndBufUsed > 0 && e.sndBufUsed+len(v) > e.sndBufSize {
		// Per §4.7, a Write that would overflow the send buffer doesn't
		// block here: it reports ErrWouldBlock and leaves it to Send's
		// blocking wrapper to wait for room to free up
		return 0, types.ErrWouldBlock
	}

	s := e.newSegmentFromView(&e.route, e.id, v)
	e.sndBufUsed += len(v)

	wasEmpty := e.snd.writeList.Empty()
	if wasEmpty {
		e.snd.writeNext = s
	}
	e.snd.writeList.PushBack(s)

	// Per §6's NoDelay option: coalesce small writes behind data already in
	// flight unless the list was empty or Nagle-style batching is disabled.
	// A deferred write still goes out the next time sendData runs, driven
	// by the ACK that retires the in-flight data
	if wasEmpty || e.flags.noDelay {
		e.snd.sendData()
	}

	return uintptr(len(v)), nil
}

// Send implements types.Endpoint.Send. It is Write's blocking counterpart:
// Write already reports ErrWouldBlock whenever already-queued data plus v
// would exceed e.sndBufSize (an empty send buffer accepts a write of any
// size), so Send just waits on EventOut and retries
func (e *endpoint) Send(v buffer.View, to *types.FullAddress, timeout time.Duration, interrupt <-chan struct{}) (uintptr, error) {
	for {
		n, err := e.Write(v, to)
		if err != types.ErrWouldBlock {
			return n, err
		}

		waitEntry, notifyCh := waiter.NewChannelEntry(nil)
		e.waiterQueue.EventRegister(&waitEntry, waiter.EventOut)

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
			return 0, types.ErrTimeout
		case <-interrupt:
			e.waiterQueue.EventUnregister(&waitEntry)
			return 0, types.ErrInterrupted
		}
		e.waiterQueue.EventUnregister(&waitEntry)
	}
}

// Receive implements types.Endpoint.Receive. It is Read's blocking
// counterpart, waiting on EventIn whenever Read reports ErrWouldBlock
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
			return nil, types.ErrTimeout
		case <-interrupt:
			e.waiterQueue.EventUnregister(&waitEntry)
			return nil, types.ErrInterrupted
		}
		e.waiterQueue.EventUnregister(&waitEntry)
	}
}

// SetSockOpt, GetSockOpt and UserControl implement the rest of
// types.Endpoint's socket-option surface; see options.go

// Bind implements types.Endpoint.Bind
func (e *endpoint) Bind(address types.FullAddress, commit func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isBound {
		return types.ErrAlreadyBound
	}

	if address.Port != 0 {
		if !e.stack.PortManager().ReservePort(e.netProtocol, ProtocolNumber, address.Addr, address.Port) {
			return types.ErrPortInUse
		}
	} else {
		port, err := e.stack.PortManager().PickEphemeralPort(func(p uint16) (bool, error) {
			return e.stack.PortManager().ReservePort(e.netProtocol, ProtocolNumber, address.Addr, p), nil
		})
		if err != nil {
			return err
		}
		address.Port = port
	}

	if commit != nil {
		if err := commit(); err != nil {
			e.stack.PortManager().ReleasePort(e.netProtocol, ProtocolNumber, address.Addr, address.Port)
			return err
		}
	}

	e.id.LocalAddress = address.Addr
	e.id.LocalPort = address.Port
	e.boundNicId = address.Nic
	e.isBound = true

	return nil
}

// GetLocalAddress implements types.Endpoint.GetLocalAddress
func (e *endpoint) GetLocalAddress() (types.FullAddress, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return types.FullAddress{Nic: e.boundNicId, Addr: e.id.LocalAddress, Port: e.id.LocalPort}, nil
}

// GetRemoteAddress implements types.Endpoint.GetRemoteAddress
func (e *endpoint) GetRemoteAddress() (types.FullAddress, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.state.connected() {
		return types.FullAddress{}, types.ErrNotConnected
	}
	return types.FullAddress{Nic: e.boundNicId, Addr: e.id.RemoteAddress, Port: e.id.RemotePort}, nil
}

// Readiness implements types.Endpoint.Readiness
func (e *endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var result waiter.EventMask

	if mask&waiter.EventIn != 0 {
		if !e.rcvList.Empty() || e.rcvClosed {
			result |= waiter.EventIn
		}
		if e.state == StateListening && len(e.acceptedChan) > 0 {
			result |= waiter.EventIn
		}
	}
	if mask&waiter.EventOut != 0 && e.state.connected() && !e.sndClosed {
		result |= waiter.EventOut
	}
	return result
}

// Listen implements types.Endpoint.Listen
func (e *endpoint) Listen(backlog int) error {
	e.mu.Lock()
	if !e.isBound {
		e.mu.Unlock()
		return types.ErrInvalidEndpointState
	}
	e.state = StateListening
	e.acceptedChan = make(chan *endpoint, backlog)
	e.acceptedLimit = backlog
	e.effectiveNetProtocols = []types.NetworkProtocolNumber{e.netProtocol}

	if err := e.stack.RegisterTransportEndpoint(e.boundNicId, e.effectiveNetProtocols, ProtocolNumber, e.id, e); err != nil {
		e.mu.Unlock()
		return err
	}
	e.isRegistered = true
	rcvWnd := seqnum.Size(e.rcvBufSize)
	e.mu.Unlock()

	go e.protocolListenLoop(rcvWnd)
	return nil
}

// Accept implements types.Endpoint.Accept
func (e *endpoint) Accept() (types.Endpoint, *waiter.Queue, error) {
	e.mu.RLock()
	ch := e.acceptedChan
	e.mu.RUnlock()

	if ch == nil {
		return nil, nil, types.ErrInvalidEndpointState
	}

	select {
	case n, ok := <-ch:
		if !ok {
			return nil, nil, types.ErrInvalidEndpointState
		}
		return n, n.waiterQueue, nil
	default:
		return nil, nil, types.ErrWouldBlock
	}
}

// Connect implements types.Endpoint.Connect
func (e *endpoint) Connect(address types.FullAddress) error {
	e.mu.Lock()

	if e.state == StateSynSent {
		// A handshake is already outstanding; a caller that got here via
		// an interrupted blocking Send/Receive just wants to know whether
		// to keep waiting rather than spawn a second handshake
		e.flags.connectInterrupted = true
		e.mu.Unlock()
		return types.ErrAlreadyConnecting
	}
	if e.state.connected() {
		e.mu.Unlock()
		return types.ErrAlreadyConnected
	}

	if !e.isBound {
		if err := e.bindEphemeralLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	}

	r, err := e.stack.FindRoute(e.boundNicId, e.id.LocalAddress, address.Addr, e.netProtocol)
	if err != nil {
		e.mu.Unlock()
		return types.ErrNoRoute
	}

	e.route = r
	e.id.LocalAddress = r.LocalAddress
	e.id.RemoteAddress = address.Addr
	e.id.RemotePort = address.Port
	e.boundNicId = r.NicId()
	e.effectiveNetProtocols = []types.NetworkProtocolNumber{e.netProtocol}

	if err := e.stack.RegisterTransportEndpoint(e.boundNicId, e.effectiveNetProtocols, ProtocolNumber, e.id, e); err != nil {
		e.mu.Unlock()
		return err
	}
	e.isRegistered = true
	e.state = StateSynSent
	rcvWnd := seqnum.Size(e.rcvBufSize)
	e.workerDone = make(chan struct{})
	e.mu.Unlock()

	go e.connectLoop(rcvWnd)

	return types.ErrConnectStarted
}

// connectLoop runs the active handshake and, on success, the connection's
// main protocol loop. It is always run in its own goroutine since Connect
// returns immediately with ErrConnectStarted
func (e *endpoint) connectLoop(rcvWnd seqnum.Size) {
	h, err := newActiveHandshake(e, rcvWnd)
	if err == nil {
		err = h.execute()
	}

	e.mu.Lock()
	if err != nil {
		if te, ok := err.(*types.Error); ok {
			e.lastError = te
		} else {
			e.lastError = types.ErrAborted
		}
		e.unregisterLocked()
		e.state = StateClosed
	}
	e.flags.connectInterrupted = false
	e.mu.Unlock()

	e.notifyReadable()
	if e.waiterQueue != nil {
		e.waiterQueue.Notify(waiter.EventOut)
	}

	if err == nil {
		e.protocolMainLoop()
	}
}

func (e *endpoint) bindEphemeralLocked() error {
	port, err := e.stack.PortManager().PickEphemeralPort(func(p uint16) (bool, error) {
		return e.stack.PortManager().ReservePort(e.netProtocol, ProtocolNumber, "", p), nil
	})
	if err != nil {
		return err
	}
	e.id.LocalPort = port
	e.isBound = true
	return nil
}

// Shutdown implements types.Endpoint.Shutdown
func (e *endpoint) Shutdown(flags types.ShutdownFlags) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if flags&types.ShutdownWrite != 0 {
		e.sndClosed = true
		switch e.state {
		case StateEstablished:
			e.state = StateFinWait1
		case StateCloseWait:
			e.state = StateLastAck
		}
		e.queueFinLocked()
	}
	if flags&types.ShutdownRead != 0 {
		e.rcvClosed = true
	}
	return nil
}

func (e *endpoint) queueFinLocked() {
	if e.snd == nil {
		return
	}
	fin := e.newSegmentFromView(&e.route, e.id, nil)
	if e.snd.writeList.Empty() {
		e.snd.writeNext = fin
	}
	e.snd.writeList.PushBack(fin)
	e.snd.sendData()
}

// HandlePacket implements types.TransportEndpoint.HandlePacket
func (e *endpoint) HandlePacket(r *types.Route, id types.TransportEndpointId, vv *buffer.VectorisedView) {
	s := e.newSegment(r, id, vv)
	if !s.parse() {
		s.decRef()
		return
	}

	if !e.segmentQueue.enqueue(s) {
		s.decRef()
		return
	}
	e.newSegmentWaker.Assert()
}

// notifyReadable wakes anyone blocked waiting for EventIn
func (e *endpoint) notifyReadable() {
	if e.waiterQueue != nil {
		e.waiterQueue.Notify(waiter.EventIn)
	}
}

// armAckTimer guards against taking a timer reference more than once for
// the same pending-ACK obligation: it only refs the shared timer on the
// false→true transition of sendAckPending, so every ref has exactly one
// matching unref when the ACK is actually flushed
func (e *endpoint) armAckTimer() {
	if !e.flags.sendAckPending {
		e.flags.sendAckPending = true
		e.timer.ref()
	}
}

func (e *endpoint) clearAckTimer() {
	if e.flags.sendAckPending {
		e.flags.sendAckPending = false
		e.timer.unref()
	}
}

// markEstablishedLocked records a connection reaching Established in the
// connections_established_total counter. Caller must hold e.mu
func (e *endpoint) markEstablishedLocked() {
	e.stack.Metrics().ConnectionsEstablished.Inc()
}

// markClosedLocked records a connection reaching Closed in the
// connections_closed_total counter and drops its per-connection gauge
// series. Caller must hold e.mu
func (e *endpoint) markClosedLocked() {
	e.stack.Metrics().ConnectionsClosed.Inc()
	e.stack.Metrics().ForgetEndpoint(e.traceID)
}

// handleReset processes an inbound RST: the connection is aborted
// immediately without an orderly close. Caller must hold e.mu
func (e *endpoint) handleReset(s *segment) {
	e.flags.connectionReset = true
	e.lastError = types.ErrConnectionReset
	e.rcvClosed = true
	e.sndClosed = true
	e.unregisterLocked()
	e.state = StateClosed
	e.timer.forceDisarm()
	e.markClosedLocked()
	e.notifyReadable()
}

// handlePeerFin is called once the receiver has consumed a FIN: it advances
// the state machine on the receive side of an orderly close. Caller must
// hold e.mu
func (e *endpoint) handlePeerFin() {
	switch e.state {
	case StateEstablished:
		e.state = StateCloseWait
	case StateFinWait1:
		e.state = StateClosing
	case StateFinWait2:
		e.state = StateTimeWait
		e.timer.mu.Lock()
		e.timer.timeWaitDeadline = time.Now().Add(2 * maxSegmentLifetime)
		e.timer.mu.Unlock()
		e.timer.ref()
	}
	e.rcvClosed = true
	e.notifyReadable()
}

// handleFinAckedLocked advances the state machine on the send side of an
// orderly close once our own FIN has been fully acknowledged by the peer.
// Caller must hold e.mu
func (e *endpoint) handleFinAckedLocked() {
	switch e.state {
	case StateFinWait1:
		e.state = StateFinWait2
	case StateClosing:
		e.state = StateTimeWait
		e.timer.mu.Lock()
		e.timer.timeWaitDeadline = time.Now().Add(2 * maxSegmentLifetime)
		e.timer.mu.Unlock()
		e.timer.ref()
	case StateLastAck:
		e.markClosedLocked()
		e.unregisterLocked()
		e.state = StateClosed
		e.timer.forceDisarm()
	}
}

// sendRaw builds and transmits a single TCP segment. The caller must already
// hold e.mu (RLock or Lock) since sendRaw reads endpoint fields directly
// without locking; taking the lock here would self-deadlock every call site
// that reaches sendRaw from inside an already-held critical section (the
// main protocol loop, onTick, and every *Locked helper they call)
func (e *endpoint) sendRaw(payload buffer.View, flags byte, seq, ack seqnum.Value, rcvWnd seqnum.Size) error {
	route := e.route
	id := e.id
	wndScale := e.rcvWndScale
	if e.rcv != nil {
		wndScale = e.rcv.windowScale()
	}

	optsScratch := make([]byte, 40)
	n := 0
	if flags&flagSyn != 0 {
		n = header.EncodeOptions(optsScratch, header.TCPDefaultMSS, int(wndScale))
	}
	opts := optsScratch[:n]

	reserve := header.TCPMinimumSize + len(opts) + int(route.MaxHeaderLength())
	hdr := buffer.NewPrependable(reserve)
	tcpHdr := header.TCP(hdr.Prepend(header.TCPMinimumSize + len(opts)))

	// The window placed on the wire is the post-scale value: the peer
	// left-shifts whatever we advertise here by the negotiated window
	// scale, so we must right-shift our byte count by the same factor
	// before truncating to the 16-bit field
	scaled := rcvWnd >> seqnum.Size(wndScale)
	wnd := uint16(scaled)
	if scaled > 0xffff {
		wnd = 0xffff
	}

	tcpHdr.Encode(&header.TCPFields{
		SrcPort:    id.LocalPort,
		DstPort:    id.RemotePort,
		SeqNum:     uint32(seq),
		AckNum:     uint32(ack),
		DataOffset: uint8(header.TCPMinimumSize + len(opts)),
		Flags:      flags,
		WindowSize: wnd,
	}, opts)

	pseudo := header.PseudoHeaderChecksum(ProtocolNumber, route.LocalAddress, route.RemoteAddress, uint16(len(tcpHdr)+len(payload)))
	tcpHdr.SetChecksum(tcpHdr.CalculateChecksum(pseudo, payload))

	return route.WritePacket(&hdr, payload, ProtocolNumber)
}

// onTick is invoked by the shared timer once per tick while this endpoint
// holds at least one timer reference
func (e *endpoint) onTick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	e.timer.mu.Lock()
	retryDue := !e.timer.retryDeadline.IsZero() && !now.Before(e.timer.retryDeadline)
	keepAliveDue := !e.timer.keepAliveDeadline.IsZero() && !now.Before(e.timer.keepAliveDeadline)
	timeWaitDue := !e.timer.timeWaitDeadline.IsZero() && !now.Before(e.timer.timeWaitDeadline)
	lingerDue := !e.timer.lingerDeadline.IsZero() && !now.Before(e.timer.lingerDeadline)
	zeroWindowDue := !e.timer.zeroWindowDeadline.IsZero() && !now.Before(e.timer.zeroWindowDeadline)
	if retryDue {
		wait := e.timer.retryWaitPeriod * 2
		if wait > 60*time.Second {
			wait = 60 * time.Second
		}
		e.timer.retryWaitPeriod = wait
		e.timer.retryDeadline = now.Add(wait)
	}
	if zeroWindowDue {
		wait := e.timer.zeroWindowWaitPeriod * 2
		if wait > maxZeroWindowProbe {
			wait = maxZeroWindowProbe
		}
		e.timer.zeroWindowWaitPeriod = wait
		e.timer.zeroWindowDeadline = now.Add(wait)
	}
	e.timer.mu.Unlock()

	// A due retry deadline always means we're still inside the handshake:
	// resendWaker drives handshake.execute's own retry loop. Once the
	// handshake completes, disarmRetry clears retryDeadline for good.
	if retryDue {
		e.resendWaker.Assert()
	}

	// Data retransmission is polled unconditionally whenever a sender
	// exists; retransmitTimerExpired checks its own per-segment deadline
	// and is a no-op when nothing is due.
	if e.snd != nil {
		e.snd.retransmitTimerExpired()
	}

	if keepAliveDue && e.flags.keepAlive && e.state.connected() {
		e.sendKeepaliveProbeLocked()
	}

	if timeWaitDue && e.state == StateTimeWait {
		e.markClosedLocked()
		e.unregisterLocked()
		e.state = StateClosed
		e.timer.forceDisarm()
	}

	if lingerDue && e.state != StateClosed {
		e.resetConnectionLocked()
	}

	if zeroWindowDue && e.snd != nil {
		e.snd.sendZeroWindowProbe()
	}

	if e.flags.sendAckPending && e.snd != nil {
		e.clearAckTimer()
		e.snd.sendAck()
	}
}

// armKeepaliveLocked arms the first keep-alive probe deadline, taking the
// matching timer reference on the unarmed→armed transition
func (e *endpoint) armKeepaliveLocked() {
	e.timer.mu.Lock()
	armed := !e.timer.keepAliveDeadline.IsZero()
	if !armed {
		e.timer.keepAliveDeadline = time.Now().Add(e.keepAliveIdle)
	}
	e.timer.mu.Unlock()

	if !armed {
		e.timer.ref()
	}
}

// disarmKeepaliveLocked releases a timer reference taken by
// armKeepaliveLocked, if one is currently held
func (e *endpoint) disarmKeepaliveLocked() {
	e.timer.mu.Lock()
	armed := !e.timer.keepAliveDeadline.IsZero()
	e.timer.keepAliveDeadline = time.Time{}
	e.timer.keepAliveProbes = 0
	e.timer.mu.Unlock()

	if armed {
		e.timer.unref()
	}
}

func (e *endpoint) sendKeepaliveProbeLocked() {
	e.timer.mu.Lock()
	e.timer.keepAliveProbes++
	probes := e.timer.keepAliveProbes
	e.timer.keepAliveDeadline = time.Now().Add(e.keepAliveInterval)
	e.timer.mu.Unlock()

	if probes > e.keepAliveCount {
		e.flags.connectionReset = true
		e.lastError = types.ErrDestinationUnreachable
		if e.snd != nil {
			e.snd.sendSegment(nil, flagRst, e.snd.sndNxt)
		}
		e.markClosedLocked()
		e.unregisterLocked()
		e.state = StateClosed
		e.timer.forceDisarm()
		e.notifyReadable()
		return
	}
	e.snd.sendSegment(nil, flagAck, e.snd.sndUna-1)
	e.stack.Metrics().KeepaliveProbesSent.Inc()
}
