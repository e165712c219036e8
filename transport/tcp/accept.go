package tcp

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"hash"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/seqnum"
	"github.com/kvnetwork/ktcp/sleep"
	"github.com/kvnetwork/ktcp/stack"
	"github.com/kvnetwork/ktcp/types"
	"github.com/kvnetwork/ktcp/waiter"
)

const (
	// tsLen is the length, in bits, of the timestamp in the SYN cookie
	tsLen = 8

	// tsMask is a mask for timestamp values (i.e., tsLen bits)
	tsMask = (1 << tsLen) - 1

	// tsOffset is the offset, in bits, of the timestamp in the SYN cookie
	tsOffset = 24

	// hashMask is the mask for hash values (i.e., tsOffset bits)
	hashMask = (1 << tsOffset) - 1

	// maxTSDiff is the maximum allowed difference between a received cookie
	// timestamp and the current timestamp. If the difference is greater
	// than maxTSDiff, the cookie is expired
	maxTSDiff = 2

	// synRate and synBurst bound how many handshake goroutines a single
	// listener will spawn per second. Once the limiter is exhausted,
	// incoming SYNs are dropped silently rather than spawning a
	// goroutine per packet, the practical backstop behind the SYN-cookie
	// defense against a flood of spoofed SYNs
	synRate  = 128
	synBurst = 256
)

var (
	// mssTable is a slice containing the possible MSS values that we
	// encode in the SYN cookie with two bits
	mssTable = []uint16{536, 1300, 1440, 1460}
)

func encodeMSS(mss uint16) uint32 {
	for i := len(mssTable) - 1; i > 0; i-- {
		if mss >= mssTable[i] {
			return uint32(i)
		}
	}
	return 0
}

// listenContext is used by a listening endpoint to store state and used while
// listening for connections. This struct is allocated by the listen goroutine
// and shared by every handshake goroutine it spawns; hasherMu serialises
// their use of the shared hasher
type listenContext struct {
	stack 	*stack.Stack
	rcvWnd	seqnum.Size
	rcvWndScale uint8
	nonce [2][sha1.BlockSize]byte

	hasherMu		sync.Mutex
	hasher 			hash.Hash
	netProtocol 	types.NetworkProtocolNumber

	// synRateLimiter paces how many handshake goroutines handleSynSegment
	// is allowed to spawn per second, bounding the work a flood of SYNs
	// can force onto this listener regardless of how cheap SYN cookies
	// make each individual one
	synRateLimiter *rate.Limiter
}

// timeStamp returns an 8-bit timestamp with a granularity of 64 seconds
func timeStamp() uint32 {
	return uint32(time.Now().Unix() >> 6) & tsMask
}

// newListenContext creates a new listen context
func newListenContext(stack *stack.Stack, rcvWnd seqnum.Size, rcvWndScale uint8, netProtocol types.NetworkProtocolNumber) *listenContext {
	l := &listenContext{
		stack:			stack,
		rcvWnd:			rcvWnd,
		rcvWndScale:	rcvWndScale,
		hasher:			sha1.New(),
		netProtocol:	netProtocol,
		synRateLimiter:	rate.NewLimiter(rate.Limit(synRate), synBurst),
	}

	rand.Read(l.nonce[0][:])
	rand.Read(l.nonce[1][:])

	return l
}

// cookieHash calculates the cookieHash for the given id, timestamp and nonce
// index. The hash is used to create and validate cookies
func (l *listenContext) cookieHash(id types.TransportEndpointId, ts uint32, nonceIndex int) uint32 {
	// Initialize block with fixed-size data: local ports and v
	var payload [8]byte
	binary.BigEndian.PutUint16(payload[0:], id.LocalPort)
	binary.BigEndian.PutUint16(payload[2:], id.RemotePort)

	// Feed everything to the hasher
	l.hasherMu.Lock()
	l.hasher.Reset()
	l.hasher.Write(payload[:])
	l.hasher.Write(l.nonce[nonceIndex][:])
	io.WriteString(l.hasher, string(id.LocalAddress))
	io.WriteString(l.hasher, string(id.RemoteAddress))

	// Finalize the calculation of the hash and return the first 4 bytes
	h := make([]byte, 0, sha1.Size)
	h = l.hasher.Sum(h)
	l.hasherMu.Unlock()

	return binary.BigEndian.Uint32(h[:])
}

// createCookie creates a SYN cookie for the given id and incoming sequence number
func (l *listenContext) createCookie(id types.TransportEndpointId, seq seqnum.Value, data uint32) seqnum.Value {
	// 8-bits timestamp
	ts := timeStamp()
	// tsOffset is 24
	v := l.cookieHash(id, 0, 0) + uint32(seq) + (ts << tsOffset)
	v += (l.cookieHash(id, ts, 1) + data) & hashMask

	return seqnum.Value(v)
}

// isCookieValid checks if the supplied cookie is valid for the given id and
// sequence number. If it is, it also returns the data originally encoded in
// the cookie when createCookie was created
func (l *listenContext) isCookieValid(id types.TransportEndpointId, cookie seqnum.Value, seq seqnum.Value) (uint32, bool) {
	ts := timeStamp()
	v := uint32(cookie) - l.cookieHash(id, 0, 0) - uint32(seq)
	cookieTS := v >> tsOffset
	if ((ts - cookieTS) & tsMask) > maxTSDiff {
		return 0, false
	}

	return (v - l.cookieHash(id, cookieTS, 1)) & hashMask, true
}

// createConnectedEndpoint creates a new connected endpoint, with the connection
// parameters given by the arguments
func (l *listenContext) createConnectedEndpoint(s *segment, iss seqnum.Value, irs seqnum.Value, rcvdSynOpts *header.TCPSynOptions) (*endpoint, error) {
	// Create a new endpoint
	netProtocol := l.netProtocol

	n := newEndpoint(l.stack, netProtocol, &waiter.Queue{})
	n.id = s.id
	n.boundNicId = s.route.NicId()
	n.route = s.route.Clone()
	n.effectiveNetProtocols = []types.NetworkProtocolNumber{netProtocol}

	// Register new endpoint so that packets are routed to it
	if err := n.stack.RegisterTransportEndpoint(n.boundNicId, n.effectiveNetProtocols, ProtocolNumber, n.id, n); err != nil {
		log.WithError(err).Warn("tcp: RegisterTransportEndpoint failed for accepted connection")
		return nil, err
	}

	n.isRegistered = true
	n.state = StateSynReceived

	// Create sender and receiver
	//
	// The receiver advertises the listener's window scale (l.rcvWndScale)
	n.snd = newSender(n, iss, irs, s.window, rcvdSynOpts.MSS, rcvdSynOpts.WS)
	n.rcv = newReceiver(n, irs, l.rcvWnd, l.rcvWndScale)

	return n, nil
}

// createEndpointAndPerformHandshake creates a new endpoint in connected state
// and then performs the TCP 3-way handshake
func (l *listenContext) createEndpointAndPerformHandshake(s *segment, opts *header.TCPSynOptions) (*endpoint, error) {
	// Create new endpoint
	irs := s.sequenceNumber
	cookie := l.createCookie(s.id, irs, encodeMSS(opts.MSS))
	ep, err := l.createConnectedEndpoint(s, cookie, irs, opts)
	if err != nil {
		return nil, err
	}

	// Perform the 3-way handshake
	h, err := newHandshake(ep, l.rcvWnd)
	if err != nil {
		log.WithError(err).Warn("tcp: failed to set up passive handshake")
		return nil, err
	}

	h.resetToSynRcvd(cookie, irs, opts)
	if err := h.execute(); err != nil {
		log.WithError(err).Debug("tcp: passive handshake did not complete")
		return nil, err
	}

	go ep.protocolMainLoop()

	return ep, nil
}

// deliverAccepted delivers the newly-accepted endpoint to the listener. If the
// endpoint has transitioned out of the listen state, the new endpoint is closed
// instead
func (e *endpoint) deliverAccepted(n *endpoint) {
	e.mu.RLock()
	listening := e.state == StateListening
	e.mu.RUnlock()

	if !listening {
		log.Debug("tcp: dropping accepted connection, listener is no longer listening")
		n.Close()
		return
	}

	select {
	case e.acceptedChan <- n:
		e.waiterQueue.Notify(waiter.EventIn)
	default:
		log.Warn("tcp: accept backlog full, dropping completed connection")
		n.Close()
	}
}

// handleSynSegment is called in its own goroutine once the listening endpoint
// receive a SYN segment. It is responsible for completing the handshake and
// queueing the new segment for acceptance
//
// Every handshake uses a SYN cookie as its ISS; how many of these goroutines
// are spawned per second is paced by the listener's synRateLimiter
func (e *endpoint) handleSynSegment(ctx *listenContext, s *segment, opts *header.TCPSynOptions) {
	defer s.decRef()

	n, err := ctx.createEndpointAndPerformHandshake(s, opts)
	if err != nil {
		return
	}

	e.deliverAccepted(n)
}

// parseSynSegmentOptions extracts the options a peer reported on an inbound
// SYN, for use in constructing the passive side of the handshake
func parseSynSegmentOptions(s *segment) header.TCPSynOptions {
	return header.ParseSynOptions(s.options, s.flagIsSet(flagAck))
}

// handleListenSegment is called when a listening endpoint receives a segment
// and needs to handle it. It takes ownership of s's reference, handing it off
// to handleSynSegment when one is spawned
func (e *endpoint) handleListenSegment(ctx *listenContext, s *segment) {
	switch {
	case s.flagIsSet(flagSyn):
		if !ctx.synRateLimiter.Allow() {
			log.Debug("tcp: SYN handshake pacing limit reached, dropping")
			s.decRef()
			return
		}
		opts := parseSynSegmentOptions(s)
		go e.handleSynSegment(ctx, s, &opts)

	default:
		// A stray ACK (or anything else) for a connection we have no record
		// of, e.g. the SYN cookie expired or this is a retransmit racing
		// acceptance; nothing to complete it against, so drop it
		s.decRef()
	}
}

// protocolListenLoop is the main loop of a listening TCP endpoint. It runs in
// its own goroutine and is responsible for handling connection requests
func (e *endpoint) protocolListenLoop(rcvWnd seqnum.Size) error {
	e.mu.RLock()
	rcvWndScale := e.rcvWndScale
	e.mu.RUnlock()

	ctx := newListenContext(e.stack, rcvWnd, rcvWndScale, e.netProtocol)

	var s sleep.Sleeper
	s.AddWaker(&e.notificationWaker, wakerForNotification)
	s.AddWaker(&e.newSegmentWaker, wakerForNewSegment)
	for {
		switch index, _ := s.Fetch(true); index {
		case wakerForNotification:
			e.mu.RLock()
			closing := e.state != StateListening
			e.mu.RUnlock()
			if closing {
				return nil
			}

		case wakerForNewSegment:
			// Process at most maxSegmentsPerWake segments
			mayRequeue := true
			for i := 0; i < maxSegmentsPerWake; i++ {
				s := e.segmentQueue.dequeue()
				if s == nil {
					mayRequeue = false
					break
				}

				e.handleListenSegment(ctx, s)
			}

			// If the queue is not empty, make sure we'll wake up
			// in the next iteration
			if mayRequeue && !e.segmentQueue.empty() {
				e.newSegmentWaker.Assert()
			}
		}
	}
}
