package tcp

import (
	"math/rand"
	"time"

	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/seqnum"
	"github.com/kvnetwork/ktcp/sleep"
	"github.com/kvnetwork/ktcp/types"

	log "github.com/sirupsen/logrus"
)

// maxSegmentsPerWake is the maximum number of segments to process in the main
// protocol goroutine per wake-up. Yielding after this many lets other events
// (timeouts, resets, etc) get a turn
const maxSegmentsPerWake = 100

// The following are used to set up sleepers
const (
	wakerForNotification = iota
	wakerForNewSegment
	wakerForResend
	wakerForKeepalive
	wakerForClose
)

// handshakeState tracks where a 3-way handshake currently stands
type handshakeState int

const (
	handshakeSynSent handshakeState = iota
	handshakeSynRcvd
	handshakeCompleted
)

// synRetries is the number of times a SYN or SYN-ACK is retransmitted before
// the handshake gives up
const synRetries = 5

// handshake drives either side of the TCP 3-way handshake. A passive-side
// handshake (SYN received while listening) starts from resetToSynRcvd; an
// active-side handshake (Connect) starts from sending its own SYN
type handshake struct {
	ep     *endpoint
	active bool
	state  handshakeState

	iss seqnum.Value
	irs seqnum.Value

	rcvWnd      seqnum.Size
	sndWnd      seqnum.Size
	mss         uint16
	sndWndScale int
	rcvWndScale uint8
}

func newHandshake(ep *endpoint, rcvWnd seqnum.Size) (*handshake, error) {
	h := &handshake{
		ep:          ep,
		rcvWnd:      rcvWnd,
		rcvWndScale: 0,
	}
	return h, nil
}

// resetToSynRcvd configures h for the passive side of a handshake whose SYN
// has already arrived, using the given SYN cookie as the local ISS
func (h *handshake) resetToSynRcvd(iss, irs seqnum.Value, opts *header.TCPSynOptions) {
	h.active = false
	h.state = handshakeSynRcvd
	h.iss = iss
	h.irs = irs
	h.mss = opts.MSS
	h.sndWndScale = opts.WS
}

// newActiveHandshake sets up and immediately starts the active side of a
// handshake: picks a fresh ISS, sends the initial SYN, and returns a
// handshake ready to have execute() called on it
func newActiveHandshake(ep *endpoint, rcvWnd seqnum.Size) (*handshake, error) {
	h := &handshake{
		ep:          ep,
		active:      true,
		state:       handshakeSynSent,
		iss:         seqnum.Value(rand.Uint32()),
		rcvWnd:      rcvWnd,
		rcvWndScale: ep.rcvWndScale,
	}
	return h, nil
}

// execute drives the handshake to completion (or failure), blocking the
// calling goroutine. It owns ep.segmentQueue/ep.newSegmentWaker/
// ep.resendWaker exclusively until it returns, since the endpoint's
// protocol loop hasn't started yet
func (h *handshake) execute() error {
	e := h.ep

	e.mu.Lock()
	e.timer.armRetry(time.Second, time.Now().Add(60*time.Second))
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.timer.disarmRetry()
		e.mu.Unlock()
	}()

	var s sleep.Sleeper
	s.AddWaker(&e.newSegmentWaker, wakerForNewSegment)
	s.AddWaker(&e.resendWaker, wakerForResend)
	defer s.Done()

	if h.active {
		if err := h.sendSyn(); err != nil {
			return err
		}
	} else {
		if err := h.sendSynAck(); err != nil {
			return err
		}
	}

	retries := 0
	for {
		index, _ := s.Fetch(true)
		switch index {
		case wakerForResend:
			retries++
			if retries > synRetries {
				return types.ErrTimeout
			}
			if h.active {
				h.sendSyn()
			} else {
				h.sendSynAck()
			}

		case wakerForNewSegment:
			for i := 0; i < maxSegmentsPerWake; i++ {
				seg := e.segmentQueue.dequeue()
				if seg == nil {
					break
				}
				done, err := h.handleSegment(seg)
				seg.decRef()
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}
	}
}

func (h *handshake) sendSyn() error {
	e := h.ep
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sendRaw(nil, flagSyn, h.iss, 0, h.rcvWnd)
}

func (h *handshake) sendSynAck() error {
	e := h.ep
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sendRaw(nil, flagSyn|flagAck, h.iss, h.irs+1, h.rcvWnd)
}

// handleSegment processes one inbound segment during the handshake,
// reporting whether the handshake has completed
func (h *handshake) handleSegment(s *segment) (bool, error) {
	e := h.ep

	if s.flagIsSet(flagRst) {
		return false, types.ErrConnectionRefused
	}

	if h.active && h.state == handshakeSynSent {
		if !s.flagIsSet(flagSyn) {
			return false, nil
		}
		h.irs = s.sequenceNumber
		opts := s.parsedOptions
		h.mss = opts.MSS
		h.sndWndScale = opts.WS
		if opts.WS < 0 {
			// The peer offered no window scale, so neither side scales
			h.rcvWndScale = 0
		}

		e.mu.Lock()
		e.rcv = newReceiver(e, h.irs, h.rcvWnd, h.rcvWndScale)
		e.snd = newSender(e, h.iss, h.irs, s.window, orDefaultMSS(h.mss), h.sndWndScale)
		e.mu.Unlock()

		if s.flagIsSet(flagAck) {
			e.mu.RLock()
			err := e.sendRaw(nil, flagAck, h.iss+1, h.irs+1, h.rcvWnd)
			e.mu.RUnlock()
			if err != nil {
				log.WithError(err).Warn("tcp: failed to send final handshake ACK")
			}
			e.mu.Lock()
			e.state = StateEstablished
			e.snd.initCongestionControl()
			if e.flags.keepAlive {
				e.armKeepaliveLocked()
			}
			e.markEstablishedLocked()
			e.mu.Unlock()
			return true, nil
		}

		// Simultaneous open: peer sent a bare SYN. Reply with our own
		// SYN-ACK and keep waiting for its ACK.
		h.state = handshakeSynRcvd
		e.mu.RLock()
		e.sendRaw(nil, flagSyn|flagAck, h.iss, h.irs+1, h.rcvWnd)
		e.mu.RUnlock()
		return false, nil
	}

	if h.state == handshakeSynRcvd {
		if !s.flagIsSet(flagAck) {
			return false, nil
		}
		if s.ackNumber != h.iss+1 {
			return false, nil
		}

		e.mu.Lock()
		e.state = StateEstablished
		if e.snd != nil {
			e.snd.initCongestionControl()
		}
		if e.flags.keepAlive {
			e.armKeepaliveLocked()
		}
		e.markEstablishedLocked()
		e.mu.Unlock()
		return true, nil
	}

	return false, nil
}

func orDefaultMSS(mss uint16) uint16 {
	if mss == 0 {
		return header.TCPDefaultMSS
	}
	return mss
}

// protocolMainLoop is the single goroutine that owns a connected endpoint's
// protocol-level state once the handshake has completed
func (e *endpoint) protocolMainLoop() {
	defer func() {
		if e.workerDone != nil {
			close(e.workerDone)
		}
	}()

	var s sleep.Sleeper
	s.AddWaker(&e.newSegmentWaker, wakerForNewSegment)
	s.AddWaker(&e.closeWaker, wakerForClose)
	defer s.Done()

	for {
		index, _ := s.Fetch(true)
		switch index {
		case wakerForClose:
			e.mu.Lock()
			e.queueFinLocked()
			switch e.state {
			case StateEstablished:
				e.state = StateFinWait1
			case StateCloseWait:
				e.state = StateLastAck
			}
			e.mu.Unlock()

		case wakerForNewSegment:
			for i := 0; i < maxSegmentsPerWake; i++ {
				seg := e.segmentQueue.dequeue()
				if seg == nil {
					break
				}

				e.mu.Lock()
				if e.state == StateClosed {
					e.mu.Unlock()
					seg.decRef()
					continue
				}
				if seg.flagIsSet(flagRst) {
					e.handleReset(seg)
				} else {
					e.rcv.handleRcvdSegment(seg)
					e.snd.handleRcvdSegment(seg)
				}
				closed := e.state == StateClosed
				e.mu.Unlock()

				seg.decRef()

				if closed {
					return
				}
			}
		}
	}
}
