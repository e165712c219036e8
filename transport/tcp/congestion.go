package tcp

import (
	"github.com/kvnetwork/ktcp/seqnum"
)

// New Reno congestion control, per the event table: slow start and
// congestion avoidance on the way up, fast retransmit/recovery on the third
// duplicate ACK, and a full restart on retransmit timeout.

// initCongestionControl sets CongestionWindow and SlowStartThreshold for a
// freshly-established connection: a small initial window and a threshold
// pinned to whatever the peer advertised, so the first RTT's growth is
// governed by slow start rather than an arbitrary cap
func (s *sender) initCongestionControl() {
	s.sndCwnd = 2 * seqnum.Size(s.maxPayloadSize)
	s.sndSsthresh = s.sndWnd
	s.dupAckCount = 0
	s.inFastRecovery = false
	s.reportCongestionWindow()
}

// availableCongestionWindow is how many unacknowledged bytes the congestion
// window still permits beyond what's already outstanding
func (s *sender) availableCongestionWindow() seqnum.Size {
	outstanding := seqnum.Size(s.outstandingBytes())
	if outstanding >= s.sndCwnd {
		return 0
	}
	return s.sndCwnd - outstanding
}

func (s *sender) outstandingBytes() int {
	return int(s.sndUna.Size(s.sndNxt))
}

// handleNewAck grows the window on an ACK that advances sndUna: by one MSS
// per ACK in slow start (roughly doubling cwnd every RTT, since each RTT
// delivers about cwnd/MSS ACKs), and by MSS²/cwnd in congestion avoidance, the standard
// reno approximation of "one MSS per RTT" once past the threshold
func (s *sender) handleNewAck() {
	s.dupAckCount = 0

	if s.inFastRecovery {
		if s.sndUna.GreaterThanEq(s.fastRecoveryEnd) {
			s.inFastRecovery = false
			s.sndCwnd = s.sndSsthresh
			s.reportCongestionWindow()
		}
		return
	}

	mss := seqnum.Size(s.maxPayloadSize)
	if mss == 0 {
		s.reportCongestionWindow()
		return
	}

	if s.sndCwnd < s.sndSsthresh {
		s.sndCwnd += mss
		s.reportCongestionWindow()
		return
	}

	inc := (mss * mss) / s.sndCwnd
	if inc == 0 {
		inc = 1
	}
	s.sndCwnd += inc
	s.reportCongestionWindow()
}

// reportCongestionWindow publishes the current congestion window to this
// connection's metric series
func (s *sender) reportCongestionWindow() {
	s.ep.stack.Metrics().CongestionWindow.WithLabelValues(s.ep.traceID).Set(float64(s.sndCwnd))
}

// handleDupAck is called for every duplicate ACK received. Outside fast
// recovery, on the third one it halves the window into the
// threshold, inflates by three segments to account for the segments known
// to have left the network, and enters fast recovery; additional duplicates
// while already recovering inflate the window further by one MSS each, the
// standard "window inflation" a sender uses to keep new segments flowing
// while waiting for the retransmit to be acknowledged
func (s *sender) handleDupAck() {
	mss := seqnum.Size(s.maxPayloadSize)
	s.ep.stack.Metrics().DuplicateAcksSeen.Inc()

	if s.inFastRecovery {
		s.sndCwnd += mss
		s.reportCongestionWindow()
		return
	}

	s.dupAckCount++
	if s.dupAckCount < 3 {
		return
	}

	s.sndSsthresh = s.sndCwnd / 2
	if s.sndSsthresh < 2*mss {
		s.sndSsthresh = 2 * mss
	}
	s.sndCwnd = s.sndSsthresh + 3*mss
	s.fastRecoveryEnd = s.sndNxt
	s.inFastRecovery = true
	s.reportCongestionWindow()

	s.ep.stack.Metrics().FastRetransmits.Inc()
	s.retransmit()
}

// handleRTO is invoked when the retransmit timer fires: the connection
// gives up on pacing via the congestion window entirely and restarts slow
// start from a single segment, per the RTO row of the event table
func (s *sender) handleRTO() {
	mss := seqnum.Size(s.maxPayloadSize)
	s.sndSsthresh = s.sndCwnd / 2
	if s.sndSsthresh < 2*mss {
		s.sndSsthresh = 2 * mss
	}
	s.sndCwnd = mss
	s.dupAckCount = 0
	s.inFastRecovery = false
	s.reportCongestionWindow()
}
