package tcp

import (
	"time"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/seqnum"

	log "github.com/sirupsen/logrus"
)

// initialRTO is used before the first RTT sample has been taken; minRTO and
// maxRTO bound every retransmit timeout computed afterwards
const (
	initialRTO = time.Second
	minRTO     = 200 * time.Millisecond
	maxRTO     = 60 * time.Second
)

// rttAlpha is the EWMA weight given to a fresh RTT sample
const rttAlpha = 2.0 / 16.0

// initialZeroWindowProbe and maxZeroWindowProbe bound the back-off interval
// between zero-window probes: the first probe follows a zero-window
// advertisement by initialZeroWindowProbe, and the interval doubles after
// every probe, up to maxZeroWindowProbe
const (
	initialZeroWindowProbe = 500 * time.Millisecond
	maxZeroWindowProbe     = 120 * time.Second
)

// sender holds the state necessary to send TCP segments and run New Reno
// congestion control over a connection
type sender struct {
	ep *endpoint

	// lastSendTime is the timestamp when the last packet was sent
	lastSendTime time.Time

	// dupAckCount is the number of duplicate acks received since the last
	// new ack; used for fast retransmit
	dupAckCount int

	// New Reno congestion control state.
	sndCwnd         seqnum.Size
	sndSsthresh     seqnum.Size
	inFastRecovery  bool
	fastRecoveryEnd seqnum.Value

	// sndWnd is the send window size last advertised by the peer
	sndWnd seqnum.Size

	// sndUna is the next unacknowledged sequence number
	sndUna seqnum.Value

	// sndNxt is the sequence number of the next segment to be sent
	sndNxt seqnum.Value

	// sndNxtList is the sequence number of the next segment to be added to
	// the send list
	sndNxtList seqnum.Value

	// rttMeasureSeqNum is the sequence number being timed for the latest
	// RTT measurement
	rttMeasureSeqNum seqnum.Value

	// rttMeasureTime is the time when rttMeasureSeqNum was sent; zero when
	// no sample is currently in flight
	rttMeasureTime time.Time

	closed    bool
	writeNext *segment
	writeList segmentList

	// srtt, rttvar and rto are the smoothed round-trip time, round-trip
	// time variation and retransmit timeout, as in RFC 6298, except that
	// rttvar uses the same EWMA weight as srtt (rttAlpha, 1/8) rather
	// than 1/4
	srtt       time.Duration
	rttvar     time.Duration
	rto        time.Duration
	srttInited bool

	// maxPayloadSize is the maximum size of the payload of a given segment
	maxPayloadSize int

	// sndWndScale is the number of bits to shift left when reading the
	// send window size from a segment
	sndWndScale uint8

	// maxSentAck is the maximum ack number actually sent
	maxSentAck seqnum.Value

	// probingZeroWindow tracks whether the zero-window probe back-off is
	// currently armed, so checkZeroWindowProbe only arms/disarms on the
	// transitions that matter
	probingZeroWindow bool
}

func newSender(ep *endpoint, iss, irs seqnum.Value, sndWnd seqnum.Size, mss uint16, sndWndScale int) *sender {
	s := &sender{
		ep:               ep,
		sndWnd:           sndWnd,
		sndUna:           iss + 1,
		sndNxt:           iss + 1,
		sndNxtList:       iss + 1,
		rto:              initialRTO,
		rttMeasureSeqNum: iss + 1,
		lastSendTime:     time.Now(),
		maxPayloadSize:   int(mss),
		maxSentAck:       irs + 1,
	}

	// A negative sndWndScale means that no scaling is in use, otherwise we
	// store the scaling value.
	if sndWndScale > 0 {
		s.sndWndScale = uint8(sndWndScale)
	}

	s.initCongestionControl()

	return s
}

// sendAck sends a pure ACK segment, used for window updates, duplicate-data
// acknowledgement and deferred-ACK flushes
func (s *sender) sendAck() {
	s.sendSegment(nil, flagAck, s.sndNxt)
}

// sendData sends new data segments from the write queue. It is called when
// data becomes available, when the peer's window opens up, and after every
// new ACK, and it never sends more than the congestion window and the
// peer's advertised window jointly allow
func (s *sender) sendData() {
	// TODO: we currently don't merge multiple send buffers into one
	// segment if they happen to fit. We should do that eventually.
	var seg *segment
	end := s.sndUna.Add(s.sndWnd)

	for seg = s.writeNext; seg != nil; seg = seg.Next() {
		avail := s.availableCongestionWindow()
		if avail == 0 {
			break
		}

		// We abuse the flags field to determine if we have already
		// assigned a sequence number to this segment.
		if seg.flags == 0 {
			seg.sequenceNumber = s.sndNxt
			seg.flags = flagAck
		}

		var segEnd seqnum.Value
		if seg.data.Size() == 0 {
			// We're sending a FIN.
			seg.flags = flagAck | flagFin
			segEnd = seg.sequenceNumber.Add(1)
		} else {
			// We're sending a non-FIN segment.
			if !seg.sequenceNumber.LessThan(end) {
				break
			}

			available := int(seg.sequenceNumber.Size(end))
			if avail := int(avail); available > avail {
				available = avail
			}
			if seg.data.Size() > available {
				if available == 0 {
					break
				}
				// Trim the transmitted copy, not the queued segment, so
				// a partially-sent segment still retransmits in full.
				part := seg.clone()
				part.data.CapLength(available)
				part.sequenceNumber = seg.sequenceNumber
				segEnd = seg.sequenceNumber.Add(seqnum.Size(available))
				s.transmit(part, part.flags)
				if s.sndNxt.LessThan(segEnd) {
					s.sndNxt = segEnd
				}
				continue
			}

			segEnd = seg.sequenceNumber.Add(seqnum.Size(seg.data.Size()))
		}

		s.transmit(seg, seg.flags)

		if s.sndNxt.LessThan(segEnd) {
			s.sndNxt = segEnd
		}
	}

	// Remember the next segment we'll write.
	s.writeNext = seg

	s.checkZeroWindowProbe()
}

// transmit puts a segment on the wire and stamps its retransmit bookkeeping
func (s *sender) transmit(seg *segment, flags byte) {
	if err := s.sendSegment(&seg.data, flags, seg.sequenceNumber); err != nil {
		log.WithError(err).Warn("tcp: failed to transmit segment")
		return
	}

	seg.xmitTime = time.Now()
	seg.xmitCount++
	if seg.timeout == 0 {
		seg.timeout = s.rto
	}

	if s.rttMeasureTime.IsZero() {
		s.rttMeasureSeqNum = seg.sequenceNumber.Add(seqnum.Size(seg.data.Size()))
		s.rttMeasureTime = seg.xmitTime
	}

	s.ep.timer.ref()
}

// retransmit resends the oldest unacknowledged segment, used by both fast
// retransmit and retransmission-timeout recovery
func (s *sender) retransmit() {
	seg := s.writeList.Front()
	if seg == nil {
		return
	}

	flags := seg.flags
	if flags == 0 {
		flags = flagAck
	}
	s.transmit(seg, flags)

	seg.timeout *= 2
	if seg.timeout > maxRTO {
		seg.timeout = maxRTO
	}

	// A retransmit invalidates any RTT sample currently in flight (Karn's
	// algorithm): we can no longer tell which transmission an ACK times.
	s.rttMeasureTime = time.Time{}
}

// retransmitTimerExpired is polled from the endpoint's periodic tick. It
// reports whether the oldest outstanding segment has sat unacknowledged
// past its own timeout, in which case it has already driven the RTO event
// into the congestion state and retransmitted
func (s *sender) retransmitTimerExpired() bool {
	seg := s.writeList.Front()
	if seg == nil || seg.xmitTime.IsZero() {
		return false
	}
	if time.Since(seg.xmitTime) < seg.timeout {
		return false
	}

	s.ep.stack.Metrics().SegmentsRetransmitted.Inc()
	s.handleRTO()
	s.retransmit()
	return true
}

// checkZeroWindowProbe arms or disarms the zero-window probe back-off to
// match whether the peer currently advertises a zero window while data sits
// queued to send
func (s *sender) checkZeroWindowProbe() {
	if s.sndWnd == 0 && !s.writeList.Empty() {
		if !s.probingZeroWindow {
			s.probingZeroWindow = true
			s.ep.timer.armZeroWindowProbe()
		}
		return
	}

	if s.probingZeroWindow {
		s.probingZeroWindow = false
		s.ep.timer.disarmZeroWindowProbe()
	}
}

// sendZeroWindowProbe sends the single-byte probe used to elicit a window
// update from a peer that has advertised a zero window
func (s *sender) sendZeroWindowProbe() {
	seg := s.writeList.Front()
	if seg == nil || seg.data.Size() == 0 {
		// Nothing with an actual payload byte is queued (e.g. only a bare
		// FIN): there's nothing useful to probe with.
		return
	}

	probe := append(buffer.View(nil), seg.data.First()[:1]...)
	vv := buffer.NewVectorisedView([]buffer.View{probe}, len(probe))
	s.sendSegment(&vv, flagAck, seg.sequenceNumber)

	s.ep.stack.Metrics().ZeroWindowProbesSent.Inc()
}

// updateRTO folds a fresh round-trip sample into the smoothed RTT estimate
// and derives a new retransmit timeout from it
func (s *sender) updateRTO(sample time.Duration) {
	if !s.srttInited {
		s.srtt = sample
		s.rttvar = sample / 2
		s.srttInited = true
	} else {
		delta := sample - s.srtt
		s.srtt += time.Duration(rttAlpha * float64(delta))
		if delta < 0 {
			delta = -delta
		}
		s.rttvar += time.Duration(rttAlpha * (float64(delta) - float64(s.rttvar)))
	}

	rto := s.srtt + 4*s.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	s.rto = rto

	s.ep.stack.Metrics().SmoothedRTT.WithLabelValues(s.ep.traceID).Set(s.srtt.Seconds())
}

// handleRcvdSegment is called when a segment is received; it updates the
// send-related state: window tracking, retirement of acknowledged data
// from the write list, RTT sampling, and New Reno's duplicate/new-ACK
// bookkeeping
func (s *sender) handleRcvdSegment(seg *segment) {
	if !seg.flagIsSet(flagAck) {
		return
	}

	// Stash away the current window size.
	s.sndWnd = seg.window << s.sndWndScale
	s.checkZeroWindowProbe()

	ack := seg.ackNumber

	if !(ack - 1).InRange(s.sndUna, s.sndNxt) {
		if ack == s.sndUna && seg.data.Size() == 0 {
			if s.sndUna.LessThan(s.sndNxt) {
				s.handleDupAck()
			} else {
				// Nothing was ever in flight (sndUna == sndNxt), so this
				// ACK acknowledges no new data, but the window it
				// carries may have just gone from zero to non-zero; give
				// sendData a chance to flush whatever sits queued.
				s.sendData()
			}
		}
		return
	}

	// Remove all acknowledged data from the write list.
	acked := s.sndUna.Size(ack)
	s.sndUna = ack

	finAcked := false
	ackLeft := acked
	for ackLeft > 0 {
		first := s.writeList.Front()
		if first == nil {
			break
		}
		// We use logicalLen here because we can have FIN segments (which
		// are always at the end of the list) that have no data, but do
		// consume a sequence number.
		dataLen := first.logicalLen()

		if !s.rttMeasureTime.IsZero() && !s.rttMeasureSeqNum.GreaterThan(s.sndUna) {
			s.updateRTO(time.Since(s.rttMeasureTime))
			s.rttMeasureTime = time.Time{}
		}

		if dataLen > ackLeft {
			retired := first.data.Size()
			first.data.TrimFront(int(ackLeft))
			retired -= first.data.Size()
			s.ep.sndBufUsed -= retired
			break
		}

		if first.flagIsSet(flagFin) {
			finAcked = true
		} else {
			s.ep.sndBufUsed -= first.data.Size()
		}

		s.writeList.Remove(first)
		first.decRef()
		ackLeft -= dataLen
	}
	if s.ep.sndBufUsed < 0 {
		s.ep.sndBufUsed = 0
	}

	s.handleNewAck()

	if s.writeList.Empty() {
		s.ep.timer.unref()
	}

	if finAcked {
		s.ep.handleFinAckedLocked()
	}

	s.sendData()
}

// sendSegment sends a new segment containing the given payload, flags and
// sequence number, filling in the ack number and advertised window from the
// receiver
func (s *sender) sendSegment(data *buffer.VectorisedView, flags byte, seq seqnum.Value) error {
	rcvNxt, rcvWnd := s.ep.rcv.getSendParams()

	if data == nil {
		return s.ep.sendRaw(nil, flags, seq, rcvNxt, rcvWnd)
	}

	if len(data.Views()) > 1 {
		v := data.ToView()
		return s.ep.sendRaw(v, flags, seq, rcvNxt, rcvWnd)
	}

	return s.ep.sendRaw(data.First(), flags, seq, rcvNxt, rcvWnd)
}
