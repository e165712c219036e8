package tcp

import (
	"github.com/kvnetwork/ktcp/seqnum"
)

// receiver holds the state necessary to receive TCP segments and turn them
// into a stream of bytes
type receiver struct {
	ep *endpoint

	rcvNxt seqnum.Value

	// rcvAcc is the one beyond the last acceptable sequence number. That is,
	// the "largest" sequence value that the receiver has announced to the
	// its peer that it's willing to accept. This may be different than
	// rcvNxt + rcvWnd if the receive window is reduced; in that case we have
	// to reduce the window as we receive more data instead of shrinking it
	rcvAcc seqnum.Value

	rcvWndScale uint8

	closed bool

	// pendingRcvdSegments is the ordered list of segments (by sequence
	// number) that have arrived but cannot yet be delivered because they
	// are not contiguous with rcvNxt
	pendingRcvdSegments segmentList
	pendingBufUsed      seqnum.Size
	pendingBufSize      seqnum.Size
}

func newReceiver(ep *endpoint, irs seqnum.Value, rcvWnd seqnum.Size, rcvWndScale uint8) *receiver {
	return &receiver{
		ep:             ep,
		rcvNxt:         irs + 1,
		rcvAcc:         irs.Add(rcvWnd + 1),
		rcvWndScale:    rcvWndScale,
		pendingBufSize: rcvWnd,
	}
}

// rcvWnd returns the extent of the receive window still advertised to the
// peer, clipped so it never exceeds what rcvAcc allows
func (r *receiver) rcvWnd() seqnum.Size {
	if r.rcvAcc.LessThan(r.rcvNxt) {
		return 0
	}
	return r.rcvNxt.Size(r.rcvAcc)
}

// acceptable reports whether the given segment overlaps the current receive
// window at all
func (r *receiver) acceptable(segSeq seqnum.Value, segLen seqnum.Size) bool {
	if segLen == 0 {
		return segSeq.InWindow(r.rcvNxt, r.rcvWnd()+1)
	}
	return segSeq.Add(segLen-1).InWindow(r.rcvNxt, r.rcvWnd()) || segSeq.InWindow(r.rcvNxt, r.rcvWnd())
}

// insertPendingLocked inserts a received data segment into the pending list
// using the insert-with-clip rule of §4.3: trimmed against rcvNxt, the
// predecessor's coverage, the successor's start, and the remaining pending
// buffer budget
func (r *receiver) insertPendingLocked(s *segment) {
	segSeq := s.sequenceNumber
	segLen := seqnum.Size(s.data.Size())

	// Rule 1: entirely below what's already been delivered.
	if segLen > 0 && segSeq.Add(segLen).LessThanEq(r.rcvNxt) {
		return
	}

	// Rule 2: clip the left edge up to rcvNxt.
	if segSeq.LessThan(r.rcvNxt) {
		trim := int(segSeq.Size(r.rcvNxt))
		s.data.TrimFront(trim)
		segSeq = r.rcvNxt
		segLen = seqnum.Size(s.data.Size())
	}

	var prev *segment
	var next *segment
	for seg := r.pendingRcvdSegments.Front(); seg != nil; seg = seg.Next() {
		if seg.sequenceNumber.GreaterThan(segSeq) {
			next = seg
			break
		}
		prev = seg
	}

	// Rule 3: predecessor overlaps beyond segSeq.
	if prev != nil {
		predEnd := prev.sequenceNumber.Add(seqnum.Size(prev.data.Size()))
		if predEnd.GreaterThan(segSeq) {
			if predEnd.GreaterThanEq(segSeq.Add(segLen)) {
				// Fully covered already.
				return
			}
			trim := int(segSeq.Size(predEnd))
			s.data.TrimFront(trim)
			segSeq = predEnd
			segLen = seqnum.Size(s.data.Size())
		}
	}

	// Rule 4: successor begins before segSeq+segLen.
	if next != nil && next.sequenceNumber.LessThan(segSeq.Add(segLen)) {
		newLen := int(segSeq.Size(next.sequenceNumber))
		s.data.CapLength(newLen)
		segLen = seqnum.Size(newLen)
	}

	// Rule 5: clip further by the remaining pending buffer budget.
	if avail := r.pendingBufSize - r.pendingBufUsed; segLen > avail {
		s.data.CapLength(int(avail))
		segLen = avail
	}

	if segLen == 0 && !s.flagIsSet(flagFin) {
		return
	}

	s.sequenceNumber = segSeq
	r.pendingBufUsed += segLen
	if prev != nil {
		r.pendingRcvdSegments.InsertAfter(prev, s)
	} else {
		r.pendingRcvdSegments.PushFront(s)
	}
}

// splitUrgent splits s into up to three sub-segments around the urgent byte,
// per §4.3's urgent handling: bytes before, the urgent byte as its own
// one-byte segment (marked virtualByte unless urgentInline, so it consumes
// its sequence number but is never delivered), and bytes after. If the
// urgent pointer doesn't land inside s's region, s is returned unsplit
func splitUrgent(s *segment, urgentInline bool) []*segment {
	if !s.flagIsSet(flagUrg) {
		return []*segment{s}
	}

	segLen := s.data.Size()
	// urgentPointer is the offset to the first *non-urgent* byte, so the
	// urgent byte itself sits at urgentPointer-1.
	off := int(s.urgentPointer) - 1
	if off < 0 || off >= segLen {
		return []*segment{s}
	}

	var out []*segment

	if off > 0 {
		before := s.clone()
		before.data.CapLength(off)
		out = append(out, before)
	}

	// The urgent byte always occupies one sequence number, whether or not
	// it's actually handed to the application: a non-inline urgent byte
	// becomes a virtual placeholder rather than a zero-length segment, so
	// rcvNxt still advances past it and bytes that follow don't stall
	// waiting for a byte that will never arrive
	urgent := s.clone()
	urgent.sequenceNumber = s.sequenceNumber.Add(seqnum.Size(off))
	urgent.data.TrimFront(off)
	urgent.data.CapLength(1)
	urgent.virtualByte = !urgentInline
	out = append(out, urgent)

	if rest := segLen - off - 1; rest > 0 {
		after := s.clone()
		after.sequenceNumber = s.sequenceNumber.Add(seqnum.Size(off + 1))
		after.data.TrimFront(off + 1)
		out = append(out, after)
	}

	return out
}

// consumeLocked moves any pending segments that have become contiguous with
// rcvNxt into the delivered stream, advancing rcvNxt and shrinking the
// pending buffer accounting. It returns the total bytes it made available to
// the application and whether a FIN was consumed
func (r *receiver) consumeLocked() (delivered seqnum.Size, finReached bool) {
	for {
		seg := r.pendingRcvdSegments.Front()
		if seg == nil || seg.sequenceNumber.GreaterThan(r.rcvNxt) {
			return delivered, finReached
		}

		segLen := seqnum.Size(seg.data.Size())
		if seg.sequenceNumber.LessThan(r.rcvNxt) {
			trim := int(seg.sequenceNumber.Size(r.rcvNxt))
			if trim >= int(segLen) {
				r.pendingRcvdSegments.Remove(seg)
				r.pendingBufUsed -= segLen
				continue
			}
			seg.data.TrimFront(trim)
			segLen -= seqnum.Size(trim)
		}

		r.pendingRcvdSegments.Remove(seg)
		r.pendingBufUsed -= segLen
		r.rcvNxt = r.rcvNxt.Add(segLen)

		if seg.virtualByte {
			seg.decRef()
		} else {
			delivered += segLen
			r.ep.rcvBufUsed += int(segLen)
			r.ep.rcvList.PushBack(seg)
		}

		if seg.flagIsSet(flagFin) {
			r.rcvNxt++
			finReached = true
			r.closed = true
			return delivered, finReached
		}
	}
}

// handleRcvdSegment processes a single inbound data/control segment: it
// validates acceptability, inserts it into the pending list (clipping per
// §4.3), consumes whatever is now contiguous and decides the ACK policy
func (r *receiver) handleRcvdSegment(s *segment) {
	segLen := seqnum.Size(s.data.Size())
	segSeq := s.sequenceNumber

	if r.closed {
		return
	}

	if !r.acceptable(segSeq, segLen) {
		r.ep.snd.sendAck()
		return
	}

	if s.flagIsSet(flagRst) {
		r.ep.handleReset(s)
		return
	}

	s.incRef()

	if s.flagIsSet(flagUrg) && s.data.Size() > 0 {
		r.ep.hasUrgentData = true
		for _, part := range splitUrgent(s, r.ep.flags.urgentInline) {
			r.insertPendingLocked(part)
		}
	} else {
		r.insertPendingLocked(s)
	}

	before := r.rcvNxt
	delivered, fin := r.consumeLocked()

	immediateAck := fin || s.flagIsSet(flagPsh)
	if delivered > 0 && r.rcvNxt != before {
		r.ep.notifyReadable()
		r.ep.rcvAckCounter++
		if r.ep.rcvAckCounter%2 == 0 {
			immediateAck = true
		}
	} else if segLen > 0 {
		// Out-of-order or duplicate data: force an immediate duplicate ACK
		// so the peer can enter fast retransmit without waiting on us.
		immediateAck = true
	}

	if immediateAck {
		r.ep.snd.sendAck()
	} else {
		r.ep.armAckTimer()
	}

	if fin {
		r.ep.handlePeerFin()
	}
}

// windowScale exposes the configured window-scale factor for the local
// receive window, used when the sender recomputes options on state change
func (r *receiver) windowScale() uint8 {
	return r.rcvWndScale
}

// getSendParams returns the ack number and advertised window that an
// outgoing segment should carry, and clears the deferred-ACK flag since the
// caller is about to send one
func (r *receiver) getSendParams() (ackNum seqnum.Value, rcvWnd seqnum.Size) {
	r.ep.clearAckTimer()
	wnd := r.rcvWnd()
	if wnd > seqnum.Size(0xffff)<<r.rcvWndScale {
		wnd = seqnum.Size(0xffff) << r.rcvWndScale
	}
	r.rcvAcc = r.rcvNxt.Add(wnd)
	return r.rcvNxt, wnd
}
