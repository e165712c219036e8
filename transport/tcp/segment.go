package tcp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/seqnum"
	"github.com/kvnetwork/ktcp/types"
)

// segmentPoolDepth bounds how many freed segments a connection's pool keeps
// ready for reuse. Beyond this, decRef just drops the segment for the
// garbage collector rather than growing the freelist without bound
const segmentPoolDepth = 64

// segmentPool is a per-connection LIFO freelist of reusable segment backing
// buffers (§4.2). It has its own lock, independent of the owning endpoint's
// e.mu, because segments are built both under that lock (Write,
// queueFinLocked) and off it (HandlePacket, invoked directly by the network
// dispatch goroutine, before the segment ever reaches the protocol loop)
type segmentPool struct {
	mu   sync.Mutex
	free []*segment
}

func (p *segmentPool) get() *segment {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return nil
	}
	s := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return s
}

func (p *segmentPool) put(s *segment) {
	p.mu.Lock()
	if len(p.free) < segmentPoolDepth {
		p.free = append(p.free, s)
	}
	p.mu.Unlock()
}

// flattenInto copies vv's (possibly multi-view) bytes into buf, growing buf
// if it's too small to hold them, and returns the result as a single view.
// This lets inbound segments reuse a pooled backing store instead of
// allocating fresh storage the way vv.ToView() would on every packet
func flattenInto(vv *buffer.VectorisedView, buf []byte) (buffer.View, []byte) {
	size := vv.Size()
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	v := buffer.View(buf[:size])
	off := 0
	for _, view := range vv.Views() {
		off += copy(v[off:], view)
	}
	return v, buf
}

// Flags that may be set in a TCP segment.
const (
	flagFin = 1 << iota
	flagSyn
	flagRst
	flagPsh
	flagAck
	flagUrg
)

// segment represents a TCP segment. It holds the payload and parsed TCP segment
// information, and can be added to intrusive lists.
type segment struct {
	segmentEntry
	refCnt int32
	id     types.TransportEndpointId
	route  types.Route
	data   buffer.VectorisedView
	// views is used as buffer for data when its length is large
	// enough to store a VectorisedView.
	views [8]buffer.View
	// viewToDeliver keeps track of the next View that should be
	// delivered by the Read endpoint.
	viewToDeliver  int
	sequenceNumber seqnum.Value
	ackNumber      seqnum.Value
	flags          uint8
	window         seqnum.Size

	// parsedOptions stores the parsed values from the options in the segment.
	parsedOptions header.TCPOptions
	options       []byte

	// urgentPointer is the raw URG pointer field off the wire, valid only
	// when flagUrg is set. It is the offset from sequenceNumber to the
	// first *non-urgent* byte, per RFC 793
	urgentPointer uint16

	// virtualByte marks a one-byte placeholder segment produced by
	// splitUrgent for a non-inline urgent byte: it still occupies a
	// sequence number, so rcvNxt must advance past it, but it's never
	// delivered to the application
	virtualByte bool

	// The following fields are only meaningful for segments held on a
	// sender's retransmit queue (writeList)

	// xmitTime is the time this segment was last put on the wire. It is
	// the zero Time if it has never been sent
	xmitTime time.Time

	// xmitCount is the number of times this segment has been (re)sent
	xmitCount int

	// timeout is this segment's own retransmit interval (TimeoutInterval in
	// §4.4), doubled on every retransmission of it specifically
	timeout time.Duration

	// offset is how many bytes of the segment's payload have already been
	// acknowledged; a partially acked segment is trimmed from the front
	// rather than split so the retransmit queue never fragments
	offset int

	// buf is this segment's pooled backing store; nil for segments that
	// were never drawn from a pool (e.g. clone's shallow copies, which
	// share someone else's data rather than owning their own)
	buf []byte

	// pool is where decRef returns buf once this segment is unreferenced.
	// nil means decRef just drops the segment for the garbage collector
	pool *segmentPool
}

// acquireFromPool returns a segment ready for (re)use: one drawn from pool
// with every field but buf/pool zeroed, or a fresh one if the pool is
// empty. segmentEntry's list links must already be clear, since decRef is
// only ever called after the segment has been removed from whatever list
// held it
func (p *segmentPool) acquireFromPool() *segment {
	s := p.get()
	if s == nil {
		return &segment{pool: p}
	}
	buf, pool := s.buf, s.pool
	*s = segment{buf: buf, pool: pool}
	return s
}

// newSegment allocates or reuses (from e's per-connection pool) a segment
// carrying a copy of vv's data, flattened into the segment's own backing
// store. Used for inbound segments, whose underlying views are owned by the
// network dispatch path and shouldn't be retained past HandlePacket
func (e *endpoint) newSegment(r *types.Route, id types.TransportEndpointId, vv *buffer.VectorisedView) *segment {
	s := e.segPool.acquireFromPool()
	s.refCnt = 1
	s.id = id
	s.route = r.Clone()
	if want := e.segmentBufSize(); cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	v, buf := flattenInto(vv, s.buf)
	s.buf = buf
	s.views[0] = v
	s.data = buffer.NewVectorisedView(s.views[:1], len(v))
	return s
}

// segmentBufSize is the backing-buffer size this connection's segment pool
// allocates, per §4.2: the larger of the receive and send MSS, plus header
// room, so a freshly pooled segment rarely needs to grow again regardless
// of which direction's traffic reuses it next
func (e *endpoint) segmentBufSize() int {
	mss := int(header.TCPDefaultMSS)
	if e.snd != nil && e.snd.maxPayloadSize > mss {
		mss = e.snd.maxPayloadSize
	}
	return mss + header.TCPMinimumSize
}

// newSegmentFromView allocates or reuses a segment carrying v, copied into
// the segment's own pooled backing store. Used for outbound application
// data (Write) and control segments (FIN), so the caller's view is never
// mutated by a later reuse of the pooled buffer
func (e *endpoint) newSegmentFromView(r *types.Route, id types.TransportEndpointId, v buffer.View) *segment {
	s := e.segPool.acquireFromPool()
	s.refCnt = 1
	s.id = id
	s.route = r.Clone()
	bufSize := len(v)
	if want := e.segmentBufSize(); want > bufSize {
		bufSize = want
	}
	if cap(s.buf) < bufSize {
		s.buf = make([]byte, bufSize)
	}
	cv := buffer.View(s.buf[:len(v)])
	copy(cv, v)
	s.views[0] = cv
	s.data = buffer.NewVectorisedView(s.views[:1], len(cv))
	return s
}

// clone creates a shallow copy of s that shares the underlying data but has
// its own list linkage and reference count, used when the same payload needs
// to be queued for retransmission independently of the segment that
// delivered it
func (s *segment) clone() *segment {
	t := &segment{
		refCnt:         1,
		id:             s.id,
		route:          s.route.Clone(),
		viewToDeliver:  s.viewToDeliver,
		sequenceNumber: s.sequenceNumber,
		ackNumber:      s.ackNumber,
		flags:          s.flags,
		window:         s.window,
		parsedOptions:  s.parsedOptions,
	}
	t.data = s.data.Clone(t.views[:])
	return t
}

func (s *segment) incRef() {
	atomic.AddInt32(&s.refCnt, 1)
}

func (s *segment) decRef() {
	if atomic.AddInt32(&s.refCnt, -1) == 0 {
		s.data = buffer.VectorisedView{}
		s.views[0] = nil
		if s.pool != nil {
			s.pool.put(s)
		}
	}
}

// logicalLen is the number of bytes of the sequence-number space this
// segment occupies: the payload length plus one each for SYN and FIN, which
// consume a sequence number despite carrying no data
func (s *segment) logicalLen() seqnum.Size {
	l := seqnum.Size(s.data.Size())
	if s.flagIsSet(flagSyn) {
		l++
	}
	if s.flagIsSet(flagFin) {
		l++
	}
	return l
}

// parse populates the sequence & ack numbers, flags, and window fields of the
// segment from the TCP header stored in the data. It then updates the view to
// skip the data. Returns boolean indicating if the parsing was successful.
func (s *segment) parse() bool {
	h := header.TCP(s.data.First())

	// h is the header followed by the payload. We check that the offset to
	// the data respects the following constraints:
	// 1. That it's at least the minimum header size; if we don't do this
	//    then part of the header would be delivered to user.
	// 2. That the header fits within the buffer; if we don't do this, we
	//    would panic when we tried to access data beyond the buffer.
	//
	// N.B. The segment has already been validated as having at least the
	//      minimum TCP size before reaching here, so it's safe to read the
	//      fields.
	offset := int(h.DataOffset())
	if offset < header.TCPMinimumSize || offset > len(h) {
		return false
	}

	s.options = []byte(h[header.TCPMinimumSize:offset])
	s.parsedOptions = header.ParseTCPOptions(s.options)
	s.data.TrimFront(offset)

	s.sequenceNumber = seqnum.Value(h.SequenceNumber())
	s.ackNumber = seqnum.Value(h.AckNumber())
	s.flags = h.Flags()
	s.window = seqnum.Size(h.WindowSize())
	if s.flagIsSet(flagUrg) {
		s.urgentPointer = h.UrgentPointer()
	}

	return true
}

func (s *segment) flagIsSet(flag uint8) bool {
	return (s.flags & flag) != 0
}
