package tcp

import (
	"sync"
	"time"
)

// tickInterval is the period of the single shared timer that drives
// retransmission, SYN/FIN retry, TimeWait expiry, keep-alive probing and
// deferred-ACK flushing across every registered endpoint
const tickInterval = 250 * time.Millisecond

// sharedTimer fans a single periodic tick out to every endpoint that has
// requested it, mirroring the "one shared timer, reference-counted by
// interested sockets" design called out in §2/§5 instead of a per-connection
// timer goroutine
type sharedTimer struct {
	mu        sync.Mutex
	once      sync.Once
	endpoints map[*endpoint]struct{}
}

var globalTimer = &sharedTimer{
	endpoints: make(map[*endpoint]struct{}),
}

func (t *sharedTimer) start() {
	t.once.Do(func() {
		go t.run()
	})
}

func (t *sharedTimer) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		eps := make([]*endpoint, 0, len(t.endpoints))
		for ep := range t.endpoints {
			eps = append(eps, ep)
		}
		t.mu.Unlock()

		for _, ep := range eps {
			ep.onTick()
		}
	}
}

func (t *sharedTimer) register(ep *endpoint) {
	t.start()
	t.mu.Lock()
	t.endpoints[ep] = struct{}{}
	t.mu.Unlock()
}

func (t *sharedTimer) unregister(ep *endpoint) {
	t.mu.Lock()
	delete(t.endpoints, ep)
	t.mu.Unlock()
}

// connTimer tracks whether an endpoint currently needs shared-timer ticks
// (TimerReferenceCount > 0 in §8's invariant) and the deadlines the tick
// handler compares against
type connTimer struct {
	ep *endpoint

	mu       sync.Mutex
	refCount int

	// retryDeadline is when the next SYN/FIN/data retransmit should fire
	retryDeadline time.Time
	// retryWaitPeriod is the current back-off interval
	retryWaitPeriod time.Duration
	// timeoutEnd is the absolute deadline beyond which a retry in a
	// SYN/FIN-retry state gives up and resets the connection
	timeoutEnd time.Time

	// keepAliveDeadline is when the next keep-alive probe should fire
	keepAliveDeadline time.Time
	keepAliveProbes   int

	// timeWaitDeadline is when a connection in TimeWait may be destroyed
	timeWaitDeadline time.Time

	// lingerDeadline is when a Close that requested a bounded drain gives
	// up and resets the connection instead, per §6's Linger option
	lingerDeadline time.Time

	// zeroWindowDeadline is when the next zero-window probe should fire
	zeroWindowDeadline time.Time
	// zeroWindowWaitPeriod is the current back-off interval for zero-window
	// probes
	zeroWindowWaitPeriod time.Duration
}

func newConnTimer(ep *endpoint) *connTimer {
	return &connTimer{ep: ep}
}

// armRetry starts (or restarts) the handshake/FIN retry deadline, giving up
// entirely once timeoutEnd has passed
func (c *connTimer) armRetry(wait time.Duration, timeoutEnd time.Time) {
	c.mu.Lock()
	c.retryWaitPeriod = wait
	c.retryDeadline = time.Now().Add(wait)
	c.timeoutEnd = timeoutEnd
	c.mu.Unlock()
	c.ref()
}

// disarmRetry cancels a pending retry deadline set by armRetry
func (c *connTimer) disarmRetry() {
	c.mu.Lock()
	c.retryDeadline = time.Time{}
	c.mu.Unlock()
	c.unref()
}

// armZeroWindowProbe starts (or restarts) the zero-window probe back-off at
// its initial interval
func (c *connTimer) armZeroWindowProbe() {
	c.mu.Lock()
	c.zeroWindowWaitPeriod = initialZeroWindowProbe
	c.zeroWindowDeadline = time.Now().Add(c.zeroWindowWaitPeriod)
	c.mu.Unlock()
	c.ref()
}

// disarmZeroWindowProbe cancels a pending zero-window probe armed by
// armZeroWindowProbe
func (c *connTimer) disarmZeroWindowProbe() {
	c.mu.Lock()
	c.zeroWindowDeadline = time.Time{}
	c.mu.Unlock()
	c.unref()
}

// forceDisarm unconditionally drops the endpoint from the shared timer,
// regardless of outstanding references. Used when a connection is torn down
// abnormally (reset, keep-alive death) and the normal arm/disarm pairing
// that accumulated those references no longer matters
func (c *connTimer) forceDisarm() {
	c.mu.Lock()
	c.refCount = 0
	c.mu.Unlock()
	globalTimer.unregister(c.ep)
}

// ref takes one more timer reference (every call is counted), registering
// with the shared timer on the 0→1 transition
func (c *connTimer) ref() {
	c.mu.Lock()
	c.refCount++
	first := c.refCount == 1
	c.mu.Unlock()

	if first {
		globalTimer.register(c.ep)
	}
}

// unref releases a timer reference, unregistering from the shared timer on
// the 1→0 transition
func (c *connTimer) unref() {
	c.mu.Lock()
	if c.refCount > 0 {
		c.refCount--
	}
	last := c.refCount == 0
	c.mu.Unlock()

	if last {
		globalTimer.unregister(c.ep)
	}
}

