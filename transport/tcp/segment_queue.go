package tcp

import "sync"

// defaultSegmentQueueLimit bounds how many not-yet-processed inbound
// segments an endpoint will hold before it starts dropping them, to keep a
// slow or stuck protocol goroutine from letting memory grow unbounded
const defaultSegmentQueueLimit = 300

// segmentQueue is a bounded, mutex-protected FIFO of inbound segments
// shared between the NIC delivery goroutine (producer) and the endpoint's
// single protocol goroutine (consumer)
type segmentQueue struct {
	mu    sync.Mutex
	list  segmentList
	count int
	limit int
}

func (q *segmentQueue) setLimit(limit int) {
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

// enqueue adds s to the queue, returning false (and dropping it) if the
// queue is already at its limit
func (q *segmentQueue) enqueue(s *segment) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := q.limit
	if limit == 0 {
		limit = defaultSegmentQueueLimit
	}
	if q.count >= limit {
		return false
	}

	q.list.PushBack(s)
	q.count++
	return true
}

func (q *segmentQueue) dequeue() *segment {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.list.Front()
	if s == nil {
		return nil
	}
	q.list.Remove(s)
	q.count--
	return s
}

func (q *segmentQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count == 0
}
