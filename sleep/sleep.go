// Package sleep allows goroutines to efficiently sleep on multiple sources of
// notification (wakers) at once. It is used by the TCP engine so that each
// connection's protocol loop can block, with a single call, on "new segment
// arrived", "timer fired" and "user requested shutdown" at once, instead of
// spinning up a goroutine (and a channel) per source.
//
// The zero value of both Sleeper and Waker is ready to use.
package sleep

import "sync"

// Waker represents a source of wake-up notifications. A goroutine sleeping
// on one or more wakers is woken up when any of them is asserted.
//
// A Waker can be associated with at most one Sleeper at a time.
type Waker struct {
	mu      sync.Mutex
	pending bool
	s       *Sleeper
	id      int
	attached bool
}

// Assert moves the waker to the asserted state. If the waker is currently
// associated with a sleeper that is blocked in Fetch, the sleeper is woken
// up. Assert is idempotent: asserting an already-asserted waker has no
// additional effect beyond the first.
func (w *Waker) Assert() {
	w.mu.Lock()
	w.pending = true
	s := w.s
	w.mu.Unlock()

	if s != nil {
		s.wake()
	}
}

// Clear moves the waker back to the non-asserted state without waking
// anyone. It is used to discard a stale assertion before going back to
// sleep.
func (w *Waker) Clear() {
	w.mu.Lock()
	w.pending = false
	w.mu.Unlock()
}

// IsAsserted returns whether the waker is currently asserted.
func (w *Waker) IsAsserted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// take clears and returns the previous pending state.
func (w *Waker) take() bool {
	w.mu.Lock()
	v := w.pending
	w.pending = false
	w.mu.Unlock()
	return v
}

func (w *Waker) attach(s *Sleeper, id int) {
	w.mu.Lock()
	w.s = s
	w.id = id
	w.attached = true
	w.mu.Unlock()
}

// Sleeper allows a goroutine to block until one of a set of associated
// wakers is asserted. A single Sleeper must not be used concurrently by more
// than one goroutine (this mirrors the TCP engine's design of one
// protocol-loop goroutine per endpoint).
type Sleeper struct {
	mu     sync.Mutex
	cond   *sync.Cond
	wakers []*Waker
}

func (s *Sleeper) init() {
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
}

func (s *Sleeper) wake() {
	s.mu.Lock()
	s.init()
	s.mu.Unlock()
	s.cond.Broadcast()
}

// AddWaker associates w with s, to be identified by id in the return value
// of Fetch. If w is already asserted at the time Fetch is next called, it
// (or another already-asserted waker) is returned without blocking.
func (s *Sleeper) AddWaker(w *Waker, id int) {
	s.mu.Lock()
	s.init()
	s.wakers = append(s.wakers, w)
	s.mu.Unlock()
	w.attach(s, id)
}

// Fetch returns the id of an asserted waker, clearing its asserted state in
// the process. If block is true and no waker is currently asserted, Fetch
// blocks until one becomes so; if block is false, it returns immediately
// with ok set to false.
func (s *Sleeper) Fetch(block bool) (id int, ok bool) {
	s.mu.Lock()
	s.init()
	for {
		for _, w := range s.wakers {
			if w.take() {
				s.mu.Unlock()
				return w.id, true
			}
		}

		if !block {
			s.mu.Unlock()
			return 0, false
		}

		s.cond.Wait()
	}
}

// Done releases the sleeper's association with its wakers. After Done, the
// wakers may be reused with a different sleeper.
func (s *Sleeper) Done() {
	s.mu.Lock()
	wakers := s.wakers
	s.wakers = nil
	s.mu.Unlock()

	for _, w := range wakers {
		w.mu.Lock()
		if w.s == s {
			w.s = nil
			w.attached = false
		}
		w.mu.Unlock()
	}
}
