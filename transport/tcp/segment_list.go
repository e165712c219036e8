package tcp

// segmentList is an intrusive doubly-linked list of *segment, the same shape
// ilist.List provides but specialized so callers don't need type assertions
// at every Front()/Next() call
type segmentList struct {
	head *segment
	tail *segment
}

// Reset resets l to the empty state
func (l *segmentList) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true if the list has no elements
func (l *segmentList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of l, or nil
func (l *segmentList) Front() *segment {
	return l.head
}

// Back returns the last element of l, or nil
func (l *segmentList) Back() *segment {
	return l.tail
}

// PushBack inserts s at the back of l
func (l *segmentList) PushBack(s *segment) {
	s.segmentEntry.next = nil
	s.segmentEntry.prev = l.tail

	if l.tail != nil {
		l.tail.segmentEntry.next = s
	} else {
		l.head = s
	}

	l.tail = s
}

// PushFront inserts s at the front of l
func (l *segmentList) PushFront(s *segment) {
	s.segmentEntry.prev = nil
	s.segmentEntry.next = l.head

	if l.head != nil {
		l.head.segmentEntry.prev = s
	} else {
		l.tail = s
	}

	l.head = s
}

// InsertAfter inserts s immediately after at in l
func (l *segmentList) InsertAfter(at, s *segment) {
	next := at.segmentEntry.next
	s.segmentEntry.next = next
	s.segmentEntry.prev = at
	at.segmentEntry.next = s

	if next != nil {
		next.segmentEntry.prev = s
	} else {
		l.tail = s
	}
}

// Remove removes s from l
func (l *segmentList) Remove(s *segment) {
	prev := s.segmentEntry.prev
	next := s.segmentEntry.next

	if prev != nil {
		prev.segmentEntry.next = next
	} else {
		l.head = next
	}

	if next != nil {
		next.segmentEntry.prev = prev
	} else {
		l.tail = prev
	}

	s.segmentEntry.next = nil
	s.segmentEntry.prev = nil
}

// segmentEntry is the embeddable link used by segmentList. A segment that
// wants to live on a segmentList includes this as an anonymous field
type segmentEntry struct {
	next *segment
	prev *segment
}

// Next returns the segment that follows in the list, or nil
func (e *segmentEntry) Next() *segment {
	return e.next
}

// Prev returns the segment that precedes in the list, or nil
func (e *segmentEntry) Prev() *segment {
	return e.prev
}
