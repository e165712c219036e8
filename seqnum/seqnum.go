// Package seqnum defines the types and methods for TCP sequence numbers so
// that they can be created and manipulated easily, with wraparound arithmetic
// taken care of internally.
package seqnum

// Value represents the value of a sequence number, and provides methods for
// comparing and arithmetic between them, taking the modular nature of TCP
// sequence numbers into account.
type Value uint32

// Size represents the size of a sequence number window, and is used to
// increment Values by a certain amount of bytes.
type Size uint32

// LessThan checks if v is before w, i.e. if it's in the range (w-2^31, w).
// As an example, if w = 10, the range of values that are less than it is
// (-2^31+10, 10), which in uint32 representation is [10-2^31, 9], which
// includes 0 and all values up to 9, and 10-2^31 and above.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq checks if v is before or at w.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange checks if v is in the range [a, b).
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow checks if v is in the window that starts at 'first' and spans
// 'size' bytes.
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// Add calculates the value following the [v, v+s) range.
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size calculates the size of the window that starts at v and ends at w,
// that is, the number of bytes in the range [v, w).
func (v Value) Size(w Value) Size {
	return Size(w - v)
}

// GreaterThan checks if v is after w.
func (v Value) GreaterThan(w Value) bool {
	return w.LessThan(v)
}

// GreaterThanEq checks if v is at or after w.
func (v Value) GreaterThanEq(w Value) bool {
	return v == w || v.GreaterThan(w)
}

// UpdateForward updates v such that it becomes v + s.
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

// WindowSize represents the size of a TCP window, clamped to the uint16
// range the wire actually carries (before any scale is applied).
type WindowSize uint16
