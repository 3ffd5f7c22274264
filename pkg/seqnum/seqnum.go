// Package seqnum implements modular arithmetic over 32-bit TCP sequence
// numbers using the "16 MiB forward window" convention: given two sequence
// numbers a and b, a is considered ahead of b iff (a-b) mod 2^32 falls in
// [0, forwardWindow]. Every sequence comparison in the engine routes through
// this package; nothing compares raw uint32s directly.
package seqnum

// Value is a TCP sequence or acknowledgement number, interpreted modulo 2^32.
type Value uint32

// forwardWindow is MAX_U32_WINDOW_SIZE: the largest forward distance that
// still counts as "ahead" rather than "behind". The 4 GiB sequence space
// splits into a 16 MiB "ahead" region and the remainder "behind", which is
// generous for any flow this engine will ever carry.
const forwardWindow = 16 * 1024 * 1024

// Add returns a advanced by n bytes, wrapping modulo 2^32.
func Add(a Value, n uint32) Value {
	return Value(uint32(a) + n)
}

// Sub returns the modular distance a-b as a plain (non-wrapped) int64: a
// positive result means a is ahead of b by that many bytes, a negative result
// means a is behind b. This is the one place raw wraparound arithmetic
// happens; everything else calls Sub, LessEq or Less.
func Sub(a, b Value) int64 {
	raw := uint32(a) - uint32(b) // wraps; always in [0, 2^32)
	if raw <= forwardWindow {
		return int64(raw)
	}
	return int64(raw) - (1 << 32)
}

// LessEq reports whether a is at or behind b (a <= b in sequence order).
func LessEq(a, b Value) bool {
	return Sub(a, b) <= 0
}

// Less reports whether a is strictly behind b.
func Less(a, b Value) bool {
	return Sub(a, b) < 0
}

// InWindow reports whether v falls in the closed forward window [base, base+size].
func InWindow(v, base Value, size uint32) bool {
	d := Sub(v, base)
	return d >= 0 && d <= int64(size)
}

// Max returns whichever of a, b is further ahead.
func Max(a, b Value) Value {
	if Less(a, b) {
		return b
	}
	return a
}

// Min returns whichever of a, b is further behind.
func Min(a, b Value) Value {
	if Less(a, b) {
		return a
	}
	return b
}
