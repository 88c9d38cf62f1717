package wire

// SequenceNumber is a PGM sequence number: unsigned 32-bit, compared modulo
// 2^32 with a half-space rule rather than a plain machine compare.
type SequenceNumber uint32

// Precedes reports whether a comes strictly before b in the half-open
// sequence space, i.e. (a - b) mod 2^32 > 2^31. Direct `<` on the raw
// counter is wrong once either side has wrapped, so every window bound
// comparison in txw/rxw goes through this helper.
func Precedes(a, b SequenceNumber) bool {
	return uint32(a-b) > 1<<31
}

// LessOrEqual reports whether a is at or before b in sequence order.
func LessOrEqual(a, b SequenceNumber) bool {
	return a == b || Precedes(a, b)
}

// InRange reports whether sqn lies in the closed interval [lo, hi] under
// sequence-number order (lo may be numerically greater than hi on wrap).
func InRange(sqn, lo, hi SequenceNumber) bool {
	return LessOrEqual(lo, sqn) && LessOrEqual(sqn, hi)
}

// Distance returns the forward distance from a to b (b - a, as a signed
// difference honouring the half-space rule). A negative result means b
// precedes a.
func Distance(a, b SequenceNumber) int64 {
	return int64(int32(b - a))
}
