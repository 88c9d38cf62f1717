package wire

import "testing"

func TestPrecedesWraps(t *testing.T) {
	cases := []struct {
		a, b SequenceNumber
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{1, 1, false},
		{^SequenceNumber(0), 0, true},   // 0xFFFFFFFF precedes 0 (wrap)
		{0, ^SequenceNumber(0), false},
		{0x7FFFFFFF, 0x80000000, true},
	}
	for _, c := range cases {
		if got := Precedes(c.a, c.b); got != c.want {
			t.Errorf("Precedes(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestInRangeWrap(t *testing.T) {
	if !InRange(5, 3, 10) {
		t.Error("5 should be in [3, 10]")
	}
	if InRange(20, 3, 10) {
		t.Error("20 should not be in [3, 10]")
	}
	// window wrapped past 2^32
	lo := SequenceNumber(0xFFFFFFF0)
	hi := SequenceNumber(5)
	if !InRange(0xFFFFFFFE, lo, hi) {
		t.Error("0xFFFFFFFE should be in wrapped window [0xFFFFFFF0, 5]")
	}
	if !InRange(2, lo, hi) {
		t.Error("2 should be in wrapped window [0xFFFFFFF0, 5]")
	}
}
