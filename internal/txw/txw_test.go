package txw

import (
	"testing"

	"github.com/pgm-go/pgm/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newSKB() *wire.SKB {
	return wire.NewSKB(0, &wire.Packet{Payload: []byte("x")}, nil)
}

func TestPushAssignsIncreasingSequence(t *testing.T) {
	w := New(8)
	for i := wire.SequenceNumber(0); i < 5; i++ {
		seq := w.Push(newSKB())
		require.Equal(t, i, seq)
	}
	require.Equal(t, wire.SequenceNumber(4), w.Lead())
	require.Equal(t, wire.SequenceNumber(0), w.Trail())
}

func TestPeekOutOfWindow(t *testing.T) {
	w := New(4)
	w.Push(newSKB())
	_, err := w.Peek(99)
	require.ErrorIs(t, err, ErrOutOfWindow)
}

func TestRingEvictsOnOverflow(t *testing.T) {
	w := New(4)
	for i := 0; i < 6; i++ {
		w.Push(newSKB())
	}
	require.Equal(t, wire.SequenceNumber(2), w.Trail())
	require.Equal(t, wire.SequenceNumber(5), w.Lead())
	require.Equal(t, 4, w.Len())

	_, err := w.Peek(1)
	require.ErrorIs(t, err, ErrOutOfWindow)
	skb, err := w.Peek(2)
	require.NoError(t, err)
	require.Equal(t, wire.SequenceNumber(2), skb.Sequence)
}

// TestRepairCycle mirrors spec.md scenario 4: TXW [95..100], lead=100, a
// NAK arrives for 97; the repair is peeked, sent, and its retransmit
// counter increments to 1.
func TestRepairCycle(t *testing.T) {
	w := New(16)
	var target wire.SequenceNumber
	for i := 0; i < 6; i++ {
		seq := w.Push(newSKB())
		if i == 2 {
			target = seq
		}
	}

	w.RetransmitPush(target, false, 0)
	require.Equal(t, 1, w.RetransmitQueueLen())

	seq, skb, ok := w.RetransmitTryPeek()
	require.True(t, ok)
	require.Equal(t, target, seq)
	require.Equal(t, int32(2), skb.RefCount()) // ring ref + peek ref

	w.RetransmitRemoveHead()
	require.Equal(t, 0, w.RetransmitQueueLen())

	again, err := w.Peek(target)
	require.NoError(t, err)
	require.Equal(t, 1, again.Retransmits)
}

func TestRetransmitPushDedupes(t *testing.T) {
	w := New(16)
	seq := w.Push(newSKB())
	w.RetransmitPush(seq, false, 0)
	w.RetransmitPush(seq, false, 0)
	require.Equal(t, 1, w.RetransmitQueueLen())
}

func TestRetransmitPushDropsOutOfWindow(t *testing.T) {
	w := New(4)
	for i := 0; i < 6; i++ {
		w.Push(newSKB())
	}
	w.RetransmitPush(0, false, 0) // evicted long ago
	require.Equal(t, 0, w.RetransmitQueueLen())
}

func TestRetransmitTryPeekSkipsStaleHead(t *testing.T) {
	w := New(4)
	first := w.Push(newSKB())
	w.RetransmitPush(first, false, 0)
	for i := 0; i < 5; i++ {
		w.Push(newSKB())
	}
	// first has now been evicted from the ring; peek should silently skip it.
	_, _, ok := w.RetransmitTryPeek()
	require.False(t, ok)
	require.Equal(t, 0, w.RetransmitQueueLen())
}
