package wire

import (
	"sync"
	"sync/atomic"
	"time"
)

// SKB ("socket buffer") owns a decoded packet plus the small inline
// control block every component threads its own per-packet state through:
// NAK back-off/repeat/data deadlines, retry counters, the cached unfolded
// checksum, and a reference count shared across TXW, the retransmit queue,
// RXW and in-flight send calls.
type SKB struct {
	Sequence  SequenceNumber
	Timestamp time.Time
	TSI       TSI

	Packet  *Packet
	Raw     []byte // the exact wire bytes, retained for retransmission
	Payload []byte // Packet.Payload, convenience alias

	// PayloadSum is the unfolded Internet-checksum partial sum over Raw's
	// immutable payload region, cached so a retransmission only re-sums
	// the mutated header.
	PayloadSum UnfoldedSum

	// IsParity marks a packet produced by FEC encoding rather than the
	// application; ParityLength records its encoded length for
	// OPT_VAR_PKTLEN's "trailing two bytes are the true length" rule.
	IsParity     bool
	ParityLength int

	// Retransmits counts RDATA emissions of this sequence (TXW side).
	Retransmits int

	refcount int32
	mu       sync.Mutex

	// Control block state used by RXW's per-slot NAK state machine.
	// rxw package reads/writes these directly, single-mutex (window-level)
	// protected, so these are plain fields rather than atomics.
	NakState        int
	NakBackoffExpiry time.Time
	NakRepeatExpiry  time.Time
	NakDataExpiry    time.Time
	NakNCFRetries    int
	NakDataRetries   int
}

// NewSKB wraps a decoded packet at the given sequence with a refcount of 1.
func NewSKB(seq SequenceNumber, pkt *Packet, raw []byte) *SKB {
	var payload []byte
	if pkt != nil {
		payload = pkt.Payload
	}
	return &SKB{
		Sequence:  seq,
		Timestamp: time.Now(),
		Packet:    pkt,
		Raw:       raw,
		Payload:   payload,
		refcount:  1,
	}
}

// Ref increments the reference count and returns skb for chaining.
func (s *SKB) Ref() *SKB {
	atomic.AddInt32(&s.refcount, 1)
	return s
}

// Unref decrements the reference count, reporting whether it reached zero
// (the caller should release the buffer in that case).
func (s *SKB) Unref() bool {
	return atomic.AddInt32(&s.refcount, -1) == 0
}

// RefCount returns the current reference count, for tests and invariants.
func (s *SKB) RefCount() int32 {
	return atomic.LoadInt32(&s.refcount)
}
