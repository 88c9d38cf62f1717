// Package txw implements the PGM transmit window: the ordered ring of
// produced data packets a source retains for retransmission, plus the
// deduplicated retransmit request queue NAKs feed into.
//
// Grounded on source/protocol/raknet.go's Session.SendQueue/RecoveryQueue
// (a slice-backed send queue plus a map keyed by sequence for repair), here
// generalized to a fixed-capacity ring so trail advance is O(1) instead of
// an unbounded map.
package txw

import (
	"fmt"
	"sync"

	"github.com/pgm-go/pgm/pkg/wire"
)

// ErrOutOfWindow is returned by Peek when the requested sequence is not
// currently retained.
var ErrOutOfWindow = fmt.Errorf("%w: sequence out of transmit window", wire.ErrMalformed)

// repairRequest is one deduplicated entry in the retransmit queue.
type repairRequest struct {
	sequence wire.SequenceNumber
	isParity bool
	tgShift  uint
}

// Window is the transmit window for one source.
type Window struct {
	mu sync.Mutex

	capacity uint32
	trail    wire.SequenceNumber
	lead     wire.SequenceNumber
	started  bool

	ring map[uint32]*wire.SKB

	repairQueue []repairRequest
	queued      map[wire.SequenceNumber]bool
}

// New creates an empty transmit window with the given ring capacity.
func New(capacity uint32) *Window {
	return &Window{
		capacity: capacity,
		ring:     make(map[uint32]*wire.SKB),
		queued:   make(map[wire.SequenceNumber]bool),
	}
}

func (w *Window) slot(seq wire.SequenceNumber) uint32 {
	return uint32(seq) % w.capacity
}

// Push assigns the next sequence number to skb, inserts it into the ring
// and, if the ring was full, evicts the oldest occupant by advancing
// trail. Returns the assigned sequence.
func (w *Window) Push(skb *wire.SKB) wire.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()

	var seq wire.SequenceNumber
	if !w.started {
		seq = 0
		w.trail = 0
		w.started = true
	} else {
		seq = w.lead + 1
	}
	w.lead = seq
	skb.Sequence = seq

	if uint32(w.lead-w.trail+1) > w.capacity {
		w.evictSlot(w.slot(w.trail))
		w.trail++
	}
	w.ring[w.slot(seq)] = skb
	return seq
}

func (w *Window) evictSlot(slot uint32) {
	if old, ok := w.ring[slot]; ok {
		old.Unref()
		delete(w.ring, slot)
	}
}

// Peek returns the SKB for sequence, incrementing its reference count, or
// ErrOutOfWindow if sequence is not currently retained.
func (w *Window) Peek(seq wire.SequenceNumber) (*wire.SKB, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peekLocked(seq)
}

func (w *Window) peekLocked(seq wire.SequenceNumber) (*wire.SKB, error) {
	if !w.started || !wire.InRange(seq, w.trail, w.lead) {
		return nil, ErrOutOfWindow
	}
	skb, ok := w.ring[w.slot(seq)]
	if !ok || skb.Sequence != seq {
		return nil, ErrOutOfWindow
	}
	return skb.Ref(), nil
}

// Trail returns the oldest retained sequence.
func (w *Window) Trail() wire.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail
}

// Lead returns the newest produced sequence.
func (w *Window) Lead() wire.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lead
}

// RetransmitPush enqueues a repair request for sequence, deduplicating
// against the existing queue. If sequence is no longer in the window the
// request is dropped silently (the NAK raced with trail advance).
func (w *Window) RetransmitPush(seq wire.SequenceNumber, isParity bool, tgShift uint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !isParity {
		if !w.started || !wire.InRange(seq, w.trail, w.lead) {
			return
		}
	}
	if w.queued[seq] {
		return
	}
	w.queued[seq] = true
	w.repairQueue = append(w.repairQueue, repairRequest{sequence: seq, isParity: isParity, tgShift: tgShift})
}

// RetransmitTryPeek returns the head of the retransmit queue paired with
// its SKB (reference count incremented), without removing it. Returns
// false if the queue is empty or the head sequence fell out of the window.
func (w *Window) RetransmitTryPeek() (wire.SequenceNumber, *wire.SKB, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.repairQueue) > 0 {
		head := w.repairQueue[0]
		skb, err := w.peekLocked(head.sequence)
		if err != nil {
			// raced with trail advance: drop and try the next.
			w.repairQueue = w.repairQueue[1:]
			delete(w.queued, head.sequence)
			continue
		}
		return head.sequence, skb, true
	}
	return 0, nil, false
}

// RetransmitRemoveHead pops the head of the retransmit queue after its
// repair has been transmitted, and bumps the SKB's retransmit counter.
func (w *Window) RetransmitRemoveHead() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.repairQueue) == 0 {
		return
	}
	head := w.repairQueue[0]
	w.repairQueue = w.repairQueue[1:]
	delete(w.queued, head.sequence)
	if skb, ok := w.ring[w.slot(head.sequence)]; ok && skb.Sequence == head.sequence {
		skb.Retransmits++
	}
}

// RetransmitQueueLen reports how many repair requests are pending, for
// tests and stats.
func (w *Window) RetransmitQueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.repairQueue)
}

// Len returns the number of sequences currently retained.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return 0
	}
	return int(w.lead-w.trail) + 1
}
