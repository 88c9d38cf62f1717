// Package rxw implements the PGM receive window: the per-source
// reassembly ring that tracks which sequences are missing, back-off and
// NAK-repeat timers, fragment reassembly and in-order delivery to the
// application.
//
// Grounded on source/protocol/raknet.go's Session.HandleDataPacket (the
// order-channel dedup and split-packet reassembly it already does) and,
// for the authoritative state transitions, original_source's rxwi.c.
package rxw

import (
	"sync"
	"time"

	"github.com/pgm-go/pgm/pkg/wire"
)

// slot is one entry in the receive window: either a placeholder awaiting
// repair or a delivered/committed data buffer.
type slot struct {
	skb   *wire.SKB
	state SlotState
}

// Window is the receive window for a single source (keyed externally by
// TSI).
type Window struct {
	mu sync.Mutex

	capacity uint32

	started bool
	trail   wire.SequenceNumber // rxw_trail: oldest sequence still tracked
	lead    wire.SequenceNumber // newest sequence ever named (data or NCF)

	commitLead wire.SequenceNumber // next sequence readv will attempt to deliver

	slots map[wire.SequenceNumber]*slot

	backoffQ  []wire.SequenceNumber
	waitNCFQ  []wire.SequenceNumber
	waitDataQ []wire.SequenceNumber

	maxAPDU        uint32
	maxFragments   int
	cumulativeLoss uint64

	fecGroupSize uint32
	fecGroups    map[wire.SequenceNumber]*fecGroup
}

// Config bounds an APDU the window will reassemble; see spec.md §4.3's
// fragment limit edge case. FECGroupSize is the transmission group size
// negotiated via OPT_PARITY_PRM; zero disables FEC reconstruction.
type Config struct {
	Capacity     uint32
	MaxAPDU      uint32
	MaxFragments int
	FECGroupSize uint32
}

// New creates an empty receive window.
func New(cfg Config) *Window {
	if cfg.MaxFragments == 0 {
		cfg.MaxFragments = 64
	}
	return &Window{
		capacity:     cfg.Capacity,
		slots:        make(map[wire.SequenceNumber]*slot),
		maxAPDU:      cfg.MaxAPDU,
		maxFragments: cfg.MaxFragments,
		fecGroupSize: cfg.FECGroupSize,
		fecGroups:    make(map[wire.SequenceNumber]*fecGroup),
	}
}

func (w *Window) tgSqnFor(seq wire.SequenceNumber) wire.SequenceNumber {
	return seq - wire.SequenceNumber(uint32(seq)%w.fecGroupSize)
}

// TGSqnFor exposes the transmission-group alignment of seq, so a caller
// demultiplexing an inbound parity packet can compute AddParity's tgSqn
// argument the same way the window would itself.
func (w *Window) TGSqnFor(seq wire.SequenceNumber) wire.SequenceNumber {
	return w.tgSqnFor(seq)
}

func (w *Window) groupFor(tgSqn wire.SequenceNumber) *fecGroup {
	g, ok := w.fecGroups[tgSqn]
	if !ok {
		g = newFECGroup(tgSqn, w.fecGroupSize)
		w.fecGroups[tgSqn] = g
	}
	return g
}

// AddParity registers an arrived parity packet for the transmission group
// starting at tgSqn and, if the group now has enough originals plus
// parity to cover every erasure, reconstructs the missing originals and
// installs them as have-parity slots ready for Readv.
func (w *Window) AddParity(paritySeq, tgSqn wire.SequenceNumber, payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fecGroupSize == 0 {
		return
	}
	g := w.groupFor(tgSqn)
	g.addParity(paritySeq, payload)
	w.tryReconstructLocked(g)
}

func (w *Window) tryReconstructLocked(g *fecGroup) {
	recovered, err := g.reconstruct()
	if err != nil || recovered == nil {
		return
	}
	for seq, payload := range recovered {
		// A missing original always has a placeholder slot (back-off/
		// wait-ncf/wait-data) by the time parity completes the group; only
		// a slot that already carries data needs to be left alone.
		if existing, ok := w.slots[seq]; ok {
			if isDataBearing(existing.state) {
				continue
			}
			w.removeFromQueue(existing.state, seq)
		}
		skb := wire.NewSKB(seq, &wire.Packet{Payload: payload}, nil)
		w.slots[seq] = &slot{skb: skb, state: StateHaveParity}
		if wire.Precedes(w.lead, seq) {
			w.lead = seq
		}
	}
	delete(w.fecGroups, g.tgSqn)
}

// Add inserts a data packet's SKB into the window, creating back-off
// placeholders for any gap between the previous lead and seq.
func (w *Window) Add(skb *wire.SKB, now time.Time, backoffDeadline time.Time) Result {
	if skb == nil || skb.Packet == nil {
		return ResultMalformed
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := skb.Sequence

	if !w.started {
		w.started = true
		w.trail = seq
		w.commitLead = seq
		w.lead = seq - 1
	}

	if wire.Precedes(seq, w.trail) {
		return ResultBounds
	}
	if uint32(seq-w.trail) >= w.capacity {
		return ResultBounds
	}

	if existing, ok := w.slots[seq]; ok {
		switch existing.state {
		case StateHaveData, StateHaveParity, StateCommitData:
			return ResultDuplicate
		default:
			w.removeFromQueue(existing.state, seq)
			existing.skb = skb
			existing.state = StateHaveData
			return ResultInserted
		}
	}

	oldLead := w.lead
	gap := wire.Precedes(oldLead, seq) && seq != oldLead+1
	if wire.Precedes(oldLead, seq) {
		for s := oldLead + 1; wire.Precedes(s, seq); s++ {
			w.slots[s] = &slot{skb: wire.NewSKB(s, nil, nil), state: StateBackoff}
			w.slots[s].skb.NakBackoffExpiry = backoffDeadline
			w.backoffQ = append(w.backoffQ, s)
		}
		w.lead = seq
	}

	w.slots[seq] = &slot{skb: skb, state: StateHaveData}
	if w.fecGroupSize > 0 {
		g := w.groupFor(w.tgSqnFor(seq))
		g.addOriginal(seq, skb.Payload)
	}
	if gap {
		return ResultMissing
	}
	return ResultAppended
}

// Confirm processes an NCF for sequence: a back-off or wait-NCF slot moves
// to wait-data. If sequence lies beyond the current lead, placeholders are
// created up to and including it, per spec.md's window-extension rule.
func (w *Window) Confirm(sequence wire.SequenceNumber, now, rdataExpiry time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		w.started = true
		w.trail = sequence
		w.commitLead = sequence
		w.lead = sequence - 1
	}

	if wire.Precedes(sequence, w.trail) {
		return
	}

	if wire.Precedes(w.lead, sequence) {
		for s := w.lead + 1; wire.LessOrEqual(s, sequence); s++ {
			if _, ok := w.slots[s]; ok {
				continue
			}
			w.slots[s] = &slot{skb: wire.NewSKB(s, nil, nil), state: StateBackoff}
			if s != sequence {
				w.backoffQ = append(w.backoffQ, s)
			}
		}
		w.lead = sequence
	}

	sl, ok := w.slots[sequence]
	if !ok {
		sl = &slot{skb: wire.NewSKB(sequence, nil, nil), state: StateBackoff}
		w.slots[sequence] = sl
	}
	switch sl.state {
	case StateHaveData, StateHaveParity, StateCommitData, StateLostData:
		return
	}
	w.removeFromQueue(sl.state, sequence)
	sl.state = StateWaitData
	sl.skb.NakDataExpiry = rdataExpiry
	w.waitDataQ = append(w.waitDataQ, sequence)
}

// Lost forces sequence into the terminal lost-data state from any of the
// three NAK-pending states.
func (w *Window) Lost(sequence wire.SequenceNumber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sl, ok := w.slots[sequence]
	if !ok {
		return
	}
	switch sl.state {
	case StateBackoff, StateWaitNCF, StateWaitData:
		w.removeFromQueue(sl.state, sequence)
		sl.state = StateLostData
	}
}

func (w *Window) removeFromQueue(state SlotState, seq wire.SequenceNumber) {
	switch state {
	case StateBackoff:
		w.backoffQ = removeSeq(w.backoffQ, seq)
	case StateWaitNCF:
		w.waitNCFQ = removeSeq(w.waitNCFQ, seq)
	case StateWaitData:
		w.waitDataQ = removeSeq(w.waitDataQ, seq)
	}
}

func removeSeq(q []wire.SequenceNumber, seq wire.SequenceNumber) []wire.SequenceNumber {
	for i, s := range q {
		if s == seq {
			return append(q[:i:i], q[i+1:]...)
		}
	}
	return q
}

// ExpireBackoff moves every back-off slot whose deadline has passed into
// wait-ncf, returning the sequences so the caller can batch them into a
// single NAK / OPT_NAK_LIST.
func (w *Window) ExpireBackoff(now, rptExpiry time.Time) []wire.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []wire.SequenceNumber
	var keep []wire.SequenceNumber
	for _, seq := range w.backoffQ {
		sl := w.slots[seq]
		if sl == nil {
			continue
		}
		if !now.Before(sl.skb.NakBackoffExpiry) {
			sl.state = StateWaitNCF
			sl.skb.NakRepeatExpiry = rptExpiry
			w.waitNCFQ = append(w.waitNCFQ, seq)
			due = append(due, seq)
		} else {
			keep = append(keep, seq)
		}
	}
	w.backoffQ = keep
	return due
}

// ExpireWaitNCF moves every wait-ncf slot whose nak_rpt_expiry has passed
// back to back-off (to retry the NAK) or, if no NCF will ever satisfy it
// and the caller decides not to retry, lets the caller call Lost directly.
// It returns the sequences due for a repeated NAK.
func (w *Window) ExpireWaitNCF(now, backoffExpiry time.Time) []wire.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []wire.SequenceNumber
	var keep []wire.SequenceNumber
	for _, seq := range w.waitNCFQ {
		sl := w.slots[seq]
		if sl == nil {
			continue
		}
		if !now.Before(sl.skb.NakRepeatExpiry) {
			sl.skb.NakNCFRetries++
			sl.state = StateBackoff
			sl.skb.NakBackoffExpiry = backoffExpiry
			w.backoffQ = append(w.backoffQ, seq)
			due = append(due, seq)
		} else {
			keep = append(keep, seq)
		}
	}
	w.waitNCFQ = keep
	return due
}

// ExpireWaitData moves every wait-data slot whose nak_rdata_expiry passed
// back to wait-ncf if retries remain, or to lost-data otherwise. It
// returns (retriedSequences, lostSequences).
func (w *Window) ExpireWaitData(now, rptExpiry time.Time, maxDataRetries int) ([]wire.SequenceNumber, []wire.SequenceNumber) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var retried, lost []wire.SequenceNumber
	var keep []wire.SequenceNumber
	for _, seq := range w.waitDataQ {
		sl := w.slots[seq]
		if sl == nil {
			continue
		}
		if !now.Before(sl.skb.NakDataExpiry) {
			sl.skb.NakDataRetries++
			if sl.skb.NakDataRetries > maxDataRetries {
				sl.state = StateLostData
				lost = append(lost, seq)
				continue
			}
			sl.state = StateWaitNCF
			sl.skb.NakRepeatExpiry = rptExpiry
			w.waitNCFQ = append(w.waitNCFQ, seq)
			retried = append(retried, seq)
		} else {
			keep = append(keep, seq)
		}
	}
	w.waitDataQ = keep
	return retried, lost
}

// NextDeadline returns the earliest outstanding timer across all three
// NAK-pending queues, for driving a single window-wide timer. The second
// return is false if nothing is pending.
func (w *Window) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var best time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}
	if len(w.backoffQ) > 0 {
		if sl := w.slots[w.backoffQ[0]]; sl != nil {
			consider(sl.skb.NakBackoffExpiry)
		}
	}
	if len(w.waitNCFQ) > 0 {
		if sl := w.slots[w.waitNCFQ[0]]; sl != nil {
			consider(sl.skb.NakRepeatExpiry)
		}
	}
	if len(w.waitDataQ) > 0 {
		if sl := w.slots[w.waitDataQ[0]]; sl != nil {
			consider(sl.skb.NakDataExpiry)
		}
	}
	return best, found
}

// ReadResult is the outcome of a Readv call.
type ReadResult struct {
	APDUs       [][]byte
	EndOfWindow bool
}

// Readv delivers up to max contiguous, complete APDUs starting at
// commit-lead. Encountering a lost-data slot removes it (counting it
// against cumulative loss) and ends the call with EndOfWindow set, even
// if some APDUs were already collected, so the caller observes the loss
// boundary.
func (w *Window) Readv(max int) ReadResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out ReadResult
	for len(out.APDUs) < max {
		sl, ok := w.slots[w.commitLead]
		if !ok {
			break
		}
		if sl.state == StateLostData {
			w.drainLostRunLocked()
			out.EndOfWindow = true
			return out
		}
		if sl.state != StateHaveData && sl.state != StateHaveParity {
			break
		}

		frag := sl.skb.Packet.Options.Fragment
		if frag == nil {
			out.APDUs = append(out.APDUs, sl.skb.Payload)
			sl.state = StateCommitData
			w.commitLead++
			w.advanceTrailLocked()
			continue
		}

		apdu, consumed, ready := w.tryAssembleFragment(frag)
		if !ready {
			break
		}
		if apdu == nil {
			// tryAssembleFragment already wrote off the whole chain
			// (markChainLost); drain it as one contiguous loss run so the
			// caller sees every written-off fragment counted together.
			w.drainLostRunLocked()
			out.EndOfWindow = true
			return out
		}
		out.APDUs = append(out.APDUs, apdu)
		for i := 0; i < consumed; i++ {
			seq := w.commitLead
			if s, ok := w.slots[seq]; ok {
				s.state = StateCommitData
			}
			w.commitLead++
		}
		w.advanceTrailLocked()
	}
	return out
}

// markChainLost marks every already-resolved slot (have-data, have-parity
// or already lost-data) contiguous from first as lost-data, stopping at
// the first sequence that is still unresolved (a live placeholder) or
// absent. A fragment chain with an unrecoverable gap writes off every
// fragment already seen together, in one pass, instead of leaving the
// ones on either side of the gap to be discovered as individually
// orphaned slots across later calls.
func (w *Window) markChainLost(first wire.SequenceNumber) {
	limit := w.maxFragments
	if limit <= 0 {
		limit = 64
	}
	seq := first
	for i := 0; i < limit; i++ {
		sl, ok := w.slots[seq]
		if !ok {
			return
		}
		switch sl.state {
		case StateHaveData, StateHaveParity, StateLostData:
			sl.state = StateLostData
		default:
			return
		}
		seq++
	}
}

// tryAssembleFragment checks whether every fragment of the APDU starting
// at frag.FirstSqn is present (have-data/have-parity) and, if so,
// concatenates them. ready is false if the chain is incomplete so far;
// a nil apdu with ready true signals the APDU was declared lost.
func (w *Window) tryAssembleFragment(frag *wire.OptFragment) (apdu []byte, consumed int, ready bool) {
	if frag.ApduLength > w.maxAPDU && w.maxAPDU != 0 {
		w.markChainLost(frag.FirstSqn)
		return nil, 0, true
	}

	total := 0
	count := 1
	seq := frag.FirstSqn
	var parts [][]byte
	for {
		sl, ok := w.slots[seq]
		if ok && sl.state == StateLostData {
			// a fragment in the chain was declared lost: the whole APDU
			// is unrecoverable, so write off every fragment already seen
			// rather than stalling commit-lead on the survivors.
			w.markChainLost(frag.FirstSqn)
			return nil, 0, true
		}
		if !ok || (sl.state != StateHaveData && sl.state != StateHaveParity) {
			return nil, 0, false
		}
		parts = append(parts, sl.skb.Payload)
		total += len(sl.skb.Payload)
		if total >= int(frag.ApduLength) {
			break
		}
		count++
		if count > w.maxFragments && w.maxFragments != 0 {
			w.markChainLost(frag.FirstSqn)
			return nil, 0, true
		}
		seq++
	}

	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, len(parts), true
}

func (w *Window) advanceTrailLocked() {
	if wire.Precedes(w.trail, w.commitLead) {
		w.trail = w.commitLead
	}
}

// drainLostRunLocked deletes and counts every lost-data slot contiguous
// from commit-lead, advancing commit-lead past all of them in one pass.
// A multi-fragment APDU written off by markChainLost lands here as a
// single contiguous run, so the whole APDU is counted against cumulative
// loss together instead of one slot at a time across separate Readv calls.
func (w *Window) drainLostRunLocked() {
	for {
		sl, ok := w.slots[w.commitLead]
		if !ok || sl.state != StateLostData {
			return
		}
		delete(w.slots, w.commitLead)
		w.cumulativeLoss++
		w.commitLead++
		w.advanceTrailLocked()
	}
}

// UpdateTrail advances rxw_trail to the data_trail carried in an
// SPM/ODATA/RDATA header, pruning committed slots below it and declaring
// anything still pending below it lost.
func (w *Window) UpdateTrail(dataTrail wire.SequenceNumber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || !wire.Precedes(w.trail, dataTrail) {
		return
	}
	for seq := w.trail; wire.Precedes(seq, dataTrail); seq++ {
		sl, ok := w.slots[seq]
		if !ok {
			continue
		}
		switch sl.state {
		case StateBackoff, StateWaitNCF, StateWaitData:
			w.removeFromQueue(sl.state, seq)
			w.cumulativeLoss++
		}
		delete(w.slots, seq)
	}
	w.trail = dataTrail
	if wire.Precedes(w.commitLead, w.trail) {
		w.commitLead = w.trail
	}
}

// CumulativeLoss reports the running count of sequences that were never
// recovered, for stats.
func (w *Window) CumulativeLoss() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cumulativeLoss
}

// State reports the current SlotState of a tracked sequence, for tests.
func (w *Window) State(seq wire.SequenceNumber) (SlotState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sl, ok := w.slots[seq]
	if !ok {
		return 0, false
	}
	return sl.state, true
}

// Lead returns the newest sequence named so far.
func (w *Window) Lead() wire.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lead
}

// Trail returns the oldest sequence still tracked.
func (w *Window) Trail() wire.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail
}
