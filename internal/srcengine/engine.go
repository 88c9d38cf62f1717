// Package srcengine is the PGM source engine: fragmenting and emitting
// ODATA, the periodic/heartbeat SPM schedule, NAK/N-NAK/SPMR handling,
// and draining the retransmit queue into RDATA.
//
// Grounded on source/protocol/raknet.go's Session send path (sequence
// assignment into a send queue, then a drain loop over a recovery queue)
// generalized to PGM's fragmentation, checksum caching and SPM schedule.
package srcengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/pgm-go/pgm/internal/metrics"
	"github.com/pgm-go/pgm/internal/rate"
	"github.com/pgm-go/pgm/internal/txw"
	"github.com/pgm-go/pgm/pkg/logger"
	"github.com/pgm-go/pgm/pkg/wire"
)

// ErrWouldBlock and ErrRateLimited are the two transient send outcomes
// spec.md §7 requires the caller be able to distinguish and retry.
var (
	ErrWouldBlock  = errors.New("pgm: would block")
	ErrRateLimited = errors.New("pgm: rate limited")
)

// defaultHeartbeatSchedule is the back-off array spec.md §4.4 suggests.
var defaultHeartbeatSchedule = []time.Duration{
	100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
	1300 * time.Millisecond, 7 * time.Second, 16 * time.Second, 25 * time.Second, 30 * time.Second,
}

// Config bounds fragmentation and SPM pacing.
type Config struct {
	MaxTSDU            uint32
	AmbientSPMInterval time.Duration
	HeartbeatSchedule  []time.Duration
	FECGroupSize       uint32
	FECProactive       bool
	FECOnDemand        bool
}

// Engine owns one source's TXW, rate bucket, SPM schedule and NLA.
type Engine struct {
	cfg Config

	txw *txw.Window
	bucket *rate.Bucket
	metrics *metrics.Engine
	log *logger.Entry

	tsi wire.TSI
	nla wire.NLA

	spmSqn wire.SequenceNumber

	nextAmbientSPM   time.Time
	nextHeartbeatSPM time.Time
	heartbeatIndex   int
	spmsSent         int // gates OPT_SYN on the first three SPMs
}

// New creates a source engine for tsi, advertising nla as its own
// address in SPM/NAK bodies.
func New(cfg Config, tsi wire.TSI, nla wire.NLA, txwCapacity uint32, m *metrics.Engine, now time.Time) *Engine {
	if cfg.HeartbeatSchedule == nil {
		cfg.HeartbeatSchedule = defaultHeartbeatSchedule
	}
	return &Engine{
		cfg:     cfg,
		txw:     txw.New(txwCapacity),
		bucket:  rate.New(1<<20, 1<<16, now),
		metrics: m,
		log:     logger.ForComponent("srcengine"),
		tsi:     tsi,
		nla:     nla,
		nextAmbientSPM:   now.Add(cfg.AmbientSPMInterval),
		nextHeartbeatSPM: now,
	}
}

// SetRate reconfigures the send-path rate bucket; the socket calls it when
// TXW_MAX_RTE is set.
func (e *Engine) SetRate(bytesPerSec, burst float64) {
	e.bucket.SetRate(bytesPerSec, burst)
}

// Send fragments buffer into TSDUs no larger than cfg.MaxTSDU, assigns
// TXW sequences to each, and returns the assigned sequence range plus the
// encoded ODATA frames the caller must transmit. now is used for both the
// rate check and the new heartbeat-SPM schedule reset.
func (e *Engine) Send(buffer []byte, now time.Time) (first, last wire.SequenceNumber, frames [][]byte, err error) {
	if len(buffer) == 0 {
		return 0, 0, nil, fmt.Errorf("%w: empty send buffer", wire.ErrInvalidArgument)
	}
	if !e.bucket.Allow(now, float64(len(buffer))) {
		return 0, 0, nil, ErrRateLimited
	}

	maxTSDU := int(e.cfg.MaxTSDU)
	if maxTSDU <= 0 {
		maxTSDU = len(buffer)
	}
	apduLen := uint32(len(buffer))
	fragmented := len(buffer) > maxTSDU

	var firstSqn wire.SequenceNumber
	firstIteration := true
	for off := 0; off < len(buffer); off += maxTSDU {
		end := off + maxTSDU
		if end > len(buffer) {
			end = len(buffer)
		}
		payload := append([]byte(nil), buffer[off:end]...)

		pkt := &wire.Packet{
			Header:  wire.Header{Type: wire.TypeODATA, GSI: e.tsi.GSI, SourcePort: e.tsi.SourcePort},
			Data:    &wire.DataBody{},
			Payload: payload,
		}
		if fragmented {
			pkt.Options.Fragment = &wire.OptFragment{FragOffset: uint32(off), ApduLength: apduLen}
		}

		skb := wire.NewSKB(0, pkt, nil)
		skb.PayloadSum = wire.ChecksumPartial(payload, 0)

		seq := e.txw.Push(skb)
		pkt.Data.DataSequence = seq
		pkt.Data.DataTrail = e.txw.Trail()
		if firstIteration {
			firstSqn = seq
			firstIteration = false
		}
		if fragmented {
			pkt.Options.Fragment.FirstSqn = firstSqn
		}
		last = seq

		frame, encErr := pkt.EncodeWithCachedPayloadSum(skb.PayloadSum)
		if encErr != nil {
			return 0, 0, nil, encErr
		}
		frames = append(frames, frame)

		if e.metrics != nil {
			e.metrics.DataPacketsSent.Inc()
			e.metrics.DataBytesSent.Add(float64(len(payload)))
		}
	}
	first = firstSqn

	e.heartbeatIndex = 0
	e.nextHeartbeatSPM = now.Add(e.cfg.HeartbeatSchedule[0])
	return first, last, frames, nil
}

// EmitSPM builds the next periodic or heartbeat SPM, if one is due. ok is
// false if neither schedule has fired yet.
func (e *Engine) EmitSPM(now time.Time) (pkt *wire.Packet, ok bool) {
	due := false
	if !now.Before(e.nextAmbientSPM) {
		e.nextAmbientSPM = now.Add(e.cfg.AmbientSPMInterval)
		due = true
	}
	if e.heartbeatIndex < len(e.cfg.HeartbeatSchedule) && !now.Before(e.nextHeartbeatSPM) {
		e.heartbeatIndex++
		if e.heartbeatIndex < len(e.cfg.HeartbeatSchedule) {
			e.nextHeartbeatSPM = now.Add(e.cfg.HeartbeatSchedule[e.heartbeatIndex])
		}
		due = true
	}
	if !due {
		return nil, false
	}

	spm := &wire.SPMBody{
		SPMSequence: e.spmSqn,
		Trail:       e.txw.Trail(),
		Lead:        e.txw.Lead(),
		NLA:         e.nla,
	}
	e.spmSqn++

	pkt = &wire.Packet{
		Header: wire.Header{Type: wire.TypeSPM, GSI: e.tsi.GSI, SourcePort: e.tsi.SourcePort},
		SPM:    spm,
	}
	if e.cfg.FECGroupSize > 0 {
		pkt.Options.ParityPRM = &wire.OptParityPRM{
			TGS:       e.cfg.FECGroupSize,
			OnDemand:  e.cfg.FECOnDemand,
			Proactive: e.cfg.FECProactive,
		}
	}
	if e.spmsSent < 3 {
		pkt.Options.Syn = true
	}
	e.spmsSent++

	if e.metrics != nil {
		e.metrics.SPMsSent.Inc()
	}
	return pkt, true
}

// EmitFin builds the final up-to-three SPMs a graceful close sends,
// carrying OPT_FIN instead of OPT_SYN.
func (e *Engine) EmitFin() *wire.Packet {
	spm := &wire.SPMBody{SPMSequence: e.spmSqn, Trail: e.txw.Trail(), Lead: e.txw.Lead(), NLA: e.nla}
	e.spmSqn++
	return &wire.Packet{
		Header:  wire.Header{Type: wire.TypeSPM, GSI: e.tsi.GSI, SourcePort: e.tsi.SourcePort},
		SPM:     spm,
		Options: wire.Options{Fin: true},
	}
}

// HandleNAK validates an inbound NAK, returns the NCF to multicast
// immediately (spec.md requires one regardless of TXW membership), and
// enqueues every sequence still in the window onto the retransmit queue.
func (e *Engine) HandleNAK(pkt *wire.Packet) (*wire.Packet, error) {
	if pkt.Nak == nil {
		return nil, fmt.Errorf("%w: NAK missing body", wire.ErrMalformed)
	}
	if e.metrics != nil {
		e.metrics.NAKsReceived.Inc()
	}

	sequences := append([]wire.SequenceNumber{pkt.Nak.NakSequence}, pkt.Options.NakList...)
	for _, seq := range sequences {
		e.txw.RetransmitPush(seq, false, 0)
	}

	ncf := &wire.Packet{
		Header:  wire.Header{Type: wire.TypeNCF, GSI: e.tsi.GSI, SourcePort: e.tsi.SourcePort},
		Nak:     &wire.NakBody{NakSequence: pkt.Nak.NakSequence, SourceNLA: e.nla, GroupNLA: pkt.Nak.GroupNLA},
		Options: wire.Options{NakList: pkt.Options.NakList},
	}
	if e.metrics != nil {
		e.metrics.NCFsSent.Inc()
	}
	return ncf, nil
}

// HandleNNAK validates an informational N-NAK; it never triggers
// retransmission.
func (e *Engine) HandleNNAK(pkt *wire.Packet) error {
	if pkt.Nak == nil {
		return fmt.Errorf("%w: N-NAK missing body", wire.ErrMalformed)
	}
	return nil
}

// HandleSPMR answers a late-joiner's SPM request. unicast is true when
// the SPMR itself arrived unicast; per spec.md, a multicast-heard SPMR
// only cancels this engine's own pending SPMR timer for the source (not
// modeled here, since this engine only ever originates, never requests).
func (e *Engine) HandleSPMR(unicast bool, now time.Time) (*wire.Packet, bool) {
	if !unicast {
		return nil, false
	}
	spm := &wire.SPMBody{SPMSequence: e.spmSqn, Trail: e.txw.Trail(), Lead: e.txw.Lead(), NLA: e.nla}
	e.spmSqn++
	return &wire.Packet{
		Header: wire.Header{Type: wire.TypeSPM, GSI: e.tsi.GSI, SourcePort: e.tsi.SourcePort},
		SPM:    spm,
	}, true
}

// DrainRepairs emits RDATA for the retransmit queue's head, reusing the
// SKB's cached payload checksum, until the queue empties or the rate
// bucket can't afford the next repair.
func (e *Engine) DrainRepairs(now time.Time) (frames [][]byte, err error) {
	for {
		seq, skb, ok := e.txw.RetransmitTryPeek()
		if !ok {
			return frames, nil
		}
		size := float64(len(skb.Payload) + wire.HeaderLen)
		if !e.bucket.Allow(now, size) {
			return frames, ErrRateLimited
		}

		pkt := &wire.Packet{
			Header:  wire.Header{Type: wire.TypeRDATA, GSI: e.tsi.GSI, SourcePort: e.tsi.SourcePort},
			Data:    &wire.DataBody{DataSequence: seq, DataTrail: e.txw.Trail()},
			Options: skb.Packet.Options,
			Payload: skb.Payload,
		}
		frame, encErr := pkt.EncodeWithCachedPayloadSum(skb.PayloadSum)
		skb.Unref()
		if encErr != nil {
			return frames, encErr
		}
		frames = append(frames, frame)
		e.txw.RetransmitRemoveHead()
		if e.metrics != nil {
			e.metrics.RepairsSent.Inc()
		}
	}
}

// Trail and Lead expose the TXW bounds for SPM announcements elsewhere.
func (e *Engine) Trail() wire.SequenceNumber { return e.txw.Trail() }
func (e *Engine) Lead() wire.SequenceNumber  { return e.txw.Lead() }

// Tokens reports the send-path rate bucket's current balance, backing
// the RATE_REMAIN option query.
func (e *Engine) Tokens() float64 { return e.bucket.Tokens() }
