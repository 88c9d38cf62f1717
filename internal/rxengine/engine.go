// Package rxengine is the PGM receiver engine: TSI demultiplexing, the
// peer table, SPM/ODATA/RDATA/NCF processing, NAK scheduling off each
// peer's receive window, and peer expiry.
//
// Grounded on source/protocol/raknet.go's Session table (map keyed by
// remote address, with a cleanup sweep) generalized to PGM's TSI keying
// and per-peer receive window.
package rxengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/pgm-go/pgm/internal/metrics"
	"github.com/pgm-go/pgm/internal/rxw"
	"github.com/pgm-go/pgm/pkg/logger"
	"github.com/pgm-go/pgm/pkg/wire"
)

// ErrReset is surfaced to the application on the next recv once a peer's
// source has been reset (OPT_RST) while ABORT_ON_RESET is enabled.
var ErrReset = errors.New("pgm: source reset")

// Config bounds every peer's receive window and NAK timing.
type Config struct {
	RXW              rxw.Config
	PeerExpiry       time.Duration
	NAKBackoffIVL    time.Duration
	NAKRepeatIVL     time.Duration
	NAKDataIVL       time.Duration
	NAKDataRetries   int
	AbortOnReset     bool
	// Passive suppresses NAK generation entirely: the peer's receive
	// window still tracks gaps and delivers contiguous data, it just
	// never asks the source to repair loss.
	Passive bool
}

// Engine owns every tracked peer (source) a socket is receiving from.
type Engine struct {
	cfg     Config
	metrics *metrics.Engine
	log     *logger.Entry

	peers map[wire.TSI]*peer
}

// New creates a receiver engine.
func New(cfg Config, m *metrics.Engine) *Engine {
	return &Engine{
		cfg:     cfg,
		metrics: m,
		log:     logger.ForComponent("rxengine"),
		peers:   make(map[wire.TSI]*peer),
	}
}

func (e *Engine) peerFor(tsi wire.TSI, now time.Time) *peer {
	p, ok := e.peers[tsi]
	if !ok {
		p = newPeer(tsi, e.cfg.RXW, now)
		e.peers[tsi] = p
		if e.metrics != nil {
			e.metrics.ActivePeers.Inc()
		}
	}
	return p
}

// HandleSPM updates a peer's advertised NLA and trail, rejecting stale or
// duplicate spm_sqn values.
func (e *Engine) HandleSPM(tsi wire.TSI, pkt *wire.Packet, now time.Time) error {
	if pkt.SPM == nil {
		return fmt.Errorf("%w: SPM missing body", wire.ErrMalformed)
	}
	p := e.peerFor(tsi, now)
	p.touch(now)

	if p.haveSPMSqn && !wire.Precedes(p.lastSPMSqn, pkt.SPM.SPMSequence) {
		return nil // duplicate or stale, silently ignored
	}
	p.lastSPMSqn = pkt.SPM.SPMSequence
	p.haveSPMSqn = true
	p.advertised = pkt.SPM.NLA
	p.window.UpdateTrail(pkt.SPM.Trail)
	if pkt.Options.Rst {
		p.reset = true
	}
	return nil
}

// HandleData feeds an ODATA/RDATA packet into the peer's receive window.
// A packet carrying OPT_PARITY (the header's pgm_options PARITY bit) is a
// FEC repair packet, not an original, and is routed to the window's
// parity path instead of being inserted as ordinary data.
func (e *Engine) HandleData(tsi wire.TSI, pkt *wire.Packet, now time.Time) rxw.Result {
	if pkt.Data == nil {
		return rxw.ResultMalformed
	}
	p := e.peerFor(tsi, now)
	p.touch(now)
	p.window.UpdateTrail(pkt.Data.DataTrail)

	if pkt.Header.Options&wire.OptionsParity != 0 && e.cfg.RXW.FECGroupSize > 0 {
		seq := pkt.Data.DataSequence
		p.window.AddParity(seq, p.window.TGSqnFor(seq), pkt.Payload)
		if e.metrics != nil {
			e.metrics.DataPacketsReceived.Inc()
		}
		return rxw.ResultInserted
	}

	skb := wire.NewSKB(pkt.Data.DataSequence, pkt, nil)
	res := p.window.Add(skb, now, now.Add(e.cfg.NAKBackoffIVL))

	if e.metrics != nil {
		switch res {
		case rxw.ResultDuplicate:
			e.metrics.DuplicatesReceived.Inc()
		case rxw.ResultAppended, rxw.ResultInserted, rxw.ResultMissing:
			e.metrics.DataPacketsReceived.Inc()
		}
	}
	return res
}

// HandleNCF feeds an NCF into the peer's receive window, moving the
// confirmed sequence to wait-data.
func (e *Engine) HandleNCF(tsi wire.TSI, pkt *wire.Packet, now time.Time) error {
	if pkt.Nak == nil {
		return fmt.Errorf("%w: NCF missing body", wire.ErrMalformed)
	}
	p := e.peerFor(tsi, now)
	p.touch(now)
	p.window.Confirm(pkt.Nak.NakSequence, now, now.Add(e.cfg.NAKDataIVL))
	if e.metrics != nil {
		e.metrics.NCFsReceived.Inc()
	}
	return nil
}

// HandleRST marks a peer reset; if ABORT_ON_RESET is configured, its next
// Readv call is expected to surface ErrReset through the socket layer.
func (e *Engine) HandleRST(tsi wire.TSI, now time.Time) {
	p := e.peerFor(tsi, now)
	p.reset = true
}

// OutboundNAK is a NAK/N-NAK the caller must unicast to a peer's
// advertised NLA.
type OutboundNAK struct {
	TSI    wire.TSI
	NLA    wire.NLA
	Packet *wire.Packet
}

// Tick advances every peer's NAK state machine, returning the NAKs that
// must be sent now. It also evicts peers idle past PeerExpiry.
func (e *Engine) Tick(now time.Time) []OutboundNAK {
	var out []OutboundNAK
	for tsi, p := range e.peers {
		if p.expired(now, e.cfg.PeerExpiry) {
			delete(e.peers, tsi)
			if e.metrics != nil {
				e.metrics.ActivePeers.Dec()
			}
			continue
		}

		due := p.window.ExpireBackoff(now, now.Add(e.cfg.NAKRepeatIVL))
		if len(due) > 0 && !e.cfg.Passive {
			out = append(out, e.buildNAK(p, due, now))
		}

		retry := p.window.ExpireWaitNCF(now, now.Add(e.cfg.NAKBackoffIVL))
		if len(retry) > 0 && !e.cfg.Passive {
			out = append(out, e.buildNAK(p, retry, now))
		}

		_, lost := p.window.ExpireWaitData(now, now.Add(e.cfg.NAKRepeatIVL), e.cfg.NAKDataRetries)
		for range lost {
			if e.metrics != nil {
				e.metrics.CumulativeLoss.Inc()
			}
		}
	}
	return out
}

func (e *Engine) buildNAK(p *peer, sequences []wire.SequenceNumber, now time.Time) OutboundNAK {
	primary := sequences[0]
	rest := sequences[1:]
	if len(rest) > 62 {
		rest = rest[:62]
	}
	pkt := &wire.Packet{
		Header:  wire.Header{Type: wire.TypeNAK, GSI: p.tsi.GSI, SourcePort: p.tsi.SourcePort},
		Nak:     &wire.NakBody{NakSequence: primary, SourceNLA: p.advertised},
		Options: wire.Options{NakList: rest},
	}
	if e.metrics != nil {
		e.metrics.NAKsSent.Inc()
	}
	return OutboundNAK{TSI: p.tsi, NLA: p.advertised, Packet: pkt}
}

// Readv delivers up to max contiguous APDUs from the named peer.
func (e *Engine) Readv(tsi wire.TSI, max int) (rxw.ReadResult, error) {
	p, ok := e.peers[tsi]
	if !ok {
		return rxw.ReadResult{}, fmt.Errorf("pgm: unknown peer %s", tsi.String())
	}
	if p.reset && e.cfg.AbortOnReset {
		return rxw.ReadResult{}, ErrReset
	}
	return p.window.Readv(max), nil
}

// PeerCount reports how many sources are currently tracked, for stats.
func (e *Engine) PeerCount() int {
	return len(e.peers)
}

// SetPeerExpiry reconfigures how long an idle peer is kept before Tick
// evicts it, e.g. from the PEER_EXPIRY socket option.
func (e *Engine) SetPeerExpiry(expiry time.Duration) {
	e.cfg.PeerExpiry = expiry
}

// SetAbortOnReset reconfigures whether Readv surfaces ErrReset for a
// peer that sent OPT_RST, e.g. from the ABORT_ON_RESET socket option.
func (e *Engine) SetAbortOnReset(enabled bool) {
	e.cfg.AbortOnReset = enabled
}
