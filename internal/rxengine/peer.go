package rxengine

import (
	"time"

	"github.com/pgm-go/pgm/internal/rxw"
	"github.com/pgm-go/pgm/pkg/wire"
)

// peer is one remote source's tracked state: its receive window plus the
// SPM bookkeeping needed to reject stale/duplicate SPMs and to know where
// to unicast NAKs.
type peer struct {
	tsi wire.TSI

	window *rxw.Window

	lastSPMSqn  wire.SequenceNumber
	haveSPMSqn  bool
	advertised  wire.NLA
	lastSeen    time.Time
	abortOnReset bool
	reset       bool
}

func newPeer(tsi wire.TSI, cfg rxw.Config, now time.Time) *peer {
	return &peer{
		tsi:      tsi,
		window:   rxw.New(cfg),
		lastSeen: now,
	}
}

func (p *peer) touch(now time.Time) {
	p.lastSeen = now
}

func (p *peer) expired(now time.Time, expiry time.Duration) bool {
	return now.Sub(p.lastSeen) > expiry
}
