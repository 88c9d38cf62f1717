package srcengine

import (
	"net"
	"testing"
	"time"

	"github.com/pgm-go/pgm/internal/metrics"
	"github.com/pgm-go/pgm/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newEngine(now time.Time) *Engine {
	cfg := Config{MaxTSDU: 1000, AmbientSPMInterval: 30 * time.Second}
	tsi := wire.TSI{GSI: wire.GSI{1, 2, 3, 4, 5, 6}, SourcePort: 1000}
	nla := wire.NLAFromIP(net.ParseIP("192.0.2.9"))
	return New(cfg, tsi, nla, 4096, metrics.New(), now)
}

func TestSendAssignsContiguousSequences(t *testing.T) {
	now := time.Now()
	e := newEngine(now)

	first, last, frames, err := e.Send([]byte("hello, pgm"), now)
	require.NoError(t, err)
	require.Equal(t, first, last)
	require.Equal(t, wire.SequenceNumber(0), first)
	require.Len(t, frames, 1)
}

// TestFragmentReassembly (scenario 5 setup) mirrors spec.md: a 3000-byte
// APDU over max_tsdu_fragment=1000 produces three fragments sharing
// first_sqn and apdu_length.
func TestFragmentReassembly(t *testing.T) {
	now := time.Now()
	e := newEngine(now)
	e.cfg.MaxTSDU = 1000

	buf := make([]byte, 3000)
	first, last, frames, err := e.Send(buf, now)
	require.NoError(t, err)
	require.Equal(t, wire.SequenceNumber(0), first)
	require.Equal(t, wire.SequenceNumber(2), last)
	require.Len(t, frames, 3)

	skb, err := e.txw.Peek(1)
	require.NoError(t, err)
	require.NotNil(t, skb.Packet.Options.Fragment)
	require.Equal(t, first, skb.Packet.Options.Fragment.FirstSqn)
	require.Equal(t, uint32(3000), skb.Packet.Options.Fragment.ApduLength)
	require.Equal(t, uint32(1000), skb.Packet.Options.Fragment.FragOffset)
}

func TestSendRateLimited(t *testing.T) {
	now := time.Now()
	e := newEngine(now)
	e.SetRate(100, 100)

	_, _, _, err := e.Send(make([]byte, 50), now)
	require.NoError(t, err)
	_, _, _, err = e.Send(make([]byte, 100), now)
	require.ErrorIs(t, err, ErrRateLimited)
}

// TestRepairCycle mirrors spec.md scenario 4: a NAK for an in-window
// sequence gets an immediate NCF, then a drained RDATA with the
// original payload and unmodified fragment option, bumping the TXW
// slot's retransmit counter.
func TestRepairCycle(t *testing.T) {
	now := time.Now()
	e := newEngine(now)
	for i := 0; i < 6; i++ {
		_, _, _, err := e.Send([]byte("payload"), now)
		require.NoError(t, err)
	}

	nak := &wire.Packet{
		Nak: &wire.NakBody{NakSequence: 2, GroupNLA: wire.NLAFromIP(net.ParseIP("239.1.1.1"))},
	}
	ncf, err := e.HandleNAK(nak)
	require.NoError(t, err)
	require.Equal(t, wire.TypeNCF, ncf.Header.Type)
	require.Equal(t, wire.SequenceNumber(2), ncf.Nak.NakSequence)

	frames, err := e.DrainRepairs(now)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	decoded, err := wire.Decode(frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.TypeRDATA, decoded.Header.Type)
	require.Equal(t, wire.SequenceNumber(2), decoded.Data.DataSequence)
	require.Equal(t, []byte("payload"), decoded.Payload)

	skb, err := e.txw.Peek(2)
	require.NoError(t, err)
	require.Equal(t, 1, skb.Retransmits)
}

func TestHandleNAKDropsOutOfWindowSequenceSilently(t *testing.T) {
	now := time.Now()
	e := newEngine(now)
	e.Send([]byte("x"), now)

	nak := &wire.Packet{Nak: &wire.NakBody{NakSequence: 999, GroupNLA: wire.NLAFromIP(net.ParseIP("239.1.1.1"))}}
	_, err := e.HandleNAK(nak)
	require.NoError(t, err)

	frames, err := e.DrainRepairs(now)
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestEmitSPMCarriesSynOnFirstThree(t *testing.T) {
	now := time.Now()
	e := newEngine(now)

	for i := 0; i < 3; i++ {
		pkt, ok := e.EmitSPM(now)
		require.True(t, ok)
		require.True(t, pkt.Options.Syn)
		now = now.Add(40 * time.Second)
	}
	pkt, ok := e.EmitSPM(now)
	require.True(t, ok)
	require.False(t, pkt.Options.Syn)
}
