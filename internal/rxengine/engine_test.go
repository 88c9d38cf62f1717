package rxengine

import (
	"testing"
	"time"

	"github.com/pgm-go/pgm/internal/metrics"
	"github.com/pgm-go/pgm/internal/rxw"
	"github.com/pgm-go/pgm/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	cfg := Config{
		RXW:            rxw.Config{Capacity: 64, MaxAPDU: 1 << 20, MaxFragments: 16},
		PeerExpiry:     5 * time.Minute,
		NAKBackoffIVL:  50 * time.Millisecond,
		NAKRepeatIVL:   200 * time.Millisecond,
		NAKDataIVL:     200 * time.Millisecond,
		NAKDataRetries: 5,
	}
	return New(cfg, metrics.New())
}

func testTSI() wire.TSI {
	return wire.TSI{GSI: wire.GSI{1, 2, 3, 4, 5, 6}, SourcePort: 2000}
}

func dataPacket(seq, trail wire.SequenceNumber, payload string) *wire.Packet {
	return &wire.Packet{
		Header:  wire.Header{Type: wire.TypeODATA},
		Data:    &wire.DataBody{DataSequence: seq, DataTrail: trail},
		Payload: []byte(payload),
	}
}

// TestSingleODATADelivery mirrors spec.md scenario 1 end to end through
// the receiver engine's demux.
func TestSingleODATADelivery(t *testing.T) {
	e := newTestEngine()
	tsi := testTSI()
	now := time.Now()

	res := e.HandleData(tsi, dataPacket(100, 90, "hello"), now)
	require.Equal(t, rxw.ResultAppended, res)

	out, err := e.Readv(tsi, 8)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("hello")}, out.APDUs)
}

// TestNAKGenerationTiming mirrors spec.md scenario 3: a gap's back-off
// timer firing produces one NAK with the primary sequence and the rest
// in OPT_NAK_LIST, unicast to the source's advertised NLA.
func TestNAKGenerationTiming(t *testing.T) {
	e := newTestEngine()
	tsi := testTSI()
	now := time.Now()

	e.HandleData(tsi, dataPacket(100, 90, "a"), now)
	e.HandleData(tsi, dataPacket(103, 90, "d"), now)

	naks := e.Tick(now)
	require.Empty(t, naks)

	naks = e.Tick(now.Add(60 * time.Millisecond))
	require.Len(t, naks, 1)
	require.Equal(t, wire.SequenceNumber(101), naks[0].Packet.Nak.NakSequence)
	require.Equal(t, []wire.SequenceNumber{102}, naks[0].Packet.Options.NakList)
}

func TestNCFMovesSlotToWaitData(t *testing.T) {
	e := newTestEngine()
	tsi := testTSI()
	now := time.Now()

	e.HandleData(tsi, dataPacket(100, 90, "a"), now)
	e.HandleData(tsi, dataPacket(102, 90, "c"), now)
	e.Tick(now.Add(60 * time.Millisecond))

	err := e.HandleNCF(tsi, &wire.Packet{Nak: &wire.NakBody{NakSequence: 101}}, now.Add(70*time.Millisecond))
	require.NoError(t, err)

	p := e.peers[tsi]
	state, ok := p.window.State(101)
	require.True(t, ok)
	require.Equal(t, rxw.StateWaitData, state)
}

func TestPeerExpiryEvictsIdleSource(t *testing.T) {
	e := newTestEngine()
	e.cfg.PeerExpiry = 10 * time.Millisecond
	tsi := testTSI()
	now := time.Now()

	e.HandleData(tsi, dataPacket(0, 0, "a"), now)
	require.Equal(t, 1, e.PeerCount())

	e.Tick(now.Add(time.Second))
	require.Equal(t, 0, e.PeerCount())
}

func TestSPMRejectsStaleSequence(t *testing.T) {
	e := newTestEngine()
	tsi := testTSI()
	now := time.Now()

	require.NoError(t, e.HandleSPM(tsi, &wire.Packet{SPM: &wire.SPMBody{SPMSequence: 5, Trail: 10, Lead: 20}}, now))
	require.NoError(t, e.HandleSPM(tsi, &wire.Packet{SPM: &wire.SPMBody{SPMSequence: 3, Trail: 99, Lead: 99}}, now))

	p := e.peers[tsi]
	require.Equal(t, wire.SequenceNumber(5), p.lastSPMSqn)
}
