package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowConsumesTokens(t *testing.T) {
	now := time.Now()
	b := New(100, 100, now)

	require.True(t, b.Allow(now, 80))
	require.InDelta(t, 20, b.Tokens(), 0.001)
	require.False(t, b.Allow(now, 80))
}

// TestRepairCycle (scenario 8) mirrors spec.md's rate-limited retransmit
// scenario: a repair burst exceeding the bucket must wait out the
// deficit rather than send unpaced.
func TestRepairCycle(t *testing.T) {
	now := time.Now()
	b := New(10, 10, now) // 10 bytes/sec, burst of 10

	require.True(t, b.Allow(now, 10))
	require.False(t, b.Allow(now, 1))

	wait := b.Wait(now, 5)
	require.Equal(t, 500*time.Millisecond, wait)

	later := now.Add(wait)
	require.True(t, b.Allow(later, 5))
}

func TestSetRateClampsExistingTokens(t *testing.T) {
	now := time.Now()
	b := New(100, 100, now)
	b.SetRate(50, 20)
	require.InDelta(t, 20, b.Tokens(), 0.001)
}

func TestRefillAccruesOverTime(t *testing.T) {
	now := time.Now()
	b := New(10, 50, now)
	b.Allow(now, 50)
	require.InDelta(t, 0, b.Tokens(), 0.001)

	later := now.Add(2 * time.Second)
	require.True(t, b.Allow(later, 20))
	require.InDelta(t, 0, b.Tokens(), 0.001)
}
