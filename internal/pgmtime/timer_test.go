package pgmtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresAtDeadline(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	s.Reset(time.Now().Add(10 * time.Millisecond))
	select {
	case <-s.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestSchedulerResetReplacesEarlierDeadline(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	s.Reset(time.Now().Add(5 * time.Second))
	s.Reset(time.Now().Add(10 * time.Millisecond))

	select {
	case <-s.C():
	case <-time.After(time.Second):
		t.Fatal("reset deadline did not fire in time")
	}
}

func TestEarliestPrefersEarlierDeadline(t *testing.T) {
	now := time.Now()
	require.Equal(t, now, Earliest(now, now.Add(time.Second), true))
	require.Equal(t, now, Earliest(now.Add(time.Second), now, true))
	require.Equal(t, now, Earliest(now, time.Time{}, false))
	require.True(t, Earliest(time.Time{}, now, true).Equal(now))
}
