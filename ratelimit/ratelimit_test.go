package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeClock(l *Throttle, now time.Time) *[]time.Duration {
	var slept []time.Duration
	l.startTime = now
	l.now = func() time.Time { return now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return &slept
}

func TestNilThrottle(t *testing.T) {
	var l *Throttle
	require.Nil(t, New(0))
	require.NoError(t, l.Wait(context.Background(), 100))
}

func TestThrottleSleepsWhenAhead(t *testing.T) {
	l := New(1000)
	require.Equal(t, uint64(32), l.checkEvery)
	slept := fakeClock(l, time.Unix(0, 0))

	require.NoError(t, l.Wait(context.Background(), 31))
	require.Empty(t, *slept)

	require.NoError(t, l.Wait(context.Background(), 1))
	require.Equal(t, []time.Duration{32 * time.Millisecond}, *slept)

	// Batches that skip over a multiple of checkEvery still check.
	require.NoError(t, l.Wait(context.Background(), 40))
	require.Equal(t, []time.Duration{32 * time.Millisecond, 72 * time.Millisecond}, *slept)
	require.Equal(t, uint64(72), l.packetsSent)
}

func TestThrottleBehindSchedule(t *testing.T) {
	l := New(1000)
	start := time.Unix(0, 0)
	slept := fakeClock(l, start)
	l.now = func() time.Time { return start.Add(time.Second) }

	require.NoError(t, l.Wait(context.Background(), 64))
	require.Empty(t, *slept)
}

func TestThrottleCancel(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Wait(ctx, 32), context.Canceled)
}

func TestShared(t *testing.T) {
	var s *Shared
	require.Nil(t, NewShared(0, 1))
	require.NoError(t, s.Wait(context.Background(), 10))

	s = NewShared(1_000_000, 8)
	require.NoError(t, s.Wait(context.Background(), 20))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Wait(ctx, 1))
}
