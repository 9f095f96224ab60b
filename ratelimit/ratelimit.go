// Package ratelimit paces packet producers to a packets-per-second budget.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits a single producer to pps packets per second on average.
// A nil *Throttle never blocks.
// Not safe for concurrent use, see Shared for that.
type Throttle struct {
	nsPerPacket int64
	packetsSent uint64
	startTime   time.Time
	checkEvery  uint64
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
}

// New creates a throttle for pps packets per second.
// If pps == 0, throttling is disabled and nil is returned.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		nsPerPacket: int64(time.Second) / int64(pps),
		startTime:   time.Now(),

		// Look at the clock roughly every 10ms worth of packets,
		// at least every 32 and at most every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

// Wait blocks until n more packets are allowed or ctx is done.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return nil
	}

	before := l.packetsSent / l.checkEvery
	l.packetsSent += n
	if l.packetsSent/l.checkEvery == before {
		return nil // Fast path: only check time periodically.
	}

	expected := l.startTime.Add(time.Duration(int64(l.packetsSent) * l.nsPerPacket))
	if now := l.now(); now.Before(expected) {
		return l.sleep(ctx, expected.Sub(now))
	}
	// Behind schedule: catch up by not sleeping.
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Shared is a packets-per-second budget shared by several producers.
// A nil *Shared never blocks.
type Shared struct{ l *rate.Limiter }

// NewShared creates a shared budget of pps packets per second allowing
// bursts of up to burst packets. If pps == 0, nil is returned.
func NewShared(pps uint64, burst int) *Shared {
	if pps == 0 {
		return nil
	}
	return &Shared{l: rate.NewLimiter(rate.Limit(pps), max(burst, 1))}
}

// Wait blocks until n packets are allowed or ctx is done.
// Requests larger than the burst are split.
func (s *Shared) Wait(ctx context.Context, n int) error {
	if s == nil {
		return nil
	}
	burst := s.l.Burst()
	for n > 0 {
		take := min(n, burst)
		if err := s.l.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
