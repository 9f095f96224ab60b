package xsk_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xskring/loopback"
	"github.com/romshark/xskring/xsk"
)

func newEndpoint(t *testing.T, conf loopback.Config) (*loopback.Device, *xsk.Endpoint) {
	t.Helper()
	d, err := loopback.New(conf, zerolog.Nop())
	require.NoError(t, err)
	return d, d.Endpoint(8)
}

func TestPrefillReceiveRelease(t *testing.T) {
	d, ep := newEndpoint(t, loopback.Config{RingSize: 8, NumFrames: 16})

	require.Equal(t, uint32(16), ep.FreeFrames())
	require.Equal(t, uint32(8), ep.Prefill(100))
	require.Equal(t, uint32(8), ep.FreeFrames())
	require.Zero(t, ep.Prefill(1), "fill ring is full")

	require.True(t, d.Inject([]byte("hello")))
	require.True(t, d.Inject([]byte("world")))

	buf := make([]xsk.Frame, 4)
	got := ep.Receive(buf)
	require.Len(t, got, 2)
	require.Equal(t, []byte("hello"), got[0].Buf)
	require.Equal(t, []byte("world"), got[1].Buf)
	require.Equal(t, uint32(6), d.Positions()["fill"].Len())

	ep.ReleaseBatch(got)
	require.Equal(t, uint32(8), d.Positions()["fill"].Len())
	require.Equal(t, uint32(8), ep.FreeFrames())

	s := ep.Stats()
	require.Equal(t, uint64(2), s.RxPackets)
	require.Equal(t, uint64(10), s.RxBytes)
	require.Zero(t, s.Kicks)
}

func TestReceiveKicksOnlyWhenNeeded(t *testing.T) {
	d, ep := newEndpoint(t, loopback.Config{RingSize: 8, NumFrames: 16})
	buf := make([]xsk.Frame, 4)

	require.Empty(t, ep.Receive(buf))
	require.Zero(t, ep.Stats().Kicks)

	d.SetNeedWakeup(true, false)
	require.Empty(t, ep.Receive(buf))
	require.Equal(t, uint64(1), ep.Stats().Kicks)

	// The kick cleared the flag.
	require.Empty(t, ep.Receive(buf))
	require.Equal(t, uint64(1), ep.Stats().Kicks)
}

func TestFlushTxKicksOnlyWhenNeeded(t *testing.T) {
	var sent int
	d, err := loopback.New(loopback.Config{
		RingSize:  8,
		NumFrames: 16,
		TxHook:    func([]byte) { sent++ },
	}, zerolog.Nop())
	require.NoError(t, err)
	ep := d.Endpoint(8)

	require.NoError(t, ep.Transmit([]byte("one")))
	require.NoError(t, ep.FlushTx())
	require.Zero(t, ep.Stats().Kicks)
	require.Zero(t, sent)

	d.SetNeedWakeup(false, true)
	require.NoError(t, ep.Transmit([]byte("two")))
	require.NoError(t, ep.FlushTx())
	require.Equal(t, uint64(1), ep.Stats().Kicks)
	require.Equal(t, 2, sent)
	require.Equal(t, uint64(1), d.Stats().Wakeups)

	require.Equal(t, uint32(2), ep.PollCompletions(8))
	require.Equal(t, uint32(16), ep.FreeFrames())
	require.Equal(t, uint64(2), ep.Stats().TxCompleted)
}

func TestSubmitBatch(t *testing.T) {
	d, ep := newEndpoint(t, loopback.Config{RingSize: 8, NumFrames: 16})

	_, err := ep.SubmitBatch([]uint64{0}, nil)
	require.ErrorIs(t, err, xsk.ErrLengthMismatch)

	addrs := make([]uint64, 10)
	lens := make([]uint32, 10)
	for i := range addrs {
		f := ep.NextFrame()
		require.NotNil(t, f.Buf)
		f.Buf[0] = byte(i)
		addrs[i], lens[i] = f.Addr, 1
	}
	require.Equal(t, uint32(6), ep.FreeFrames())

	n, err := ep.SubmitBatch(addrs, lens)
	require.ErrorIs(t, err, xsk.ErrTxRingFull)
	require.Equal(t, 8, n)
	require.Zero(t, ep.TxFree())

	// Nothing is visible before FlushTx.
	require.Zero(t, d.Positions()["tx"].Len())
	require.NoError(t, ep.FlushTx())
	require.Equal(t, uint32(8), d.Positions()["tx"].Len())

	require.Equal(t, 8, d.Drain(8))
	require.Equal(t, uint32(8), ep.TxFree())

	n, err = ep.SubmitBatch(addrs[8:], lens[8:])
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestTransmitErrors(t *testing.T) {
	d, ep := newEndpoint(t, loopback.Config{RingSize: 8, NumFrames: 16})

	require.Error(t, ep.Transmit(make([]byte, 4096)))
	require.Equal(t, uint32(16), ep.FreeFrames(), "frame is returned on error")

	for range 8 {
		require.NoError(t, ep.Transmit([]byte{1}))
	}
	require.ErrorIs(t, ep.Transmit([]byte{1}), xsk.ErrTxRingFull)
	require.NoError(t, ep.FlushTx())
	require.Equal(t, 8, d.Drain(8))

	// Hold the remaining frames hostage.
	for ep.FreeFrames() > 0 {
		require.NotNil(t, ep.NextFrame().Buf)
	}
	require.NoError(t, ep.Transmit([]byte{1}), "completions are reclaimed")
	require.NoError(t, ep.FlushTx())

	for ep.FreeFrames() > 0 {
		require.NotNil(t, ep.NextFrame().Buf)
	}
	require.ErrorIs(t, ep.Transmit([]byte{1}), xsk.ErrNoFrames)

	require.Equal(t, 1, d.Drain(8))
	require.Equal(t, uint32(1), ep.PollCompletions(100))
	require.NotNil(t, ep.NextFrame().Buf)
	require.Nil(t, ep.NextFrame().Buf)
}

func TestCompletionOfFreeFrame(t *testing.T) {
	d, ep := newEndpoint(t, loopback.Config{RingSize: 8, NumFrames: 16})

	f := ep.NextFrame()
	require.NotNil(t, f.Buf)

	// Frame 2048 was never taken out of the pool.
	_, err := ep.SubmitBatch([]uint64{f.Addr, 2048}, []uint32{1, 1})
	require.NoError(t, err)
	require.NoError(t, ep.FlushTx())
	require.Equal(t, 2, d.Drain(8))

	require.Equal(t, uint32(2), ep.PollCompletions(8))
	require.Equal(t, uint32(16), ep.FreeFrames())
	require.Equal(t, uint64(1), ep.Stats().BadFrames)

	// No frame is handed out twice.
	seen := make(map[uint64]bool)
	for {
		f := ep.NextFrame()
		if f.Buf == nil {
			break
		}
		require.False(t, seen[f.Addr], "frame %#x handed out twice", f.Addr)
		seen[f.Addr] = true
	}
	require.Len(t, seen, 16)
}

// TestConcurrentTransmit drives the TX and Completion rings from two
// goroutines with the device running in need_wakeup mode.
func TestConcurrentTransmit(t *testing.T) {
	const total = 20_000

	var seqs []uint64
	d, err := loopback.New(loopback.Config{
		RingSize:   64,
		NumFrames:  256,
		NeedWakeup: true,
		TxHook: func(pkt []byte) {
			seqs = append(seqs, binary.BigEndian.Uint64(pkt))
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	ep := d.Endpoint(32)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, 20*time.Microsecond) }()

	var pkt [8]byte
	deadline := time.Now().Add(30 * time.Second)
	sent := 0
	for ep.Stats().TxCompleted < total {
		require.True(t, time.Now().Before(deadline), "timed out")
		for sent < total {
			binary.BigEndian.PutUint64(pkt[:], uint64(sent))
			if ep.Transmit(pkt[:]) != nil {
				break
			}
			sent++
		}
		require.NoError(t, ep.FlushTx())
		ep.PollCompletions(32)
	}
	cancel()
	require.NoError(t, <-done)

	require.Len(t, seqs, total)
	for i, s := range seqs {
		require.Equal(t, uint64(i), s)
	}
	require.Equal(t, uint32(256), ep.FreeFrames())
	require.Equal(t, uint64(total), d.Stats().Transmitted)
}
