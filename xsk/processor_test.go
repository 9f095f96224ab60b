package xsk_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xskring/loopback"
	"github.com/romshark/xskring/xsk"
)

func injectSeq(t *testing.T, d *loopback.Device, seq uint64) {
	t.Helper()
	var pkt [8]byte
	binary.BigEndian.PutUint64(pkt[:], seq)
	deadline := time.Now().Add(10 * time.Second)
	for !d.Inject(pkt[:]) {
		require.True(t, time.Now().Before(deadline), "inject %d timed out", seq)
		time.Sleep(50 * time.Microsecond)
	}
}

func TestRunProcessorNoQueues(t *testing.T) {
	require.NoError(t, xsk.RunProcessor(context.Background(), nil, nil))
}

func TestRunProcessorForwards(t *testing.T) {
	const total = 1000

	var mu sync.Mutex
	var got []uint64

	in, err := loopback.New(loopback.Config{RingSize: 64, NumFrames: 256}, zerolog.Nop())
	require.NoError(t, err)
	out, err := loopback.New(loopback.Config{
		RingSize:   64,
		NumFrames:  256,
		NeedWakeup: true,
		TxHook: func(pkt []byte) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, binary.BigEndian.Uint64(pkt))
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- out.Run(ctx, 50*time.Microsecond) }()

	queues := []xsk.Queue{
		in.Queue("in", 1, in.Endpoint(16)),
		out.Queue("out", 2, out.Endpoint(16)),
	}
	procDone := make(chan error, 1)
	go func() {
		procDone <- xsk.RunProcessor(ctx, queues, func(p *xsk.Packet) (int, error) {
			if p.Ingress != "in" || p.Queue != 0 || p.Len != 8 {
				return -1, errors.New("unexpected packet metadata")
			}
			if binary.BigEndian.Uint64(p.Buf)%2 == 1 {
				return -1, nil
			}
			return 2, nil
		})
	}()

	for i := range uint64(total) {
		injectSeq(t, in, i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == total/2
	}, 10*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-procDone, context.Canceled)
	require.NoError(t, <-runDone)

	for i, s := range got {
		require.Equal(t, uint64(2*i), s)
	}
	require.Equal(t, uint64(total), in.Stats().Injected)
}

func TestRunProcessorCallbackError(t *testing.T) {
	d, err := loopback.New(loopback.Config{RingSize: 8, NumFrames: 16}, zerolog.Nop())
	require.NoError(t, err)

	errBoom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- xsk.RunProcessor(context.Background(),
			[]xsk.Queue{d.Queue("lo", 1, d.Endpoint(8))},
			func(*xsk.Packet) (int, error) { return -1, errBoom },
		)
	}()

	injectSeq(t, d, 1)
	select {
	case err := <-done:
		require.ErrorIs(t, err, errBoom)
	case <-time.After(10 * time.Second):
		t.Fatal("processor did not stop")
	}
}
