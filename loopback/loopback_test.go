package loopback_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xskring/loopback"
	"github.com/romshark/xskring/umem"
	"github.com/romshark/xskring/xsk"
)

func newDevice(t *testing.T, conf loopback.Config) *loopback.Device {
	t.Helper()
	d, err := loopback.New(conf, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestConfigDefaults(t *testing.T) {
	var c loopback.Config
	require.NoError(t, c.ValidateAndSetDefaults())
	require.Equal(t, uint32(loopback.DefaultRingSize), c.RingSize)
	require.Equal(t, uint32(loopback.DefaultNumFrames), c.NumFrames)
	require.Equal(t, uint32(loopback.DefaultFrameSize), c.FrameSize)

	c = loopback.Config{RingSize: 12}
	require.ErrorIs(t, c.ValidateAndSetDefaults(), loopback.ErrRingSize)

	c = loopback.Config{RingSize: 8, NumFrames: 8}
	require.ErrorIs(t, c.ValidateAndSetDefaults(), loopback.ErrNumFramesTooSmall)

	c = loopback.Config{FrameSize: 2048, Headroom: 2048}
	require.ErrorIs(t, c.ValidateAndSetDefaults(), loopback.ErrHeadroom)

	_, err := loopback.New(loopback.Config{FrameSize: 3000}, zerolog.Nop())
	require.ErrorIs(t, err, umem.ErrChunkSize)
}

func TestInjectWithoutFillDrops(t *testing.T) {
	d := newDevice(t, loopback.Config{RingSize: 8, NumFrames: 16})
	require.False(t, d.Inject([]byte("lost")))
	require.Equal(t, uint64(1), d.Stats().Dropped)
	require.Zero(t, d.Stats().Injected)
}

func TestInjectBatchDropsOversize(t *testing.T) {
	d := newDevice(t, loopback.Config{RingSize: 8, NumFrames: 16, FrameSize: 2048})
	ep := d.Endpoint(8)
	require.Equal(t, uint32(8), ep.Prefill(8))

	big := make([]byte, 4096)
	n := d.InjectBatch([][]byte{[]byte("a"), big, []byte("b")})
	require.Equal(t, 2, n)
	require.Equal(t, uint64(1), d.Stats().Dropped)

	// The frame not used by the oversize packet stays on the fill side.
	require.Equal(t, uint32(6), d.Positions()["fill"].Len())
	require.Equal(t, uint32(2), d.Positions()["rx"].Len())

	got := ep.Receive(make([]xsk.Frame, 8))
	require.Len(t, got, 2)
	require.Equal(t, []byte("a"), got[0].Buf)
	require.Equal(t, []byte("b"), got[1].Buf)
}

func TestInjectRxFullKeepsFillEntry(t *testing.T) {
	d := newDevice(t, loopback.Config{RingSize: 8, NumFrames: 16})
	ep := d.Endpoint(8)

	require.Equal(t, uint32(8), ep.Prefill(8))
	pkts := make([][]byte, 8)
	for i := range pkts {
		pkts[i] = []byte{byte(i)}
	}
	require.Equal(t, 8, d.InjectBatch(pkts))

	// RX is full, Fill gets fresh frames.
	require.Equal(t, uint32(8), ep.Prefill(8))
	require.False(t, d.Inject([]byte("x")))
	require.Equal(t, uint32(8), d.Positions()["fill"].Len())

	got := ep.Receive(make([]xsk.Frame, 8))
	require.Len(t, got, 8)
	require.True(t, d.Inject([]byte("x")))
	require.Equal(t, uint32(7), d.Positions()["fill"].Len())
}

func TestDrainRespectsCompletionCapacity(t *testing.T) {
	var sent [][]byte
	d := newDevice(t, loopback.Config{
		RingSize:  8,
		NumFrames: 16,
		TxHook: func(pkt []byte) {
			sent = append(sent, append([]byte(nil), pkt...))
		},
	})
	ep := d.Endpoint(8)

	for i := range 8 {
		require.NoError(t, ep.Transmit([]byte{byte(i)}))
	}
	require.NoError(t, ep.FlushTx())
	require.Equal(t, 8, d.Drain(8))

	for i := range 8 {
		require.NoError(t, ep.Transmit([]byte{byte(8 + i)}))
	}
	require.NoError(t, ep.FlushTx())
	require.Zero(t, d.Drain(8), "completion ring is full")
	require.Equal(t, uint32(8), d.Positions()["tx"].Len())

	require.Equal(t, uint32(8), ep.PollCompletions(8))
	require.Equal(t, 8, d.Drain(8))

	require.Len(t, sent, 16)
	for i, p := range sent {
		require.Equal(t, []byte{byte(i)}, p)
	}
	require.Equal(t, uint64(16), d.Stats().Transmitted)
	require.Equal(t, uint64(16), d.Stats().TxBytes)
}

func TestKickClearsNeedWakeup(t *testing.T) {
	d := newDevice(t, loopback.Config{RingSize: 8, NumFrames: 16})
	rings := d.Rings()

	d.SetNeedWakeup(true, true)
	require.True(t, rings.Fill.NeedsWakeup())
	require.True(t, rings.Tx.NeedsWakeup())

	require.Zero(t, d.Kick())
	require.False(t, rings.Tx.NeedsWakeup())
	require.True(t, rings.Fill.NeedsWakeup())

	require.NoError(t, d.KickRx())
	require.False(t, rings.Fill.NeedsWakeup())
	require.Equal(t, uint64(2), d.Stats().Wakeups)
}

func TestUnalignedHeadroom(t *testing.T) {
	d := newDevice(t, loopback.Config{
		RingSize:  8,
		NumFrames: 16,
		Headroom:  64,
		Unaligned: true,
	})
	ep := d.Endpoint(8)
	ep.Prefill(1)

	require.True(t, d.Inject([]byte("payload")))
	got := ep.Receive(make([]xsk.Frame, 1))
	require.Len(t, got, 1)

	require.Equal(t, uint64(64), umem.ExtractOffset(got[0].Addr))
	require.Equal(t, uint64(0), umem.ExtractAddr(got[0].Addr))
	require.Equal(t, []byte("payload"), got[0].Buf)
	require.Same(t, &d.UMEM().Area()[64], &got[0].Buf[0])

	ep.Release(got...)
	require.True(t, d.Inject([]byte("again")))
	got = ep.Receive(make([]xsk.Frame, 1))
	require.Len(t, got, 1)
	require.Equal(t, []byte("again"), got[0].Buf)
}
