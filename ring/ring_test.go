package ring_test

import (
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xskring/ring"
)

// pair opens both ends of one in-process ring.
func pair[T ring.Slot](t *testing.T, size uint32) (*ring.Producer[T], *ring.Consumer[T], []byte) {
	t.Helper()
	region := ring.Alloc[T](size)
	p, err := ring.NewProducer[T](region, ring.DefaultOffsets, size)
	require.NoError(t, err)
	c, err := ring.NewConsumer[T](region, ring.DefaultOffsets, size)
	require.NoError(t, err)
	return p, c, region
}

func TestSlotLayout(t *testing.T) {
	require.Equal(t, uintptr(ring.DescSize), unsafe.Sizeof(ring.Desc{}))
	require.Equal(t, uintptr(ring.AddrSize), unsafe.Sizeof(uint64(0)))

	p, _, region := pair[ring.Desc](t, 4)
	n, idx := p.Reserve(2)
	require.Equal(t, uint32(2), n)
	*p.At(idx + 1) = ring.Desc{Addr: 0x1122334455667788, Len: 60, Options: ring.OptionContinued}

	base := ring.DefaultOffsets.Desc + ring.DescSize
	ne := binary.NativeEndian
	assert.Equal(t, uint64(0x1122334455667788), ne.Uint64(region[base:]))
	assert.Equal(t, uint32(60), ne.Uint32(region[base+8:]))
	assert.Equal(t, ring.OptionContinued, ne.Uint32(region[base+12:]))
}

func TestReserveNeverExceedsCapacity(t *testing.T) {
	const size = 16
	p, _, _ := pair[uint64](t, size)

	var total uint32
	for _, n := range []uint32{3, 5, 1, 7, 9, 2} {
		got, _ := p.Reserve(n)
		total += got
		require.LessOrEqual(t, total, uint32(size))
	}
	require.Equal(t, uint32(size), total)

	got, _ := p.Reserve(1)
	require.Zero(t, got)
}

func TestReserveExactWhenFree(t *testing.T) {
	p, _, _ := pair[uint64](t, 32)
	for _, n := range []uint32{1, 4, 11, 16} {
		free := p.Free(32)
		require.GreaterOrEqual(t, free, n)
		got, _ := p.Reserve(n)
		require.Equal(t, n, got)
	}
}

func TestCapacityEightScenario(t *testing.T) {
	p, c, _ := pair[uint64](t, 8)

	n, idx := p.Reserve(10)
	require.Equal(t, uint32(8), n)
	require.Equal(t, uint32(0), idx)
	for i := range n {
		*p.At(idx + i) = uint64(i) * 2048
	}
	p.Submit(8)
	require.Zero(t, p.Free(8))

	got, cidx := c.Peek(8)
	require.Equal(t, uint32(8), got)
	for i := range got {
		require.Equal(t, uint64(i)*2048, c.Get(cidx+i))
	}
	c.Release(8)

	require.Equal(t, uint32(8), p.Free(8))
	n, idx = p.Reserve(8)
	require.Equal(t, uint32(8), n)
	require.Equal(t, uint32(8), idx)
}

func TestZeroCountsDoNotMoveCursors(t *testing.T) {
	p, c, _ := pair[ring.Desc](t, 8)

	n, _ := p.Reserve(3)
	p.Submit(n)
	before := p.Position()

	n, idx := p.Reserve(0)
	require.Zero(t, n)
	require.Zero(t, idx)
	n, idx = c.Peek(0)
	require.Zero(t, n)
	require.Zero(t, idx)

	require.Equal(t, before, p.Position())
	require.Equal(t, before, c.Position())
	require.Zero(t, p.Free(0))
	require.Zero(t, c.Available(0))
}

func TestSubmitMakesEntriesVisible(t *testing.T) {
	p, c, _ := pair[ring.Desc](t, 8)

	// A batch the consumer already observed must not hide a later submit.
	n, _ := p.Reserve(2)
	p.Submit(n)
	require.Equal(t, uint32(2), c.Available(2))

	n, _ = p.Reserve(5)
	require.Equal(t, uint32(5), n)
	p.Submit(n)
	require.Equal(t, uint32(7), c.Available(8))
}

func TestReleaseAdvancesConsumerExactly(t *testing.T) {
	p, c, _ := pair[uint64](t, 8)

	n, _ := p.Reserve(8)
	p.Submit(n)

	got, _ := c.Peek(8)
	require.Equal(t, uint32(8), got)

	for i, step := range []uint32{3, 1, 4} {
		before := c.Position().Consumer
		c.Release(step)
		after := c.Position().Consumer
		require.Equal(t, before+step, after, "release #%d", i)
		require.Equal(t, after, p.Free(8), "freed space visible to producer")
	}
}

func TestCancelReturnsEntries(t *testing.T) {
	p, c, _ := pair[uint64](t, 8)

	n, idx := p.Reserve(4)
	for i := range n {
		*p.At(idx + i) = uint64(100 + i)
	}
	p.Submit(n)

	got, cidx := c.Peek(4)
	require.Equal(t, uint32(4), got)
	c.Cancel(2)

	got, cidx2 := c.Peek(4)
	require.Equal(t, uint32(2), got)
	require.Equal(t, cidx+2, cidx2)
	require.Equal(t, uint64(102), c.Get(cidx2))
}

func TestCursorWraparound(t *testing.T) {
	const size = 4
	region := ring.Alloc[uint64](size)
	a := ring.NewArena(region)
	start := ^uint32(0) - 1
	a.Uint32(ring.DefaultOffsets.Producer).Store(start)
	a.Uint32(ring.DefaultOffsets.Consumer).Store(start)

	p, err := ring.NewProducer[uint64](region, ring.DefaultOffsets, size)
	require.NoError(t, err)
	c, err := ring.NewConsumer[uint64](region, ring.DefaultOffsets, size)
	require.NoError(t, err)

	for round := range uint64(10) {
		n, idx := p.Reserve(size)
		require.Equal(t, uint32(size), n)
		for i := range n {
			*p.At(idx + i) = round*10 + uint64(i)
		}
		p.Submit(n)

		got, cidx := c.Peek(size)
		require.Equal(t, uint32(size), got)
		for i := range got {
			require.Equal(t, round*10+uint64(i), c.Get(cidx+i))
		}
		c.Release(got)
	}
	require.Equal(t, uint32(0), p.Position().Len())
}

func TestNeedsWakeup(t *testing.T) {
	p, c, _ := pair[ring.Desc](t, 8)

	require.False(t, p.NeedsWakeup())
	c.SetNeedWakeup(true)
	require.True(t, p.NeedsWakeup())
	c.SetNeedWakeup(true)
	require.True(t, p.NeedsWakeup())
	c.SetNeedWakeup(false)
	require.False(t, p.NeedsWakeup())
}

func TestConstructionErrors(t *testing.T) {
	region := ring.Alloc[uint64](8)

	for _, size := range []uint32{0, 3, 6, 12} {
		_, err := ring.NewProducer[uint64](region, ring.DefaultOffsets, size)
		require.ErrorIs(t, err, ring.ErrSizeNotPowerOfTwo, "size %d", size)
	}

	_, err := ring.NewConsumer[uint64](region, ring.DefaultOffsets, 16)
	require.ErrorIs(t, err, ring.ErrRegionTooSmall)

	big := ring.Alloc[ring.Desc](16)
	_, err = ring.NewConsumer[ring.Desc](big[1:], ring.DefaultOffsets, 8)
	require.ErrorIs(t, err, ring.ErrMisaligned)
}

func TestQueues(t *testing.T) {
	const size = 8

	fillRegion := ring.Alloc[uint64](size)
	fill, err := ring.NewFillQueue(fillRegion, ring.DefaultOffsets, size)
	require.NoError(t, err)
	kfill, err := ring.NewConsumer[uint64](fillRegion, ring.DefaultOffsets, size)
	require.NoError(t, err)

	n, idx := fill.Reserve(1)
	require.Equal(t, uint32(1), n)
	*fill.Addr(idx) = 4096
	fill.Submit(1)
	n, idx = kfill.Peek(1)
	require.Equal(t, uint32(1), n)
	require.Equal(t, uint64(4096), kfill.Get(idx))

	rxRegion := ring.Alloc[ring.Desc](size)
	rx, err := ring.NewRxQueue(rxRegion, ring.DefaultOffsets, size)
	require.NoError(t, err)
	krx, err := ring.NewProducer[ring.Desc](rxRegion, ring.DefaultOffsets, size)
	require.NoError(t, err)

	n, idx = krx.Reserve(1)
	require.Equal(t, uint32(1), n)
	*krx.At(idx) = ring.Desc{Addr: 4096, Len: 64}
	krx.Submit(1)
	n, idx = rx.Peek(1)
	require.Equal(t, uint32(1), n)
	require.Equal(t, ring.Desc{Addr: 4096, Len: 64}, rx.Desc(idx))

	txRegion := ring.Alloc[ring.Desc](size)
	tx, err := ring.NewTxQueue(txRegion, ring.DefaultOffsets, size)
	require.NoError(t, err)
	n, idx = tx.Reserve(1)
	require.Equal(t, uint32(1), n)
	tx.Desc(idx).Len = 99
	require.Equal(t, uint32(99), tx.Desc(idx).Len)

	compRegion := ring.Alloc[uint64](size)
	comp, err := ring.NewCompletionQueue(compRegion, ring.DefaultOffsets, size)
	require.NoError(t, err)
	kcomp, err := ring.NewProducer[uint64](compRegion, ring.DefaultOffsets, size)
	require.NoError(t, err)
	n, idx = kcomp.Reserve(1)
	require.Equal(t, uint32(1), n)
	*kcomp.At(idx) = 8192
	kcomp.Submit(1)
	n, idx = comp.Peek(1)
	require.Equal(t, uint32(1), n)
	require.Equal(t, uint64(8192), comp.Addr(idx))
}

// TestConcurrentSPSC runs the producer and consumer on separate goroutines
// and checks that every entry arrives exactly once and in order.
func TestConcurrentSPSC(t *testing.T) {
	const (
		size  = 64
		total = 200_000
	)
	p, c, _ := pair[ring.Desc](t, size)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var next uint64
		for next < total {
			n, idx := p.Reserve(min(16, uint32(total-next)))
			for i := range n {
				*p.At(idx + i) = ring.Desc{Addr: next, Len: uint32(next)}
				next++
			}
			p.Submit(n)
		}
	}()

	var want uint64
	for want < total {
		n, idx := c.Peek(32)
		for i := range n {
			d := c.Get(idx + i)
			if d.Addr != want || d.Len != uint32(want) {
				t.Fatalf("entry %d: got %+v", want, d)
			}
			want++
		}
		c.Release(n)
	}
	wg.Wait()

	pos := c.Position()
	require.Equal(t, uint32(total), pos.Producer)
	require.Equal(t, uint32(total), pos.Consumer)
}

func TestProducerCancel(t *testing.T) {
	p, c, _ := pair[uint64](t, 8)

	n, idx := p.Reserve(6)
	require.Equal(t, uint32(6), n)
	p.Cancel(2)
	require.Equal(t, uint32(4), p.Free(8))

	for i := range uint32(4) {
		*p.At(idx + i) = uint64(i)
	}
	p.Submit(4)
	require.Equal(t, uint32(4), c.Available(8))

	n, idx2 := p.Reserve(1)
	require.Equal(t, uint32(1), n)
	require.Equal(t, idx+4, idx2)
}
