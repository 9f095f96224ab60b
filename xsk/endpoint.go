// Package xsk implements the userspace half of an AF_XDP socket on top of
// the four rings: it seeds the Fill ring, receives from RX, transmits through
// TX and reclaims frames from the Completion ring.
//
// The Endpoint does not know whether the rings are mapped from a real socket
// or allocated in process memory. Kernel notifications go through a Kicker.
package xsk

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/romshark/xskring/ring"
	"github.com/romshark/xskring/umem"
)

var (
	ErrNoFrames       = errors.New("no free frames")
	ErrLengthMismatch = errors.New("addrs and lens differ in length")
	ErrTxRingFull     = errors.New("tx ring is full")
)

const DefaultBatchSize = 64

// Kicker notifies the party on the other side of the rings that it has
// work to do. For a socket these are the sendto and recvfrom "doorbells".
type Kicker interface {
	KickTx() error
	KickRx() error
}

// Rings bundles the userspace ends of the four rings of one socket.
type Rings struct {
	Fill       ring.FillQueue
	Rx         ring.RxQueue
	Tx         ring.TxQueue
	Completion ring.CompletionQueue
}

// Positions returns the cursor snapshot of every ring, keyed by ring name.
func (r Rings) Positions() map[string]ring.Position {
	return map[string]ring.Position{
		"fill":       r.Fill.Position(),
		"rx":         r.Rx.Position(),
		"tx":         r.Tx.Position(),
		"completion": r.Completion.Position(),
	}
}

// Frame represents a borrowed UMEM frame.
type Frame struct {
	// Buf points directly into the UMEM region and can be written to
	// without additional copying.
	Buf []byte

	// Addr is the UMEM address of the frame as seen on the ring.
	Addr uint64

	// Options are the descriptor options, see ring.OptionContinued.
	Options uint32
}

// Stats are cumulative endpoint counters. They may be read from any
// goroutine.
type Stats struct {
	RxPackets   uint64
	RxBytes     uint64
	TxPackets   uint64
	TxBytes     uint64
	TxCompleted uint64
	Kicks       uint64

	// BadFrames counts addresses the frame pool refused: completions or
	// releases of frames that were already free or never belonged to it.
	BadFrames uint64
}

type counters struct {
	rxPackets   atomic.Uint64
	rxBytes     atomic.Uint64
	txPackets   atomic.Uint64
	txBytes     atomic.Uint64
	txCompleted atomic.Uint64
	kicks       atomic.Uint64
	badFrames   atomic.Uint64
}

// Endpoint is the userspace side of one AF_XDP socket.
//
// WARNING: Endpoint is not safe for concurrent use.
type Endpoint struct {
	rings Rings
	umem  *umem.UMEM
	pool  *umem.FramePool
	kick  Kicker

	// pendingTx counts descriptors written to TX but not yet submitted.
	pendingTx uint32
	compBuf   []uint64
	fillBuf   []uint64

	stats counters
}

// NewEndpoint builds an endpoint over rings. pool holds the frames userspace
// owns; batchSize caps how many completions are reclaimed at once.
func NewEndpoint(
	rings Rings, u *umem.UMEM, pool *umem.FramePool, kick Kicker, batchSize uint32,
) *Endpoint {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return &Endpoint{
		rings:   rings,
		umem:    u,
		pool:    pool,
		kick:    kick,
		compBuf: make([]uint64, batchSize),
		fillBuf: make([]uint64, 0, batchSize),
	}
}

// UMEM returns the packet buffer the endpoint's frames point into.
func (e *Endpoint) UMEM() *umem.UMEM { return e.umem }

// Rings returns the endpoint's rings.
func (e *Endpoint) Rings() Rings { return e.rings }

// Positions returns the cursor snapshot of every ring.
func (e *Endpoint) Positions() map[string]ring.Position { return e.rings.Positions() }

// Prefill moves up to count free frames from the pool onto the Fill ring so
// that the kernel has buffers to receive into. It returns the number moved.
func (e *Endpoint) Prefill(count uint32) uint32 {
	n, idx := e.rings.Fill.Reserve(min(count, e.pool.Len()))
	for i := range n {
		addr, _ := e.pool.Get()
		*e.rings.Fill.Addr(idx + i) = addr
	}
	if n > 0 {
		e.rings.Fill.Submit(n)
	}
	return n
}

// Receive retrieves up to len(buf) frames from the RX ring.
// Returned frames reference UMEM and must be returned via Release.
// When nothing was received and the kernel asked for it, the RX doorbell
// is rung.
func (e *Endpoint) Receive(buf []Frame) []Frame {
	n, idx := e.rings.Rx.Peek(uint32(len(buf)))
	if n == 0 {
		if e.rings.Fill.NeedsWakeup() {
			e.stats.kicks.Add(1)
			_ = e.kick.KickRx()
		}
		return buf[:0]
	}

	var bytes uint64
	for i := range n {
		d := e.rings.Rx.Desc(idx + i)
		buf[i] = Frame{
			Buf:     e.umem.Frame(d.Addr, d.Len),
			Addr:    d.Addr,
			Options: d.Options,
		}
		bytes += uint64(d.Len)
	}
	e.rings.Rx.Release(n)

	e.stats.rxPackets.Add(uint64(n))
	e.stats.rxBytes.Add(bytes)
	return buf[:n]
}

// Release returns received frames to the Fill ring for reuse.
// Frames that do not fit on the Fill ring go back to the pool.
func (e *Endpoint) Release(frames ...Frame) {
	for len(frames) > 0 {
		batch := frames[:min(len(frames), cap(e.fillBuf))]
		frames = frames[len(batch):]

		e.fillBuf = e.fillBuf[:0]
		for _, f := range batch {
			e.fillBuf = append(e.fillBuf, e.umem.Base(f.Addr))
		}
		e.refill(e.fillBuf)
	}
}

// ReleaseBatch is Release for a slice returned by Receive.
func (e *Endpoint) ReleaseBatch(frames []Frame) { e.Release(frames...) }

func (e *Endpoint) refill(addrs []uint64) {
	n, idx := e.rings.Fill.Reserve(uint32(len(addrs)))
	for i := range n {
		*e.rings.Fill.Addr(idx + i) = addrs[i]
	}
	if n > 0 {
		e.rings.Fill.Submit(n)
	}
	for _, a := range addrs[n:] {
		e.putFrame(a)
	}
}

// FreeFrames returns the number of frames available to NextFrame.
func (e *Endpoint) FreeFrames() uint32 { return e.pool.Len() }

// TxFree returns the number of TX slots that can currently be reserved.
func (e *Endpoint) TxFree() uint32 {
	return e.rings.Tx.Free(e.rings.Tx.Size())
}

// NextFrame returns a writable UMEM frame for transmission.
// A zero-value frame indicates that no frame is currently available and the
// caller should retry after PollCompletions.
func (e *Endpoint) NextFrame() Frame {
	addr, ok := e.pool.Get()
	if !ok {
		e.PollCompletions(uint32(len(e.compBuf)))
		if addr, ok = e.pool.Get(); !ok {
			return Frame{}
		}
	}
	return Frame{Buf: e.umem.Chunk(addr), Addr: addr}
}

// SubmitBatch writes one TX descriptor per (addrs[i], lens[i]) pair.
// Descriptors become visible to the kernel on FlushTx.
// It returns the number of descriptors written; when the ring could not take
// all of them ErrTxRingFull is returned and the remaining frames stay owned
// by the caller.
func (e *Endpoint) SubmitBatch(addrs []uint64, lens []uint32) (int, error) {
	if len(addrs) != len(lens) {
		return 0, ErrLengthMismatch
	}
	n, idx := e.rings.Tx.Reserve(uint32(len(addrs)))
	var bytes uint64
	for i := range n {
		d := e.rings.Tx.Desc(idx + i)
		d.Addr = addrs[i]
		d.Len = lens[i]
		d.Options = 0
		bytes += uint64(lens[i])
	}
	e.pendingTx += n
	e.stats.txPackets.Add(uint64(n))
	e.stats.txBytes.Add(bytes)

	if int(n) < len(addrs) {
		return int(n), ErrTxRingFull
	}
	return int(n), nil
}

// Transmit copies pkt into a free frame and queues it for transmission.
// It returns ErrNoFrames when no frame could be obtained and ErrTxRingFull
// when the TX ring has no free slot.
func (e *Endpoint) Transmit(pkt []byte) error {
	if e.TxFree() == 0 {
		return ErrTxRingFull
	}
	f := e.NextFrame()
	if f.Buf == nil {
		return ErrNoFrames
	}
	if len(pkt) > len(f.Buf) {
		e.putFrame(f.Addr)
		return fmt.Errorf("packet of %d bytes exceeds frame of %d", len(pkt), len(f.Buf))
	}
	n := copy(f.Buf, pkt)
	_, err := e.SubmitBatch([]uint64{f.Addr}, []uint32{uint32(n)})
	return err
}

// FlushTx publishes all pending TX descriptors and rings the TX doorbell if
// the kernel asked for it.
func (e *Endpoint) FlushTx() error {
	if e.pendingTx > 0 {
		e.rings.Tx.Submit(e.pendingTx)
		e.pendingTx = 0
	}
	if !e.rings.Tx.NeedsWakeup() {
		return nil
	}
	e.stats.kicks.Add(1)
	return e.kick.KickTx()
}

// KickTx rings the TX doorbell regardless of the need_wakeup flag.
func (e *Endpoint) KickTx() error {
	e.stats.kicks.Add(1)
	return e.kick.KickTx()
}

// PollCompletions reclaims up to maxFrames transmitted frames from the
// Completion ring into the pool. The value is capped by the batch size.
func (e *Endpoint) PollCompletions(maxFrames uint32) uint32 {
	if maxFrames == 0 {
		return 0
	}
	maxFrames = min(maxFrames, uint32(len(e.compBuf)))

	n, idx := e.rings.Completion.Peek(maxFrames)
	for i := range n {
		e.compBuf[i] = e.rings.Completion.Addr(idx + i)
	}
	if n > 0 {
		e.rings.Completion.Release(n)
	}
	for _, a := range e.compBuf[:n] {
		e.putFrame(e.umem.Base(a))
	}
	e.stats.txCompleted.Add(uint64(n))
	return n
}

// Stats returns a snapshot of the endpoint counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		RxPackets:   e.stats.rxPackets.Load(),
		RxBytes:     e.stats.rxBytes.Load(),
		TxPackets:   e.stats.txPackets.Load(),
		TxBytes:     e.stats.txBytes.Load(),
		TxCompleted: e.stats.txCompleted.Load(),
		Kicks:       e.stats.kicks.Load(),
		BadFrames:   e.stats.badFrames.Load(),
	}
}

// putFrame hands a chunk back to the frame pool.
func (e *Endpoint) putFrame(addr uint64) {
	if e.pool.Put(addr) != nil {
		e.stats.badFrames.Add(1)
	}
}
