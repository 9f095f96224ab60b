// Package loopback provides an in-process stand-in for the kernel side of an
// AF_XDP socket. It allocates a UMEM and the four rings in ordinary memory and
// plays the kernel's role on them: it consumes the Fill and TX rings and
// produces into the RX and Completion rings.
//
// The userspace side is an ordinary xsk.Endpoint, so the same code path runs
// against a Device and against a real socket.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/romshark/xskring/ring"
	"github.com/romshark/xskring/umem"
	"github.com/romshark/xskring/xsk"
)

const (
	DefaultRingSize  = 2048
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
)

var (
	ErrHeadroom          = errors.New("headroom must be smaller than FrameSize")
	ErrRingSize          = errors.New("ring size must be a power of two")
	ErrNumFramesTooSmall = errors.New("NumFrames must be at least 2*RingSize")
)

// Config configures a Device.
type Config struct {
	RingSize  uint32
	NumFrames uint32
	FrameSize uint32
	Headroom  uint32
	Unaligned bool

	// NeedWakeup makes the device behave like a driver in need_wakeup mode:
	// it stops draining TX once idle and waits for KickTx.
	NeedWakeup bool

	// TxHook, if set, is invoked with every transmitted packet before its
	// frame is completed. The slice is only valid during the call.
	TxHook func(pkt []byte)
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.NumFrames == 0 {
		c.NumFrames = max(DefaultNumFrames, 2*c.RingSize)
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Headroom >= c.FrameSize {
		return fmt.Errorf("%w: %d", ErrHeadroom, c.Headroom)
	}
	if c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("%w: %d", ErrRingSize, c.RingSize)
	}
	if c.NumFrames < 2*c.RingSize {
		return fmt.Errorf("%w: NumFrames=%d RingSize=%d",
			ErrNumFramesTooSmall, c.NumFrames, c.RingSize)
	}
	return nil
}

// Stats are cumulative device counters.
type Stats struct {
	Injected    uint64
	Dropped     uint64
	Transmitted uint64
	TxBytes     uint64
	Wakeups     uint64
}

// Device is an in-process AF_XDP peer.
//
// Inject, Drain and the Kick methods may be called from any goroutine; the
// device serializes its own side of the rings. The user side (the rings
// returned by Rings and the Endpoint) must be driven by a single goroutine.
type Device struct {
	log  zerolog.Logger
	conf Config
	umem *umem.UMEM
	user xsk.Rings

	mu   sync.Mutex
	fill *ring.Consumer[uint64]
	rx   *ring.Producer[ring.Desc]
	tx   *ring.Consumer[ring.Desc]
	comp *ring.Producer[uint64]
	idle bool

	// rxReady is signalled whenever RX descriptors are published.
	rxReady chan struct{}

	injected    atomic.Uint64
	dropped     atomic.Uint64
	transmitted atomic.Uint64
	txBytes     atomic.Uint64
	wakeups     atomic.Uint64
}

// New allocates the UMEM and rings of a device.
func New(conf Config, log zerolog.Logger) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	area := make([]byte, uint64(conf.NumFrames)*uint64(conf.FrameSize))
	u, err := umem.New(area, umem.Config{
		ChunkSize: conf.FrameSize,
		Headroom:  conf.Headroom,
		Unaligned: conf.Unaligned,
	})
	if err != nil {
		return nil, fmt.Errorf("creating umem: %w", err)
	}

	d := &Device{
		log:     log,
		conf:    conf,
		umem:    u,
		rxReady: make(chan struct{}, 1),
	}

	size := conf.RingSize
	fillMem := ring.Alloc[uint64](size)
	rxMem := ring.Alloc[ring.Desc](size)
	txMem := ring.Alloc[ring.Desc](size)
	compMem := ring.Alloc[uint64](size)
	off := ring.DefaultOffsets

	var errs []error
	collect := func(err error) { errs = append(errs, err) }

	d.user.Fill, err = ring.NewFillQueue(fillMem, off, size)
	collect(err)
	d.user.Rx, err = ring.NewRxQueue(rxMem, off, size)
	collect(err)
	d.user.Tx, err = ring.NewTxQueue(txMem, off, size)
	collect(err)
	d.user.Completion, err = ring.NewCompletionQueue(compMem, off, size)
	collect(err)

	d.fill, err = ring.NewConsumer[uint64](fillMem, off, size)
	collect(err)
	d.rx, err = ring.NewProducer[ring.Desc](rxMem, off, size)
	collect(err)
	d.tx, err = ring.NewConsumer[ring.Desc](txMem, off, size)
	collect(err)
	d.comp, err = ring.NewProducer[uint64](compMem, off, size)
	collect(err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("creating rings: %w", err)
	}

	d.log.Debug().
		Uint32("ring_size", size).
		Uint32("frames", conf.NumFrames).
		Uint32("frame_size", conf.FrameSize).
		Bool("unaligned", conf.Unaligned).
		Msg("loopback device created")
	return d, nil
}

// Config returns the validated configuration of the device.
func (d *Device) Config() Config { return d.conf }

// UMEM returns the device's packet buffer.
func (d *Device) UMEM() *umem.UMEM { return d.umem }

// Rings returns the userspace ends of the device's rings.
func (d *Device) Rings() xsk.Rings { return d.user }

// Endpoint returns a userspace endpoint driving the device's rings. Every
// frame of the UMEM starts out owned by the endpoint.
func (d *Device) Endpoint(batchSize uint32) *xsk.Endpoint {
	pool := umem.NewFramePool(d.conf.NumFrames, d.conf.FrameSize)
	return xsk.NewEndpoint(d.user, d.umem, pool, d, batchSize)
}

// Positions returns the cursor snapshot of every ring, keyed by ring name.
func (d *Device) Positions() map[string]ring.Position { return d.user.Positions() }

// Inject delivers pkt as if it arrived on the wire.
// It reports false if the packet was dropped.
func (d *Device) Inject(pkt []byte) bool {
	return d.InjectBatch([][]byte{pkt}) == 1
}

// InjectBatch delivers pkts into frames taken from the Fill ring and
// publishes them on the RX ring. It returns how many were delivered; the rest
// are dropped for lack of fill frames or RX slots, or for being larger than a
// frame.
func (d *Device) InjectBatch(pkts [][]byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, fidx := d.fill.Peek(uint32(min(len(pkts), int(d.conf.RingSize))))
	r, ridx := d.rx.Reserve(n)
	if r < n {
		d.fill.Cancel(n - r)
		n = r
	}

	room := int(d.conf.FrameSize - d.conf.Headroom)
	var used uint32
	for _, pkt := range pkts {
		if used == n {
			break
		}
		if len(pkt) > room {
			continue
		}
		data := d.dataAddr(d.umem.Base(d.fill.Get(fidx + used)))
		copy(d.umem.GetData(data), pkt)
		*d.rx.At(ridx + used) = ring.Desc{Addr: data, Len: uint32(len(pkt))}
		used++
	}
	if used < n {
		d.fill.Cancel(n - used)
		d.rx.Cancel(n - used)
	}
	if used > 0 {
		d.fill.Release(used)
		d.rx.Submit(used)
		select {
		case d.rxReady <- struct{}{}:
		default:
		}
	}

	d.injected.Add(uint64(used))
	if dropped := uint64(len(pkts)) - uint64(used); dropped > 0 {
		d.dropped.Add(dropped)
		d.log.Trace().Uint64("dropped", dropped).Msg("rx drop")
	}
	return int(used)
}

func (d *Device) dataAddr(base uint64) uint64 {
	if d.conf.Unaligned {
		return umem.AddOffsetToAddr(base, uint64(d.conf.Headroom))
	}
	return base + uint64(d.conf.Headroom)
}

// WaitRx blocks until packets were injected or timeout expires,
// like poll(2) on a socket.
func (d *Device) WaitRx(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-d.rxReady:
	case <-t.C:
	}
	return nil
}

// Queue binds ep to the device as queue 0 of an interface named name with
// index ifIndex, for use with xsk.RunProcessor.
func (d *Device) Queue(name string, ifIndex int, ep *xsk.Endpoint) xsk.Queue {
	return xsk.Queue{
		Iface:    name,
		IfIndex:  ifIndex,
		ID:       0,
		Endpoint: ep,
		Wait:     func() error { return d.WaitRx(time.Millisecond) },
	}
}

// Drain transmits up to limit descriptors from the TX ring and completes their
// frames. It returns the number of packets transmitted.
//
// TxHook runs while the device is locked and must not call back into the
// same device.
func (d *Device) Drain(limit uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.drain(limit))
}

func (d *Device) drain(limit uint32) uint32 {
	n, tidx := d.tx.Peek(limit)
	c, cidx := d.comp.Reserve(n)
	if c < n {
		// Completion ring is full; leave the rest on TX.
		d.tx.Cancel(n - c)
		n = c
	}
	if n == 0 {
		return 0
	}

	var bytes uint64
	for i := range n {
		desc := d.tx.Get(tidx + i)
		if d.conf.TxHook != nil {
			d.conf.TxHook(d.umem.Frame(desc.Addr, desc.Len))
		}
		*d.comp.At(cidx + i) = desc.Addr
		bytes += uint64(desc.Len)
	}
	d.tx.Release(n)
	d.comp.Submit(n)

	d.transmitted.Add(uint64(n))
	d.txBytes.Add(bytes)
	return n
}

// SetNeedWakeup sets or clears the need_wakeup flag of the Fill and TX rings
// as a driver would.
func (d *Device) SetNeedWakeup(fill, tx bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fill.SetNeedWakeup(fill)
	d.tx.SetNeedWakeup(tx)
	d.idle = tx
}

// Kick is the equivalent of a sendto on the socket: it clears the TX
// need_wakeup flag and drains the TX ring.
func (d *Device) Kick() int {
	d.wakeups.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.SetNeedWakeup(false)
	d.idle = false
	return int(d.drain(d.conf.RingSize))
}

// KickTx implements xsk.Kicker.
func (d *Device) KickTx() error {
	d.Kick()
	return nil
}

// KickRx implements xsk.Kicker. It only clears the Fill need_wakeup flag,
// RX delivery is driven by Inject.
func (d *Device) KickRx() error {
	d.wakeups.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fill.SetNeedWakeup(false)
	return nil
}

// Run drains the TX ring every interval until ctx is cancelled.
// With Config.NeedWakeup the device raises the TX need_wakeup flag once the
// ring runs dry and stays idle until kicked.
func (d *Device) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	d.log.Debug().Dur("interval", interval).Msg("loopback running")
	defer d.log.Debug().Msg("loopback stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		d.poll()
	}
}

func (d *Device) poll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.idle {
		return
	}
	if d.drain(d.conf.RingSize) > 0 || !d.conf.NeedWakeup {
		return
	}

	// Raise the flag, then look once more so that a submit racing with the
	// flag store is not left stranded.
	d.tx.SetNeedWakeup(true)
	if d.drain(d.conf.RingSize) > 0 {
		d.tx.SetNeedWakeup(false)
		return
	}
	d.idle = true
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		Injected:    d.injected.Load(),
		Dropped:     d.dropped.Load(),
		Transmitted: d.transmitted.Load(),
		TxBytes:     d.txBytes.Load(),
		Wakeups:     d.wakeups.Load(),
	}
}
