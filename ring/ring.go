// Package ring implements the single-producer/single-consumer rings shared
// between userspace and the kernel by AF_XDP sockets.
//
// A ring is a power-of-two array of slots plus two free-running 32-bit
// cursors living in shared memory. The producer cursor is written only by
// the producing party, the consumer cursor only by the consuming party.
// Each side reads the other's cursor with an atomic load and publishes its
// own with an atomic store, so slot contents written before a store are
// visible to the other side once it observes the new cursor value.
//
// None of the operations block. Reserve and Peek return fewer slots than
// requested (possibly zero) when the ring is full or empty, and the caller
// decides whether to retry, poll or kick the kernel.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrSizeNotPowerOfTwo = errors.New("ring size must be a non-zero power of two")
	ErrRegionTooSmall    = errors.New("ring region is too small")
	ErrMisaligned        = errors.New("ring offsets are misaligned")
)

// FlagNeedWakeup is set in a ring's flags word by the consuming side when it
// stopped polling and needs an explicit kick (XDP_RING_NEED_WAKEUP).
const FlagNeedWakeup uint32 = 1 << 0

// Position is a snapshot of a ring's shared control words.
type Position struct {
	Producer uint32
	Consumer uint32
	Flags    uint32
	Size     uint32
}

// Len returns the number of published but not yet consumed entries.
func (p Position) Len() uint32 { return p.Producer - p.Consumer }

// shared is the part of a ring both ends agree on.
type shared[T Slot] struct {
	arena    Arena
	producer *atomic.Uint32
	consumer *atomic.Uint32
	flags    *atomic.Uint32
	slots    []T
	mask     uint32
	size     uint32
}

func newShared[T Slot](region []byte, off Offsets, size uint32) (shared[T], error) {
	var s shared[T]
	if size == 0 || size&(size-1) != 0 {
		return s, fmt.Errorf("%w: %d", ErrSizeNotPowerOfTwo, size)
	}

	var zero T
	stride := unsafe.Sizeof(zero)
	need := RegionLen(off, size, stride)
	for _, o := range []uint64{off.Producer, off.Consumer, off.Flags} {
		need = max(need, uintptr(o)+4)
	}
	if uintptr(len(region)) < need {
		return s, fmt.Errorf("%w: have %d bytes, need %d", ErrRegionTooSmall, len(region), need)
	}

	a := NewArena(region)
	if !a.aligned(off.Producer, 4) || !a.aligned(off.Consumer, 4) ||
		!a.aligned(off.Flags, 4) || !a.aligned(off.Desc, 8) {
		return s, ErrMisaligned
	}

	return shared[T]{
		arena:    a,
		producer: a.Uint32(off.Producer),
		consumer: a.Uint32(off.Consumer),
		flags:    a.Uint32(off.Flags),
		slots:    sliceOf[T](a, off.Desc, size),
		mask:     size - 1,
		size:     size,
	}, nil
}

// Size returns the ring capacity in slots.
func (s *shared[T]) Size() uint32 { return s.size }

// Position returns the current values of the shared control words.
func (s *shared[T]) Position() Position {
	return Position{
		Producer: s.producer.Load(),
		Consumer: s.consumer.Load(),
		Flags:    s.flags.Load(),
		Size:     s.size,
	}
}

func (s *shared[T]) slot(idx uint32) *T { return &s.slots[idx&s.mask] }
