package umem

import (
	"errors"
	"fmt"
)

var (
	ErrDoubleFree   = errors.New("frame is already free")
	ErrForeignFrame = errors.New("address is not a frame of this pool")
)

// FramePool is a LIFO stack of free frame addresses.
// Frames are handed out by Get and returned by Put once the kernel
// (or the caller) is done with them. Every frame is either free or owned,
// Put rejects addresses that would break that.
//
// WARNING: FramePool is not safe for concurrent use.
type FramePool struct {
	free      []uint64
	count     uint32
	frameSize uint64

	// isFree has one bit per frame.
	isFree []uint64
}

// NewFramePool returns a pool holding numFrames frames of frameSize bytes
// laid out back to back from address 0.
func NewFramePool(numFrames, frameSize uint32) *FramePool {
	p := &FramePool{
		free:      make([]uint64, numFrames),
		count:     numFrames,
		frameSize: uint64(frameSize),
		isFree:    make([]uint64, (numFrames+63)/64),
	}
	for i := range numFrames {
		// Hand out low addresses first.
		p.free[numFrames-1-i] = uint64(i) * uint64(frameSize)
		p.isFree[i/64] |= 1 << (i % 64)
	}
	return p
}

// Get pops a free frame address. ok is false when the pool is empty.
func (p *FramePool) Get() (addr uint64, ok bool) {
	if p.count == 0 {
		return 0, false
	}
	p.count--
	addr = p.free[p.count]
	i := addr / p.frameSize
	p.isFree[i/64] &^= 1 << (i % 64)
	return addr, true
}

// Put returns a frame address to the pool. The pool is left unchanged when
// addr is not the start of one of its frames or the frame is already free.
func (p *FramePool) Put(addr uint64) error {
	i := addr / p.frameSize
	if addr%p.frameSize != 0 || i >= uint64(len(p.free)) {
		return fmt.Errorf("%w: %#x", ErrForeignFrame, addr)
	}
	word, bit := i/64, uint64(1)<<(i%64)
	if p.isFree[word]&bit != 0 {
		return fmt.Errorf("%w: %#x", ErrDoubleFree, addr)
	}
	p.isFree[word] |= bit
	p.free[p.count] = addr
	p.count++
	return nil
}

// Len returns the number of free frames.
func (p *FramePool) Len() uint32 { return p.count }

// Cap returns the total number of frames the pool manages.
func (p *FramePool) Cap() uint32 { return uint32(len(p.free)) }
