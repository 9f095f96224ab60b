// Package umem translates AF_XDP frame addresses into the shared packet
// buffer (UMEM) and keeps track of which frames are free.
package umem

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyArea      = errors.New("umem area is empty")
	ErrChunkSize      = errors.New("chunk size must be a power of two in aligned mode")
	ErrAreaNotChunked = errors.New("umem area length is not a multiple of the chunk size")
	ErrHeadroom       = errors.New("headroom must be smaller than the chunk size")
)

const (
	DefaultChunkSize = 2048
	DefaultHeadroom  = 0
)

// Config describes how the UMEM area is carved into chunks.
type Config struct {
	// ChunkSize is the size of every frame in bytes.
	ChunkSize uint32
	// Headroom is reserved at the start of every frame by the kernel.
	Headroom uint32
	// Unaligned enables unaligned chunk mode where packets may start
	// anywhere within a chunk and addresses are packed.
	Unaligned bool
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if !c.Unaligned && c.ChunkSize&(c.ChunkSize-1) != 0 {
		return fmt.Errorf("%w: %d", ErrChunkSize, c.ChunkSize)
	}
	if c.Headroom >= c.ChunkSize {
		return fmt.Errorf("%w: %d >= %d", ErrHeadroom, c.Headroom, c.ChunkSize)
	}
	return nil
}

// UMEM is a view over the packet buffer area shared with the kernel.
// The area is owned by the caller; UMEM never frees it.
type UMEM struct {
	area []byte
	conf Config
}

// New wraps area. The area length must be a multiple of the chunk size.
func New(area []byte, conf Config) (*UMEM, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if len(area) == 0 {
		return nil, ErrEmptyArea
	}
	if uint64(len(area))%uint64(conf.ChunkSize) != 0 {
		return nil, fmt.Errorf("%w: %d %% %d", ErrAreaNotChunked, len(area), conf.ChunkSize)
	}
	return &UMEM{area: area, conf: conf}, nil
}

func (u *UMEM) Config() Config { return u.conf }

// Area returns the whole UMEM region.
func (u *UMEM) Area() []byte { return u.area }

// NumChunks returns the number of chunks the area holds.
func (u *UMEM) NumChunks() uint32 { return uint32(uint64(len(u.area)) / uint64(u.conf.ChunkSize)) }

// Offset returns the byte offset within the area that addr refers to.
func (u *UMEM) Offset(addr uint64) uint64 {
	if u.conf.Unaligned {
		return Flatten(addr)
	}
	return addr
}

// GetData returns the area starting at the byte addressed by addr.
// No bounds validation is done beyond Go's own slice checks.
func (u *UMEM) GetData(addr uint64) []byte { return u.area[u.Offset(addr):] }

// Frame returns the length valid bytes starting at addr.
func (u *UMEM) Frame(addr uint64, length uint32) []byte {
	off := u.Offset(addr)
	return u.area[off : off+uint64(length) : off+uint64(length)]
}

// Chunk returns the writable bytes from addr to the end of its chunk.
func (u *UMEM) Chunk(addr uint64) []byte {
	off := u.Offset(addr)
	end := u.Base(addr) + uint64(u.conf.ChunkSize)
	return u.area[off:end:end]
}

// Base returns the address of the chunk that addr points into, as it must be
// handed back to the Fill ring.
func (u *UMEM) Base(addr uint64) uint64 {
	if u.conf.Unaligned {
		return ExtractAddr(addr)
	}
	return addr - addr%uint64(u.conf.ChunkSize)
}
