package afxdp

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultTxQueueSize        = 2048
	DefaultRxQueueSize        = DefaultTxQueueSize
	DefaultCompletionRingSize = 2048
	DefaultBatchSize          = 64 // TX batching
	DefaultMaxQueues          = 64

	// minFrameSize is the kernel's XDP_UMEM_MIN_CHUNK_SIZE.
	minFrameSize = 2048
)

var (
	ErrXSKSMapNotFound     = errors.New("xsks_map not found")
	ErrXDPSockProgNotFound = errors.New("xdp_sock_prog not found")
	ErrNumFramesTooSmall   = errors.New("NumFrames must be >= TxSize + FillSize")
	ErrRingSize            = errors.New("ring sizes must be powers of two")
	ErrFrameSize           = errors.New("invalid frame size")
	ErrHeadroom            = errors.New("headroom must be smaller than FrameSize")
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool

	// MaxQueues is the capacity of the queue to socket map.
	MaxQueues uint32

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

func (c *InterfaceConfig) ValidateAndSetDefaults() error {
	if c.MaxQueues == 0 {
		c.MaxQueues = DefaultMaxQueues
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
	return nil
}

type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// Headroom is reserved by the kernel in front of every received packet.
	Headroom uint32
	// Unaligned registers the UMEM in unaligned chunk mode.
	Unaligned bool
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32
	// BatchSize controls TX and completion processing batch size.
	BatchSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxQueueSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxQueueSize
	}
	if c.FillSize == 0 {
		c.FillSize = c.RxSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultCompletionRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}

	for _, s := range []uint32{c.RxSize, c.TxSize, c.FillSize, c.CqSize} {
		if !isPowerOfTwo(s) {
			return fmt.Errorf("%w: %d", ErrRingSize, s)
		}
	}
	if c.FrameSize < minFrameSize {
		return fmt.Errorf("%w: %d < %d", ErrFrameSize, c.FrameSize, minFrameSize)
	}
	if !c.Unaligned && !isPowerOfTwo(c.FrameSize) {
		return fmt.Errorf("%w: %d is not a power of two", ErrFrameSize, c.FrameSize)
	}
	if c.Headroom >= c.FrameSize {
		return fmt.Errorf("%w: %d", ErrHeadroom, c.Headroom)
	}
	if c.NumFrames < c.TxSize+c.FillSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

func isPowerOfTwo(v uint32) bool { return v != 0 && v&(v-1) == 0 }
