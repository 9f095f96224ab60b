package ring

import "unsafe"

// Offsets locates the control words and the slot array of one ring inside
// its mapping. It has the same layout as the kernel's xdp_ring_offset.
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/if_xdp.h
type Offsets struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

const cacheLine = 64

// DefaultOffsets is the layout used for rings allocated in process memory.
// Every control word lives on its own cache line, as in the kernel.
var DefaultOffsets = Offsets{
	Producer: 0,
	Consumer: cacheLine,
	Flags:    2 * cacheLine,
	Desc:     3 * cacheLine,
}

// RegionLen returns the number of bytes a mapping needs to hold a ring of
// size records of stride bytes laid out as described by off.
func RegionLen(off Offsets, size uint32, stride uintptr) uintptr {
	return uintptr(off.Desc) + uintptr(size)*stride
}

// Alloc allocates a zeroed, 8-byte aligned region large enough for a ring of
// size records of type T using DefaultOffsets.
func Alloc[T Slot](size uint32) []byte {
	var zero T
	n := RegionLen(DefaultOffsets, size, unsafe.Sizeof(zero))
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
