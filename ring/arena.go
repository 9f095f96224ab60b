package ring

import (
	"sync/atomic"
	"unsafe"
)

// Arena is a byte-addressable view over memory that is owned by someone else,
// typically a mapping shared with the kernel. Arena never frees or resizes the
// memory it points into.
type Arena struct {
	mem []byte
}

// NewArena wraps mem. The caller keeps ownership of mem and must keep it alive
// (and mapped) for as long as the arena is in use.
func NewArena(mem []byte) Arena { return Arena{mem: mem} }

// Len returns the size of the underlying region in bytes.
func (a Arena) Len() int { return len(a.mem) }

// Bytes returns the underlying region.
func (a Arena) Bytes() []byte { return a.mem }

// Uint32 returns the 32-bit word at byte offset off as an atomic.
// off must be 4-byte aligned relative to an aligned region.
func (a Arena) Uint32(off uint64) *atomic.Uint32 {
	_ = a.mem[off+3] // bounds check
	return (*atomic.Uint32)(unsafe.Pointer(&a.mem[off]))
}

// aligned reports whether the absolute address of byte off is a multiple of n.
func (a Arena) aligned(off uint64, n uintptr) bool {
	if len(a.mem) == 0 {
		return false
	}
	return (uintptr(unsafe.Pointer(&a.mem[0]))+uintptr(off))%n == 0
}

// sliceOf reinterprets size records of type T starting at byte offset base.
func sliceOf[T Slot](a Arena, base uint64, size uint32) []T {
	var zero T
	_ = a.mem[base+uint64(size)*uint64(unsafe.Sizeof(zero))-1] // bounds check
	return unsafe.Slice((*T)(unsafe.Pointer(&a.mem[base])), size)
}
