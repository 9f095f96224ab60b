package umem

// In unaligned chunk mode a UMEM address packs two values: the low 48 bits
// hold the chunk base and the high 16 bits an offset into that chunk.
const (
	UnalignedOffsetShift = 48
	UnalignedAddrMask    = 1<<UnalignedOffsetShift - 1
)

// ExtractAddr returns the chunk base of a packed unaligned address.
func ExtractAddr(addr uint64) uint64 { return addr & UnalignedAddrMask }

// ExtractOffset returns the intra-chunk offset of a packed unaligned address.
func ExtractOffset(addr uint64) uint64 { return addr >> UnalignedOffsetShift }

// AddOffsetToAddr packs a chunk base and an intra-chunk offset into a single
// address. It is the inverse of ExtractAddr and ExtractOffset:
//
//	AddOffsetToAddr(ExtractAddr(a), ExtractOffset(a)) == a
func AddOffsetToAddr(base, offset uint64) uint64 {
	return ExtractAddr(base) | offset<<UnalignedOffsetShift
}

// Flatten resolves a packed unaligned address to a plain byte offset
// into the UMEM area.
func Flatten(addr uint64) uint64 { return ExtractAddr(addr) + ExtractOffset(addr) }
