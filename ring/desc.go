package ring

// Desc is an RX/TX ring record. Field order and sizes match struct xdp_desc.
type Desc struct {
	// Addr is the UMEM address of the frame.
	Addr uint64
	// Len is the number of valid bytes in the frame.
	Len uint32
	// Options carries per-descriptor flags such as OptionContinued.
	Options uint32
}

// OptionContinued marks a descriptor whose packet continues in the next one.
const OptionContinued uint32 = 1 << 0 // XDP_PKT_CONTD

// Slot is the set of record types a ring can hold:
// uint64 addresses for the Fill and Completion rings, Desc for RX and TX.
type Slot interface {
	uint64 | Desc
}

// Strides in bytes.
const (
	AddrSize = 8
	DescSize = 16
)
