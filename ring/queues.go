package ring

// Terminology mapping (kernel ↔ userspace):
//
//   - FillQueue: UMEM addresses userspace provides to the kernel for RX.
//   - RxQueue: descriptors of frames the kernel filled with packets.
//   - TxQueue: descriptors userspace hands to the kernel for transmission.
//   - CompletionQueue: UMEM addresses the kernel finished transmitting.

// FillQueue is the userspace end of the Fill ring.
type FillQueue struct{ *Producer[uint64] }

// NewFillQueue opens the Fill ring mapped at region.
func NewFillQueue(region []byte, off Offsets, size uint32) (FillQueue, error) {
	p, err := NewProducer[uint64](region, off, size)
	return FillQueue{p}, err
}

// Addr returns the address slot at idx for writing.
func (q FillQueue) Addr(idx uint32) *uint64 { return q.At(idx) }

// RxQueue is the userspace end of the RX ring.
type RxQueue struct{ *Consumer[Desc] }

// NewRxQueue opens the RX ring mapped at region.
func NewRxQueue(region []byte, off Offsets, size uint32) (RxQueue, error) {
	c, err := NewConsumer[Desc](region, off, size)
	return RxQueue{c}, err
}

// Desc returns the received descriptor at idx.
func (q RxQueue) Desc(idx uint32) Desc { return q.Get(idx) }

// TxQueue is the userspace end of the TX ring.
type TxQueue struct{ *Producer[Desc] }

// NewTxQueue opens the TX ring mapped at region.
func NewTxQueue(region []byte, off Offsets, size uint32) (TxQueue, error) {
	p, err := NewProducer[Desc](region, off, size)
	return TxQueue{p}, err
}

// Desc returns the descriptor slot at idx for writing.
func (q TxQueue) Desc(idx uint32) *Desc { return q.At(idx) }

// CompletionQueue is the userspace end of the Completion ring.
type CompletionQueue struct{ *Consumer[uint64] }

// NewCompletionQueue opens the Completion ring mapped at region.
func NewCompletionQueue(region []byte, off Offsets, size uint32) (CompletionQueue, error) {
	c, err := NewConsumer[uint64](region, off, size)
	return CompletionQueue{c}, err
}

// Addr returns the completed frame address at idx.
func (q CompletionQueue) Addr(idx uint32) uint64 { return q.Get(idx) }
