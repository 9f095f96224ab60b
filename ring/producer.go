package ring

// Producer is the writing end of a ring.
//
// The producer keeps private copies of both cursors. cachedCons is kept
// size slots ahead of the real consumer cursor so that the free space is
// simply cachedCons - cachedProd.
//
// WARNING: Producer is not safe for concurrent use.
type Producer[T Slot] struct {
	shared[T]
	cachedProd uint32
	cachedCons uint32
}

// NewProducer opens the producing end of the ring described by off
// within region.
func NewProducer[T Slot](region []byte, off Offsets, size uint32) (*Producer[T], error) {
	s, err := newShared[T](region, off, size)
	if err != nil {
		return nil, err
	}
	return &Producer[T]{
		shared:     s,
		cachedProd: s.producer.Load(),
		cachedCons: s.consumer.Load() + size,
	}, nil
}

// Free returns min(n, number of free slots). It refreshes the cached
// consumer cursor only when the cached view cannot satisfy n and never
// moves a shared cursor.
func (p *Producer[T]) Free(n uint32) uint32 {
	free := p.cachedCons - p.cachedProd
	if free < n {
		p.cachedCons = p.consumer.Load() + p.size
		free = p.cachedCons - p.cachedProd
	}
	return min(free, n)
}

// Reserve reserves up to n slots for writing and returns how many were
// reserved along with the cursor value of the first one. The slots are
// filled through At(idx), At(idx+1), ... and published with Submit.
// Reserve(0) returns (0, 0) and has no effect.
func (p *Producer[T]) Reserve(n uint32) (reserved, idx uint32) {
	if n == 0 {
		return 0, 0
	}
	reserved = p.Free(n)
	if reserved == 0 {
		return 0, 0
	}
	idx = p.cachedProd
	p.cachedProd += reserved
	return reserved, idx
}

// Cancel gives back the last n reserved but unsubmitted slots.
func (p *Producer[T]) Cancel(n uint32) { p.cachedProd -= n }

// Submit publishes n previously reserved slots to the consumer.
// Submitting more than was reserved corrupts the ring.
func (p *Producer[T]) Submit(n uint32) {
	// Only this side writes the producer cursor.
	p.producer.Store(p.producer.Load() + n)
}

// NeedsWakeup reports whether the consumer of this ring asked to be kicked
// before it resumes processing.
func (p *Producer[T]) NeedsWakeup() bool {
	return p.flags.Load()&FlagNeedWakeup != 0
}

// At returns the slot for cursor value idx.
func (p *Producer[T]) At(idx uint32) *T { return p.slot(idx) }
