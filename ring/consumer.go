package ring

// Consumer is the reading end of a ring.
//
// WARNING: Consumer is not safe for concurrent use.
type Consumer[T Slot] struct {
	shared[T]
	cachedProd uint32
	cachedCons uint32
}

// NewConsumer opens the consuming end of the ring described by off
// within region.
func NewConsumer[T Slot](region []byte, off Offsets, size uint32) (*Consumer[T], error) {
	s, err := newShared[T](region, off, size)
	if err != nil {
		return nil, err
	}
	cons := s.consumer.Load()
	return &Consumer[T]{
		shared:     s,
		cachedProd: s.producer.Load(),
		cachedCons: cons,
	}, nil
}

// Available returns min(n, number of published entries not yet peeked).
// No shared cursor is moved.
func (c *Consumer[T]) Available(n uint32) uint32 {
	entries := c.cachedProd - c.cachedCons
	if entries < n {
		c.cachedProd = c.producer.Load()
		entries = c.cachedProd - c.cachedCons
	}
	return min(entries, n)
}

// Peek claims up to n published entries and returns how many were claimed
// along with the cursor value of the first one. Claimed entries stay valid
// until they are given back with Release. Peek(0) returns (0, 0) and has
// no effect.
func (c *Consumer[T]) Peek(n uint32) (claimed, idx uint32) {
	if n == 0 {
		return 0, 0
	}
	claimed = c.Available(n)
	if claimed == 0 {
		return 0, 0
	}
	idx = c.cachedCons
	c.cachedCons += claimed
	return claimed, idx
}

// Cancel un-claims the last n peeked entries so the next Peek returns them
// again. n must not exceed the peeked but unreleased count.
func (c *Consumer[T]) Cancel(n uint32) { c.cachedCons -= n }

// Release hands n consumed entries back to the producer.
// Releasing more than was peeked corrupts the ring.
func (c *Consumer[T]) Release(n uint32) {
	c.consumer.Store(c.consumer.Load() + n)
}

// Get returns a copy of the entry at cursor value idx.
func (c *Consumer[T]) Get(idx uint32) T { return *c.slot(idx) }

// SetNeedWakeup sets or clears FlagNeedWakeup on the ring. It is meant for
// the party draining a producer ring, which in production is the kernel.
func (c *Consumer[T]) SetNeedWakeup(v bool) {
	for {
		old := c.flags.Load()
		nv := old &^ FlagNeedWakeup
		if v {
			nv |= FlagNeedWakeup
		}
		if c.flags.CompareAndSwap(old, nv) {
			return
		}
	}
}
