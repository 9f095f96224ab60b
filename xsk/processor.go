package xsk

import (
	"context"
	"runtime"
	"sync"
)

// maxTxRetries bounds how often a forwarding worker retries a full TX ring
// before dropping.
const maxTxRetries = 16

// Packet is a received frame handed to a processor callback.
// Buf may be modified in place before forwarding.
type Packet struct {
	Buf     []byte
	Addr    uint64
	Len     uint32
	Ingress string
	Queue   uint32
}

// Queue is an endpoint bound to one queue of an interface.
type Queue struct {
	Iface    string
	IfIndex  int
	ID       uint32
	Endpoint *Endpoint

	// Wait blocks until RX may have data or a short timeout expires.
	Wait func() error
}

// RunProcessor receives on every queue in its own goroutine and calls fn
// for every Packet received.
// Stops if ctx is canceled and returns context.Canceled.
// If fn returns an error, RunProcessor stops immediately and returns it.
// If fn returns forwardTo > -1 the packet is copied to the TX ring of the
// queue with the same ID on the interface with IfIndex == forwardTo,
// otherwise the packet is dropped.
//
// Endpoints must not be used by anyone else while RunProcessor runs.
func RunProcessor(
	ctx context.Context,
	queues []Queue,
	fn func(*Packet) (forwardTo int, err error),
) error {
	if len(queues) == 0 {
		return nil
	}

	type worker struct {
		Queue
		batch uint32

		// Multiple RX workers may forward packets to the same TX worker
		// (same egress iface:queue). txLock guards everything on the
		// endpoint except the RX ring.
		txLock sync.Mutex
		txAddr []uint64
		txLen  []uint32
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := make([]*worker, len(queues))
	byIface := make(map[int]map[uint32]*worker)
	for i, q := range queues {
		batch := uint32(len(q.Endpoint.compBuf))
		w := &worker{
			Queue:  q,
			batch:  batch,
			txAddr: make([]uint64, 0, batch),
			txLen:  make([]uint32, 0, batch),
		}
		workers[i] = w
		if byIface[q.IfIndex] == nil {
			byIface[q.IfIndex] = make(map[uint32]*worker)
		}
		byIface[q.IfIndex][q.ID] = w
	}

	// flushLocked submits and flushes pending TX. target.txLock must be held.
	flushLocked := func(target *worker) error {
		ep := target.Endpoint
		addrs, lens := target.txAddr, target.txLen
		target.txAddr = target.txAddr[:0]
		target.txLen = target.txLen[:0]

		for attempt := 0; ; attempt++ {
			for ep.PollCompletions(target.batch) == target.batch {
			}
			n, err := ep.SubmitBatch(addrs, lens)
			if err != nil && err != ErrTxRingFull {
				return err
			}
			addrs, lens = addrs[n:], lens[n:]
			if len(addrs) == 0 {
				break
			}
			if attempt == maxTxRetries {
				// Give up on the rest, their frames go back to the pool.
				for _, a := range addrs {
					ep.putFrame(a)
				}
				break
			}
			// Ring full: publish what we have and wake up the peer.
			if err := ep.FlushTx(); err != nil {
				return err
			}
			if err := ep.KickTx(); err != nil {
				return err
			}
		}
		return ep.FlushTx()
	}

	forward := func(target *worker, data []byte) (bool, error) {
		target.txLock.Lock()
		defer target.txLock.Unlock()

		if target.Endpoint.FreeFrames() == 0 {
			target.Endpoint.PollCompletions(target.batch)
			// Never wait here, the ingress RX ring would stall.
			if target.Endpoint.FreeFrames() == 0 {
				return false, nil
			}
		}

		frame := target.Endpoint.NextFrame()
		if len(frame.Buf) < len(data) {
			if frame.Buf != nil {
				target.Endpoint.putFrame(frame.Addr)
			}
			return false, nil
		}

		n := copy(frame.Buf, data)
		target.txAddr = append(target.txAddr, frame.Addr)
		target.txLen = append(target.txLen, uint32(n))

		if len(target.txAddr) >= int(target.batch) {
			if err := flushLocked(target); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	flushPending := func(target *worker) error {
		target.txLock.Lock()
		defer target.txLock.Unlock()
		if len(target.txAddr) == 0 {
			// Still reclaim completions and kick if the peer asked for it.
			target.Endpoint.PollCompletions(target.batch)
			return target.Endpoint.FlushTx()
		}
		return flushLocked(target)
	}

	errCh := make(chan error, len(workers))
	var wg sync.WaitGroup

	for _, w := range workers {
		wg.Go(func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			w.txLock.Lock()
			w.Endpoint.Prefill(w.Endpoint.rings.Fill.Size())
			w.txLock.Unlock()

			rxBuf := make([]Frame, w.batch)
			usedTargets := make(map[*worker]struct{})

			var p Packet

			for ctx.Err() == nil {
				frames := w.Endpoint.Receive(rxBuf)
				if len(frames) == 0 {
					for tgt := range usedTargets {
						_ = flushPending(tgt)
					}
					if err := w.Wait(); err != nil {
						errCh <- err
						return
					}
					continue
				}

				clear(usedTargets)

				for _, fr := range frames {
					p.Buf = fr.Buf
					p.Addr = fr.Addr
					p.Len = uint32(len(fr.Buf))
					p.Ingress = w.Iface
					p.Queue = w.ID

					fwdIdx, err := fn(&p)
					if err != nil {
						errCh <- err
						return
					}
					if fwdIdx < 0 {
						continue
					}
					tgt := byIface[fwdIdx][w.ID]
					if tgt == nil {
						continue
					}
					ok, err := forward(tgt, p.Buf)
					if err != nil {
						errCh <- err
						return
					}
					if ok {
						usedTargets[tgt] = struct{}{}
					}
				}

				w.txLock.Lock()
				w.Endpoint.ReleaseBatch(frames)
				w.txLock.Unlock()

				for tgt := range usedTargets {
					if err := flushPending(tgt); err != nil {
						errCh <- err
						return
					}
				}
			}

			for tgt := range usedTargets {
				_ = flushPending(tgt)
			}
		})
	}

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return context.Canceled
	}
}
