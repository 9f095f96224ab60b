// Package bench pushes sequence-numbered UDP traffic through endpoints: a
// paced sender, a counting or verifying receiver and an IPv4 router callback
// for xsk.RunProcessor.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/xskring/pktgen"
	"github.com/romshark/xskring/ratelimit"
	"github.com/romshark/xskring/xsk"
)

var (
	ErrOutOfOrder    = errors.New("out-of-order sequence number")
	ErrFrameTooSmall = errors.New("packet does not fit a frame")
)

// Stats counts traffic at the edges of a topology.
type Stats struct {
	TxPackets   atomic.Uint64
	TxCompleted atomic.Uint64
	TxBytes     atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	Elapsed atomic.Int64
}

type SenderConfig struct {
	Packet    pktgen.UDPConfig
	Count     uint64
	BatchSize uint32
	RatePPS   uint64 // 0 = unlimited, max speed.

	// Budget paces several senders together. RatePPS is ignored when set.
	Budget *ratelimit.Shared
}

// Send transmits conf.Count packets numbered 0..Count-1 on q and waits until
// all of them completed. Elapsed is recorded in stats.
func Send(ctx context.Context, q xsk.Queue, conf SenderConfig, stats *Stats) error {
	if err := conf.Packet.ValidateAndSetDefaults(); err != nil {
		return err
	}
	ep := q.Endpoint
	if chunk := ep.UMEM().Config().ChunkSize; conf.Packet.Size > chunk {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooSmall, conf.Packet.Size, chunk)
	}
	batch := conf.BatchSize
	if batch == 0 {
		batch = xsk.DefaultBatchSize
	}

	addrs := make([]uint64, 0, batch)
	lens := make([]uint32, 0, batch)

	var (
		seq       uint32
		sent      uint64
		completed uint64
	)
	reclaim := func() bool {
		c := ep.PollCompletions(batch)
		completed += uint64(c)
		stats.TxCompleted.Add(uint64(c))
		return c > 0
	}

	var pace func(context.Context, uint32) error
	if conf.Budget != nil {
		pace = func(ctx context.Context, n uint32) error { return conf.Budget.Wait(ctx, int(n)) }
	} else {
		limiter := ratelimit.New(conf.RatePPS)
		pace = func(ctx context.Context, n uint32) error { return limiter.Wait(ctx, uint64(n)) }
	}
	start := time.Now()

	for sent < conf.Count {
		for ep.TxFree() == 0 || ep.FreeFrames() == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !reclaim() {
				if err := q.Wait(); err != nil {
					return fmt.Errorf("TX wait: %w", err)
				}
			}
		}

		sendable := min(ep.TxFree(), ep.FreeFrames(), batch)
		sendable = uint32(min(uint64(sendable), conf.Count-sent))

		// No-op if unlimited.
		if err := pace(ctx, sendable); err != nil {
			return err
		}

		addrs = addrs[:0]
		lens = lens[:0]
		var octets uint64
		for range sendable {
			f := ep.NextFrame()
			if f.Buf == nil {
				break
			}
			plen, err := pktgen.BuildUDP(f.Buf, &conf.Packet, seq)
			if err != nil {
				return err
			}
			addrs = append(addrs, f.Addr)
			lens = append(lens, plen)
			octets += uint64(plen)
			seq++
		}

		n, err := ep.SubmitBatch(addrs, lens)
		if err != nil {
			return fmt.Errorf("submit batch: %w", err)
		}
		if err := ep.FlushTx(); err != nil {
			return fmt.Errorf("flush tx: %w", err)
		}
		sent += uint64(n)
		stats.TxPackets.Add(uint64(n))
		stats.TxBytes.Add(octets)

		reclaim()
	}

	for completed < sent {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !reclaim() {
			if err := q.Wait(); err != nil {
				return fmt.Errorf("final TX wait: %w", err)
			}
		}
	}

	stats.Elapsed.Store(time.Since(start).Nanoseconds())
	return nil
}

// TestResult is the outcome of a verified run.
type TestResult struct {
	Received atomic.Uint64
	Lost     atomic.Uint64
	Errors   atomic.Uint64
}

// Verifier checks that packets matching Match arrive in sequence order.
// Gaps are counted as lost, going backwards is an error.
// Safe for concurrent use by several receivers.
type Verifier struct {
	Match  *pktgen.UDPConfig
	Expect uint64
	Result TestResult

	mu   sync.Mutex
	next uint64
}

// Check reports whether pkt is part of the verified flow.
func (v *Verifier) Check(pkt []byte) (bool, error) {
	seq, ok := v.Match.Match(pkt)
	if !ok {
		return false, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	s := uint64(seq)
	if s < v.next {
		v.Result.Errors.Add(1)
		return true, fmt.Errorf("%w: got %d want %d", ErrOutOfOrder, s, v.next)
	}
	if s > v.next {
		v.Result.Lost.Add(s - v.next)
	}
	v.next = s + 1
	v.Result.Received.Add(1)
	return true, nil
}

// Done reports whether the last expected packet was seen.
func (v *Verifier) Done() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Expect > 0 && v.next >= v.Expect
}

// Receive tops up the fill ring and consumes packets from q until ctx is
// canceled or, if v is not nil, v is done. Without v every packet is counted,
// with v only the verified flow.
func Receive(ctx context.Context, q xsk.Queue, batch uint32, stats *Stats, v *Verifier) error {
	if batch == 0 {
		batch = xsk.DefaultBatchSize
	}
	buf := make([]xsk.Frame, batch)
	q.Endpoint.Prefill(q.Endpoint.Rings().Fill.Size())

	for ctx.Err() == nil {
		if v != nil && v.Done() {
			return nil
		}

		frames := q.Endpoint.Receive(buf)
		if len(frames) == 0 {
			if err := q.Wait(); err != nil {
				return fmt.Errorf("RX wait: %w", err)
			}
			continue
		}

		for _, fr := range frames {
			if v != nil {
				counted, err := v.Check(fr.Buf)
				if err != nil {
					q.Endpoint.ReleaseBatch(frames)
					return err
				}
				if !counted {
					continue
				}
			}
			stats.RxPackets.Add(1)
			stats.RxBytes.Add(uint64(len(fr.Buf)))
		}

		q.Endpoint.ReleaseBatch(frames)
	}
	return nil
}

// PrintStats writes per-interval rates to w until ctx is canceled.
func PrintStats(ctx context.Context, w io.Writer, stats *Stats, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var lastTxPkts, lastTxBytes uint64
	var lastRxPkts, lastRxBytes uint64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		now := time.Now()
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		txPkts := stats.TxPackets.Load()
		rxPkts := stats.RxPackets.Load()
		txBytes := stats.TxBytes.Load()
		rxBytes := stats.RxBytes.Load()

		txPPS := uint64(float64(txPkts-lastTxPkts) / dt)
		rxPPS := uint64(float64(rxPkts-lastRxPkts) / dt)
		txMbps := float64((txBytes-lastTxBytes)*8) / 1e6 / dt
		rxMbps := float64((rxBytes-lastRxBytes)*8) / 1e6 / dt

		lastTxPkts, lastTxBytes = txPkts, txBytes
		lastRxPkts, lastRxBytes = rxPkts, rxBytes

		fmt.Fprintf(w,
			"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
			txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
		)
	}
}

// PrintFinalReport writes the run summary to w.
func PrintFinalReport(w io.Writer, stats *Stats) {
	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()

	var drops uint64
	if txPackets > rxPackets {
		drops = txPackets - rxPackets
	}
	elapsed := max(float64(stats.Elapsed.Load())/1e9, 1e-9)
	dropPct := 0.0
	if txPackets > 0 {
		dropPct = float64(drops) / float64(txPackets) * 100
	}

	p := message.NewPrinter(language.English)
	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed)
	p.Fprintf(w, " TX:                %d packets\n", txPackets)
	p.Fprintf(w, " RX:                %d packets\n", rxPackets)
	p.Fprintf(w, " TX Avg PPS:        %d\n", uint64(float64(txPackets)/elapsed))
	p.Fprintf(w, " RX Avg PPS:        %d\n", uint64(float64(rxPackets)/elapsed))
	p.Fprintf(w, " TX Avg rate:       %.1f Mbps\n", float64(txBytes*8)/1e6/elapsed)
	p.Fprintf(w, " RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	p.Fprintf(w, " Dropped:           %d (%.4f%%)\n", drops, dropPct)
}
