// Package ringstat snapshots, diffs and prints packet counters of AF_XDP
// endpoints and network interfaces.
package ringstat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/romshark/xskring/xsk"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
	TxCompleted
	Kicks
)

// All lists every counter in print order.
var All = []Counter{TxPackets, TxBytes, RxPackets, RxBytes, TxCompleted, Kicks}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case TxCompleted:
		return "tx_completed"
	case Kicks:
		return "kicks"
	}
	return ""
}

// ethtoolName is the name of the physical port counter reported by
// ethtool -S, or "" if the NIC has no equivalent.
func (c Counter) ethtoolName() string {
	switch c {
	case TxPackets, TxBytes, RxPackets, RxBytes:
		return c.String() + "_phy"
	}
	return ""
}

// Per-source values.
type SourceStats map[Counter]uint64

// Multi-source stats keyed by source name.
type Stats map[string]SourceStats

// Source produces counter values.
type Source interface {
	Read(counters []Counter) (SourceStats, error)
}

// EndpointSource reads the counters of an xsk.Endpoint.
type EndpointSource func() xsk.Stats

func (f EndpointSource) Read(counters []Counter) (SourceStats, error) {
	st := f()
	out := make(SourceStats, len(counters))
	for _, c := range counters {
		switch c {
		case TxPackets:
			out[c] = st.TxPackets
		case TxBytes:
			out[c] = st.TxBytes
		case RxPackets:
			out[c] = st.RxPackets
		case RxBytes:
			out[c] = st.RxBytes
		case TxCompleted:
			out[c] = st.TxCompleted
		case Kicks:
			out[c] = st.Kicks
		}
	}
	return out, nil
}

// Ethtool reads the physical port counters of the named interface
// through ethtool -S. Counters without a NIC equivalent read as 0.
type Ethtool string

func (e Ethtool) Read(counters []Counter) (SourceStats, error) {
	out, err := exec.Command("ethtool", "-S", string(e)).Output()
	if err != nil {
		return nil, err
	}
	return parseEthtool(out, counters)
}

func parseEthtool(out []byte, counters []Counter) (SourceStats, error) {
	want := make(map[string]Counter, len(counters))
	for _, c := range counters {
		if n := c.ethtoolName(); n != "" {
			want[n] = c
		}
	}

	found := make(SourceStats, len(counters))
	for _, c := range counters {
		found[c] = 0
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) != 2 {
			continue
		}
		ctr, ok := want[strings.TrimSuffix(parts[0], ":")]
		if !ok {
			continue
		}
		var v uint64
		if _, err := fmt.Sscan(parts[1], &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", parts[0], err)
		}
		found[ctr] = v
	}
	return found, sc.Err()
}

// Snapshot reads counters from every source.
func Snapshot(sources map[string]Source, counters ...Counter) (Stats, error) {
	s := make(Stats, len(sources))
	for name, src := range sources {
		vals, err := src.Read(counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		s[name] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for name, now := range s {
		prev := old[name]
		diff := make(SourceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[name] = diff
	}
	return out
}

// Print writes s sorted by source name. Sources listed in aliases are
// printed with their alias.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	bw := bufio.NewWriter(w)
	for _, name := range names {
		stats := s[name]

		if alias, ok := aliases[name]; ok {
			fmt.Fprintf(bw, "%s (%s):\n", name, alias)
		} else {
			fmt.Fprintf(bw, "%s :\n", name)
		}

		line := func(dir string, pkts, octets uint64) {
			fmt.Fprintf(bw, "  %-4s %-12d  ≈ %-8s (%s)\n",
				dir, pkts, humanize.Bytes(octets), humanize.Comma(int64(octets)),
			)
		}
		line("TX", stats[TxPackets], stats[TxBytes])
		line("RX", stats[RxPackets], stats[RxBytes])

		if v, ok := stats[TxCompleted]; ok {
			fmt.Fprintf(bw, "  CQ   %s\n", humanize.Comma(int64(v)))
		}
		if v, ok := stats[Kicks]; ok {
			fmt.Fprintf(bw, "  KICK %s\n", humanize.Comma(int64(v)))
		}
	}
	return bw.Flush()
}
