package ringstat

import (
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/xskring/ring"
)

// RingSource exposes the cursor positions of a socket's rings keyed by
// ring name. Both xsk.Endpoint and loopback.Device implement it.
type RingSource interface {
	Positions() map[string]ring.Position
}

// Collector is a prometheus.Collector exporting ring cursors and endpoint
// counters. Values are read at scrape time.
type Collector struct {
	mu       sync.Mutex
	rings    map[string]RingSource
	counters map[string]Source

	producer   *prometheus.Desc
	consumer   *prometheus.Desc
	entries    *prometheus.Desc
	size       *prometheus.Desc
	needWakeup *prometheus.Desc
	packets    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string) *Collector {
	labels := []string{"socket", "ring"}
	return &Collector{
		rings:    make(map[string]RingSource),
		counters: make(map[string]Source),
		producer: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ring", "producer"),
			"Shared producer cursor.", labels, nil),
		consumer: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ring", "consumer"),
			"Shared consumer cursor.", labels, nil),
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ring", "entries"),
			"Entries published but not yet consumed.", labels, nil),
		size: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ring", "size"),
			"Ring capacity in entries.", labels, nil),
		needWakeup: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ring", "need_wakeup"),
			"1 if the consumer asked to be woken up.", labels, nil),
		packets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "socket", "total"),
			"Cumulative socket counters.", []string{"socket", "counter"}, nil),
	}
}

// AddRings registers the rings of the named socket.
func (c *Collector) AddRings(socket string, src RingSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rings[socket] = src
}

// AddCounters registers the counters of the named socket.
func (c *Collector) AddCounters(socket string, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[socket] = src
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.producer
	ch <- c.consumer
	ch <- c.entries
	ch <- c.size
	ch <- c.needWakeup
	ch <- c.packets
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gauge := func(d *prometheus.Desc, v uint32, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	for socket, src := range c.rings {
		pos := src.Positions()
		names := make([]string, 0, len(pos))
		for n := range pos {
			names = append(names, n)
		}
		slices.Sort(names)

		for _, name := range names {
			p := pos[name]
			gauge(c.producer, p.Producer, socket, name)
			gauge(c.consumer, p.Consumer, socket, name)
			gauge(c.entries, p.Len(), socket, name)
			gauge(c.size, p.Size, socket, name)
			gauge(c.needWakeup, p.Flags&ring.FlagNeedWakeup, socket, name)
		}
	}

	for socket, src := range c.counters {
		vals, err := src.Read(All)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.packets, err)
			continue
		}
		for _, ctr := range All {
			v, ok := vals[ctr]
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(
				c.packets, prometheus.CounterValue, float64(v), socket, ctr.String())
		}
	}
}
