package ringstat

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xskring/ring"
	"github.com/romshark/xskring/xsk"
)

const ethtoolOutput = `NIC statistics:
     rx_packets: 12
     tx_packets_phy: 1000
     tx_bytes_phy: 64000
     rx_packets_phy: 990
     rx_bytes_phy: 63360
     rx_discards_phy: 10
`

func TestParseEthtool(t *testing.T) {
	got, err := parseEthtool([]byte(ethtoolOutput), All)
	require.NoError(t, err)
	require.Equal(t, SourceStats{
		TxPackets:   1000,
		TxBytes:     64000,
		RxPackets:   990,
		RxBytes:     63360,
		TxCompleted: 0,
		Kicks:       0,
	}, got)

	_, err = parseEthtool([]byte("tx_packets_phy: many\n"), All)
	require.Error(t, err)
}

func TestSnapshotSince(t *testing.T) {
	st := xsk.Stats{TxPackets: 10, TxBytes: 640}
	src := EndpointSource(func() xsk.Stats { return st })

	before, err := Snapshot(map[string]Source{"q0": src}, TxPackets, TxBytes)
	require.NoError(t, err)

	st.TxPackets, st.TxBytes = 25, 1600
	after, err := Snapshot(map[string]Source{"q0": src}, TxPackets, TxBytes)
	require.NoError(t, err)

	require.Equal(t, Stats{"q0": {TxPackets: 15, TxBytes: 960}}, after.Since(before))
}

type failingSource struct{}

func (failingSource) Read([]Counter) (SourceStats, error) {
	return nil, errors.New("no such device")
}

func TestSnapshotError(t *testing.T) {
	_, err := Snapshot(map[string]Source{"eth9": failingSource{}}, All...)
	require.ErrorContains(t, err, "reading eth9")
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	err := Print(&buf, Stats{
		"b": {TxPackets: 2, TxBytes: 2_000_000},
		"a": {RxPackets: 1, RxBytes: 1500, Kicks: 3},
	}, map[string]string{"a": "loopback"})
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "a (loopback):\n")
	require.Contains(t, out, "b :\n")
	require.Contains(t, out, "2.0 MB (2,000,000)")
	require.Contains(t, out, "  KICK 3\n")
	require.NotContains(t, out, "CQ")
	require.Less(t, bytes.Index(buf.Bytes(), []byte("a (")), bytes.Index(buf.Bytes(), []byte("b :")))
}

type fixedRings map[string]ring.Position

func (f fixedRings) Positions() map[string]ring.Position { return f }

func TestCollector(t *testing.T) {
	c := NewCollector("xsk")
	c.AddRings("q0", fixedRings{
		"tx": {Producer: 10, Consumer: 4, Flags: ring.FlagNeedWakeup, Size: 8},
	})
	c.AddCounters("q0", EndpointSource(func() xsk.Stats {
		return xsk.Stats{TxPackets: 6, Kicks: 2}
	}))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()+"{"+labelString(m)+"}"] = value(m)
		}
	}

	require.Equal(t, 10.0, values["xsk_ring_producer{tx,q0}"])
	require.Equal(t, 4.0, values["xsk_ring_consumer{tx,q0}"])
	require.Equal(t, 6.0, values["xsk_ring_entries{tx,q0}"])
	require.Equal(t, 8.0, values["xsk_ring_size{tx,q0}"])
	require.Equal(t, 1.0, values["xsk_ring_need_wakeup{tx,q0}"])
	require.Equal(t, 6.0, values["xsk_socket_total{tx_packets,q0}"])
	require.Equal(t, 2.0, values["xsk_socket_total{kicks,q0}"])
}

// labelString joins label values in the registry's (name sorted) order.
func labelString(m *dto.Metric) string {
	var b bytes.Buffer
	for i, lp := range m.GetLabel() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(lp.GetValue())
	}
	return b.String()
}

func value(m *dto.Metric) float64 {
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	return m.GetCounter().GetValue()
}
