package bench

import (
	"encoding/binary"
	"net"

	"github.com/romshark/xskring/pktgen"
	"github.com/romshark/xskring/xsk"
)

// Route sends packets out of the interface with index IfIndex.
// If both MACs are set the Ethernet addresses are rewritten on the way.
type Route struct {
	IfIndex int
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
}

// NewRouter builds a RunProcessor callback routing 10.0.X.0/24 by X:
//
//	dst IP 10.0.X.y -> routes[X]
//	else            -> drop
func NewRouter(routes map[byte]Route) func(*xsk.Packet) (int, error) {
	return func(p *xsk.Packet) (int, error) {
		buf := p.Buf

		// Fast path: single bounds check
		if len(buf) < pktgen.EthHdrLen+pktgen.IPv4HdrLen {
			return -1, nil
		}
		if binary.BigEndian.Uint16(buf[12:14]) != pktgen.EtherTypeIPv4 {
			return -1, nil
		}

		ip := buf[pktgen.EthHdrLen:]
		if ip[0]>>4 != 4 {
			return -1, nil
		}

		dst := binary.BigEndian.Uint32(ip[16:20])
		if dst&0xFFFF0000 != 0x0A000000 {
			return -1, nil
		}

		r, ok := routes[byte(dst>>8)]
		if !ok {
			return -1, nil
		}
		if len(r.DstMAC) == 6 && len(r.SrcMAC) == 6 {
			copy(buf[0:6], r.DstMAC)
			copy(buf[6:12], r.SrcMAC)
		}
		return r.IfIndex, nil
	}
}
