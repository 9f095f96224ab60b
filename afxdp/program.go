package afxdp

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const (
	xsksMapName  = "xsks_map"
	sockProgName = "xdp_sock_prog"

	// xdpMdRxQueueIndex is offsetof(struct xdp_md, rx_queue_index).
	xdpMdRxQueueIndex = 16
	xdpPass           = 2
)

// redirectSpec returns the XDP program redirecting every packet to the AF_XDP
// socket registered for its RX queue in xsks_map. Packets arriving on queues
// without a socket are passed on to the kernel stack.
//
//	return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
func redirectSpec(maxQueues uint32) *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			xsksMapName: {
				Name:       xsksMapName,
				Type:       ebpf.XSKMap,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: maxQueues,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			sockProgName: {
				Name:    sockProgName,
				Type:    ebpf.XDP,
				License: "GPL",
				Instructions: asm.Instructions{
					asm.LoadMem(asm.R2, asm.R1, xdpMdRxQueueIndex, asm.Word),
					asm.LoadMapPtr(asm.R1, 0).WithReference(xsksMapName),
					asm.Mov.Imm(asm.R3, xdpPass),
					asm.FnRedirectMap.Call(),
					asm.Return(),
				},
			},
		},
	}
}
