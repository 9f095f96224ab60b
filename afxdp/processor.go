//go:build linux

package afxdp

import (
	"context"
	"errors"

	"github.com/romshark/xskring/xsk"
)

// Packet is a received frame handed to a RunProcessor callback.
type Packet = xsk.Packet

// Frame represents a borrowed UMEM frame from an AF_XDP socket.
type Frame = xsk.Frame

// RunProcessor opens a socket on every RX queue of every interface and runs
// xsk.RunProcessor over them.
// Stops listening if ctx is canceled and returns context.Canceled.
// If fn returns an error, RunProcessor stops immediately and returns it.
// If fn returns forwardToIface > -1 then the packet is automatically forwarded
// to the interface where index=forwardToIface, otherwise the packet is dropped.
// Interface index refers to the Linux interface index, not the index in slice interfaces.
func RunProcessor(
	ctx context.Context,
	interfaces []*Interface,
	conf SocketConfig,
	fn func(*Packet) (forwardToIface int, err error),
) (err error) {
	if len(interfaces) == 0 {
		return nil
	}

	var sockets []*Socket
	defer func() {
		for _, s := range sockets {
			err = errors.Join(err, s.Close())
		}
	}()

	var queues []xsk.Queue
	for _, iface := range interfaces {
		ids, err := iface.RXQueueIDs()
		if err != nil {
			return err
		}
		for _, qid := range ids {
			c := conf
			c.QueueID = qid
			sock, err := iface.Open(c)
			if err != nil {
				return err
			}
			sockets = append(sockets, sock)
			queues = append(queues, sock.Queue())
		}
	}

	return xsk.RunProcessor(ctx, queues, fn)
}
