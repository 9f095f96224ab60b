//go:build linux

// Package afxdp binds the ring layer to real AF_XDP sockets.
// Interface owns the XDP program and eBPF objects.
// Socket is an AF_XDP socket bound to a specific RX/TX queue.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/romshark/xskring/ring"
	"github.com/romshark/xskring/umem"
	"github.com/romshark/xskring/xsk"
)

// Interface represents a NIC with an XDP program attached for AF_XDP use.
// It owns the XDP program and eBPF objects and can create AF_XDP sockets
// bound to individual hardware queues.
type Interface struct {
	ifaceName      string
	ifaceIndex     int
	preferZerocopy bool
	log            zerolog.Logger

	link      link.Link
	coll      *ebpf.Collection
	xsks      *ebpf.Map
	maxQueues uint32
}

// MakeInterface attaches the XDP program to the given interface name
// and returns an Interface handle that can open AF_XDP sockets on its queues.
// The XDP program is attached once per Interface.
func MakeInterface(iface string, conf InterfaceConfig) (*Interface, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	l, coll, err := attachXDP(netIf.Index, conf)
	if err != nil {
		return nil, fmt.Errorf("attaching XDP program: %w", err)
	}

	log := conf.Logger.With().Str("iface", iface).Logger()
	log.Debug().
		Int("ifindex", netIf.Index).
		Bool("driver_mode", conf.PreferZerocopy).
		Msg("XDP program attached")

	return &Interface{
		ifaceName:      iface,
		ifaceIndex:     netIf.Index,
		preferZerocopy: conf.PreferZerocopy,
		log:            log,
		link:           l,
		coll:           coll,
		xsks:           coll.Maps[xsksMapName],
		maxQueues:      conf.MaxQueues,
	}, nil
}

// Info returns the name and index of the interface.
func (i *Interface) Info() (name string, index int) { return i.ifaceName, i.ifaceIndex }

// RXQueueIDs returns the list of RX queue IDs available on the interface,
// sorted in ascending order inspecting /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() (ids []uint32, err error) {
	path := "/sys/class/net/" + i.ifaceName + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// Close detaches the XDP program from the interface and frees the underlying
// eBPF resources owned by this Interface. It does not close any Socket instances;
// those must be closed separately before closing the Interface.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.coll != nil {
		i.coll.Close()
		i.coll, i.xsks = nil, nil
	}
	return errors.Join(errs...)
}

// registerXSK registers the socket FD in the xsks_map for the given queue.
// This allows the XDP program to redirect packets to the correct AF_XDP socket.
func (i *Interface) registerXSK(fd int, queue uint32) error {
	if i.xsks == nil {
		return ErrXSKSMapNotFound
	}
	if queue >= i.maxQueues {
		return fmt.Errorf("queue %d exceeds xsks_map capacity %d", queue, i.maxQueues)
	}
	return i.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (i *Interface) unregisterXSK(queue uint32) error {
	if i.xsks == nil {
		return nil
	}
	err := i.xsks.Delete(queue)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

// attachXDP loads and attaches the XDP program to the interface.
// When zerocopy is preferred, driver mode is requested to enable AF_XDP
// zero-copy.
func attachXDP(ifindex int, conf InterfaceConfig) (link.Link, *ebpf.Collection, error) {
	coll, err := ebpf.NewCollection(redirectSpec(conf.MaxQueues))
	if err != nil {
		return nil, nil, fmt.Errorf("loading XDP BPF: %w", err)
	}

	if coll.Maps[xsksMapName] == nil {
		coll.Close()
		return nil, nil, ErrXSKSMapNotFound
	}
	prog := coll.Programs[sockProgName]
	if prog == nil {
		coll.Close()
		return nil, nil, ErrXDPSockProgNotFound
	}

	opts := link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
	}
	if conf.PreferZerocopy {
		opts.Flags = link.XDPDriverMode
	}

	l, err := link.AttachXDP(opts)
	if err != nil {
		coll.Close()
		return nil, nil, fmt.Errorf("attaching XDP: %w", err)
	}
	return l, coll, nil
}

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/if_xdp.h#L39
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_mmap_offsets is defined in linux/if_xdp.h.
// ring.Offsets mirrors xdp_ring_offset.
type xdp_mmap_offsets struct {
	Rx ring.Offsets
	Tx ring.Offsets
	Fr ring.Offsets
	Cr ring.Offsets
}

// xdp_umem_reg is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/if_xdp.h#L75
type xdp_umem_reg struct {
	Addr          uint64
	Len           uint64
	ChunkSize     uint32
	Headroom      uint32
	Flags         uint32
	TxMetadataLen uint32
}

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

func setRingSize(fd, opt int, size uint32) error {
	return setsockopt(fd, unix.SOL_XDP, opt, unsafe.Pointer(&size), unsafe.Sizeof(size))
}

// mmapRing maps one of the RX/TX/FQ/CQ rings of the AF_XDP socket.
func mmapRing(fd int, pgoff int64, length uintptr) ([]byte, error) {
	return unix.Mmap(fd, pgoff, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
}

// mmapUmem maps an anonymous, page-backed region for UMEM.
func mmapUmem(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

// doorbell implements xsk.Kicker on the socket fd.
type doorbell int

// KickTx notifies the kernel/NIC that new TX descriptors are ready.
// AF_XDP interprets a zero-length sendto() as a doorbell signal to process
// the TX ring.
func (d doorbell) KickTx() error {
	err := unix.Sendto(int(d), nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case unix.EAGAIN, unix.EBUSY, unix.ENOBUFS, unix.ENETDOWN:
		// Non-fatal backpressure, the next kick retries.
		return nil
	}
	return err
}

// KickRx wakes up the driver to refill its RX descriptors from the fill ring.
func (d doorbell) KickRx() error {
	_, _, err := unix.Recvfrom(int(d), nil, unix.MSG_DONTWAIT)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.ENETDOWN:
		return nil
	}
	return err
}

// Socket is an AF_XDP bidirectional socket.
// The embedded Endpoint does the ring work.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	*xsk.Endpoint

	conf       SocketConfig
	isZerocopy bool
	registered bool
	log        zerolog.Logger

	fd   int
	umem []byte

	// regions are the mmapped rings: fill, rx, tx, completion.
	regions [4][]byte

	iface *Interface
}

// Open creates and initializes an AF_XDP socket.
// It allocates UMEM, maps rings, configures kernel structures, seeds the
// fill ring, binds to the target NIC queue and registers the socket in
// xsks_map. Everything acquired is released again if any step fails.
func (i *Interface) Open(conf SocketConfig) (s *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	s = &Socket{
		conf:  conf,
		fd:    fd,
		iface: i,
		log:   i.log.With().Uint32("queue", conf.QueueID).Logger(),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
			s = nil
		}
	}()

	// UMEM registration.
	s.umem, err = mmapUmem(int(conf.NumFrames) * int(conf.FrameSize))
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}

	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:       uint64(len(s.umem)),
		ChunkSize: conf.FrameSize,
		Headroom:  conf.Headroom,
	}
	if conf.Unaligned {
		reg.Flags = unix.XDP_UMEM_UNALIGNED_CHUNK_FLAG
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, r := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, conf.FillSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, conf.TxSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, conf.RxSize},
	} {
		if err := setRingSize(fd, r.opt, r.size); err != nil {
			return nil, fmt.Errorf("setsockopt %s: %w", r.name, err)
		}
	}

	// Query mmap offsets for all rings.
	var offs xdp_mmap_offsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	const (
		addrStride = unsafe.Sizeof(uint64(0))
		descStride = unsafe.Sizeof(ring.Desc{})
	)
	for n, m := range []struct {
		name   string
		pgoff  int64
		off    ring.Offsets
		size   uint32
		stride uintptr
	}{
		{"FQ", unix.XDP_UMEM_PGOFF_FILL_RING, offs.Fr, conf.FillSize, addrStride},
		{"RX", unix.XDP_PGOFF_RX_RING, offs.Rx, conf.RxSize, descStride},
		{"TX", unix.XDP_PGOFF_TX_RING, offs.Tx, conf.TxSize, descStride},
		{"CQ", unix.XDP_UMEM_PGOFF_COMPLETION_RING, offs.Cr, conf.CqSize, addrStride},
	} {
		s.regions[n], err = mmapRing(fd, m.pgoff, ring.RegionLen(m.off, m.size, m.stride))
		if err != nil {
			return nil, fmt.Errorf("mmap %s ring: %w", m.name, err)
		}
	}

	var rings xsk.Rings
	if rings.Fill, err = ring.NewFillQueue(s.regions[0], offs.Fr, conf.FillSize); err != nil {
		return nil, fmt.Errorf("making FQ queue: %w", err)
	}
	if rings.Rx, err = ring.NewRxQueue(s.regions[1], offs.Rx, conf.RxSize); err != nil {
		return nil, fmt.Errorf("making RX queue: %w", err)
	}
	if rings.Tx, err = ring.NewTxQueue(s.regions[2], offs.Tx, conf.TxSize); err != nil {
		return nil, fmt.Errorf("making TX queue: %w", err)
	}
	if rings.Completion, err = ring.NewCompletionQueue(
		s.regions[3], offs.Cr, conf.CqSize,
	); err != nil {
		return nil, fmt.Errorf("making CQ queue: %w", err)
	}

	u, err := umem.New(s.umem, umem.Config{
		ChunkSize: conf.FrameSize,
		Headroom:  conf.Headroom,
		Unaligned: conf.Unaligned,
	})
	if err != nil {
		return nil, fmt.Errorf("wrapping UMEM: %w", err)
	}
	pool := umem.NewFramePool(conf.NumFrames, conf.FrameSize)
	s.Endpoint = xsk.NewEndpoint(rings, u, pool, doorbell(fd), conf.BatchSize)

	// The kernel needs buffers on the fill ring before it can deliver.
	s.Prefill(conf.FillSize)

	// Bind AF_XDP socket to iface:queue.
	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(i.ifaceIndex),
		QueueID: conf.QueueID,
	}

	zerocopy := i.preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy && errors.Is(err, unix.EPROTONOSUPPORT) {
		// If zerocopy is not supported for this queue, fall back to copy mode.
		s.log.Warn().Msg("zerocopy not supported, falling back to copy mode")
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		zerocopy = false
		err = rawBind(fd, sa)
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket: %w", err)
	}
	s.isZerocopy = zerocopy

	if err := i.registerXSK(fd, conf.QueueID); err != nil {
		return nil, fmt.Errorf("registering XSK: %w", err)
	}
	s.registered = true

	s.log.Info().
		Bool("zerocopy", zerocopy).
		Uint32("frames", conf.NumFrames).
		Uint32("frame_size", conf.FrameSize).
		Bool("unaligned", conf.Unaligned).
		Msg("socket bound")

	return s, nil
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// May return false even if PreferZerocopy was true because the corresponding queue
// may not support XDP_ZEROCOPY mode and the socket fall back to XDP_COPY automatically.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// QueueID returns the NIC queue the socket is bound to.
func (s *Socket) QueueID() uint32 { return s.conf.QueueID }

// Queue describes the socket for xsk.RunProcessor.
func (s *Socket) Queue() xsk.Queue {
	name, index := s.iface.Info()
	return xsk.Queue{
		Iface:    name,
		IfIndex:  index,
		ID:       s.conf.QueueID,
		Endpoint: s.Endpoint,
		Wait:     func() error { return s.Wait(1) },
	}
}

// Close releases the socket, UMEM and kernel resources.
func (s *Socket) Close() error {
	var errs []error

	// The queue's map slot belongs to another socket unless this one
	// registered itself.
	if s.registered {
		if err := s.iface.unregisterXSK(s.conf.QueueID); err != nil {
			errs = append(errs, fmt.Errorf("unregistering XSK: %w", err))
		}
		s.registered = false
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}

	for n, r := range s.regions {
		if r == nil {
			continue
		}
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, err)
		}
		s.regions[n] = nil
	}

	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, err)
		}
		s.umem = nil
	}

	return errors.Join(errs...)
}

// Wait blocks until the AF_XDP socket becomes readable or the timeout expires.
// Returns nil when the socket becomes readable OR when the timeout expires.
// Returns a non-nil error only for real system call failures.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)

		// EINTR is never surfaced to the caller. Signals are delivered
		// routinely by profilers, debuggers and the Go runtime itself.
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
