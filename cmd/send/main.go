//go:build linux

// Command send transmits numbered UDP packets from one AF_XDP socket per
// queue. All sockets share one rate budget.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/romshark/xskring/afxdp"
	"github.com/romshark/xskring/internal/bench"
	"github.com/romshark/xskring/internal/logger"
	"github.com/romshark/xskring/pktgen"
	"github.com/romshark/xskring/ratelimit"
	"github.com/romshark/xskring/xsk"
)

func action(c *cli.Context) error {
	level, err := logger.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	log := logger.NewStderr("send", level, c.Bool("log-pretty"))

	ifaceName := c.String("iface")
	netIf, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("getting interface %q: %w", ifaceName, err)
	}
	dstMAC, err := net.ParseMAC(c.String("dst-mac"))
	if err != nil {
		return fmt.Errorf("parsing destination MAC: %w", err)
	}
	packet := pktgen.UDPConfig{
		SrcMAC:  netIf.HardwareAddr,
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(c.String("src-ip")),
		DstIP:   net.ParseIP(c.String("dst-ip")),
		SrcPort: uint16(c.Uint("src-port")),
		DstPort: uint16(c.Uint("dst-port")),
		Size:    uint32(c.Uint("size")),
	}
	if err := packet.ValidateAndSetDefaults(); err != nil {
		return err
	}

	iface, err := afxdp.MakeInterface(ifaceName, afxdp.InterfaceConfig{
		PreferZerocopy: c.Bool("zerocopy"),
		Logger:         &log,
	})
	if err != nil {
		return fmt.Errorf("initializing interface: %w", err)
	}
	defer iface.Close()

	queues := c.IntSlice("queue")
	sockets := make([]*afxdp.Socket, 0, len(queues))
	defer func() {
		for _, s := range sockets {
			_ = s.Close()
		}
	}()
	for _, q := range queues {
		if q < 0 {
			return fmt.Errorf("invalid queue ID %d", q)
		}
		sock, err := iface.Open(afxdp.SocketConfig{
			QueueID:   uint32(q),
			FrameSize: 2048,
			NumFrames: 1024 * 8,
			TxSize:    2048,
			CqSize:    2048,
		})
		if err != nil {
			return fmt.Errorf("opening socket on queue %d: %w", q, err)
		}
		sockets = append(sockets, sock)

		log.Info().
			Str("iface", ifaceName).
			Int("queue", q).
			Str("dst_mac", dstMAC.String()).
			Str("src_ip", c.String("src-ip")).
			Str("dst_ip", c.String("dst-ip")).
			Uint64("count", c.Uint64("count")).
			Bool("zerocopy", sock.IsZerocopy()).
			Msg("AF_XDP TX")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// nil when unlimited.
	budget := ratelimit.NewShared(c.Uint64("rate"), int(xsk.DefaultBatchSize))

	var (
		stats bench.Stats
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	start := time.Now()
	for _, sock := range sockets {
		wg.Go(func() {
			err := bench.Send(ctx, sock.Queue(), bench.SenderConfig{
				Packet: packet,
				Count:  c.Uint64("count"),
				Budget: budget,
			}, &stats)
			if err != nil && !errors.Is(err, context.Canceled) {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("queue %d: %w", sock.QueueID(), err))
				errMu.Unlock()
			}
		})
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	elapsed := time.Since(start)
	sent := stats.TxPackets.Load()
	pps := float64(sent) / elapsed.Seconds()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s completed=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Comma(int64(stats.TxCompleted.Load())),
		humanize.Bytes(stats.TxBytes.Load()),
		elapsed,
		humanize.Comma(int64(pps)),
	)
	return nil
}

func main() {
	app := &cli.App{
		Name:  "send",
		Usage: "AF_XDP UDP packet generator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "iface", Aliases: []string{"i"}, Required: true, Usage: "interface"},
			&cli.StringFlag{Name: "dst-mac", Aliases: []string{"d"}, Required: true, Usage: "destination MAC"},
			&cli.StringFlag{Name: "src-ip", Aliases: []string{"s"}, Required: true, Usage: "source IP"},
			&cli.StringFlag{Name: "dst-ip", Aliases: []string{"D"}, Required: true, Usage: "destination IP"},
			&cli.UintFlag{Name: "src-port", Value: 12345, Usage: "source port"},
			&cli.UintFlag{Name: "dst-port", Aliases: []string{"p"}, Usage: "destination port"},
			&cli.Uint64Flag{Name: "count", Aliases: []string{"n"}, Required: true, Usage: "packets to send per queue"},
			&cli.UintFlag{Name: "size", Aliases: []string{"l"}, Value: 1360, Usage: "packet size"},
			&cli.IntSliceFlag{Name: "queue", Aliases: []string{"q"}, Value: cli.NewIntSlice(0),
				Usage: "queue ID, repeat to send on several queues"},
			&cli.Uint64Flag{Name: "rate", Aliases: []string{"r"},
				Usage: "rate limit in PPS shared by all queues, 0 is unlimited"},
			&cli.BoolFlag{Name: "zerocopy", Aliases: []string{"z"}, Usage: "prefer zerocopy " +
				"(automatically falls back to copy mode if not supported)"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "logger level"},
			&cli.BoolFlag{Name: "log-pretty", Usage: "print human readable logs"},
		},
		Action: action,
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
