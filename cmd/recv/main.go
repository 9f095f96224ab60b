//go:build linux

// Command recv counts packets arriving on every RX queue of an interface.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/romshark/xskring/afxdp"
	"github.com/romshark/xskring/internal/bench"
	"github.com/romshark/xskring/internal/logger"
	"github.com/romshark/xskring/ringstat"
)

func action(c *cli.Context) error {
	level, err := logger.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	log := logger.NewStderr("recv", level, c.Bool("log-pretty"))

	ifaceName := c.String("iface")
	iface, err := afxdp.MakeInterface(ifaceName, afxdp.InterfaceConfig{
		PreferZerocopy: c.Bool("zerocopy"),
		Logger:         &log,
	})
	if err != nil {
		return fmt.Errorf("initializing interface: %w", err)
	}
	defer iface.Close()

	queues, err := iface.RXQueueIDs()
	if err != nil {
		return fmt.Errorf("listing queue ids: %w", err)
	}
	if len(queues) == 0 {
		return fmt.Errorf("no RX queues found for %s", ifaceName)
	}

	log.Info().
		Str("iface", ifaceName).
		Bool("use_zerocopy", c.Bool("zerocopy")).
		Interface("queues", queues).
		Msg("AF_XDP RX")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sources := make(map[string]ringstat.Source)
	var stats bench.Stats
	var wg sync.WaitGroup
	errs := make(chan error, len(queues))

	// 1 socket per queue, each in a separate goroutine.
	for _, qid := range queues {
		sock, err := iface.Open(afxdp.SocketConfig{QueueID: qid})
		if err != nil {
			return fmt.Errorf("queue %d: %w", qid, err)
		}
		sources[fmt.Sprintf("%s:%d", ifaceName, qid)] = ringstat.EndpointSource(sock.Stats)

		wg.Go(func() {
			defer sock.Close()
			if err := bench.Receive(ctx, sock.Queue(), afxdp.DefaultBatchSize, &stats, nil); err != nil {
				errs <- err
				stop()
			}
		})
	}

	before, err := ringstat.Snapshot(sources, ringstat.All...)
	if err != nil {
		return err
	}

	bench.PrintStats(ctx, os.Stdout, &stats, time.Second)
	wg.Wait()

	after, err := ringstat.Snapshot(sources, ringstat.All...)
	if err != nil {
		return err
	}
	if err := ringstat.Print(os.Stderr, after.Since(before), nil); err != nil {
		return err
	}

	select {
	case err := <-errs:
		return err
	default:
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "recv",
		Usage: "AF_XDP receive counter",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "iface", Aliases: []string{"i"}, Required: true, Usage: "interface"},
			&cli.BoolFlag{Name: "zerocopy", Aliases: []string{"z"}, Usage: "use zerocopy"},
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
