//go:build linux

// Command route benchmarks an AF_XDP router between real interfaces.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/romshark/xskring/afxdp"
	"github.com/romshark/xskring/internal/bench"
	"github.com/romshark/xskring/internal/logger"
	"github.com/romshark/xskring/pktgen"
	"github.com/romshark/xskring/ringstat"
)

// Topology:
//
// sender.interface  <->  router.interface1
// router.interface2 <->  receiver.interface
//
// Router:
//   dst IP 10.0.1.x -> out interface1
//   dst IP 10.0.2.x -> out interface2
//   else            -> drop

type Config struct {
	Router struct {
		Interface1     string `yaml:"interface1"`
		Interface2     string `yaml:"interface2"`
		PreferZerocopy bool   `yaml:"prefer-zerocopy"`
		BatchSize      uint32 `yaml:"batch-size"`
	} `yaml:"router"`

	Sender struct {
		Interface      string `yaml:"interface"`
		PreferZerocopy bool   `yaml:"prefer-zerocopy"`
		Queue          uint32 `yaml:"queue"`

		DestMAC   string `yaml:"dest-mac"` // MAC of router.interface1
		SrcIP     string `yaml:"src-ip"`
		DstIP     string `yaml:"dst-ip"`
		SrcPort   uint16 `yaml:"src-port"`
		DstPort   uint16 `yaml:"dst-port"`
		BatchSize uint32 `yaml:"batch-size"`
		RatePPS   uint64 `yaml:"rate-pps"` // 0 = unlimited, max speed.
	} `yaml:"sender"`

	Receiver struct {
		Interface      string `yaml:"interface"`
		PreferZerocopy bool   `yaml:"prefer-zerocopy"`
		BatchSize      uint32 `yaml:"batch-size"`
	} `yaml:"receiver"`

	MTU   uint32 `yaml:"mtu"`
	Count uint64 `yaml:"count"`
	Test  bool   `yaml:"test"`
}

func (conf *Config) ValidateAndSetDefaults() error {
	if conf.Router.Interface1 == "" || conf.Router.Interface2 == "" {
		return errors.New("router.interface1 and router.interface2 must be set")
	}
	if conf.Sender.Interface == "" {
		return errors.New("sender.interface must be set")
	}
	if conf.Receiver.Interface == "" {
		return errors.New("receiver.interface must be set")
	}
	if conf.Sender.DestMAC == "" {
		return errors.New("sender.dest-mac must be set (MAC of router.interface1)")
	}
	if _, err := net.ParseMAC(conf.Sender.DestMAC); err != nil {
		return fmt.Errorf("invalid sender.dest-mac %q: %w", conf.Sender.DestMAC, err)
	}
	if net.ParseIP(conf.Sender.SrcIP).To4() == nil {
		return fmt.Errorf("invalid sender.src-ip %q", conf.Sender.SrcIP)
	}
	if net.ParseIP(conf.Sender.DstIP).To4() == nil {
		return fmt.Errorf("invalid sender.dst-ip %q", conf.Sender.DstIP)
	}
	if conf.Count == 0 {
		return errors.New("count must be > 0")
	}
	if conf.MTU < 64 || conf.MTU > 1500 {
		return errors.New("unsupported mtu")
	}
	if conf.Router.BatchSize == 0 {
		conf.Router.BatchSize = afxdp.DefaultBatchSize
	}
	if conf.Sender.BatchSize == 0 {
		conf.Sender.BatchSize = afxdp.DefaultBatchSize
	}
	if conf.Receiver.BatchSize == 0 {
		conf.Receiver.BatchSize = afxdp.DefaultBatchSize
	}
	return nil
}

var flagConf struct {
	config    string
	mode      string
	rate      int64
	count     uint64
	mtu       uint
	test      bool
	logLevel  string
	logPretty bool
}

var flags = []cli.Flag{
	&cli.StringFlag{
		Name: "config", Value: "route.yaml",
		Usage: "path to config YAML file", Destination: &flagConf.config,
	},
	&cli.StringFlag{
		Name: "mode", Aliases: []string{"m"},
		Usage: "overwrite copy/zerocopy mode for all interfaces", Destination: &flagConf.mode,
	},
	&cli.Int64Flag{
		Name: "rate", Aliases: []string{"r"}, Value: -1,
		Usage: "sender rate limit in PPS (<0 falls back to config)", Destination: &flagConf.rate,
	},
	&cli.Uint64Flag{
		Name: "count", Aliases: []string{"n"},
		Usage: "packet count override", Destination: &flagConf.count,
	},
	&cli.UintFlag{
		Name: "mtu", Aliases: []string{"l"},
		Usage: "pkt size override (MTU)", Destination: &flagConf.mtu,
	},
	&cli.BoolFlag{
		Name: "test", Usage: "enable test mode (override)", Destination: &flagConf.test,
	},
	&cli.StringFlag{
		Name: "log-level", Value: "info", Usage: "logger level", Destination: &flagConf.logLevel,
		Action: func(_ *cli.Context, v string) error {
			if !slices.Contains(logger.Levels, v) {
				return fmt.Errorf("possible values for logger level: %v", logger.Levels)
			}
			return nil
		},
	},
	&cli.BoolFlag{
		Name: "log-pretty", Usage: "print human readable logs", Destination: &flagConf.logPretty,
	},
}

func loadConfig() (*Config, error) {
	b, err := os.ReadFile(flagConf.config)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	switch flagConf.mode {
	case "copy":
		conf.Sender.PreferZerocopy, conf.Receiver.PreferZerocopy = false, false
		conf.Router.PreferZerocopy = false
	case "zerocopy":
		conf.Sender.PreferZerocopy, conf.Receiver.PreferZerocopy = true, true
		conf.Router.PreferZerocopy = true
	case "":
	default:
		return nil, fmt.Errorf("unknown mode %q", flagConf.mode)
	}
	if flagConf.rate >= 0 {
		conf.Sender.RatePPS = uint64(flagConf.rate)
	}
	if flagConf.count != 0 {
		conf.Count = flagConf.count
	}
	if flagConf.mtu != 0 {
		conf.MTU = uint32(flagConf.mtu)
	}
	if flagConf.test {
		conf.Test = true
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func ifaceMAC(name string) (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("getting interface %q: %w", name, err)
	}
	return iface.HardwareAddr, nil
}

func makeInterface(name string, zc bool, log zerolog.Logger) (*afxdp.Interface, error) {
	return afxdp.MakeInterface(name, afxdp.InterfaceConfig{
		PreferZerocopy: zc,
		Logger:         &log,
	})
}

// runRouter starts the router processor.
func runRouter(
	ctx context.Context, conf *Config, router2MAC, receiverMAC net.HardwareAddr,
	log zerolog.Logger,
) error {
	iface1, err := makeInterface(conf.Router.Interface1, conf.Router.PreferZerocopy, log)
	if err != nil {
		return fmt.Errorf("router iface1: %w", err)
	}
	defer iface1.Close()

	iface2, err := makeInterface(conf.Router.Interface2, conf.Router.PreferZerocopy, log)
	if err != nil {
		return fmt.Errorf("router iface2: %w", err)
	}
	defer iface2.Close()

	_, if1Index := iface1.Info()
	_, if2Index := iface2.Info()

	handler := bench.NewRouter(map[byte]bench.Route{
		1: {IfIndex: if1Index},
		2: {IfIndex: if2Index, SrcMAC: router2MAC, DstMAC: receiverMAC},
	})

	return afxdp.RunProcessor(ctx,
		[]*afxdp.Interface{iface1, iface2},
		afxdp.SocketConfig{BatchSize: conf.Router.BatchSize},
		handler)
}

var edgeSocket = afxdp.SocketConfig{
	NumFrames: 1024 * 16,
	RxSize:    1024 * 2,
	TxSize:    1024 * 2,
	CqSize:    1024 * 2,
}

// runReceivers opens a socket on every RX queue of iface and consumes from
// all of them until ctx is canceled or v is done.
func runReceivers(
	ctx context.Context,
	iface *afxdp.Interface,
	batch uint32,
	stats *bench.Stats,
	v *bench.Verifier,
	log zerolog.Logger,
) (*sync.WaitGroup, <-chan error, error) {
	qs, err := iface.RXQueueIDs()
	if err != nil {
		return nil, nil, fmt.Errorf("listing RX queues: %w", err)
	}
	if len(qs) == 0 {
		return nil, nil, errors.New("no RX queues on receiver")
	}

	var socks []*afxdp.Socket
	for _, q := range qs {
		c := edgeSocket
		c.QueueID, c.BatchSize = q, batch
		sock, err := iface.Open(c)
		if err != nil {
			for _, s := range socks {
				_ = s.Close()
			}
			return nil, nil, fmt.Errorf("opening RX socket: %w", err)
		}
		socks = append(socks, sock)
	}

	ifaceName, _ := iface.Info()
	errs := make(chan error, len(socks))
	var done sync.WaitGroup
	for _, sock := range socks {
		done.Go(func() {
			defer sock.Close()
			log.Info().
				Str("iface", ifaceName).
				Uint32("queue", sock.QueueID()).
				Bool("zerocopy", sock.IsZerocopy()).
				Bool("test", v != nil).
				Msg("RX started")
			if err := bench.Receive(ctx, sock.Queue(), batch, stats, v); err != nil {
				errs <- err
			}
		})
	}
	return &done, errs, nil
}

func runSender(ctx context.Context, conf *Config, stats *bench.Stats, log zerolog.Logger) error {
	iface, err := makeInterface(conf.Sender.Interface, conf.Sender.PreferZerocopy, log)
	if err != nil {
		return fmt.Errorf("sender iface: %w", err)
	}
	defer iface.Close()

	srcMAC, err := ifaceMAC(conf.Sender.Interface)
	if err != nil {
		return err
	}
	dstMAC, _ := net.ParseMAC(conf.Sender.DestMAC)

	c := edgeSocket
	c.QueueID, c.BatchSize = conf.Sender.Queue, conf.Sender.BatchSize
	sock, err := iface.Open(c)
	if err != nil {
		return fmt.Errorf("open TX socket: %w", err)
	}
	defer sock.Close()

	log.Info().
		Str("iface", conf.Sender.Interface).
		Uint32("queue", conf.Sender.Queue).
		Bool("zerocopy", sock.IsZerocopy()).
		Msg("TX started")

	return bench.Send(ctx, sock.Queue(), bench.SenderConfig{
		Packet:    senderPacket(conf, srcMAC, dstMAC),
		Count:     conf.Count,
		BatchSize: conf.Sender.BatchSize,
		RatePPS:   conf.Sender.RatePPS,
	}, stats)
}

func senderPacket(conf *Config, srcMAC, dstMAC net.HardwareAddr) pktgen.UDPConfig {
	return pktgen.UDPConfig{
		SrcMAC:  srcMAC,
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(conf.Sender.SrcIP),
		DstIP:   net.ParseIP(conf.Sender.DstIP),
		SrcPort: conf.Sender.SrcPort,
		DstPort: conf.Sender.DstPort,
		Size:    conf.MTU,
	}
}

func run(ctx context.Context, conf *Config, log zerolog.Logger) error {
	// Get MACs for router.interface2 and receiver.interface for L2 rewrite + test.
	router2MAC, err := ifaceMAC(conf.Router.Interface2)
	if err != nil {
		return err
	}
	recvMAC, err := ifaceMAC(conf.Receiver.Interface)
	if err != nil {
		return err
	}

	ctxRouter, cancelRouter := context.WithCancel(ctx)
	defer cancelRouter()
	routerErr := make(chan error, 1)
	go func() {
		err := runRouter(ctxRouter, conf, router2MAC, recvMAC, log)
		if err != nil && !errors.Is(err, context.Canceled) {
			routerErr <- err
		}
	}()
	wait(time.Second, "router", log)

	var stats bench.Stats
	var verifier *bench.Verifier
	if conf.Test {
		match := senderPacket(conf, router2MAC, recvMAC)
		if err := match.ValidateAndSetDefaults(); err != nil {
			return err
		}
		verifier = &bench.Verifier{Match: &match, Expect: conf.Count}
	}

	ifaceReceiver, err := makeInterface(
		conf.Receiver.Interface, conf.Receiver.PreferZerocopy, log)
	if err != nil {
		return fmt.Errorf("receiver iface: %w", err)
	}
	defer ifaceReceiver.Close()

	ctxRecv, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	recvDone, recvErrs, err := runReceivers(
		ctxRecv, ifaceReceiver, conf.Receiver.BatchSize, &stats, verifier, log)
	if err != nil {
		return err
	}

	go bench.PrintStats(ctxRecv, os.Stdout, &stats, time.Second)

	wait(time.Second, "receiver", log)

	sendErr := runSender(ctx, conf, &stats, log)

	wait(time.Second, "sender", log)
	cancelRecv()
	recvDone.Wait()
	cancelRouter()

	select {
	case err := <-routerErr:
		return fmt.Errorf("running router: %w", err)
	default:
	}
	if sendErr != nil {
		return fmt.Errorf("sending: %w", sendErr)
	}

	if verifier != nil {
		select {
		case err := <-recvErrs:
			return fmt.Errorf("TEST FAILED: %w", err)
		default:
		}
		if received := verifier.Result.Received.Load(); received != conf.Count {
			return fmt.Errorf("TEST FAILED: received %d of %d", received, conf.Count)
		}
		fmt.Fprintf(os.Stderr, "TEST PASSED: received all %d packets in order\n", conf.Count)
	}

	bench.PrintFinalReport(os.Stdout, &stats)
	return nil
}

func action(c *cli.Context) error {
	level, err := logger.ParseLevel(flagConf.logLevel)
	if err != nil {
		return err
	}
	log := logger.NewStderr("route", level, flagConf.logPretty)

	conf, err := loadConfig()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	sources := map[string]ringstat.Source{
		conf.Sender.Interface:   ringstat.Ethtool(conf.Sender.Interface),
		conf.Router.Interface1:  ringstat.Ethtool(conf.Router.Interface1),
		conf.Router.Interface2:  ringstat.Ethtool(conf.Router.Interface2),
		conf.Receiver.Interface: ringstat.Ethtool(conf.Receiver.Interface),
	}
	counters := []ringstat.Counter{
		ringstat.TxPackets, ringstat.TxBytes,
		ringstat.RxPackets, ringstat.RxBytes,
	}

	before, err := ringstat.Snapshot(sources, counters...)
	if err != nil {
		return fmt.Errorf("taking interface stats (before): %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, log); err != nil {
		return err
	}

	after, err := ringstat.Snapshot(sources, counters...)
	if err != nil {
		return fmt.Errorf("taking interface stats (after): %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nINTERFACE COUNTERS:\n")
	err = ringstat.Print(os.Stderr, after.Since(before), map[string]string{
		conf.Sender.Interface:   "sender",
		conf.Router.Interface1:  "router1",
		conf.Router.Interface2:  "router2",
		conf.Receiver.Interface: "receiver",
	})
	if err != nil {
		return fmt.Errorf("printing interface stats diff: %w", err)
	}
	fmt.Fprintln(os.Stderr)
	return nil
}

func wait(dur time.Duration, subject string, log zerolog.Logger) {
	log.Info().Dur("dur", dur).Str("for", subject).Msg("waiting")
	time.Sleep(dur)
}

func main() {
	app := &cli.App{
		Name:   "route",
		Usage:  "AF_XDP router benchmark",
		Flags:  flags,
		Action: action,
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
