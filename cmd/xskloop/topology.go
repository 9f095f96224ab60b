package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/alitto/pond"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/romshark/xskring/internal/bench"
	"github.com/romshark/xskring/loopback"
	"github.com/romshark/xskring/pktgen"
	"github.com/romshark/xskring/ringstat"
	"github.com/romshark/xskring/xsk"
)

var ErrTestFailed = errors.New("test failed")

const (
	ifIndexRouterIn  = 1
	ifIndexRouterOut = 2
)

var (
	macWAN       = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	macRouterIn  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	macRouterOut = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x03}
	macSink      = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x04}
)

type port struct {
	name  string
	alias string
	dev   *loopback.Device
	ep    *xsk.Endpoint
}

type topology struct {
	wan, routerIn, routerOut, sink port
}

func (t *topology) ports() []port {
	return []port{t.wan, t.routerIn, t.routerOut, t.sink}
}

// wire returns a TxHook delivering every transmitted packet into dst.
func wire(ctx context.Context, dst **loopback.Device, lossless bool) func([]byte) {
	return func(pkt []byte) {
		for !(*dst).Inject(pkt) && lossless && ctx.Err() == nil {
			time.Sleep(5 * time.Microsecond)
		}
	}
}

func buildTopology(ctx context.Context, conf *Config, log zerolog.Logger) (*topology, error) {
	devConf := func(hook func([]byte)) loopback.Config {
		return loopback.Config{
			RingSize:   conf.Loopback.RingSize,
			NumFrames:  conf.Loopback.NumFrames,
			FrameSize:  conf.Loopback.FrameSize,
			Headroom:   conf.Loopback.Headroom,
			Unaligned:  conf.Loopback.Unaligned,
			NeedWakeup: conf.Loopback.NeedWakeup,
			TxHook:     hook,
		}
	}

	dc := devConf(nil)
	if err := dc.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if conf.MTU > dc.FrameSize-dc.Headroom {
		return nil, fmt.Errorf("mtu %d does not fit frame of %d bytes with %d headroom",
			conf.MTU, dc.FrameSize, dc.Headroom)
	}

	t := &topology{
		wan:       port{name: "wan", alias: "sender"},
		routerIn:  port{name: "r-in", alias: "router1"},
		routerOut: port{name: "r-out", alias: "router2"},
		sink:      port{name: "sink", alias: "receiver"},
	}
	hooks := map[string]func([]byte){
		"wan":   wire(ctx, &t.routerIn.dev, conf.Loopback.Lossless),
		"r-out": wire(ctx, &t.sink.dev, conf.Loopback.Lossless),
	}
	batches := map[string]uint32{
		"wan":   conf.Sender.BatchSize,
		"r-in":  conf.Router.BatchSize,
		"r-out": conf.Router.BatchSize,
		"sink":  conf.Receiver.BatchSize,
	}

	for _, p := range []*port{&t.wan, &t.routerIn, &t.routerOut, &t.sink} {
		dev, err := loopback.New(devConf(hooks[p.name]), log.With().Str("dev", p.name).Logger())
		if err != nil {
			return nil, fmt.Errorf("creating device %s: %w", p.name, err)
		}
		p.dev = dev
		p.ep = dev.Endpoint(batches[p.name])
	}
	return t, nil
}

func serveMetrics(addr string, t *topology, log zerolog.Logger) *http.Server {
	col := ringstat.NewCollector("xskloop")
	for _, p := range t.ports() {
		col.AddRings(p.name, p.ep)
		col.AddCounters(p.name, ringstat.EndpointSource(p.ep.Stats))
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(col)

	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

// run pushes conf.Count packets from wan through the router to sink and
// writes the reports to out.
func run(ctx context.Context, conf *Config, log zerolog.Logger, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t, err := buildTopology(ctx, conf, log)
	if err != nil {
		return err
	}

	if conf.Metrics != "" {
		srv := serveMetrics(conf.Metrics, t, log)
		defer func() { _ = srv.Close() }()
	}

	sources := make(map[string]ringstat.Source)
	aliases := make(map[string]string)
	for _, p := range t.ports() {
		sources[p.name] = ringstat.EndpointSource(p.ep.Stats)
		aliases[p.name] = p.alias
	}
	before, err := ringstat.Snapshot(sources, ringstat.All...)
	if err != nil {
		return fmt.Errorf("taking endpoint stats (before): %w", err)
	}

	packet := pktgen.UDPConfig{
		SrcMAC:  macWAN,
		DstMAC:  macRouterIn,
		SrcIP:   net.ParseIP(conf.Sender.SrcIP),
		DstIP:   net.ParseIP(conf.Sender.DstIP),
		SrcPort: conf.Sender.SrcPort,
		DstPort: conf.Sender.DstPort,
		Size:    conf.MTU,
	}
	if err := packet.ValidateAndSetDefaults(); err != nil {
		return err
	}

	var verifier *bench.Verifier
	if conf.Test {
		match := packet
		match.SrcMAC, match.DstMAC = macRouterOut, macSink
		verifier = &bench.Verifier{Match: &match, Expect: conf.Count}
	}

	var stats bench.Stats

	// One worker per long running task: 2 device loops, router, receiver
	// and the stats printer.
	pool := pond.New(5, 0)
	defer pool.StopAndWait()
	defer cancel()

	for _, p := range []port{t.wan, t.routerOut} {
		pool.Submit(func() {
			_ = p.dev.Run(ctx, conf.Loopback.PollInterval)
		})
	}

	routerErr := make(chan error, 1)
	pool.Submit(func() {
		err := xsk.RunProcessor(ctx, []xsk.Queue{
			t.routerIn.dev.Queue(t.routerIn.name, ifIndexRouterIn, t.routerIn.ep),
			t.routerOut.dev.Queue(t.routerOut.name, ifIndexRouterOut, t.routerOut.ep),
		}, bench.NewRouter(map[byte]bench.Route{
			2: {IfIndex: ifIndexRouterOut, SrcMAC: macRouterOut, DstMAC: macSink},
		}))
		if err != nil && !errors.Is(err, context.Canceled) {
			routerErr <- err
			cancel()
		}
	})

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	recvDone := make(chan error, 1)
	pool.Submit(func() {
		recvDone <- bench.Receive(recvCtx,
			t.sink.dev.Queue(t.sink.name, 0, t.sink.ep),
			conf.Receiver.BatchSize, &stats, verifier)
	})

	printerDone := make(chan struct{})
	if conf.StatsInterval > 0 {
		pool.Submit(func() {
			defer close(printerDone)
			bench.PrintStats(recvCtx, out, &stats, conf.StatsInterval)
		})
	} else {
		close(printerDone)
	}

	log.Info().
		Uint64("count", conf.Count).
		Uint32("mtu", conf.MTU).
		Uint64("rate_pps", conf.Sender.RatePPS).
		Bool("test", conf.Test).
		Msg("sending")

	sendErr := bench.Send(ctx, t.wan.dev.Queue(t.wan.name, 0, t.wan.ep), bench.SenderConfig{
		Packet:    packet,
		Count:     conf.Count,
		BatchSize: conf.Sender.BatchSize,
		RatePPS:   conf.Sender.RatePPS,
	}, &stats)

	// Give the receiver time to catch up with the sender.
	deadline := time.Now().Add(conf.Grace)
	for sendErr == nil && stats.RxPackets.Load() < conf.Count && time.Now().Before(deadline) {
		if verifier != nil && verifier.Done() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancelRecv()
	recvErr := <-recvDone
	<-printerDone
	cancel()

	select {
	case err := <-routerErr:
		return fmt.Errorf("running router: %w", err)
	default:
	}
	if sendErr != nil {
		return fmt.Errorf("sending: %w", sendErr)
	}

	bench.PrintFinalReport(out, &stats)

	after, err := ringstat.Snapshot(sources, ringstat.All...)
	if err != nil {
		return fmt.Errorf("taking endpoint stats (after): %w", err)
	}
	fmt.Fprintf(out, "\nENDPOINT COUNTERS:\n")
	if err := ringstat.Print(out, after.Since(before), aliases); err != nil {
		return fmt.Errorf("printing endpoint stats diff: %w", err)
	}
	fmt.Fprintln(out)

	for _, p := range t.ports() {
		s := p.dev.Stats()
		log.Debug().
			Str("dev", p.name).
			Uint64("injected", s.Injected).
			Uint64("dropped", s.Dropped).
			Uint64("transmitted", s.Transmitted).
			Uint64("wakeups", s.Wakeups).
			Msg("device stats")
	}

	if verifier == nil {
		return recvErr
	}
	if recvErr != nil {
		return fmt.Errorf("%w: %w", ErrTestFailed, recvErr)
	}
	res := &verifier.Result
	if received := res.Received.Load(); received != conf.Count {
		return fmt.Errorf("%w: received %d of %d (%d lost)",
			ErrTestFailed, received, conf.Count, res.Lost.Load())
	}
	fmt.Fprintf(out, "TEST PASSED: received all %d packets in order\n", conf.Count)
	return nil
}
