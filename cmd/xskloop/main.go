// Command xskloop routes UDP traffic between in-process loopback devices
// through the same ring code a real AF_XDP socket uses. It needs neither
// root nor a NIC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/romshark/xskring/internal/logger"
)

type cmdConfig struct {
	config     string
	rate       int64
	count      uint64
	mtu        uint
	test       bool
	needWakeup bool
	metrics    string
	stats      time.Duration
	logLevel   string
	logPretty  bool
}

var flagConf = &cmdConfig{}

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "path to config YAML file",
		Destination: &flagConf.config,
	},
	&cli.Int64Flag{
		Name:        "rate",
		Aliases:     []string{"r"},
		Value:       -1,
		Usage:       "sender rate limit in PPS (<0 falls back to config)",
		Destination: &flagConf.rate,
	},
	&cli.Uint64Flag{
		Name:        "count",
		Aliases:     []string{"n"},
		Usage:       "packet count override",
		Destination: &flagConf.count,
	},
	&cli.UintFlag{
		Name:        "mtu",
		Aliases:     []string{"l"},
		Usage:       "pkt size override (MTU)",
		Destination: &flagConf.mtu,
	},
	&cli.BoolFlag{
		Name:        "test",
		Usage:       "enable test mode (override)",
		Destination: &flagConf.test,
	},
	&cli.BoolFlag{
		Name:        "need-wakeup",
		Usage:       "devices go idle and wait to be kicked (override)",
		Destination: &flagConf.needWakeup,
	},
	&cli.StringFlag{
		Name:        "metrics",
		Usage:       "serve Prometheus metrics on this address",
		Destination: &flagConf.metrics,
	},
	&cli.DurationFlag{
		Name:        "stats",
		Usage:       "print rates every interval, 0 disables (override)",
		Destination: &flagConf.stats,
	},
	&cli.StringFlag{
		Name:        "log-level",
		Value:       "info",
		Usage:       "logger level",
		Destination: &flagConf.logLevel,
		Action: func(_ *cli.Context, v string) error {
			if !slices.Contains(logger.Levels, v) {
				return fmt.Errorf("possible values for logger level: %v", logger.Levels)
			}
			return nil
		},
	},
	&cli.BoolFlag{
		Name:        "log-pretty",
		Usage:       "print human readable logs",
		Destination: &flagConf.logPretty,
	},
}

// applyFlags overrides conf with every flag set on the command line.
func applyFlags(c *cli.Context, conf *Config) {
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
	if c.IsSet("need-wakeup") {
		conf.Loopback.NeedWakeup = flagConf.needWakeup
	}
	if flagConf.metrics != "" {
		conf.Metrics = flagConf.metrics
	}
	if c.IsSet("stats") {
		conf.StatsInterval = flagConf.stats
	}
}

func action(c *cli.Context) error {
	level, err := logger.ParseLevel(flagConf.logLevel)
	if err != nil {
		return err
	}
	log := logger.NewStderr("xskloop", level, flagConf.logPretty)

	conf, err := loadConfig(flagConf.config)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	applyFlags(c, conf)
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, conf, log, os.Stdout)
}

func main() {
	app := &cli.App{
		Name:   "xskloop",
		Usage:  "route UDP through AF_XDP rings over loopback devices",
		Flags:  flags,
		Action: action,
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
