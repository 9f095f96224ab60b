package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Topology:
//
// sender(wan) -> router(r-in) => RunProcessor => router(r-out) -> receiver(sink)
//
// Every hop is a loopback device. Router:
//
//	dst IP 10.0.2.x -> out r-out
//	else            -> drop

type Config struct {
	Loopback struct {
		RingSize     uint32        `yaml:"ring-size"`
		NumFrames    uint32        `yaml:"num-frames"`
		FrameSize    uint32        `yaml:"frame-size"`
		Headroom     uint32        `yaml:"headroom"`
		Unaligned    bool          `yaml:"unaligned"`
		NeedWakeup   bool          `yaml:"need-wakeup"`
		PollInterval time.Duration `yaml:"poll-interval"`

		// Lossless makes the wires between devices wait for room on the
		// receiving side instead of dropping.
		Lossless bool `yaml:"lossless"`
	} `yaml:"loopback"`

	Router struct {
		BatchSize uint32 `yaml:"batch-size"`
	} `yaml:"router"`

	Sender struct {
		SrcIP     string `yaml:"src-ip"`
		DstIP     string `yaml:"dst-ip"`
		SrcPort   uint16 `yaml:"src-port"`
		DstPort   uint16 `yaml:"dst-port"`
		BatchSize uint32 `yaml:"batch-size"`
		RatePPS   uint64 `yaml:"rate-pps"` // 0 = unlimited, max speed.
	} `yaml:"sender"`

	Receiver struct {
		BatchSize uint32 `yaml:"batch-size"`
	} `yaml:"receiver"`

	MTU   uint32 `yaml:"mtu"`
	Count uint64 `yaml:"count"`
	Test  bool   `yaml:"test"`

	// StatsInterval is the period of the rate printer, 0 disables it.
	StatsInterval time.Duration `yaml:"stats-interval"`

	// Grace is how long the receiver may lag behind the sender.
	Grace time.Duration `yaml:"grace"`

	// Metrics is the listen address of the Prometheus endpoint, empty
	// disables it.
	Metrics string `yaml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	var conf Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}
	return &conf, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Loopback.PollInterval == 0 {
		c.Loopback.PollInterval = 50 * time.Microsecond
	}
	if c.Router.BatchSize == 0 {
		c.Router.BatchSize = 64
	}
	if c.Sender.BatchSize == 0 {
		c.Sender.BatchSize = 64
	}
	if c.Receiver.BatchSize == 0 {
		c.Receiver.BatchSize = 64
	}
	if c.Sender.SrcIP == "" {
		c.Sender.SrcIP = "10.0.1.1"
	}
	if c.Sender.DstIP == "" {
		c.Sender.DstIP = "10.0.2.1"
	}
	if c.Sender.SrcPort == 0 {
		c.Sender.SrcPort = 9000
	}
	if c.Sender.DstPort == 0 {
		c.Sender.DstPort = 9001
	}
	if c.MTU == 0 {
		c.MTU = 64
	}
	if c.Grace == 0 {
		c.Grace = time.Second
	}

	if ip := net.ParseIP(c.Sender.SrcIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid sender.src-ip %q", c.Sender.SrcIP)
	}
	if ip := net.ParseIP(c.Sender.DstIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid sender.dst-ip %q", c.Sender.DstIP)
	}
	if c.Count == 0 {
		return errors.New("count must be > 0")
	}
	if c.MTU < 64 || c.MTU > 1500 {
		return errors.New("unsupported mtu")
	}
	if c.Loopback.PollInterval < 0 || c.StatsInterval < 0 || c.Grace < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
