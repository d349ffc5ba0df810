package config

import (
	"fmt"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/observability/otel"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
)

// P2PConfig limits the overlay node.
type P2PConfig struct {
	MaxConnections int  `toml:"MaxConnections"`
	IsSeedNode     bool `toml:"IsSeedNode"`
	// SeedNodes replaces the bundled seed list of the network when set.
	SeedNodes                []string `toml:"SeedNodes"`
	BannedNodes              []string `toml:"BannedNodes"`
	MsgThrottlePerSec        int      `toml:"MsgThrottlePerSec"`
	MsgThrottlePer10Sec      int      `toml:"MsgThrottlePer10Sec"`
	SendMsgThrottleTriggerMs int      `toml:"SendMsgThrottleTriggerMs"`
	SendMsgThrottleSleepMs   int      `toml:"SendMsgThrottleSleepMs"`
	MandatoryCapabilities    []string `toml:"MandatoryCapabilities"`
	PeerStore                string   `toml:"PeerStore"`
}

// TorConfig selects the SOCKS5 transport.
type TorConfig struct {
	Enabled      bool   `toml:"Enabled"`
	SocksAddress string `toml:"SocksAddress"`
}

type LoggingConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

type TelemetryConfig struct {
	Endpoint string            `toml:"Endpoint"`
	Insecure bool              `toml:"Insecure"`
	Metrics  bool              `toml:"Metrics"`
	Traces   bool              `toml:"Traces"`
	Headers  map[string]string `toml:"Headers"`
}

// StatusConfig configures the local status HTTP server. An empty address
// disables it.
type StatusConfig struct {
	ListenAddress string `toml:"ListenAddress"`
}

// ConnectionConfig converts the throttle and capability settings.
func (c P2PConfig) ConnectionConfig() (p2p.ConnectionConfig, error) {
	caps, err := parseCapabilities(c.MandatoryCapabilities)
	if err != nil {
		return p2p.ConnectionConfig{}, err
	}
	return p2p.ConnectionConfig{
		MsgThrottlePerSec:      c.MsgThrottlePerSec,
		MsgThrottlePer10Sec:    c.MsgThrottlePer10Sec,
		SendMsgThrottleTrigger: time.Duration(c.SendMsgThrottleTriggerMs) * time.Millisecond,
		SendMsgThrottleSleep:   time.Duration(c.SendMsgThrottleSleepMs) * time.Millisecond,
		MandatoryCapabilities:  caps,
	}, nil
}

// BannedAddresses parses BannedNodes.
func (c P2PConfig) BannedAddresses() ([]p2p.NodeAddress, error) {
	out := make([]p2p.NodeAddress, 0, len(c.BannedNodes))
	for _, raw := range c.BannedNodes {
		addr, err := p2p.ParseNodeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("banned node %q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Capabilities returns what the node announces. Seed nodes add SEED_NODE.
func (c P2PConfig) Capabilities() p2p.Capabilities {
	caps := p2p.DefaultCapabilities()
	if c.IsSeedNode {
		caps = p2p.NewCapabilities(append(caps, p2p.CapSeedNode)...)
	}
	return caps
}

func (c LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// OTel builds the exporter configuration for service.
func (c TelemetryConfig) OTel(service, env string) otel.Config {
	return otel.Config{
		ServiceName: service,
		Environment: env,
		Endpoint:    c.Endpoint,
		Insecure:    c.Insecure,
		Headers:     c.Headers,
		Metrics:     c.Metrics,
		Traces:      c.Traces,
	}
}

// Enabled reports whether any exporter is on.
func (c TelemetryConfig) Enabled() bool { return c.Metrics || c.Traces }

func parseCapabilities(names []string) (p2p.Capabilities, error) {
	caps := make([]p2p.Capability, 0, len(names))
	for _, name := range names {
		capability, ok := p2p.ParseCapability(name)
		if !ok {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		caps = append(caps, capability)
	}
	return p2p.NewCapabilities(caps...), nil
}
