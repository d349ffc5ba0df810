package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peerstore"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/seeds"
)

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if !slices.Contains(seeds.Networks(), c.Network) {
		return fmt.Errorf("network: unknown id %q", c.Network)
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen address: required")
	}
	if c.NodeAddress != "" {
		if _, err := p2p.ParseNodeAddress(c.NodeAddress); err != nil {
			return fmt.Errorf("node address: %w", err)
		}
	}
	if c.P2P.MaxConnections <= 0 {
		return errors.New("p2p: MaxConnections <= 0")
	}
	if c.P2P.MsgThrottlePerSec <= 0 || c.P2P.MsgThrottlePer10Sec <= 0 {
		return errors.New("p2p: message throttle limits must be positive")
	}
	if c.P2P.MsgThrottlePer10Sec < c.P2P.MsgThrottlePerSec {
		return errors.New("p2p: MsgThrottlePer10Sec < MsgThrottlePerSec")
	}
	if c.P2P.SendMsgThrottleTriggerMs <= 0 || c.P2P.SendMsgThrottleSleepMs <= 0 {
		return errors.New("p2p: send throttle durations must be positive")
	}
	for _, raw := range c.P2P.SeedNodes {
		if _, err := p2p.ParseNodeAddress(raw); err != nil {
			return fmt.Errorf("p2p: seed node %q: %w", raw, err)
		}
	}
	if _, err := c.P2P.BannedAddresses(); err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	if _, err := parseCapabilities(c.P2P.MandatoryCapabilities); err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	switch c.P2P.PeerStore {
	case peerstore.BackendLevelDB, peerstore.BackendBolt, peerstore.BackendMemory:
	default:
		return fmt.Errorf("p2p: unknown peer store backend %q", c.P2P.PeerStore)
	}
	if c.Tor.Enabled && strings.TrimSpace(c.Tor.SocksAddress) == "" {
		return errors.New("tor: SocksAddress required when enabled")
	}
	if c.Telemetry.Enabled() && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return errors.New("telemetry: Endpoint required when exporting")
	}
	return nil
}
