package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "p2pd.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `Network = "btc_mainnet"`)
	require.Contains(t, string(raw), "[P2P]")

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pd.toml")
	contents := `Network = "BTC_REGTEST"
ListenAddress = "127.0.0.1:3002"
NodeAddress = "localhost:3002"
DataDir = "./regtest"
DevMode = true
Environment = "test"

[P2P]
MaxConnections = 8
IsSeedNode = true
SeedNodes = ["localhost:2002"]
BannedNodes = ["localhost:4002"]
MsgThrottlePerSec = 50
MsgThrottlePer10Sec = 400
SendMsgThrottleTriggerMs = 10
SendMsgThrottleSleepMs = 30
MandatoryCapabilities = ["bundle_of_envelopes"]
PeerStore = "Bolt"

[Tor]
Enabled = false

[Logging]
Level = "debug"
File = "p2pd.log"

[Telemetry]
Endpoint = "collector:4318"
Metrics = true

[Telemetry.Headers]
authorization = "token"

[Status]
ListenAddress = ""
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "btc_regtest", cfg.Network)
	require.True(t, cfg.DevMode)
	require.Equal(t, "bolt", cfg.P2P.PeerStore)
	require.True(t, cfg.P2P.IsSeedNode)
	require.Equal(t, []string{"localhost:2002"}, cfg.P2P.SeedNodes)
	require.False(t, cfg.Tor.Enabled)
	require.Equal(t, "127.0.0.1:9050", cfg.Tor.SocksAddress, "unset keys keep their defaults")
	require.Empty(t, cfg.Status.ListenAddress)
	require.Equal(t, "token", cfg.Telemetry.Headers["authorization"])

	conn, err := cfg.P2P.ConnectionConfig()
	require.NoError(t, err)
	require.Equal(t, 50, conn.MsgThrottlePerSec)
	require.Equal(t, 400, conn.MsgThrottlePer10Sec)
	require.Equal(t, 10*time.Millisecond, conn.SendMsgThrottleTrigger)
	require.Equal(t, 30*time.Millisecond, conn.SendMsgThrottleSleep)
	require.Equal(t, p2p.NewCapabilities(p2p.CapBundleOfEnvelopes), conn.MandatoryCapabilities)

	banned, err := cfg.P2P.BannedAddresses()
	require.NoError(t, err)
	require.Equal(t, []p2p.NodeAddress{p2p.MustParseNodeAddress("localhost:4002")}, banned)
	require.True(t, cfg.P2P.Capabilities().Contains(p2p.CapSeedNode))

	opts := cfg.Logging.Options()
	require.Equal(t, "debug", opts.Level)
	require.Equal(t, "p2pd.log", opts.File)

	otelCfg := cfg.Telemetry.OTel("p2pd", cfg.Environment)
	require.Equal(t, "collector:4318", otelCfg.Endpoint)
	require.True(t, otelCfg.Metrics)
	require.False(t, otelCfg.Traces)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pd.toml")
	require.NoError(t, os.WriteFile(path, []byte("Network = \"btc_mainnet\"\nBootnodes = []\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "Bootnodes")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown network":        func(c *Config) { c.Network = "ltc_mainnet" },
		"zero connections":       func(c *Config) { c.P2P.MaxConnections = 0 },
		"negative throttle":      func(c *Config) { c.P2P.MsgThrottlePerSec = -1 },
		"inverted throttle":      func(c *Config) { c.P2P.MsgThrottlePer10Sec = c.P2P.MsgThrottlePerSec - 1 },
		"zero send sleep":        func(c *Config) { c.P2P.SendMsgThrottleSleepMs = 0 },
		"malformed seed":         func(c *Config) { c.P2P.SeedNodes = []string{"no-port"} },
		"malformed ban":          func(c *Config) { c.P2P.BannedNodes = []string{"host:0"} },
		"unknown capability":     func(c *Config) { c.P2P.MandatoryCapabilities = []string{"TELEPORT"} },
		"unknown store":          func(c *Config) { c.P2P.PeerStore = "sqlite" },
		"tor without proxy":      func(c *Config) { c.Tor.SocksAddress = "" },
		"malformed node address": func(c *Config) { c.NodeAddress = "onion" },
		"telemetry no endpoint": func(c *Config) {
			c.Telemetry.Traces = true
			c.Telemetry.Endpoint = ""
		},
	}
	require.NoError(t, Default().Validate())
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
