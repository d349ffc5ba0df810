package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration file.
type Config struct {
	Network       string          `toml:"Network"`
	ListenAddress string          `toml:"ListenAddress"`
	NodeAddress   string          `toml:"NodeAddress"`
	DataDir       string          `toml:"DataDir"`
	DevMode       bool            `toml:"DevMode"`
	Environment   string          `toml:"Environment"`
	P2P           P2PConfig       `toml:"P2P"`
	Tor           TorConfig       `toml:"Tor"`
	Logging       LoggingConfig   `toml:"Logging"`
	Telemetry     TelemetryConfig `toml:"Telemetry"`
	Status        StatusConfig    `toml:"Status"`
}

// Load loads the configuration from the given path. A missing file is
// created with the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration for a mainnet node reaching peers over
// a local Tor SOCKS proxy.
func Default() *Config {
	return &Config{
		Network:       "btc_mainnet",
		ListenAddress: "127.0.0.1:9999",
		DataDir:       "./p2pd-data",
		Environment:   "dev",
		P2P: P2PConfig{
			MaxConnections:           12,
			SeedNodes:                []string{},
			BannedNodes:              []string{},
			MsgThrottlePerSec:        200,
			MsgThrottlePer10Sec:      1000,
			SendMsgThrottleTriggerMs: 20,
			SendMsgThrottleSleepMs:   50,
			MandatoryCapabilities:    []string{},
			PeerStore:                "leveldb",
		},
		Tor: TorConfig{
			Enabled:      true,
			SocksAddress: "127.0.0.1:9050",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4318",
			Insecure: true,
			Headers:  map[string]string{},
		},
		Status: StatusConfig{
			ListenAddress: "127.0.0.1:8086",
		},
	}
}

func (c *Config) normalize() {
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	c.P2P.PeerStore = strings.ToLower(strings.TrimSpace(c.P2P.PeerStore))
	if c.P2P.SeedNodes == nil {
		c.P2P.SeedNodes = []string{}
	}
	if c.P2P.BannedNodes == nil {
		c.P2P.BannedNodes = []string{}
	}
	if c.P2P.MandatoryCapabilities == nil {
		c.P2P.MandatoryCapabilities = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
