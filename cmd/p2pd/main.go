package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/config"
	"github.com/thecockatiel/bisq-light-client-sub005/observability"
	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	telemetry "github.com/thecockatiel/bisq-light-client-sub005/observability/otel"
	"github.com/thecockatiel/bisq-light-client-sub005/observability/status"
	"github.com/thecockatiel/bisq-light-client-sub005/overlay"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/getdata"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peerstore"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/seeds"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	serviceName     = "p2pd"
	envVar          = "P2PD_ENV"
	shutdownTimeout = 10 * time.Second
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "p2pd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "./p2pd.toml", "Path to the configuration file")
	envFlag := flag.String("env", "", "Deployment environment label; overrides "+envVar+" and the config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	baseDir := filepath.Dir(*configFile)
	env := resolveEnv(*envFlag, cfg.Environment, os.LookupEnv)

	logOpts := cfg.Logging.Options()
	logOpts.File = resolvePath(baseDir, logOpts.File)
	logger, logCloser := logging.SetupWithOptions(serviceName, env, logOpts)
	defer func() { _ = logCloser.Close() }()

	otelCfg := cfg.Telemetry.OTel(serviceName, env)
	otelCfg.Network = cfg.Network
	shutdownTelemetry, err := telemetry.Init(context.Background(), otelCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	ctx, span := telemetry.Tracer().Start(context.Background(), "p2pd.startup")
	d, err := assemble(ctx, cfg, baseDir, logger)
	span.End()
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("p2pd initialised and running",
		slog.String("network", cfg.Network),
		slog.String("version", version))
	var runErr error
	select {
	case <-stopCtx.Done():
		logger.Info("shutdown requested")
	case err := <-d.statusDone():
		if err != nil {
			runErr = fmt.Errorf("status server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, d.shutdown(shutdownCtx))
}

// daemon owns everything started by assemble.
type daemon struct {
	logger  *slog.Logger
	loop    *userthread.Loop
	node    *p2p.Node
	service *overlay.Service
	store   peers.Store
	status  *status.Server
}

// assemble opens the stores, starts the node, the overlay service and the
// status server. On error everything already started is released.
func assemble(ctx context.Context, cfg *config.Config, baseDir string, logger *slog.Logger) (*daemon, error) {
	d := &daemon{logger: logger}
	started := false
	defer func() {
		if !started {
			_ = d.shutdown(context.Background())
		}
	}()

	var self *p2p.NodeAddress
	if cfg.NodeAddress != "" {
		addr, err := p2p.ParseNodeAddress(cfg.NodeAddress)
		if err != nil {
			return nil, fmt.Errorf("node address: %w", err)
		}
		self = &addr
	}

	networkDir := filepath.Join(resolvePath(baseDir, cfg.DataDir), cfg.Network)
	if err := os.MkdirAll(networkDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}
	store, err := peerstore.Open(cfg.P2P.PeerStore, networkDir)
	if err != nil {
		return nil, fmt.Errorf("open peer store: %w", err)
	}
	d.store = store

	repo, err := seeds.Load(seeds.Options{
		Network:   cfg.Network,
		Overrides: cfg.P2P.SeedNodes,
		Banned:    cfg.P2P.BannedNodes,
		Self:      self,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("load seed nodes: %w", err)
	}
	banned, err := cfg.P2P.BannedAddresses()
	if err != nil {
		return nil, err
	}
	connCfg, err := cfg.P2P.ConnectionConfig()
	if err != nil {
		return nil, err
	}

	d.loop = userthread.New(logger)
	d.node = p2p.NewNode(p2p.NodeConfig{
		Version:        version,
		NodeAddress:    self,
		MaxConnections: cfg.P2P.MaxConnections,
		Capabilities:   cfg.P2P.Capabilities(),
		Connection:     connCfg,
		Logger:         logger,
	}, buildTransport(cfg), d.loop, p2p.NewStaticBanFilter(banned))

	d.service = overlay.New(overlay.Config{
		Peers: peers.Config{
			MaxConnections: cfg.P2P.MaxConnections,
			IsSeedNode:     cfg.P2P.IsSeedNode,
			SeedNodes:      repo.SeedNodes(),
			DevMode:        cfg.DevMode,
		},
		Logger: logger,
	}, d.node, d.loop, d.store, getdata.NewMemoryStore())
	recorder := &eventRecorder{logger: logger, metrics: observability.Events()}
	d.service.AddListener(recorder)
	d.node.AddMessageSentListener(recorder.OnMessageSent)

	if err := d.node.Start(ctx); err != nil {
		return nil, err
	}
	if err := d.onLoop(ctx, d.service.Start); err != nil {
		return nil, fmt.Errorf("start overlay: %w", err)
	}

	if addr := strings.TrimSpace(cfg.Status.ListenAddress); addr != "" {
		d.status = status.New(addr, status.NewServiceSource(d.service, d.loop, d.node.Statistics()), logger)
		if err := d.status.Start(); err != nil {
			return nil, fmt.Errorf("start status server: %w", err)
		}
	}
	started = true
	return d, nil
}

func buildTransport(cfg *config.Config) p2p.Transport {
	if cfg.Tor.Enabled {
		return &p2p.TorTransport{SocksAddress: cfg.Tor.SocksAddress, ListenAddress: cfg.ListenAddress}
	}
	return &p2p.TCPTransport{ListenAddress: cfg.ListenAddress}
}

// onLoop runs fn on the user thread and waits for its result.
func (d *daemon) onLoop(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	d.loop.Execute(func() { result <- fn() })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *daemon) statusDone() <-chan error {
	if d.status == nil {
		return nil
	}
	return d.status.Done()
}

// shutdown stops the components in reverse start order. Each step is
// skipped when the component was never created.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if d.status != nil {
		errs = append(errs, d.status.Shutdown(ctx))
	}
	if d.service != nil && d.loop != nil {
		errs = append(errs, d.onLoop(ctx, func() error {
			d.service.Shutdown()
			return nil
		}))
	}
	if d.node != nil {
		d.node.ShutDown()
	}
	if d.loop != nil {
		d.loop.Stop()
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	d.logger.Info("p2pd stopped")
	return errors.Join(errs...)
}

// eventRecorder logs service events and mirrors them to Prometheus.
type eventRecorder struct {
	overlay.NopListener
	logger  *slog.Logger
	metrics interface {
		Record(event string)
		PeerUp()
		PeerDown()
		PhaseCompleted(phase string)
	}
}

func (r *eventRecorder) OnPreliminaryDataReceived() {
	r.logger.Info("preliminary data received")
	r.metrics.PhaseCompleted("preliminary")
}

func (r *eventRecorder) OnUpdatedDataReceived() {
	r.logger.Info("updated data received")
	r.metrics.PhaseCompleted("updated")
}

func (r *eventRecorder) OnDataReceived() { r.metrics.Record("data_received") }

func (r *eventRecorder) OnNoSeedNodeAvailable() {
	r.logger.Warn("no seed node available")
	r.metrics.Record("no_seed_node_available")
}

func (r *eventRecorder) OnNoPeersAvailable() {
	r.logger.Warn("no peers available")
	r.metrics.Record("no_peers_available")
}

func (r *eventRecorder) OnPeerUp(p2p.NodeAddress) { r.metrics.PeerUp() }

func (r *eventRecorder) OnPeerDown(p2p.NodeAddress) { r.metrics.PeerDown() }

func (r *eventRecorder) OnMessageSent(env *p2p.Envelope, conn p2p.Conn) {
	attrs := []any{slog.String("kind", env.KindName()), slog.String("uid", conn.UID())}
	if addr, ok := conn.PeerAddress(); ok {
		attrs = append(attrs, logging.MaskField("peer_address", addr.FullAddress()))
	}
	r.logger.Debug("message sent", attrs...)
}

type envLookupFunc func(string) (string, bool)

// resolveEnv picks the environment label: flag, then P2PD_ENV, then the
// config file.
func resolveEnv(flagValue, cfgValue string, lookup envLookupFunc) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if lookup != nil {
		if value, ok := lookup(envVar); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return strings.TrimSpace(cfgValue)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir != "" && !filepath.IsAbs(trimmed) {
		return filepath.Join(baseDir, trimmed)
	}
	return trimmed
}
