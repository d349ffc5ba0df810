// Package seeds resolves the seed node list for a network from the bundled
// resources, operator overrides and bans.
package seeds

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
)

// FallbackNetwork is used when no resource exists for the configured network.
const FallbackNetwork = "btc_mainnet"

const resourceSuffix = ".seednodes"

//go:embed resources/*.seednodes
var resources embed.FS

var linePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^([a-z0-9]+\.onion:\d+)`),
	regexp.MustCompile(`^(localhost:\d+)`),
}

// Options select and filter the seed list.
type Options struct {
	Network string
	// Overrides replace the bundled list when not empty.
	Overrides []string
	Banned    []string
	// Self is removed from the list, a seed node never dials itself.
	Self   *p2p.NodeAddress
	Logger *slog.Logger
}

// Repository is an immutable, resolved seed list.
type Repository struct {
	network string
	nodes   []p2p.NodeAddress
	index   map[p2p.NodeAddress]struct{}
}

// Networks lists the networks with a bundled resource.
func Networks() []string {
	entries, err := resources.ReadDir("resources")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if name := e.Name(); strings.HasSuffix(name, resourceSuffix) {
			out = append(out, strings.TrimSuffix(name, resourceSuffix))
		}
	}
	sort.Strings(out)
	return out
}

// Load resolves the seed list for opts.Network.
func Load(opts Options) (*Repository, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "p2p_seeds"))

	network := opts.Network
	var nodes []p2p.NodeAddress
	if len(opts.Overrides) > 0 {
		for _, raw := range opts.Overrides {
			addr, err := p2p.ParseNodeAddress(raw)
			if err != nil {
				return nil, fmt.Errorf("seed override: %w", err)
			}
			nodes = append(nodes, addr)
		}
	} else {
		f, err := resources.Open("resources/" + network + resourceSuffix)
		if err != nil {
			logger.Warn("no seed node resource for network, using fallback",
				slog.String("network", network), slog.String("fallback", FallbackNetwork))
			network = FallbackNetwork
			if f, err = resources.Open("resources/" + network + resourceSuffix); err != nil {
				return nil, fmt.Errorf("open seed resource: %w", err)
			}
		}
		nodes, err = Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %s seed resource: %w", network, err)
		}
	}

	banned := make(map[p2p.NodeAddress]struct{}, len(opts.Banned))
	for _, raw := range opts.Banned {
		addr, err := p2p.ParseNodeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("banned seed: %w", err)
		}
		banned[addr] = struct{}{}
	}

	repo := &Repository{network: network, index: make(map[p2p.NodeAddress]struct{})}
	for _, addr := range nodes {
		if _, skip := banned[addr]; skip {
			logger.Info("seed node banned by configuration", logging.MaskField("peer_address", addr.FullAddress()))
			continue
		}
		if opts.Self != nil && *opts.Self == addr {
			continue
		}
		if _, dup := repo.index[addr]; dup {
			continue
		}
		repo.index[addr] = struct{}{}
		repo.nodes = append(repo.nodes, addr)
	}
	if len(repo.nodes) == 0 {
		logger.Warn("seed node list is empty", slog.String("network", network))
	}
	logger.Debug("seed nodes resolved", slog.String("network", network), slog.Int("count", len(repo.nodes)))
	return repo, nil
}

// Parse reads one address per line. Lines that do not start with an onion
// or localhost address, such as comments, are skipped.
func Parse(r io.Reader) ([]p2p.NodeAddress, error) {
	var out []p2p.NodeAddress
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, re := range linePatterns {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			addr, err := p2p.ParseNodeAddress(m[1])
			if err != nil {
				return nil, err
			}
			out = append(out, addr)
			break
		}
	}
	return out, scanner.Err()
}

// Network is the network whose list was loaded, after any fallback.
func (r *Repository) Network() string { return r.network }

// SeedNodes returns a copy of the list in resource order.
func (r *Repository) SeedNodes() []p2p.NodeAddress {
	return append([]p2p.NodeAddress(nil), r.nodes...)
}

func (r *Repository) IsSeedNode(addr p2p.NodeAddress) bool {
	_, ok := r.index[addr]
	return ok
}
