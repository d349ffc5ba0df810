package peerexchange

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	retryDelay                = 10 * time.Second
	retryDelayAfterAllConLost = 3 * time.Second
	// DefaultRefreshInterval re-runs an exchange while well connected.
	DefaultRefreshInterval = 10 * time.Minute
)

// Config tunes the Manager. Zero values take defaults.
type Config struct {
	RefreshInterval time.Duration
	// Rand and Nonce are injectable for tests.
	Rand   *rand.Rand
	Nonce  func() int32
	Logger *slog.Logger
}

// Manager keeps one exchange handler per target and walks the candidate
// list until the node holds enough connections. It runs on the user thread.
type Manager struct {
	deps
	rng             *rand.Rand
	refreshInterval time.Duration

	handlers       map[p2p.NodeAddress]*handler
	retryTimer     userthread.Timer
	refreshTimer   userthread.Timer
	removeListener func()
	started        bool
	stopped        bool
}

func NewManager(cfg Config, network p2p.Network, peerManager *peers.Manager, exec userthread.Executor) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Nonce == nil {
		rng := cfg.Rand
		cfg.Nonce = rng.Int31
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log()
	} else {
		logger = logger.With(slog.String("component", "p2p_peerexchange"))
	}
	return &Manager{
		deps: deps{
			network: network,
			peers:   peerManager,
			exec:    exec,
			nonce:   cfg.Nonce,
			logger:  logger,
		},
		rng:             cfg.Rand,
		refreshInterval: cfg.RefreshInterval,
		handlers:        make(map[p2p.NodeAddress]*handler),
	}
}

// Start subscribes to requests and connection events. Exchanges begin with
// RequestReportedPeersFromSeedNodes.
func (m *Manager) Start() {
	if m.started {
		return
	}
	m.started = true
	m.removeListener = m.network.AddMessageListener(m.onMessage)
	m.network.AddConnectionListener(m)
	m.peers.AddListener(m)
}

// Shutdown cancels every handler and timer.
func (m *Manager) Shutdown() {
	m.stopped = true
	if m.removeListener != nil {
		m.removeListener()
		m.removeListener = nil
	}
	m.stopRetryTimer()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.closeAllHandlers()
}

// RequestReportedPeersFromSeedNodes starts with seed, usually the seed that
// served the preliminary data, keeping the other seeds as fallbacks, and
// schedules the periodic refresh.
func (m *Manager) RequestReportedPeersFromSeedNodes(seed p2p.NodeAddress) {
	if m.stopped {
		return
	}
	var remaining []p2p.NodeAddress
	for _, addr := range m.peers.SeedNodes() {
		if addr != seed && !m.peers.IsSelf(addr) {
			remaining = append(remaining, addr)
		}
	}
	m.requestReportedPeers(seed, remaining)
	if m.refreshTimer == nil {
		m.refreshTimer = m.exec.RunPeriodically(m.refreshInterval, m.refresh)
	}
}

// HandlerCount is the number of exchanges in flight.
func (m *Manager) HandlerCount() int { return len(m.handlers) }

func (m *Manager) onMessage(env *p2p.Envelope, conn p2p.Conn) {
	req, ok := env.Payload.(*p2p.GetPeersRequest)
	if !ok || m.stopped {
		return
	}
	r := &responder{deps: m.deps}
	r.handle(env, req, conn)
}

func (m *Manager) requestReportedPeers(target p2p.NodeAddress, remaining []p2p.NodeAddress) {
	if m.stopped {
		return
	}
	if _, busy := m.handlers[target]; busy {
		m.logger.Debug("exchange already in flight", logging.MaskField("peer_address", target.FullAddress()))
		return
	}
	h := newHandler(m.deps, target,
		func() {
			delete(m.handlers, target)
			m.requestWithAvailablePeers()
		},
		func(reason string, conn p2p.Conn) {
			delete(m.handlers, target)
			m.onHandlerFault(remaining)
		})
	m.handlers[target] = h
	h.start()
}

func (m *Manager) onHandlerFault(remaining []p2p.NodeAddress) {
	if m.stopped {
		return
	}
	if len(remaining) == 0 {
		m.logger.Debug("no exchange candidates left, retrying later")
		m.scheduleRetry(retryDelay)
		return
	}
	if m.peers.HasSufficientConnections() {
		return
	}
	i := m.rng.Intn(len(remaining))
	next := remaining[i]
	rest := make([]p2p.NodeAddress, 0, len(remaining)-1)
	rest = append(rest, remaining[:i]...)
	rest = append(rest, remaining[i+1:]...)
	m.requestReportedPeers(next, rest)
}

func (m *Manager) requestWithAvailablePeers() {
	if m.stopped || m.peers.HasSufficientConnections() {
		return
	}
	list := m.candidates()
	if len(list) == 0 {
		m.scheduleRetry(retryDelay)
		return
	}
	m.requestReportedPeers(list[0], list[1:])
}

// candidates orders the unconnected peers: shuffled reported peers, then
// shuffled persisted peers, then shuffled seed nodes.
func (m *Manager) candidates() []p2p.NodeAddress {
	seen := make(map[p2p.NodeAddress]struct{})
	for _, c := range m.network.ConfirmedConnections() {
		if addr, ok := c.PeerAddress(); ok {
			seen[addr] = struct{}{}
		}
	}
	for addr := range m.handlers {
		seen[addr] = struct{}{}
	}
	if self, ok := m.network.NodeAddress(); ok {
		seen[self] = struct{}{}
	}

	var out []p2p.NodeAddress
	add := func(addrs []p2p.NodeAddress, allowSeeds bool) {
		start := len(out)
		for _, addr := range addrs {
			if _, dup := seen[addr]; dup {
				continue
			}
			if !allowSeeds && m.peers.IsSeedNode(addr) {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
		tail := out[start:]
		m.rng.Shuffle(len(tail), func(i, j int) { tail[i], tail[j] = tail[j], tail[i] })
	}
	add(addresses(m.peers.ReportedPeers()), false)
	add(addresses(m.peers.PersistedPeers()), false)
	add(m.peers.SeedNodes(), true)
	return out
}

func (m *Manager) refresh() {
	if m.stopped {
		return
	}
	if !m.peers.HasSufficientConnections() {
		m.requestWithAvailablePeers()
		return
	}
	var targets []p2p.NodeAddress
	for _, c := range m.network.ConfirmedConnections() {
		addr, ok := c.PeerAddress()
		if !ok || m.peers.IsSeedNode(addr) {
			continue
		}
		if _, busy := m.handlers[addr]; !busy {
			targets = append(targets, addr)
		}
	}
	if len(targets) == 0 {
		return
	}
	m.requestReportedPeers(targets[m.rng.Intn(len(targets))], nil)
}

func (m *Manager) scheduleRetry(delay time.Duration) {
	if m.retryTimer != nil || m.stopped {
		return
	}
	m.retryTimer = m.exec.RunAfter(delay, func() {
		m.retryTimer = nil
		m.requestWithAvailablePeers()
	})
}

func (m *Manager) stopRetryTimer() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) closeAllHandlers() {
	for addr, h := range m.handlers {
		h.cancel()
		delete(m.handlers, addr)
	}
}

// OnConnection implements p2p.ConnectionListener.
func (m *Manager) OnConnection(p2p.Conn) {}

// OnDisconnect implements p2p.ConnectionListener.
func (m *Manager) OnDisconnect(_ p2p.CloseConnectionReason, conn p2p.Conn) {
	if addr, ok := conn.PeerAddress(); ok {
		if h, found := m.handlers[addr]; found {
			h.cancel()
			delete(m.handlers, addr)
		}
	}
	if m.started && !m.stopped {
		m.scheduleRetry(retryDelay)
	}
}

// OnAllConnectionsLost implements peers.Listener.
func (m *Manager) OnAllConnectionsLost() {
	m.closeAllHandlers()
	m.stopRetryTimer()
	m.scheduleRetry(retryDelayAfterAllConLost)
}

// OnNewConnectionAfterAllConnectionsLost implements peers.Listener.
func (m *Manager) OnNewConnectionAfterAllConnectionsLost() {
	m.closeAllHandlers()
	m.scheduleRetry(retryDelayAfterAllConLost)
}

// OnAwakeFromStandby implements peers.Listener.
func (m *Manager) OnAwakeFromStandby() {
	m.closeAllHandlers()
	if len(m.network.AllConnections()) > 0 {
		m.scheduleRetry(retryDelayAfterAllConLost)
	}
}

func addresses(list []peers.Peer) []p2p.NodeAddress {
	out := make([]p2p.NodeAddress, 0, len(list))
	for _, p := range list {
		out = append(out, p.Address)
	}
	return out
}
