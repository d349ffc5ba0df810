package getdata

import (
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	DefaultPreliminarySeeds       = 2
	DefaultAdditionalUpdateSeeds  = 1
	DefaultMaxRepeatedRequests    = 30
	preliminaryStagger            = 200 * time.Millisecond
	repeatDelay                   = 2 * time.Second
	retryDelay                    = 10 * time.Second
	retryDelayAfterAllConnections = 3 * time.Second
)

// ErrNoPreliminaryData is returned by RequestUpdatedData before any seed
// answered the preliminary request.
var ErrNoPreliminaryData = errors.New("getdata: no preliminary data received yet")

// Listener receives sync progress on the user thread.
type Listener interface {
	OnPreliminaryDataReceived()
	OnUpdatedDataReceived()
	OnDataReceived()
	OnNoSeedNodeAvailable()
	OnNoPeersAvailable()
}

// Config tunes the Manager. Zero values take defaults.
type Config struct {
	PreliminarySeeds      int
	AdditionalUpdateSeeds int
	MaxRepeatedRequests   int
	MaxEntriesPerResponse int
	// Rand and Nonce are injectable for tests.
	Rand   *rand.Rand
	Nonce  func() int32
	Logger *slog.Logger
}

// Manager drives the two phase bootstrap: a preliminary full request to a
// few seeds, then an update request once the application is ready.
type Manager struct {
	deps
	cfg       Config
	rng       *rand.Rand
	seeds     []p2p.NodeAddress
	listeners []Listener

	handlers         map[p2p.NodeAddress]*handler
	retryTimer       userthread.Timer
	pending          []userthread.Timer
	removeListener   func()
	preliminarySeed  *p2p.NodeAddress
	preliminaryPhase bool
	updateRequested  bool
	allDataReceived  bool
	repeatedRequests int
	started          bool
	stopped          bool
}

func NewManager(cfg Config, network p2p.Network, peerManager *peers.Manager, store Store, exec userthread.Executor) *Manager {
	if cfg.PreliminarySeeds <= 0 {
		cfg.PreliminarySeeds = DefaultPreliminarySeeds
	}
	if cfg.AdditionalUpdateSeeds < 0 {
		cfg.AdditionalUpdateSeeds = 0
	} else if cfg.AdditionalUpdateSeeds == 0 {
		cfg.AdditionalUpdateSeeds = DefaultAdditionalUpdateSeeds
	}
	if cfg.MaxRepeatedRequests <= 0 {
		cfg.MaxRepeatedRequests = DefaultMaxRepeatedRequests
	}
	if cfg.MaxEntriesPerResponse <= 0 {
		cfg.MaxEntriesPerResponse = MaxEntriesPerResponse
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Nonce == nil {
		cfg.Nonce = cfg.Rand.Int31
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log()
	} else {
		logger = logger.With(slog.String("component", "p2p_getdata"))
	}
	m := &Manager{
		deps: deps{
			network: network,
			peers:   peerManager,
			store:   store,
			exec:    exec,
			nonce:   cfg.Nonce,
			logger:  logger,
		},
		cfg:      cfg,
		rng:      cfg.Rand,
		handlers: make(map[p2p.NodeAddress]*handler),
	}
	for _, addr := range peerManager.SeedNodes() {
		if !peerManager.IsSelf(addr) {
			m.seeds = append(m.seeds, addr)
		}
	}
	m.rng.Shuffle(len(m.seeds), func(i, j int) { m.seeds[i], m.seeds[j] = m.seeds[j], m.seeds[i] })
	return m
}

func (m *Manager) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Start subscribes to requests and connection events.
func (m *Manager) Start() {
	if m.started {
		return
	}
	m.started = true
	m.removeListener = m.network.AddMessageListener(m.onMessage)
	m.network.AddConnectionListener(m)
	m.peers.AddListener(m)
}

func (m *Manager) Shutdown() {
	m.stopped = true
	if m.removeListener != nil {
		m.removeListener()
		m.removeListener = nil
	}
	m.stopRetryTimer()
	for _, t := range m.pending {
		t.Stop()
	}
	m.pending = nil
	m.closeAllHandlers()
}

// RequestPreliminaryData asks the first seeds for the full data set,
// staggered a little. It reports false when no seed is configured.
func (m *Manager) RequestPreliminaryData() bool {
	if len(m.seeds) == 0 {
		return false
	}
	m.preliminaryPhase = true
	remaining := append([]p2p.NodeAddress(nil), m.seeds...)
	n := min(m.cfg.PreliminarySeeds, len(remaining))
	for i := 0; i < n; i++ {
		target := remaining[0]
		remaining = remaining[1:]
		rest := append([]p2p.NodeAddress(nil), remaining...)
		delay := time.Duration(i)*preliminaryStagger + time.Millisecond
		m.pending = append(m.pending, m.exec.RunAfter(delay, func() {
			m.requestData(target, rest)
		}))
	}
	return true
}

// RequestUpdatedData asks the seed that served the preliminary data and a
// few more for everything newer than what is held locally.
func (m *Manager) RequestUpdatedData() error {
	if m.preliminarySeed == nil {
		return ErrNoPreliminaryData
	}
	m.updateRequested = true
	m.preliminaryPhase = false
	first := *m.preliminarySeed
	var remaining []p2p.NodeAddress
	for _, addr := range m.seeds {
		if addr != first {
			remaining = append(remaining, addr)
		}
	}
	m.rng.Shuffle(len(remaining), func(i, j int) { remaining[i], remaining[j] = remaining[j], remaining[i] })
	m.requestData(first, append([]p2p.NodeAddress(nil), remaining...))
	for i := 0; i < m.cfg.AdditionalUpdateSeeds && len(remaining) > 0; i++ {
		target := remaining[0]
		remaining = remaining[1:]
		m.requestData(target, append([]p2p.NodeAddress(nil), remaining...))
	}
	return nil
}

// PreliminarySeed is the seed whose preliminary response arrived first.
func (m *Manager) PreliminarySeed() (p2p.NodeAddress, bool) {
	if m.preliminarySeed == nil {
		return p2p.NodeAddress{}, false
	}
	return *m.preliminarySeed, true
}

// RepeatedRequests counts requests repeated after truncated responses.
func (m *Manager) RepeatedRequests() int { return m.repeatedRequests }

// HandlerCount is the number of requests in flight.
func (m *Manager) HandlerCount() int { return len(m.handlers) }

func (m *Manager) requestData(target p2p.NodeAddress, remaining []p2p.NodeAddress) {
	if m.stopped {
		return
	}
	if _, busy := m.handlers[target]; busy {
		m.logger.Debug("data request already in flight", logging.MaskField("peer_address", target.FullAddress()))
		return
	}
	h := &handler{
		deps:        m.deps,
		target:      target,
		preliminary: m.preliminaryPhase,
	}
	h.onComplete = func(wasTruncated bool) {
		delete(m.handlers, target)
		m.onComplete(target, remaining, wasTruncated)
	}
	h.onFault = func(string, p2p.Conn) {
		delete(m.handlers, target)
		m.onFault(target, remaining)
	}
	m.handlers[target] = h
	h.request()
}

func (m *Manager) onComplete(target p2p.NodeAddress, remaining []p2p.NodeAddress, wasTruncated bool) {
	m.stopRetryTimer()
	if m.preliminarySeed == nil {
		seed := target
		m.preliminarySeed = &seed
		for _, l := range m.listeners {
			l.OnPreliminaryDataReceived()
		}
	}
	if m.updateRequested {
		m.updateRequested = false
		for _, l := range m.listeners {
			l.OnUpdatedDataReceived()
		}
	}
	switch {
	case wasTruncated && m.repeatedRequests < m.cfg.MaxRepeatedRequests:
		m.repeatedRequests++
		m.logger.Info("data response truncated, repeating request",
			logging.MaskField("peer_address", target.FullAddress()),
			slog.Int("repeated", m.repeatedRequests))
		m.pending = append(m.pending, m.exec.RunAfter(repeatDelay, func() {
			m.requestData(target, remaining)
		}))
	case !m.allDataReceived:
		m.allDataReceived = true
		if wasTruncated {
			m.logger.Warn("initial data incomplete after repeated requests",
				logging.MaskField("peer_address", target.FullAddress()),
				slog.Int("repeated", m.repeatedRequests))
		} else {
			m.logger.Info("initial data loaded", logging.MaskField("peer_address", target.FullAddress()))
		}
		for _, l := range m.listeners {
			l.OnDataReceived()
		}
	}
}

func (m *Manager) onFault(target p2p.NodeAddress, remaining []p2p.NodeAddress) {
	if m.stopped {
		return
	}
	if len(remaining) > 0 {
		m.requestData(remaining[0], remaining[1:])
		return
	}
	if len(m.handlers) > 0 {
		return
	}
	if m.peers.IsSeedNode(target) {
		m.logger.Warn("no seed node available for data request")
		for _, l := range m.listeners {
			l.OnNoSeedNodeAvailable()
		}
		if list := m.nonSeedCandidates(); len(list) > 0 {
			m.requestData(list[0], list[1:])
			return
		}
	}
	m.logger.Warn("no peer available for data request")
	for _, l := range m.listeners {
		l.OnNoPeersAvailable()
	}
	m.restart(retryDelay)
}

// nonSeedCandidates lists reported then persisted peers, newest first.
func (m *Manager) nonSeedCandidates() []p2p.NodeAddress {
	seen := make(map[p2p.NodeAddress]struct{})
	if self, ok := m.network.NodeAddress(); ok {
		seen[self] = struct{}{}
	}
	var out []p2p.NodeAddress
	for _, list := range [][]peers.Peer{m.peers.ReportedPeers(), m.peers.PersistedPeers()} {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Date.After(list[j].Date) })
		for _, p := range list {
			if _, dup := seen[p.Address]; dup || m.peers.IsSeedNode(p.Address) {
				continue
			}
			if _, busy := m.handlers[p.Address]; busy {
				continue
			}
			seen[p.Address] = struct{}{}
			out = append(out, p.Address)
		}
	}
	return out
}

// restart retries with seeds first, then every known peer.
func (m *Manager) restart(delay time.Duration) {
	if m.retryTimer != nil || m.stopped {
		return
	}
	m.retryTimer = m.exec.RunAfter(delay, func() {
		m.retryTimer = nil
		list := append([]p2p.NodeAddress(nil), m.seeds...)
		list = append(list, m.nonSeedCandidates()...)
		if len(list) == 0 {
			return
		}
		m.requestData(list[0], list[1:])
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

func (m *Manager) onMessage(env *p2p.Envelope, conn p2p.Conn) {
	if m.stopped {
		return
	}
	limit := m.cfg.MaxEntriesPerResponse
	switch req := env.Payload.(type) {
	case *p2p.PreliminaryGetDataRequest:
		r := &responder{deps: m.deps, limit: limit}
		r.handle(conn, req.Nonce, req.ExcludedKeys, false)
	case *p2p.GetUpdatedDataRequest:
		if !conn.HasPeerAddress() {
			m.logger.Warn("updated data request without sender address", slog.String("uid", conn.UID()))
			conn.ReportInvalidRequest(p2p.ViolationInvalidDataType)
			return
		}
		r := &responder{deps: m.deps, limit: limit}
		r.handle(conn, req.Nonce, req.ExcludedKeys, true)
	}
}

// OnConnection implements p2p.ConnectionListener.
func (m *Manager) OnConnection(p2p.Conn) {}

// OnDisconnect implements p2p.ConnectionListener.
func (m *Manager) OnDisconnect(_ p2p.CloseConnectionReason, conn p2p.Conn) {
	addr, ok := conn.PeerAddress()
	if !ok {
		return
	}
	if h, found := m.handlers[addr]; found {
		h.fail("connection closed", conn, nil)
	}
}

// OnAllConnectionsLost implements peers.Listener.
func (m *Manager) OnAllConnectionsLost() {
	m.closeAllHandlers()
	m.stopRetryTimer()
	m.restart(retryDelayAfterAllConnections)
}

// OnNewConnectionAfterAllConnectionsLost implements peers.Listener.
func (m *Manager) OnNewConnectionAfterAllConnectionsLost() {
	m.closeAllHandlers()
	m.restart(retryDelayAfterAllConnections)
}

// OnAwakeFromStandby implements peers.Listener.
func (m *Manager) OnAwakeFromStandby() {
	m.closeAllHandlers()
	if len(m.network.AllConnections()) > 0 {
		m.restart(retryDelayAfterAllConnections)
	}
}
