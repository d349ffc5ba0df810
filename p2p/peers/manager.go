package peers

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	DefaultMaxConnections    = 12
	DefaultMaxReportedPeers  = 1000
	DefaultMaxPersistedPeers = 500

	// Seed nodes serve every bootstrapping node and get a larger budget.
	seedNodeConnectionFactor = 2.5

	maxPeerAge                  = 14 * 24 * time.Hour
	maxLivePeerAge              = 30 * time.Minute
	maxFailedConnectionAttempts = 5

	checkMaxConnectionsDelay   = 10 * time.Second
	recheckMaxConnectionsDelay = 100 * time.Millisecond
	removeAnonymousPeerDelay   = 240 * time.Second
	removeSeedNodeDelay        = 200 * time.Millisecond
	housekeepingInterval       = time.Minute
	persistDelay               = time.Second

	// allConnectionsLostGuard suppresses the lost event during startup, when
	// the first attempts commonly fail.
	allConnectionsLostGuard = 2
)

func log() *slog.Logger {
	return slog.Default().With(slog.String("component", "p2p_peers"))
}

// Listener receives the lifecycle events of the Manager on the user thread.
type Listener interface {
	OnAllConnectionsLost()
	OnNewConnectionAfterAllConnectionsLost()
	OnAwakeFromStandby()
}

// Config tunes the Manager. Zero values take defaults.
type Config struct {
	MaxConnections    int
	MaxReportedPeers  int
	MaxPersistedPeers int
	// IsSeedNode keeps connections to other seed nodes and scales
	// MaxConnections by seedNodeConnectionFactor.
	IsSeedNode bool
	SeedNodes  []p2p.NodeAddress
	// DevMode panics on broken internal guarantees instead of logging them.
	DevMode bool
	// Now and Rand are injectable for tests.
	Now    func() time.Time
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Manager decides which connections survive when limits are exceeded and
// keeps the reported, persisted and live peer registries. Apart from the
// registry accessors it must only be called on the user thread.
type Manager struct {
	cfg     Config
	network p2p.Network
	exec    userthread.Executor
	store   Store
	now     func() time.Time
	rng     *rand.Rand
	logger  *slog.Logger
	clock   *ClockWatcher

	maxConnections          int
	minConnections          int
	maxConnectionsPeer      int
	maxConnectionsNonDirect int
	maxConnectionsAbsolute  int

	seedNodes map[p2p.NodeAddress]struct{}

	mu         sync.RWMutex
	reported   map[p2p.NodeAddress]Peer
	persisted  map[p2p.NodeAddress]Peer
	latestLive map[p2p.NodeAddress]Peer

	listeners       []Listener
	checkTimer      userthread.Timer
	housekeeping    userthread.Timer
	persistTimer    userthread.Timer
	seedRemoval     userthread.Timer
	anonymousTimers map[string]userthread.Timer

	lostAllConnections bool
	peakConnections    int
	started            bool
	stopped            bool
}

// NewManager wires a Manager to network. store may be nil, in which case
// nothing is persisted.
func NewManager(cfg Config, network p2p.Network, exec userthread.Executor, store Store) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxReportedPeers <= 0 {
		cfg.MaxReportedPeers = DefaultMaxReportedPeers
	}
	if cfg.MaxPersistedPeers <= 0 {
		cfg.MaxPersistedPeers = DefaultMaxPersistedPeers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log()
	} else {
		logger = logger.With(slog.String("component", "p2p_peers"))
	}
	m := &Manager{
		cfg:             cfg,
		network:         network,
		exec:            exec,
		store:           store,
		now:             cfg.Now,
		rng:             cfg.Rand,
		logger:          logger,
		clock:           NewClockWatcher(exec, cfg.Now),
		seedNodes:       make(map[p2p.NodeAddress]struct{}, len(cfg.SeedNodes)),
		reported:        make(map[p2p.NodeAddress]Peer),
		persisted:       make(map[p2p.NodeAddress]Peer),
		latestLive:      make(map[p2p.NodeAddress]Peer),
		anonymousTimers: make(map[string]userthread.Timer),
	}
	for _, addr := range cfg.SeedNodes {
		m.seedNodes[addr] = struct{}{}
	}
	limit := cfg.MaxConnections
	if cfg.IsSeedNode {
		limit = int(math.Round(float64(limit) * seedNodeConnectionFactor))
	}
	m.setConnectionLimits(limit)
	return m
}

func (m *Manager) setConnectionLimits(limit int) {
	scaled := func(factor float64) int { return int(math.Round(float64(limit) * factor)) }
	m.maxConnections = limit
	m.minConnections = max(1, scaled(0.7))
	m.maxConnectionsPeer = max(4, scaled(1.3))
	m.maxConnectionsNonDirect = max(8, scaled(1.7))
	m.maxConnectionsAbsolute = max(12, scaled(2.5))
}

// Start loads the persisted registry and begins housekeeping.
func (m *Manager) Start() error {
	if m.started {
		return nil
	}
	m.started = true
	if m.store != nil {
		loaded, err := m.store.Load()
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.persisted = make(map[p2p.NodeAddress]Peer, len(loaded))
		for _, p := range loaded {
			m.persisted[p.Address] = p
		}
		m.purgeIfExceedsLocked(m.persisted, m.cfg.MaxPersistedPeers)
		m.mu.Unlock()
		m.logger.Info("persisted peers loaded", slog.Int("count", len(loaded)))
	}
	m.network.AddConnectionListener(m)
	m.housekeeping = m.exec.RunPeriodically(housekeepingInterval, m.doHousekeeping)
	m.clock.AddListener(m.onAwakeFromStandby)
	m.clock.Start()
	m.publishRegistrySizes()
	return nil
}

// Shutdown stops timers and flushes the persisted registry.
func (m *Manager) Shutdown() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.clock.Stop()
	for _, t := range []userthread.Timer{m.checkTimer, m.housekeeping, m.persistTimer, m.seedRemoval} {
		if t != nil {
			t.Stop()
		}
	}
	for uid, t := range m.anonymousTimers {
		t.Stop()
		delete(m.anonymousTimers, uid)
	}
	if m.persistTimer != nil {
		m.persistTimer = nil
		m.persistNow()
	}
}

func (m *Manager) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

func (m *Manager) MaxConnections() int { return m.maxConnections }

func (m *Manager) MinConnections() int { return m.minConnections }

func (m *Manager) MaxConnectionsAbsolute() int { return m.maxConnectionsAbsolute }

// HasSufficientConnections reports whether enough peers are confirmed to
// stop actively searching for more.
func (m *Manager) HasSufficientConnections() bool {
	return len(m.network.ConfirmedConnections()) >= m.minConnections
}

func (m *Manager) IsSeedNode(addr p2p.NodeAddress) bool {
	_, ok := m.seedNodes[addr]
	return ok
}

// SeedNodes returns the configured seed addresses.
func (m *Manager) SeedNodes() []p2p.NodeAddress {
	out := make([]p2p.NodeAddress, 0, len(m.seedNodes))
	for addr := range m.seedNodes {
		out = append(out, addr)
	}
	sortAddresses(out)
	return out
}

// IsSelf reports whether addr is the local node.
func (m *Manager) IsSelf(addr p2p.NodeAddress) bool {
	self, ok := m.network.NodeAddress()
	return ok && self == addr
}

// IsConfirmed reports whether a confirmed connection to addr exists.
func (m *Manager) IsConfirmed(addr p2p.NodeAddress) bool {
	for _, c := range m.network.ConfirmedConnections() {
		if peer, ok := c.PeerAddress(); ok && peer == addr {
			return true
		}
	}
	return false
}

// ReportedPeers returns a snapshot of the reported registry.
func (m *Manager) ReportedPeers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedPeers(m.reported)
}

// PersistedPeers returns a snapshot of the persisted registry.
func (m *Manager) PersistedPeers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedPeers(m.persisted)
}

// LivePeers returns the peers of confirmed connections plus peers that were
// connected within the last 30 minutes. Seed nodes are never live peers.
// exclude may be nil.
func (m *Manager) LivePeers(exclude *p2p.NodeAddress) []Peer {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.network.ConfirmedConnections() {
		addr, ok := c.PeerAddress()
		if !ok {
			p2p.ContractViolation(m.logger, m.cfg.DevMode, "confirmed connection without peer address", slog.String("uid", c.UID()))
			continue
		}
		if m.IsSeedNode(addr) {
			continue
		}
		m.latestLive[addr] = Peer{Address: addr, Capabilities: c.Capabilities(), Date: now}
	}
	for addr, p := range m.latestLive {
		if p.olderThan(maxLivePeerAge, now) {
			delete(m.latestLive, addr)
		}
	}
	out := make([]Peer, 0, len(m.latestLive))
	for addr, p := range m.latestLive {
		if exclude != nil && addr == *exclude {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return lessAddress(out[i].Address, out[j].Address) })
	return out
}

// PeersForExchange is what the local node reports in a peer exchange: live
// peers merged with the reported registry, minus exclude and self.
func (m *Manager) PeersForExchange(exclude *p2p.NodeAddress) []p2p.ReportedPeer {
	live := m.LivePeers(exclude)
	seen := make(map[p2p.NodeAddress]struct{}, len(live))
	out := make([]p2p.ReportedPeer, 0, len(live))
	for _, p := range live {
		seen[p.Address] = struct{}{}
		out = append(out, p.Reported())
	}
	for _, p := range m.ReportedPeers() {
		if _, ok := seen[p.Address]; ok {
			continue
		}
		if (exclude != nil && p.Address == *exclude) || m.IsSelf(p.Address) {
			continue
		}
		out = append(out, p.Reported())
	}
	return out
}

// AddToReportedPeers merges peers received from conn into the reported and
// persisted registries. A list above the ceiling is a rule violation and is
// not merged.
func (m *Manager) AddToReportedPeers(reported []p2p.ReportedPeer, conn p2p.Conn, announced p2p.Capabilities) {
	ceiling := m.cfg.MaxReportedPeers + m.maxConnectionsAbsolute + 10
	if len(reported) > ceiling {
		m.logger.Warn("too many reported peers received",
			slog.Int("count", len(reported)),
			slog.Int("ceiling", ceiling),
			peerAttr(conn))
		if conn != nil {
			conn.ReportInvalidRequest(p2p.ViolationTooManyReportedPeersSent)
		}
		return
	}

	now := m.now()
	m.mu.Lock()
	if conn != nil && !announced.IsEmpty() {
		if addr, ok := conn.PeerAddress(); ok {
			m.updateCapabilitiesLocked(addr, announced)
		}
	}
	for _, r := range reported {
		if r.Address.IsZero() || m.IsSelf(r.Address) {
			continue
		}
		p := FromReported(r, now)
		if existing, ok := m.reported[p.Address]; ok {
			if existing.Date.After(p.Date) {
				p.Date = existing.Date
			}
			if p.Capabilities.IsEmpty() {
				p.Capabilities = existing.Capabilities
			}
		}
		m.reported[p.Address] = p
	}
	m.purgeIfExceedsLocked(m.reported, m.cfg.MaxReportedPeers)
	for _, r := range reported {
		if r.Address.IsZero() || m.IsSelf(r.Address) {
			continue
		}
		if _, ok := m.persisted[r.Address]; !ok {
			m.persisted[r.Address] = FromReported(r, now)
		}
	}
	m.purgeIfExceedsLocked(m.persisted, m.cfg.MaxPersistedPeers)
	m.mu.Unlock()

	m.publishRegistrySizes()
	m.requestPersistence()
}

// onCapabilitiesChanged records a capability upgrade of a connected peer in
// the registries.
func (m *Manager) onCapabilitiesChanged(conn p2p.Conn, caps p2p.Capabilities) {
	addr, ok := conn.PeerAddress()
	if m.stopped || !ok {
		return
	}
	m.mu.Lock()
	m.updateCapabilitiesLocked(addr, caps)
	m.mu.Unlock()
	m.requestPersistence()
}

func (m *Manager) updateCapabilitiesLocked(addr p2p.NodeAddress, caps p2p.Capabilities) {
	if p, ok := m.reported[addr]; ok {
		p.Capabilities = caps.Clone()
		m.reported[addr] = p
	}
	if p, ok := m.persisted[addr]; ok {
		p.Capabilities = caps.Clone()
		m.persisted[addr] = p
	}
}

// purgeIfExceedsLocked evicts random entries until set fits max. Random
// eviction keeps a flooding peer from predicting which entries survive.
func (m *Manager) purgeIfExceedsLocked(set map[p2p.NodeAddress]Peer, limit int) {
	excess := len(set) - limit
	if excess <= 0 {
		return
	}
	keys := make([]p2p.NodeAddress, 0, len(set))
	for addr := range set {
		keys = append(keys, addr)
	}
	sortAddresses(keys)
	for _, i := range m.rng.Perm(len(keys))[:excess] {
		delete(set, keys[i])
	}
}

// HandleConnectionFault does the bookkeeping after a disconnect or a failed
// outbound attempt. conn is nil for failed attempts.
func (m *Manager) HandleConnectionFault(addr p2p.NodeAddress, conn p2p.Conn) {
	remove := false
	if conn != nil {
		if _, violated := conn.RuleViolation(); violated {
			remove = true
		}
		if conn.BannedByPeer() {
			remove = true
		}
	}

	m.mu.Lock()
	delete(m.reported, addr)
	changed := false
	if p, ok := m.persisted[addr]; ok {
		p.FailedConnectionAttempts++
		if remove || p.TooManyFailedConnectionAttempts(maxFailedConnectionAttempts) {
			delete(m.persisted, addr)
		} else {
			m.persisted[addr] = p
		}
		changed = true
	}
	m.mu.Unlock()

	m.publishRegistrySizes()
	if changed {
		m.requestPersistence()
	}
}

// OnConnection implements p2p.ConnectionListener.
func (m *Manager) OnConnection(conn p2p.Conn) {
	if m.stopped {
		return
	}
	conn.AddCapabilitiesListener(func(caps p2p.Capabilities) {
		m.exec.Execute(func() { m.onCapabilitiesChanged(conn, caps) })
	})
	if addr, ok := conn.PeerAddress(); ok {
		conn.State().SetSeedNode(m.IsSeedNode(addr))
		m.resetFailedAttempts(addr)
	} else {
		uid := conn.UID()
		m.anonymousTimers[uid] = m.exec.RunAfter(removeAnonymousPeerDelay, func() {
			delete(m.anonymousTimers, uid)
			if !conn.HasPeerAddress() && !conn.IsStopped() {
				m.logger.Info("closing connection that never told its address", slog.String("uid", uid))
				conn.ShutDown(p2p.ReasonUnknownPeerAddress, nil)
			}
		})
	}

	if n := len(m.network.AllConnections()); n > m.peakConnections {
		m.peakConnections = n
	}
	if m.lostAllConnections {
		m.lostAllConnections = false
		m.logger.Info("connection established after all connections were lost")
		for _, l := range m.listeners {
			l.OnNewConnectionAfterAllConnectionsLost()
		}
	}
	if m.checkTimer == nil {
		m.checkTimer = m.exec.RunAfter(checkMaxConnectionsDelay, func() {
			m.checkTimer = nil
			m.doHousekeeping()
		})
	}
}

// OnDisconnect implements p2p.ConnectionListener.
func (m *Manager) OnDisconnect(reason p2p.CloseConnectionReason, conn p2p.Conn) {
	if t, ok := m.anonymousTimers[conn.UID()]; ok {
		t.Stop()
		delete(m.anonymousTimers, conn.UID())
	}
	if m.stopped {
		return
	}
	if addr, ok := conn.PeerAddress(); ok {
		m.HandleConnectionFault(addr, conn)
	}
	if conn.BannedByPeer() {
		m.logger.Warn("peer closed the connection because it banned us", peerAttr(conn))
	}

	if len(m.network.ConfirmedConnections()) == 0 && m.peakConnections > allConnectionsLostGuard && !m.lostAllConnections {
		m.lostAllConnections = true
		m.logger.Warn("all connections lost", slog.String("last_reason", reason.String()))
		for _, l := range m.listeners {
			l.OnAllConnectionsLost()
		}
	}
}

func (m *Manager) resetFailedAttempts(addr p2p.NodeAddress) {
	m.mu.Lock()
	p, ok := m.persisted[addr]
	if ok && p.FailedConnectionAttempts > 0 {
		p.FailedConnectionAttempts = 0
		m.persisted[addr] = p
	}
	m.mu.Unlock()
	if ok {
		m.requestPersistence()
	}
}

func (m *Manager) doHousekeeping() {
	if m.stopped {
		return
	}
	m.removeSuperfluousSeedNodes()
	m.removeTooOldPeers()
	m.checkMaxConnectionsLoop()
}

func (m *Manager) checkMaxConnectionsLoop() {
	if m.stopped {
		return
	}
	if m.CheckMaxConnections() {
		m.exec.RunAfter(recheckMaxConnectionsDelay, m.checkMaxConnectionsLoop)
	}
}

// CheckMaxConnections closes at most one connection when the node holds too
// many. Lower priority classes go first: idle inbound peers, then any
// peers, then initial data exchanges, and only above the absolute limit
// any connection. It reports whether a connection was closed.
func (m *Manager) CheckMaxConnections() bool {
	all := m.network.AllConnections()
	size := len(all)
	if size <= m.maxConnections {
		return false
	}

	candidates := filterConns(all, func(c p2p.Conn) bool {
		return c.Inbound() && c.State().PeerType() == p2p.PeerTypePeer
	})
	byInitialData := false
	if len(candidates) == 0 && size > m.maxConnectionsPeer {
		candidates = filterConns(all, func(c p2p.Conn) bool {
			return c.State().PeerType() == p2p.PeerTypePeer
		})
	}
	if len(candidates) == 0 && size > m.maxConnectionsNonDirect {
		candidates = filterConns(all, func(c p2p.Conn) bool {
			return c.State().PeerType() == p2p.PeerTypeInitialDataExchange
		})
		byInitialData = true
	}
	if len(candidates) == 0 && size > m.maxConnectionsAbsolute {
		candidates = all
		byInitialData = false
	}
	if len(candidates) == 0 {
		m.logger.Debug("too many connections but none evictable",
			slog.Int("connections", size),
			slog.Int("max_connections", m.maxConnections))
		return false
	}

	if byInitialData {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].State().LastInitialDataMsg().Before(candidates[j].State().LastInitialDataMsg())
		})
	} else {
		sortByLastActivity(candidates)
	}
	victim := candidates[0]
	m.logger.Info("closing connection to stay within limits",
		slog.Int("connections", size),
		slog.Int("max_connections", m.maxConnections),
		slog.String("peer_type", victim.State().PeerType().String()),
		peerAttr(victim))
	victim.ShutDown(p2p.ReasonTooManyConnectionsOpen, nil)
	return true
}

func (m *Manager) removeSuperfluousSeedNodes() {
	if m.cfg.IsSeedNode || m.stopped {
		return
	}
	confirmed := m.network.ConfirmedConnections()
	if len(confirmed) <= m.maxConnections {
		return
	}
	seeds := filterConns(confirmed, func(c p2p.Conn) bool {
		addr, _ := c.PeerAddress()
		return m.IsSeedNode(addr)
	})
	if len(seeds) == 0 {
		return
	}
	sortByLastActivity(seeds)
	m.logger.Info("closing superfluous seed node connection", peerAttr(seeds[0]))
	seeds[0].ShutDown(p2p.ReasonTooManySeedNodesConnected, nil)
	m.seedRemoval = m.exec.RunAfter(removeSeedNodeDelay, m.removeSuperfluousSeedNodes)
}

func (m *Manager) removeTooOldPeers() {
	now := m.now()
	m.mu.Lock()
	for addr, p := range m.reported {
		if p.olderThan(maxPeerAge, now) {
			delete(m.reported, addr)
		}
	}
	changed := false
	for addr, p := range m.persisted {
		if p.olderThan(maxPeerAge, now) {
			delete(m.persisted, addr)
			changed = true
		}
	}
	m.mu.Unlock()
	m.publishRegistrySizes()
	if changed {
		m.requestPersistence()
	}
}

func (m *Manager) onAwakeFromStandby(missed time.Duration) {
	if m.stopped {
		return
	}
	m.logger.Warn("awake from standby, closing stale connections", slog.Duration("missed", missed))
	for _, c := range m.network.AllConnections() {
		c.ShutDown(p2p.ReasonCloseRequestedByPeer, nil)
	}
	for _, l := range m.listeners {
		l.OnAwakeFromStandby()
	}
}

func (m *Manager) requestPersistence() {
	if m.store == nil || m.persistTimer != nil || m.stopped {
		return
	}
	m.persistTimer = m.exec.RunAfter(persistDelay, func() {
		m.persistTimer = nil
		m.persistNow()
	})
}

func (m *Manager) persistNow() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.PersistedPeers()); err != nil {
		m.logger.Warn("persisting peers failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) publishRegistrySizes() {
	m.mu.RLock()
	reported, persisted := len(m.reported), len(m.persisted)
	m.mu.RUnlock()
	p2p.RecordPeerRegistrySize("reported", reported)
	p2p.RecordPeerRegistrySize("persisted", persisted)
}

func peerAttr(conn p2p.Conn) slog.Attr {
	if conn == nil {
		return logging.MaskField("peer_address", "")
	}
	addr, _ := conn.PeerAddress()
	return logging.MaskField("peer_address", addr.FullAddress())
}

func filterConns(conns []p2p.Conn, keep func(p2p.Conn) bool) []p2p.Conn {
	var out []p2p.Conn
	for _, c := range conns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func sortByLastActivity(conns []p2p.Conn) {
	sort.SliceStable(conns, func(i, j int) bool {
		return conns[i].Statistic().LastActivity().Before(conns[j].Statistic().LastActivity())
	})
}

func sortedPeers(set map[p2p.NodeAddress]Peer) []Peer {
	out := make([]Peer, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return lessAddress(out[i].Address, out[j].Address) })
	return out
}

func sortAddresses(addrs []p2p.NodeAddress) {
	sort.Slice(addrs, func(i, j int) bool { return lessAddress(addrs[i], addrs[j]) })
}

func lessAddress(a, b p2p.NodeAddress) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}
