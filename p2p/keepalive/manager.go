package keepalive

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
	minInterval = 30 * time.Second
	maxInterval = 60 * time.Second
)

// Config tunes the Manager. Zero values take defaults.
type Config struct {
	// Interval fixes the sweep period. By default it is drawn once from
	// [30s, 60s).
	Interval time.Duration
	Rand     *rand.Rand
	Nonce    func() int32
	Now      func() time.Time
	Logger   *slog.Logger
}

// Manager periodically pings confirmed outbound connections that have been
// idle for more than half the sweep interval. It runs on the user thread.
type Manager struct {
	deps
	interval time.Duration

	handlers       map[string]*handler
	sweepTimer     userthread.Timer
	removeListener func()
	started        bool
	stopped        bool
}

func NewManager(cfg Config, network p2p.Network, peerManager *peers.Manager, exec userthread.Executor) *Manager {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = minInterval + time.Duration(cfg.Rand.Int63n(int64(maxInterval-minInterval)))
	}
	if cfg.Nonce == nil {
		cfg.Nonce = cfg.Rand.Int31
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log()
	} else {
		logger = logger.With(slog.String("component", "p2p_keepalive"))
	}
	return &Manager{
		deps: deps{
			network: network,
			peers:   peerManager,
			exec:    exec,
			nonce:   cfg.Nonce,
			now:     cfg.Now,
			logger:  logger,
		},
		interval: cfg.Interval,
		handlers: make(map[string]*handler),
	}
}

// Interval is the sweep period in use.
func (m *Manager) Interval() time.Duration { return m.interval }

// Start answers pings and begins the sweep.
func (m *Manager) Start() {
	if m.started {
		return
	}
	m.started = true
	m.removeListener = m.network.AddMessageListener(m.onMessage)
	m.network.AddConnectionListener(m)
	m.peers.AddListener(m)
	m.restart()
}

func (m *Manager) Shutdown() {
	m.stopped = true
	if m.removeListener != nil {
		m.removeListener()
		m.removeListener = nil
	}
	m.stopSweep()
	m.closeAllHandlers()
}

// HandlerCount is the number of pings in flight.
func (m *Manager) HandlerCount() int { return len(m.handlers) }

func (m *Manager) restart() {
	if m.stopped {
		return
	}
	m.stopSweep()
	m.sweepTimer = m.exec.RunPeriodically(m.interval, m.sweep)
}

func (m *Manager) stopSweep() {
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
		m.sweepTimer = nil
	}
}

func (m *Manager) sweep() {
	if m.stopped {
		return
	}
	idle := m.interval / 2
	now := m.now()
	for _, conn := range m.network.ConfirmedConnections() {
		if conn.Inbound() || conn.IsStopped() {
			continue
		}
		uid := conn.UID()
		if _, busy := m.handlers[uid]; busy {
			continue
		}
		if now.Sub(conn.Statistic().LastActivity()) <= idle {
			continue
		}
		m.ping(conn)
	}
}

func (m *Manager) ping(conn p2p.Conn) {
	uid := conn.UID()
	h := newHandler(m.deps, conn,
		func() { delete(m.handlers, uid) },
		func(string) {
			delete(m.handlers, uid)
			if addr, ok := conn.PeerAddress(); ok {
				m.peers.HandleConnectionFault(addr, conn)
			}
		})
	m.handlers[uid] = h
	h.start()
}

// onMessage answers pings from any peer.
func (m *Manager) onMessage(env *p2p.Envelope, conn p2p.Conn) {
	ping, ok := env.Payload.(*p2p.Ping)
	if !ok || m.stopped {
		return
	}
	pong := m.network.NewEnvelope(&p2p.Pong{RequestNonce: ping.Nonce})
	m.network.SendMessageOnConnection(conn, pong, func(_ p2p.Conn, err error) {
		if err == nil || m.stopped {
			return
		}
		attrs := []any{slog.String("error", err.Error())}
		if addr, known := conn.PeerAddress(); known {
			attrs = append(attrs, logging.MaskField("peer_address", addr.FullAddress()))
			m.peers.HandleConnectionFault(addr, conn)
		}
		m.logger.Info("sending pong failed", attrs...)
	})
}

func (m *Manager) closeAllHandlers() {
	for uid, h := range m.handlers {
		h.cancel()
		delete(m.handlers, uid)
	}
}

// OnConnection implements p2p.ConnectionListener.
func (m *Manager) OnConnection(p2p.Conn) {}

// OnDisconnect implements p2p.ConnectionListener.
func (m *Manager) OnDisconnect(_ p2p.CloseConnectionReason, conn p2p.Conn) {
	if h, ok := m.handlers[conn.UID()]; ok {
		h.cancel()
		delete(m.handlers, conn.UID())
	}
}

// OnAllConnectionsLost implements peers.Listener.
func (m *Manager) OnAllConnectionsLost() {
	m.closeAllHandlers()
	m.stopSweep()
}

// OnNewConnectionAfterAllConnectionsLost implements peers.Listener.
func (m *Manager) OnNewConnectionAfterAllConnectionsLost() {
	m.closeAllHandlers()
	m.restart()
}

// OnAwakeFromStandby implements peers.Listener.
func (m *Manager) OnAwakeFromStandby() {
	m.closeAllHandlers()
	if len(m.network.AllConnections()) > 0 {
		m.restart()
	}
}
