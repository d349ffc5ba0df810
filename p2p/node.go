package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	defaultCreateConnectionTimeout = 120 * time.Second
	defaultShutDownTimeout         = 1500 * time.Millisecond
	defaultStatisticsLogInterval   = time.Minute
	defaultMaxConnections          = 12
)

// SendCallback reports the outcome of an asynchronous send on the user
// thread. conn is nil when no connection could be established.
type SendCallback func(conn Conn, err error)

// ConnectionListener observes connection lifecycle on the user thread.
type ConnectionListener interface {
	OnConnection(conn Conn)
	OnDisconnect(reason CloseConnectionReason, conn Conn)
}

// Network is the part of a node the protocol managers depend on.
type Network interface {
	NodeAddress() (NodeAddress, bool)
	NewEnvelope(payload Payload) *Envelope
	SendMessage(addr NodeAddress, env *Envelope, cb SendCallback)
	SendMessageOnConnection(conn Conn, env *Envelope, cb SendCallback)
	AllConnections() []Conn
	ConfirmedConnections() []Conn
	AddMessageListener(fn MessageHandler) (remove func())
	AddConnectionListener(l ConnectionListener)
}

// NodeConfig tunes a Node. Zero values take defaults.
type NodeConfig struct {
	Version string
	// NodeAddress is the externally reachable address (the onion address
	// on Tor). When empty the listener address is used.
	NodeAddress             *NodeAddress
	MaxConnections          int
	Capabilities            Capabilities
	Connection              ConnectionConfig
	CreateConnectionTimeout time.Duration
	ShutDownTimeout         time.Duration
	StatisticsLogInterval   time.Duration
	Registry                *Registry
	Logger                  *slog.Logger
}

// Node owns the listening socket and every connection. It is the only
// component that creates sockets.
type Node struct {
	cfg       NodeConfig
	transport Transport
	exec      userthread.Executor
	banFilter BanFilter
	registry  *Registry
	codec     WireCodec
	logger    *slog.Logger
	metrics   *networkMetrics
	stats     *NetworkStatistics
	now       func() time.Time

	createSem *semaphore.Weighted
	sendSem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	inbound     map[string]*Connection
	outbound    map[string]*Connection
	listener    net.Listener
	address     *NodeAddress
	connListen  []ConnectionListener
	msgListen   []listenerEntry
	sentListen  []func(env *Envelope, conn Conn)
	listenerSeq uint64

	statsTimer userthread.Timer
	acceptDone chan struct{}
	started    atomic.Bool
	stopped    atomic.Bool
}

func NewNode(cfg NodeConfig, transport Transport, exec userthread.Executor, banFilter BanFilter) *Node {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.CreateConnectionTimeout <= 0 {
		cfg.CreateConnectionTimeout = defaultCreateConnectionTimeout
	}
	if cfg.ShutDownTimeout <= 0 {
		cfg.ShutDownTimeout = defaultShutDownTimeout
	}
	if cfg.StatisticsLogInterval <= 0 {
		cfg.StatisticsLogInterval = defaultStatisticsLogInterval
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	cfg.Connection.Version = cfg.Version
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		transport:  transport,
		exec:       exec,
		banFilter:  banFilter,
		registry:   cfg.Registry,
		codec:      NewCodec(cfg.Registry),
		logger:     logger.With(slog.String("component", "p2p_node")),
		metrics:    newNetworkMetrics(),
		stats:      NewNetworkStatistics(),
		now:        time.Now,
		createSem:  semaphore.NewWeighted(int64(2 * cfg.MaxConnections)),
		sendSem:    semaphore.NewWeighted(int64(3 * cfg.MaxConnections)),
		ctx:        ctx,
		cancel:     cancel,
		inbound:    make(map[string]*Connection),
		outbound:   make(map[string]*Connection),
		acceptDone: make(chan struct{}),
	}
	if cfg.NodeAddress != nil {
		addr := *cfg.NodeAddress
		n.address = &addr
	}
	return n
}

func (n *Node) log() *slog.Logger {
	if n == nil || n.logger == nil {
		return slog.Default().With(slog.String("component", "p2p_node"))
	}
	return n.logger
}

// Start opens the listening socket and begins accepting inbound connections.
func (n *Node) Start(ctx context.Context) error {
	if n.stopped.Load() {
		return ErrNodeStopped
	}
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("p2p: node already started")
	}
	ln, err := n.transport.Listen(ctx)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	n.mu.Lock()
	n.listener = ln
	if n.address == nil {
		addr, err := ParseNodeAddress(ln.Addr().String())
		if err != nil {
			n.mu.Unlock()
			_ = ln.Close()
			return fmt.Errorf("start node: %w", err)
		}
		n.address = &addr
	}
	self := *n.address
	n.mu.Unlock()

	n.log().Info("P2P node listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		logging.MaskField("node_address", self.FullAddress()),
		slog.String("version", n.cfg.Version),
		slog.Int("max_connections", n.cfg.MaxConnections))

	n.statsTimer = n.exec.RunPeriodically(n.cfg.StatisticsLogInterval, n.logStatistics)
	go n.acceptLoop(ln)
	return nil
}

func (n *Node) acceptLoop(ln net.Listener) {
	defer close(n.acceptDone)
	for {
		raw, err := ln.Accept()
		if err != nil {
			if n.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			n.log().Error("accept failed", slog.String("error", err.Error()))
			return
		}
		n.registerInbound(raw)
	}
}

func (n *Node) registerInbound(raw net.Conn) {
	c := n.newConnection(raw, true, nil)
	n.mu.Lock()
	if n.stopped.Load() {
		n.mu.Unlock()
		_ = raw.Close()
		return
	}
	n.inbound[c.uid] = c
	n.mu.Unlock()
	n.metrics.connectionOpened(true)
	n.log().Debug("inbound connection accepted", slog.String("uid", c.uid))
	n.exec.Execute(func() { n.notifyConnection(c) })
	c.start()
}

func (n *Node) newConnection(raw net.Conn, inbound bool, peer *NodeAddress) *Connection {
	return newConnection(raw, inbound, peer, n.cfg.Connection, connectionDeps{
		codec:     n.codec,
		registry:  n.registry,
		exec:      n.exec,
		now:       n.now,
		logger:    n.logger,
		metrics:   n.metrics,
		network:   n.stats,
		banFilter: n.banFilter,
		hooks: connectionHooks{
			onMessage:    n.dispatchMessage,
			onSent:       n.dispatchSent,
			onDisconnect: n.handleDisconnect,
		},
	})
}

// NodeAddress is known once the node has started or when configured.
func (n *Node) NodeAddress() (NodeAddress, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.address == nil {
		return NodeAddress{}, false
	}
	return *n.address, true
}

func (n *Node) Registry() *Registry { return n.registry }

func (n *Node) Statistics() *NetworkStatistics { return n.stats }

func (n *Node) Capabilities() Capabilities { return n.cfg.Capabilities.Clone() }

func (n *Node) MaxConnections() int { return n.cfg.MaxConnections }

// NewEnvelope wraps payload with the local version. Kinds flagged
// AnnouncesCapabilities carry the local capability set.
func (n *Node) NewEnvelope(payload Payload) *Envelope {
	env := n.registry.NewEnvelope(n.cfg.Version, payload)
	if env.Traits.AnnouncesCapabilities {
		env.Capabilities = n.cfg.Capabilities.Clone()
	}
	return env
}

// SendMessage sends env to addr, reusing an existing connection or creating
// an outbound one. cb runs on the user thread.
func (n *Node) SendMessage(addr NodeAddress, env *Envelope, cb SendCallback) {
	if n.stopped.Load() {
		n.complete(cb, nil, ErrNodeStopped)
		return
	}
	if n.banFilter != nil && n.banFilter.IsPeerBanned(addr) {
		n.log().Warn("send to banned peer refused", logging.MaskField("peer_address", addr.FullAddress()))
		n.complete(cb, nil, ErrPeerBanned)
		return
	}
	if conn := n.findConnection(addr); conn != nil {
		n.SendMessageOnConnection(conn, env, cb)
		return
	}
	go func() {
		if err := n.createSem.Acquire(n.ctx, 1); err != nil {
			n.complete(cb, nil, ErrNodeStopped)
			return
		}
		conn, err := n.createOutbound(addr)
		n.createSem.Release(1)
		if err != nil {
			n.log().Debug("outbound connection failed",
				logging.MaskField("peer_address", addr.FullAddress()),
				slog.String("error", err.Error()))
			n.complete(cb, nil, err)
			return
		}
		n.send(conn, env, cb)
	}()
}

// SendMessageOnConnection sends env on an existing connection using the
// send worker pool.
func (n *Node) SendMessageOnConnection(conn Conn, env *Envelope, cb SendCallback) {
	if n.stopped.Load() {
		n.complete(cb, conn, ErrNodeStopped)
		return
	}
	go n.send(conn, env, cb)
}

func (n *Node) send(conn Conn, env *Envelope, cb SendCallback) {
	if err := n.sendSem.Acquire(n.ctx, 1); err != nil {
		n.complete(cb, conn, ErrNodeStopped)
		return
	}
	err := conn.Send(env)
	n.sendSem.Release(1)
	n.complete(cb, conn, err)
}

func (n *Node) complete(cb SendCallback, conn Conn, err error) {
	if cb == nil {
		return
	}
	n.exec.Execute(func() { cb(conn, err) })
}

func (n *Node) createOutbound(addr NodeAddress) (*Connection, error) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.CreateConnectionTimeout)
	defer cancel()
	started := n.now()
	raw, err := n.transport.Dial(ctx, addr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrCreateTimeout, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	if elapsed := n.now().Sub(started); elapsed > n.cfg.CreateConnectionTimeout {
		_ = raw.Close()
		return nil, fmt.Errorf("%w after %s", ErrCreateTimeout, elapsed)
	}

	// Socket creation over Tor can take long; another connection to the
	// same peer may have been registered meanwhile.
	n.mu.Lock()
	if n.stopped.Load() {
		n.mu.Unlock()
		_ = raw.Close()
		return nil, ErrNodeStopped
	}
	if existing := n.findConnectionLocked(addr); existing != nil {
		n.mu.Unlock()
		_ = raw.Close()
		n.log().Debug("reusing connection established during socket creation",
			logging.MaskField("peer_address", addr.FullAddress()))
		return existing, nil
	}
	c := n.newConnection(raw, false, &addr)
	n.outbound[c.uid] = c
	n.mu.Unlock()

	n.metrics.connectionOpened(false)
	n.log().Debug("outbound connection created",
		slog.String("uid", c.uid),
		logging.MaskField("peer_address", addr.FullAddress()))
	n.exec.Execute(func() { n.notifyConnection(c) })
	c.start()
	return c, nil
}

func (n *Node) findConnection(addr NodeAddress) *Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.findConnectionLocked(addr)
}

func (n *Node) findConnectionLocked(addr NodeAddress) *Connection {
	for _, set := range []map[string]*Connection{n.outbound, n.inbound} {
		for _, c := range set {
			if c.IsStopped() {
				continue
			}
			if peer, ok := c.PeerAddress(); ok && peer == addr {
				return c
			}
		}
	}
	return nil
}

// AllConnections returns every live connection.
func (n *Node) AllConnections() []Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Conn, 0, len(n.inbound)+len(n.outbound))
	for _, set := range []map[string]*Connection{n.outbound, n.inbound} {
		for _, c := range set {
			if !c.IsStopped() {
				out = append(out, c)
			}
		}
	}
	return out
}

// ConfirmedConnections returns live connections whose peer address is known.
func (n *Node) ConfirmedConnections() []Conn {
	all := n.AllConnections()
	out := all[:0]
	for _, c := range all {
		if c.HasPeerAddress() {
			out = append(out, c)
		}
	}
	return out
}

// ConfirmedPeerAddresses returns the distinct addresses of confirmed
// connections.
func (n *Node) ConfirmedPeerAddresses() []NodeAddress {
	seen := make(map[NodeAddress]struct{})
	var out []NodeAddress
	for _, c := range n.ConfirmedConnections() {
		addr, _ := c.PeerAddress()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func (n *Node) AddConnectionListener(l ConnectionListener) {
	n.mu.Lock()
	n.connListen = append(n.connListen, l)
	n.mu.Unlock()
}

// AddMessageListener registers fn for every envelope received on any
// connection. The returned function unregisters it.
func (n *Node) AddMessageListener(fn MessageHandler) func() {
	n.mu.Lock()
	n.listenerSeq++
	id := n.listenerSeq
	n.msgListen = append(n.msgListen, listenerEntry{id: id, fn: fn})
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, l := range n.msgListen {
			if l.id == id {
				n.msgListen = append(n.msgListen[:i], n.msgListen[i+1:]...)
				return
			}
		}
	}
}

// AddMessageSentListener registers fn for every envelope written. fn runs
// on the user thread.
func (n *Node) AddMessageSentListener(fn func(env *Envelope, conn Conn)) {
	n.mu.Lock()
	n.sentListen = append(n.sentListen, fn)
	n.mu.Unlock()
}

func (n *Node) dispatchMessage(env *Envelope, c *Connection) {
	n.mu.RLock()
	listeners := make([]MessageHandler, len(n.msgListen))
	for i, l := range n.msgListen {
		listeners[i] = l.fn
	}
	n.mu.RUnlock()
	for _, fn := range listeners {
		fn(env, c)
	}
}

func (n *Node) dispatchSent(env *Envelope, c *Connection) {
	n.mu.RLock()
	listeners := append([]func(*Envelope, Conn){}, n.sentListen...)
	n.mu.RUnlock()
	for _, fn := range listeners {
		fn(env, c)
	}
}

func (n *Node) notifyConnection(c *Connection) {
	if c.IsStopped() {
		return
	}
	n.mu.RLock()
	listeners := append([]ConnectionListener{}, n.connListen...)
	n.mu.RUnlock()
	for _, l := range listeners {
		l.OnConnection(c)
	}
}

func (n *Node) handleDisconnect(reason CloseConnectionReason, c *Connection) {
	n.mu.Lock()
	_, wasInbound := n.inbound[c.uid]
	_, wasOutbound := n.outbound[c.uid]
	delete(n.inbound, c.uid)
	delete(n.outbound, c.uid)
	listeners := append([]ConnectionListener{}, n.connListen...)
	n.mu.Unlock()
	if wasInbound || wasOutbound {
		n.metrics.connectionClosed(wasInbound)
	}
	for _, l := range listeners {
		l.OnDisconnect(reason, c)
	}
}

// ShutDown stops the listener and closes every connection in parallel. It
// returns after all connections released their sockets or after the
// shutdown timeout, whichever comes first.
func (n *Node) ShutDown() {
	if !n.stopped.CompareAndSwap(false, true) {
		return
	}
	n.mu.Lock()
	ln := n.listener
	conns := make([]*Connection, 0, len(n.inbound)+len(n.outbound))
	for _, set := range []map[string]*Connection{n.outbound, n.inbound} {
		for _, c := range set {
			conns = append(conns, c)
		}
	}
	n.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
		<-n.acceptDone
	}
	if n.statsTimer != nil {
		n.statsTimer.Stop()
	}
	n.cancel()

	deadline := time.NewTimer(n.cfg.ShutDownTimeout)
	defer deadline.Stop()
	for _, c := range conns {
		c.ShutDown(ReasonAppShutDown, nil)
	}
	pending := len(conns)
	for _, c := range conns {
		select {
		case <-c.Closed():
			pending--
		case <-deadline.C:
			n.log().Warn("shutdown timeout reached", slog.Int("pending_connections", pending))
			return
		}
	}
	n.log().Info("P2P node shut down", slog.Int("closed_connections", len(conns)))
}

func (n *Node) logStatistics() {
	totals := n.stats.Totals()
	n.log().Info("network statistics",
		slog.Int("connections", len(n.AllConnections())),
		slog.Int64("sent_bytes", totals.SentBytes),
		slog.Int64("received_bytes", totals.ReceivedBytes),
		slog.Int64("sent_messages", totals.SentMessages),
		slog.Int64("received_messages", totals.ReceivedMessages),
		slog.Any("top_received", totals.TopReceivedKinds(5)))
}
