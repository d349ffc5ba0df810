package p2p

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	defaultReadTimeout      = 4 * time.Minute
	defaultWriteTimeout     = 2 * time.Minute
	defaultCloseMessageWait = 200 * time.Millisecond
)

// MessageHandler receives dispatched envelopes on the user thread.
type MessageHandler func(env *Envelope, conn Conn)

// Conn is the view of a connection that protocol managers work with.
type Conn interface {
	UID() string
	PeerAddress() (NodeAddress, bool)
	HasPeerAddress() bool
	Inbound() bool
	Capabilities() Capabilities
	State() *ConnectionState
	Statistic() *Statistic
	// RuleViolation returns the violation that closed the connection.
	RuleViolation() (RuleViolation, bool)
	BannedByPeer() bool
	IsStopped() bool
	AddMessageListener(fn MessageHandler) (remove func())
	// AddCapabilitiesListener registers fn for capability upgrades announced
	// by the peer. fn may run off the user thread.
	AddCapabilitiesListener(fn func(Capabilities))
	Send(env *Envelope) error
	ReportInvalidRequest(v RuleViolation) bool
	ShutDown(reason CloseConnectionReason, done func())
}

// ConnectionConfig tunes per-connection policy. Zero values take defaults.
type ConnectionConfig struct {
	Version                string
	MsgThrottlePerSec      int
	MsgThrottlePer10Sec    int
	SendMsgThrottleTrigger time.Duration
	SendMsgThrottleSleep   time.Duration
	MandatoryCapabilities  Capabilities
	ReadTimeout            time.Duration
	WriteTimeout           time.Duration
	CloseMessageWait       time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.MsgThrottlePerSec <= 0 {
		c.MsgThrottlePerSec = DefaultMsgThrottlePerSec
	}
	if c.MsgThrottlePer10Sec <= 0 {
		c.MsgThrottlePer10Sec = DefaultMsgThrottlePer10Sec
	}
	if c.SendMsgThrottleTrigger <= 0 {
		c.SendMsgThrottleTrigger = DefaultSendMsgThrottleTrigger
	}
	if c.SendMsgThrottleSleep <= 0 {
		c.SendMsgThrottleSleep = DefaultSendMsgThrottleSleep
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.CloseMessageWait <= 0 {
		c.CloseMessageWait = defaultCloseMessageWait
	}
	return c
}

// connectionHooks connect a Connection to its owning node. All hooks run on
// the user thread.
type connectionHooks struct {
	onMessage    func(env *Envelope, c *Connection)
	onSent       func(env *Envelope, c *Connection)
	onDisconnect func(reason CloseConnectionReason, c *Connection)
}

type connectionDeps struct {
	codec     WireCodec
	registry  *Registry
	exec      userthread.Executor
	now       func() time.Time
	sleep     func(time.Duration)
	logger    *slog.Logger
	metrics   *networkMetrics
	network   *NetworkStatistics
	banFilter BanFilter
	hooks     connectionHooks
}

type listenerEntry struct {
	id uint64
	fn MessageHandler
}

// Connection owns one socket. A dedicated goroutine reads frames, applies
// the receive policy and dispatches envelopes to the user thread in wire
// order.
type Connection struct {
	uid     string
	conn    net.Conn
	reader  *bufio.Reader
	inbound bool
	cfg     ConnectionConfig
	deps    connectionDeps
	logger  *slog.Logger

	mu           sync.RWMutex
	peerAddress  *NodeAddress
	capabilities Capabilities
	capListeners []func(Capabilities)

	violationMu  sync.Mutex
	violations   map[RuleViolation]int
	closingRule  *RuleViolation
	bannedByPeer atomic.Bool

	listenerMu  sync.Mutex
	listeners   []listenerEntry
	listenerSeq uint64

	writeMu  sync.Mutex
	lastSend time.Time

	lastRead time.Time
	throttle *receiveThrottle

	state *ConnectionState
	stat  *Statistic

	stopped     atomic.Bool
	closeReason atomic.Int32
	readDone    chan struct{}
	closed      chan struct{}
}

func newConnection(conn net.Conn, inbound bool, peer *NodeAddress, cfg ConnectionConfig, deps connectionDeps) *Connection {
	cfg = cfg.withDefaults()
	if deps.now == nil {
		deps.now = time.Now
	}
	if deps.sleep == nil {
		deps.sleep = time.Sleep
	}
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	if deps.registry == nil {
		deps.registry = NewRegistry()
	}
	if deps.codec == nil {
		deps.codec = NewCodec(deps.registry)
	}
	uid := uuid.NewString()
	now := deps.now()
	c := &Connection{
		uid:        uid,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		inbound:    inbound,
		cfg:        cfg,
		deps:       deps,
		logger:     deps.logger.With(slog.String("component", "p2p_connection"), slog.String("uid", uid)),
		violations: make(map[RuleViolation]int),
		throttle:   newReceiveThrottle(cfg.MsgThrottlePerSec, cfg.MsgThrottlePer10Sec),
		state:      NewConnectionState(deps.exec, deps.now),
		stat:       NewStatistic(now, deps.network),
		readDone:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
	if peer != nil {
		addr := *peer
		c.peerAddress = &addr
	}
	return c
}

func (c *Connection) start() {
	go c.readLoop()
}

func (c *Connection) UID() string { return c.uid }

func (c *Connection) Inbound() bool { return c.inbound }

func (c *Connection) State() *ConnectionState { return c.state }

func (c *Connection) Statistic() *Statistic { return c.stat }

func (c *Connection) IsStopped() bool { return c.stopped.Load() }

func (c *Connection) BannedByPeer() bool { return c.bannedByPeer.Load() }

func (c *Connection) PeerAddress() (NodeAddress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peerAddress == nil {
		return NodeAddress{}, false
	}
	return *c.peerAddress, true
}

func (c *Connection) HasPeerAddress() bool {
	_, ok := c.PeerAddress()
	return ok
}

func (c *Connection) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities.Clone()
}

// AddCapabilitiesListener registers fn for capability changes. Listeners are
// dropped on shutdown.
func (c *Connection) AddCapabilitiesListener(fn func(Capabilities)) {
	c.mu.Lock()
	c.capListeners = append(c.capListeners, fn)
	c.mu.Unlock()
}

func (c *Connection) RuleViolation() (RuleViolation, bool) {
	c.violationMu.Lock()
	defer c.violationMu.Unlock()
	if c.closingRule == nil {
		return 0, false
	}
	return *c.closingRule, true
}

// Closed is closed once the socket has been released.
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// CloseReason is valid once the connection is stopped.
func (c *Connection) CloseReason() CloseConnectionReason {
	return CloseConnectionReason(c.closeReason.Load())
}

func (c *Connection) AddMessageListener(fn MessageHandler) func() {
	c.listenerMu.Lock()
	c.listenerSeq++
	id := c.listenerSeq
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Connection) listenerSnapshot() []MessageHandler {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	out := make([]MessageHandler, len(c.listeners))
	for i, l := range c.listeners {
		out[i] = l.fn
	}
	return out
}

func (c *Connection) peerAttr() slog.Attr {
	addr, ok := c.PeerAddress()
	if !ok {
		return logging.MaskField("peer_address", "")
	}
	return logging.MaskField("peer_address", addr.FullAddress())
}

// Send serializes env onto the socket. Envelopes whose required
// capabilities the peer lacks are dropped without error. Back to back sends
// are spaced by the send throttle.
func (c *Connection) Send(env *Envelope) error {
	if c.stopped.Load() {
		c.logger.Debug("send on stopped connection ignored", slog.String("kind", c.kindName(env)))
		return ErrConnectionStopped
	}
	if addr, ok := c.PeerAddress(); ok && c.deps.banFilter != nil && c.deps.banFilter.IsPeerBanned(addr) {
		c.logger.Warn("refusing to send to banned peer", c.peerAttr())
		c.ReportInvalidRequest(ViolationPeerBanned)
		return ErrPeerBanned
	}
	filtered, err := c.filterForCapabilities(env)
	if err != nil {
		c.logger.Debug("envelope dropped", slog.String("kind", c.kindName(env)), slog.String("error", err.Error()))
		return nil
	}
	if err := c.write(filtered, true); err != nil {
		return err
	}
	peerKnown := c.HasPeerAddress()
	c.deps.exec.Execute(func() {
		c.state.OnMessageSent(filtered, peerKnown)
		if c.deps.hooks.onSent != nil {
			c.deps.hooks.onSent(filtered, c)
		}
	})
	return nil
}

func (c *Connection) filterForCapabilities(env *Envelope) (*Envelope, error) {
	caps := c.Capabilities()
	if !caps.ContainsAll(env.Traits.RequiredCapabilities) {
		return nil, ErrCapabilityNotSupported
	}
	bundle, ok := env.Payload.(*BundleOfEnvelopes)
	if !ok {
		return env, nil
	}
	kept := make([]*Envelope, 0, len(bundle.Envelopes))
	for _, nested := range bundle.Envelopes {
		if caps.ContainsAll(nested.Traits.RequiredCapabilities) {
			kept = append(kept, nested)
		}
	}
	if len(kept) == 0 {
		return nil, ErrEmptyBundle
	}
	if len(kept) == len(bundle.Envelopes) {
		return env, nil
	}
	out := *env
	out.Payload = &BundleOfEnvelopes{Envelopes: kept}
	return &out, nil
}

func (c *Connection) write(env *Envelope, throttled bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if throttled && !c.lastSend.IsZero() && c.deps.now().Sub(c.lastSend) < c.cfg.SendMsgThrottleTrigger {
		c.deps.sleep(c.cfg.SendMsgThrottleSleep)
	}
	_ = c.conn.SetWriteDeadline(c.deps.now().Add(c.cfg.WriteTimeout))
	size, err := c.deps.codec.WriteEnvelope(c.conn, env)
	c.lastSend = c.deps.now()
	if err != nil {
		if throttled {
			go c.ShutDown(closeReasonForError(err), nil)
		}
		return err
	}
	name := c.kindName(env)
	c.stat.AddSentBytes(size)
	c.stat.AddSentMessage(name)
	c.stat.UpdateLastActivity(c.lastSend)
	c.deps.metrics.recordMessage("sent", name, size)
	return nil
}

// ReportInvalidRequest counts one occurrence of v and closes the connection
// once the count exceeds the tolerance of v. It reports whether the
// connection was closed.
func (c *Connection) ReportInvalidRequest(v RuleViolation) bool {
	c.violationMu.Lock()
	c.violations[v]++
	count := c.violations[v]
	exceeded := count > v.MaxTolerance()
	if exceeded && c.closingRule == nil {
		rule := v
		c.closingRule = &rule
	}
	c.violationMu.Unlock()

	c.deps.metrics.recordViolation(v)
	c.logger.Warn("rule violation reported",
		slog.String("violation", v.String()),
		slog.Int("count", count),
		slog.Int("max_tolerance", v.MaxTolerance()),
		c.peerAttr())
	if !exceeded {
		return false
	}
	c.ShutDown(v.CloseReason(), nil)
	return true
}

// ShutDown closes the connection. It is idempotent; done runs on the user
// thread once the socket is released, also for repeated calls.
func (c *Connection) ShutDown(reason CloseConnectionReason, done func()) {
	if !c.stopped.CompareAndSwap(false, true) {
		if done != nil {
			c.deps.exec.Execute(done)
		}
		return
	}
	c.closeReason.Store(int32(reason))
	c.deps.metrics.recordClose(reason)
	c.logger.Info("shutting down connection",
		slog.String("reason", reason.String()),
		c.peerAttr())

	go func() {
		if reason.SendCloseMessage() {
			name := reason.String()
			if rule, ok := c.RuleViolation(); ok && reason == ReasonRuleViolation {
				name = rule.String()
			}
			msg := c.deps.registry.NewEnvelope(c.cfg.Version, &CloseConnectionMessage{Reason: name})
			if err := c.write(msg, false); err != nil {
				c.logger.Debug("close message not delivered", slog.String("error", err.Error()))
			}
			c.deps.sleep(c.cfg.CloseMessageWait)
		}
		c.release()
		close(c.closed)
		c.deps.exec.Execute(func() {
			if c.deps.hooks.onDisconnect != nil {
				c.deps.hooks.onDisconnect(reason, c)
			}
			if done != nil {
				done()
			}
		})
	}()
}

func (c *Connection) release() {
	_ = c.conn.Close()
	c.state.Shutdown()
	c.mu.Lock()
	c.capListeners = nil
	c.mu.Unlock()
}

func (c *Connection) readLoop() {
	defer close(c.readDone)
	for !c.stopped.Load() {
		_ = c.conn.SetReadDeadline(c.deps.now().Add(c.cfg.ReadTimeout))
		env, size, err := c.deps.codec.ReadEnvelope(c.reader)
		if c.stopped.Load() {
			return
		}
		if err != nil {
			if !c.handleReadError(err, size) {
				return
			}
			continue
		}

		now := c.deps.now()
		if !c.lastRead.IsZero() && now.Sub(c.lastRead) < receiveBurstWindow {
			c.deps.sleep(receiveBurstSleep)
		}
		c.lastRead = now

		if !c.handleEnvelope(env, size, now) {
			return
		}
	}
}

// handleReadError reports whether the loop may continue.
func (c *Connection) handleReadError(err error, size int) bool {
	switch {
	case errors.Is(err, ErrUnknownKind) && size > 0:
		c.stat.AddReceivedBytes(size)
		c.logger.Warn("unknown envelope kind", slog.String("error", err.Error()), c.peerAttr())
		return !c.ReportInvalidRequest(ViolationInvalidClass)
	case errors.Is(err, ErrFrameTooLarge):
		c.logger.Warn("frame exceeds hard limit", slog.Int("size", size), c.peerAttr())
		if !c.ReportInvalidRequest(ViolationMaxMsgSizeExceeded) {
			c.ShutDown(ReasonCorruptedData, nil)
		}
		return false
	default:
		reason := closeReasonForError(err)
		if reason.IsIntended() || reason == ReasonUnknownException {
			c.logger.Warn("read failed", slog.String("reason", reason.String()), slog.String("error", err.Error()), c.peerAttr())
		} else {
			c.logger.Debug("read loop ended", slog.String("reason", reason.String()), c.peerAttr())
		}
		c.ShutDown(reason, nil)
		return false
	}
}

// handleEnvelope applies the receive policy. It reports whether the loop
// may continue.
func (c *Connection) handleEnvelope(env *Envelope, size int, now time.Time) bool {
	name := c.kindName(env)
	c.stat.AddReceivedBytes(size)
	c.stat.AddReceivedMessage(name)
	c.stat.UpdateLastActivity(now)
	c.deps.metrics.recordMessage("received", name, size)

	if addr, ok := c.PeerAddress(); ok && c.deps.banFilter != nil && c.deps.banFilter.IsPeerBanned(addr) {
		c.logger.Warn("message from banned peer", c.peerAttr())
		if c.ReportInvalidRequest(ViolationPeerBanned) {
			return false
		}
	}

	limit := PermittedMessageSize
	if env.Traits.ExtendedSize {
		limit = MaxPermittedMessageSize
	}
	if size > limit {
		c.logger.Warn("message exceeds permitted size",
			slog.String("kind", name),
			slog.Int("size", size),
			slog.Int("limit", limit))
		if c.ReportInvalidRequest(ViolationMaxMsgSizeExceeded) {
			return false
		}
	}

	if c.throttle.violates(now) {
		c.throttle.logViolation(func() {
			c.logger.Warn("receive throttle exceeded",
				c.peerAttr(),
				slog.Int("per_sec", c.cfg.MsgThrottlePerSec),
				slog.Int("per_10_sec", c.cfg.MsgThrottlePer10Sec))
		})
		if c.ReportInvalidRequest(ViolationThrottleLimitExceeded) {
			return false
		}
	}

	if env.Version != c.cfg.Version {
		c.logger.Warn("message version mismatch",
			slog.String("got", env.Version),
			slog.String("want", c.cfg.Version))
		if c.ReportInvalidRequest(ViolationWrongNetworkID) {
			return false
		}
	}

	if !env.Capabilities.IsEmpty() && c.applyCapabilities(env.Capabilities) {
		return false
	}

	if closeMsg, ok := env.Payload.(*CloseConnectionMessage); ok {
		if closeMsg.Reason == ReasonPeerBanned.String() {
			c.bannedByPeer.Store(true)
			c.logger.Warn("peer closed the connection because it banned us", c.peerAttr())
		} else {
			c.logger.Debug("close requested by peer", slog.String("reason", closeMsg.Reason), c.peerAttr())
		}
		c.ShutDown(ReasonCloseRequestedByPeer, nil)
		return false
	}

	if c.stopped.Load() {
		return false
	}

	if bundle, ok := env.Payload.(*BundleOfEnvelopes); ok {
		seen := make(map[[32]byte]struct{}, len(bundle.Envelopes))
		for _, nested := range bundle.Envelopes {
			if add, ok := nested.Payload.(*AddDataMessage); ok {
				hash := add.ContentHash()
				if _, dup := seen[hash]; dup {
					c.logger.Debug("duplicate entry in bundle skipped")
					continue
				}
				seen[hash] = struct{}{}
			}
			if !c.processEnvelope(nested) {
				return false
			}
		}
		return !c.stopped.Load()
	}
	return c.processEnvelope(env)
}

func (c *Connection) processEnvelope(env *Envelope) bool {
	if env.Sender != nil && !c.setPeerAddress(*env.Sender) {
		return false
	}
	peerKnown := c.HasPeerAddress()
	c.deps.exec.Execute(func() {
		c.state.OnMessage(env, peerKnown)
		for _, fn := range c.listenerSnapshot() {
			fn(env, c)
		}
		if c.deps.hooks.onMessage != nil {
			c.deps.hooks.onMessage(env, c)
		}
	})
	return true
}

// setPeerAddress records the sender on first sight. A different sender
// later on the same connection is a protocol error.
func (c *Connection) setPeerAddress(addr NodeAddress) bool {
	c.mu.Lock()
	current := c.peerAddress
	if current == nil {
		a := addr
		c.peerAddress = &a
	}
	c.mu.Unlock()

	if current == nil {
		if c.deps.banFilter != nil && c.deps.banFilter.IsPeerBanned(addr) {
			c.logger.Warn("peer address is banned", c.peerAttr())
			return !c.ReportInvalidRequest(ViolationPeerBanned)
		}
		return true
	}
	if *current == addr {
		return true
	}
	c.logger.Error("sender address changed on connection",
		logging.MaskField("peer_address", current.FullAddress()),
		logging.MaskField("sender_address", addr.FullAddress()))
	c.violationMu.Lock()
	if c.closingRule == nil {
		rule := ViolationInvalidDataType
		c.closingRule = &rule
	}
	c.violationMu.Unlock()
	c.deps.metrics.recordViolation(ViolationInvalidDataType)
	c.ShutDown(ReasonRuleViolation, nil)
	return false
}

// applyCapabilities merges an announcement and reports whether it caused a
// shutdown.
func (c *Connection) applyCapabilities(announced Capabilities) bool {
	c.mu.Lock()
	if c.capabilities.Equal(announced) {
		c.mu.Unlock()
		return false
	}
	if missing := announced.Missing(c.cfg.MandatoryCapabilities); len(missing) > 0 {
		c.mu.Unlock()
		c.logger.Info("peer lacks mandatory capabilities",
			slog.String("missing", missing.String()),
			c.peerAttr())
		c.ShutDown(ReasonMandatoryCapabilitiesNotSupported, nil)
		return true
	}
	var listeners []func(Capabilities)
	if c.capabilities.HasLess(announced) || c.capabilities.IsEmpty() {
		c.capabilities = announced.Clone()
		listeners = append(listeners, c.capListeners...)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(announced.Clone())
	}
	return false
}

func (c *Connection) kindName(env *Envelope) string {
	if env == nil || env.Payload == nil {
		return "nil"
	}
	if spec, ok := c.deps.registry.Lookup(env.Kind()); ok {
		return spec.Name
	}
	return env.KindName()
}

func closeReasonForError(err error) CloseConnectionReason {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return ReasonSocketClosed
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return ReasonReset
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonSocketTimeout
	case errors.Is(err, ErrEmptyFrame):
		return ReasonNoProtoBufferData
	case errors.Is(err, ErrMissingKind):
		return ReasonNoProtoBufferEnv
	case errors.Is(err, ErrCorruptedEnvelope), errors.Is(err, ErrCorruptedPayload):
		return ReasonCorruptedData
	default:
		return ReasonUnknownException
	}
}
