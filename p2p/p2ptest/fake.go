// Package p2ptest provides in-memory doubles of p2p.Network and p2p.Conn
// for exercising the protocol managers without sockets.
package p2ptest

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

var (
	_ p2p.Conn    = (*Conn)(nil)
	_ p2p.Network = (*Network)(nil)
)

// ErrUnreachable is the send error for addresses without a dial hook.
var ErrUnreachable = errors.New("p2ptest: peer unreachable")

// Conn is a scripted connection. Sent envelopes are recorded; nothing is
// written anywhere.
type Conn struct {
	network *Network
	uid     string
	inbound bool
	state   *p2p.ConnectionState
	stat    *p2p.Statistic

	mu           sync.Mutex
	addr         *p2p.NodeAddress
	caps         p2p.Capabilities
	stopped      bool
	closeReason  p2p.CloseConnectionReason
	violations   map[p2p.RuleViolation]int
	rule         *p2p.RuleViolation
	bannedByPeer bool
	sent         []*p2p.Envelope
	sendErr      error
	remote       *Conn
	capListeners []func(p2p.Capabilities)
}

func (c *Conn) UID() string { return c.uid }

func (c *Conn) Inbound() bool { return c.inbound }

func (c *Conn) State() *p2p.ConnectionState { return c.state }

func (c *Conn) Statistic() *p2p.Statistic { return c.stat }

func (c *Conn) PeerAddress() (p2p.NodeAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr == nil {
		return p2p.NodeAddress{}, false
	}
	return *c.addr, true
}

func (c *Conn) HasPeerAddress() bool {
	_, ok := c.PeerAddress()
	return ok
}

// SetPeerAddress confirms the connection.
func (c *Conn) SetPeerAddress(addr p2p.NodeAddress) {
	c.mu.Lock()
	c.addr = &addr
	c.mu.Unlock()
}

func (c *Conn) Capabilities() p2p.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps.Clone()
}

// SetCapabilities replaces the peer capabilities and notifies the
// capability listeners when they changed.
func (c *Conn) SetCapabilities(caps p2p.Capabilities) {
	c.mu.Lock()
	if c.caps.Equal(caps) {
		c.mu.Unlock()
		return
	}
	c.caps = caps.Clone()
	listeners := slices.Clone(c.capListeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(caps.Clone())
	}
}

func (c *Conn) AddCapabilitiesListener(fn func(p2p.Capabilities)) {
	c.mu.Lock()
	c.capListeners = append(c.capListeners, fn)
	c.mu.Unlock()
}

func (c *Conn) RuleViolation() (p2p.RuleViolation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rule == nil {
		return 0, false
	}
	return *c.rule, true
}

func (c *Conn) BannedByPeer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bannedByPeer
}

// SetBannedByPeer simulates a CloseConnection with the PEER_BANNED reason.
func (c *Conn) SetBannedByPeer() {
	c.mu.Lock()
	c.bannedByPeer = true
	c.mu.Unlock()
}

func (c *Conn) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// CloseReason is the reason passed to the first ShutDown.
func (c *Conn) CloseReason() p2p.CloseConnectionReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Conn) AddMessageListener(fn p2p.MessageHandler) func() {
	return c.network.AddMessageListener(func(env *p2p.Envelope, conn p2p.Conn) {
		if conn == c {
			fn(env, conn)
		}
	})
}

// FailSends makes every following Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Conn) Send(env *p2p.Envelope) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return p2p.ErrConnectionStopped
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	if !c.caps.ContainsAll(env.Traits.RequiredCapabilities) {
		c.mu.Unlock()
		return nil
	}
	c.sent = append(c.sent, env)
	remote := c.remote
	c.mu.Unlock()
	if remote != nil && !remote.IsStopped() {
		remote.network.Deliver(remote, env)
	}
	return nil
}

// Sent returns the envelopes accepted by Send.
func (c *Conn) Sent() []*p2p.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*p2p.Envelope(nil), c.sent...)
}

func (c *Conn) ReportInvalidRequest(v p2p.RuleViolation) bool {
	c.mu.Lock()
	if c.violations == nil {
		c.violations = make(map[p2p.RuleViolation]int)
	}
	c.violations[v]++
	exceeded := c.violations[v] > v.MaxTolerance()
	if exceeded && c.rule == nil {
		rule := v
		c.rule = &rule
	}
	c.mu.Unlock()
	if exceeded {
		c.ShutDown(v.CloseReason(), nil)
	}
	return exceeded
}

// Violations reports how often v was reported.
func (c *Conn) Violations(v p2p.RuleViolation) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations[v]
}

func (c *Conn) ShutDown(reason p2p.CloseConnectionReason, done func()) {
	c.mu.Lock()
	already := c.stopped
	if !already {
		c.stopped = true
		c.closeReason = reason
	}
	c.mu.Unlock()
	if !already {
		c.state.Shutdown()
		c.network.disconnected(reason, c)
		if c.remote != nil {
			c.remote.ShutDown(p2p.ReasonCloseRequestedByPeer, nil)
		}
	}
	if done != nil {
		c.network.exec.Execute(done)
	}
}

func (c *Conn) String() string {
	if addr, ok := c.PeerAddress(); ok {
		return fmt.Sprintf("conn(%s)", addr)
	}
	return "conn(" + c.uid + ")"
}

// Network is an in-memory p2p.Network. Callbacks are posted to the executor
// like the real node does.
type Network struct {
	exec     userthread.Executor
	now      func() time.Time
	registry *p2p.Registry

	mu          sync.Mutex
	self        *p2p.NodeAddress
	caps        p2p.Capabilities
	conns       []*Conn
	seq         int
	connListen  []p2p.ConnectionListener
	msgListen   map[int]p2p.MessageHandler
	listenerSeq int
	sent        []Sent
	dial        func(addr p2p.NodeAddress) (*Conn, error)
}

// Sent is one envelope handed to the network.
type Sent struct {
	To   p2p.NodeAddress
	Conn *Conn
	Env  *p2p.Envelope
}

// NewNetwork returns a network with the built-in registry. now defaults to
// time.Now.
func NewNetwork(exec userthread.Executor, now func() time.Time) *Network {
	if now == nil {
		now = time.Now
	}
	return &Network{
		exec:      exec,
		now:       now,
		registry:  p2p.NewRegistry(),
		msgListen: make(map[int]p2p.MessageHandler),
	}
}

// SetNodeAddress sets the local address.
func (n *Network) SetNodeAddress(addr p2p.NodeAddress) {
	n.mu.Lock()
	n.self = &addr
	n.mu.Unlock()
}

// SetCapabilities sets the capabilities attached by NewEnvelope.
func (n *Network) SetCapabilities(caps p2p.Capabilities) {
	n.mu.Lock()
	n.caps = caps.Clone()
	n.mu.Unlock()
}

// OnDial installs the hook used when SendMessage finds no connection. By
// default every dial fails with ErrUnreachable.
func (n *Network) OnDial(fn func(addr p2p.NodeAddress) (*Conn, error)) {
	n.mu.Lock()
	n.dial = fn
	n.mu.Unlock()
}

func (n *Network) NodeAddress() (p2p.NodeAddress, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.self == nil {
		return p2p.NodeAddress{}, false
	}
	return *n.self, true
}

func (n *Network) NewEnvelope(payload p2p.Payload) *p2p.Envelope {
	env := n.registry.NewEnvelope("test", payload)
	if env.Traits.AnnouncesCapabilities {
		n.mu.Lock()
		env.Capabilities = n.caps.Clone()
		n.mu.Unlock()
	}
	return env
}

// NewConn creates a connection without registering it. addr may be nil for
// an anonymous inbound connection.
func (n *Network) NewConn(addr *p2p.NodeAddress, inbound bool) *Conn {
	n.mu.Lock()
	n.seq++
	uid := fmt.Sprintf("conn-%d", n.seq)
	n.mu.Unlock()
	c := &Conn{
		network: n,
		uid:     uid,
		inbound: inbound,
		state:   p2p.NewConnectionState(n.exec, n.now),
		stat:    p2p.NewStatistic(n.now(), nil),
	}
	if addr != nil {
		a := *addr
		c.addr = &a
	}
	return c
}

// Pair links an outbound connection from a to peer with an anonymous
// inbound connection on b. Envelopes sent on one side are delivered to the
// other, and closing one side closes the other. Neither is registered.
func Pair(a *Network, peer p2p.NodeAddress, b *Network) (outbound, inbound *Conn) {
	outbound = a.NewConn(&peer, false)
	inbound = b.NewConn(nil, true)
	outbound.remote = inbound
	inbound.remote = outbound
	return outbound, inbound
}

// Connect registers c and notifies connection listeners.
func (n *Network) Connect(c *Conn) *Conn {
	n.mu.Lock()
	n.conns = append(n.conns, c)
	listeners := append([]p2p.ConnectionListener(nil), n.connListen...)
	n.mu.Unlock()
	n.exec.Execute(func() {
		for _, l := range listeners {
			l.OnConnection(c)
		}
	})
	return c
}

// AddConn is NewConn followed by Connect.
func (n *Network) AddConn(addr *p2p.NodeAddress, inbound bool) *Conn {
	return n.Connect(n.NewConn(addr, inbound))
}

func (n *Network) disconnected(reason p2p.CloseConnectionReason, c *Conn) {
	n.mu.Lock()
	for i, existing := range n.conns {
		if existing == c {
			n.conns = append(n.conns[:i], n.conns[i+1:]...)
			break
		}
	}
	listeners := append([]p2p.ConnectionListener(nil), n.connListen...)
	n.mu.Unlock()
	n.exec.Execute(func() {
		for _, l := range listeners {
			l.OnDisconnect(reason, c)
		}
	})
}

// Deliver dispatches env as if it was received on c.
func (n *Network) Deliver(c *Conn, env *p2p.Envelope) {
	if env.Sender != nil && !c.HasPeerAddress() {
		c.SetPeerAddress(*env.Sender)
	}
	if !env.Capabilities.IsEmpty() {
		c.SetCapabilities(env.Capabilities)
	}
	n.exec.Execute(func() {
		c.state.OnMessage(env, c.HasPeerAddress())
		n.mu.Lock()
		ids := make([]int, 0, len(n.msgListen))
		for id := range n.msgListen {
			ids = append(ids, id)
		}
		n.mu.Unlock()
		sort.Ints(ids)
		for _, id := range ids {
			n.mu.Lock()
			fn, ok := n.msgListen[id]
			n.mu.Unlock()
			if ok {
				fn(env, c)
			}
		}
	})
}

func (n *Network) SendMessage(addr p2p.NodeAddress, env *p2p.Envelope, cb p2p.SendCallback) {
	conn := n.connectionTo(addr)
	if conn == nil {
		n.mu.Lock()
		dial := n.dial
		n.mu.Unlock()
		err := ErrUnreachable
		if dial != nil {
			conn, err = dial(addr)
		}
		if err != nil {
			n.record(Sent{To: addr, Env: env})
			n.complete(cb, nil, err)
			return
		}
		n.Connect(conn)
	}
	n.send(addr, conn, env, cb)
}

func (n *Network) SendMessageOnConnection(conn p2p.Conn, env *p2p.Envelope, cb p2p.SendCallback) {
	c := conn.(*Conn)
	addr, _ := c.PeerAddress()
	n.send(addr, c, env, cb)
}

func (n *Network) send(addr p2p.NodeAddress, c *Conn, env *p2p.Envelope, cb p2p.SendCallback) {
	n.record(Sent{To: addr, Conn: c, Env: env})
	err := c.Send(env)
	n.complete(cb, c, err)
}

func (n *Network) complete(cb p2p.SendCallback, c *Conn, err error) {
	if cb == nil {
		return
	}
	var conn p2p.Conn
	if c != nil {
		conn = c
	}
	n.exec.Execute(func() { cb(conn, err) })
}

func (n *Network) record(s Sent) {
	n.mu.Lock()
	n.sent = append(n.sent, s)
	n.mu.Unlock()
}

// Sent returns everything handed to SendMessage and
// SendMessageOnConnection, including failed sends.
func (n *Network) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// SentOfKind filters Sent by payload kind.
func (n *Network) SentOfKind(kind p2p.Kind) []Sent {
	var out []Sent
	for _, s := range n.Sent() {
		if s.Env.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

// ResetSent clears the send log.
func (n *Network) ResetSent() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

func (n *Network) connectionTo(addr p2p.NodeAddress) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		if peer, ok := c.PeerAddress(); ok && peer == addr && !c.IsStopped() {
			return c
		}
	}
	return nil
}

func (n *Network) AllConnections() []p2p.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]p2p.Conn, 0, len(n.conns))
	for _, c := range n.conns {
		if !c.IsStopped() {
			out = append(out, c)
		}
	}
	return out
}

func (n *Network) ConfirmedConnections() []p2p.Conn {
	all := n.AllConnections()
	out := all[:0]
	for _, c := range all {
		if c.HasPeerAddress() {
			out = append(out, c)
		}
	}
	return out
}

func (n *Network) AddMessageListener(fn p2p.MessageHandler) func() {
	n.mu.Lock()
	n.listenerSeq++
	id := n.listenerSeq
	n.msgListen[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.msgListen, id)
		n.mu.Unlock()
	}
}

func (n *Network) AddConnectionListener(l p2p.ConnectionListener) {
	n.mu.Lock()
	n.connListen = append(n.connListen, l)
	n.mu.Unlock()
}
