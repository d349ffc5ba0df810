// Package peerexchange trades reported peer lists with other nodes so the
// peer registries stay populated.
package peerexchange

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	requestMinDelay = time.Millisecond
	requestMaxDelay = 500 * time.Millisecond
	requestTimeout  = 90 * time.Second
)

func log() *slog.Logger {
	return slog.Default().With(slog.String("component", "p2p_peerexchange"))
}

// deps are the collaborators shared by handlers and the manager.
type deps struct {
	network p2p.Network
	peers   *peers.Manager
	exec    userthread.Executor
	nonce   func() int32
	logger  *slog.Logger
}

// handler runs one exchange with one peer. Its callbacks fire at most once
// and never after cancel.
type handler struct {
	deps
	target     p2p.NodeAddress
	nonce      int32
	onComplete func()
	onFault    func(reason string, conn p2p.Conn)

	delay          userthread.Timer
	timeout        userthread.Timer
	removeListener func()
	conn           p2p.Conn
	stopped        bool
}

func newHandler(d deps, target p2p.NodeAddress, onComplete func(), onFault func(string, p2p.Conn)) *handler {
	return &handler{deps: d, target: target, onComplete: onComplete, onFault: onFault}
}

// start sends the request after a short random delay.
func (h *handler) start() {
	h.delay = h.exec.RunAfterRandomDelay(requestMinDelay, requestMaxDelay, h.send)
}

func (h *handler) send() {
	h.delay = nil
	if h.stopped {
		return
	}
	self, ok := h.network.NodeAddress()
	if !ok {
		h.fail("own address not yet known", nil, nil)
		return
	}
	h.nonce = h.deps.nonce()
	h.removeListener = h.network.AddMessageListener(h.onMessage)
	h.timeout = h.exec.RunAfter(requestTimeout, h.onTimeout)

	req := &p2p.GetPeersRequest{Nonce: h.nonce, ReportedPeers: h.peers.PeersForExchange(&h.target)}
	env := h.network.NewEnvelope(req).WithSender(self)
	h.network.SendMessage(h.target, env, func(conn p2p.Conn, err error) {
		if h.stopped {
			return
		}
		if err != nil {
			h.peers.HandleConnectionFault(h.target, conn)
			h.fail("sending peers request failed", conn, err)
			return
		}
		h.conn = conn
	})
}

func (h *handler) onMessage(env *p2p.Envelope, conn p2p.Conn) {
	if h.stopped {
		return
	}
	resp, ok := env.Payload.(*p2p.GetPeersResponse)
	if !ok {
		return
	}
	if addr, known := conn.PeerAddress(); !known || addr != h.target {
		return
	}
	if resp.RequestNonce != h.nonce {
		h.logger.Warn("ignoring peers response",
			slog.String("error", fmt.Errorf("%w: got %d want %d", p2p.ErrNonceMismatch, resp.RequestNonce, h.nonce).Error()),
			logging.MaskField("peer_address", h.target.FullAddress()))
		return
	}
	h.cleanup()
	h.peers.AddToReportedPeers(resp.ReportedPeers, conn, env.Capabilities)
	h.onComplete()
}

func (h *handler) onTimeout() {
	h.timeout = nil
	if h.stopped {
		return
	}
	conn := h.conn
	if conn != nil && !conn.IsStopped() {
		conn.ShutDown(p2p.ReasonSendMsgTimeout, nil)
	} else {
		h.peers.HandleConnectionFault(h.target, nil)
	}
	h.fail("peers request timed out", conn, errors.New("timeout"))
}

func (h *handler) fail(reason string, conn p2p.Conn, err error) {
	attrs := []any{logging.MaskField("peer_address", h.target.FullAddress())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	h.logger.Info("peer exchange failed: "+reason, attrs...)
	h.cleanup()
	h.onFault(reason, conn)
}

// cancel stops the handler without invoking callbacks.
func (h *handler) cancel() {
	h.cleanup()
}

func (h *handler) cleanup() {
	h.stopped = true
	if h.delay != nil {
		h.delay.Stop()
		h.delay = nil
	}
	if h.timeout != nil {
		h.timeout.Stop()
		h.timeout = nil
	}
	if h.removeListener != nil {
		h.removeListener()
		h.removeListener = nil
	}
}
