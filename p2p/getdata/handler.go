// Package getdata synchronizes the application data set from seed nodes at
// startup and answers the same requests from other nodes.
package getdata

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

const requestTimeout = 240 * time.Second

var errTimeout = errors.New("timeout")

func log() *slog.Logger {
	return slog.Default().With(slog.String("component", "p2p_getdata"))
}

type deps struct {
	network p2p.Network
	peers   *peers.Manager
	store   Store
	exec    userthread.Executor
	nonce   func() int32
	logger  *slog.Logger
}

// handler runs one data request against one peer.
type handler struct {
	deps
	target      p2p.NodeAddress
	preliminary bool
	nonce       int32
	onComplete  func(wasTruncated bool)
	onFault     func(reason string, conn p2p.Conn)

	timeout        userthread.Timer
	removeListener func()
	conn           p2p.Conn
	stopped        bool
}

func (h *handler) request() {
	if h.stopped {
		return
	}
	h.nonce = h.deps.nonce()
	excluded := h.store.Keys()
	var env *p2p.Envelope
	if h.preliminary {
		env = h.network.NewEnvelope(&p2p.PreliminaryGetDataRequest{Nonce: h.nonce, ExcludedKeys: excluded})
	} else {
		self, ok := h.network.NodeAddress()
		if !ok {
			h.fail("own address not yet known", nil, nil)
			return
		}
		env = h.network.NewEnvelope(&p2p.GetUpdatedDataRequest{Nonce: h.nonce, ExcludedKeys: excluded}).WithSender(self)
	}

	h.removeListener = h.network.AddMessageListener(h.onMessage)
	h.timeout = h.exec.RunAfter(requestTimeout, h.onTimeout)
	h.logger.Debug("requesting data",
		logging.MaskField("peer_address", h.target.FullAddress()),
		slog.Bool("preliminary", h.preliminary),
		slog.Int("excluded_keys", len(excluded)))
	h.network.SendMessage(h.target, env, func(conn p2p.Conn, err error) {
		if h.stopped {
			return
		}
		if err != nil {
			h.peers.HandleConnectionFault(h.target, conn)
			h.fail("sending data request failed", conn, err)
			return
		}
		h.conn = conn
	})
}

func (h *handler) onMessage(env *p2p.Envelope, conn p2p.Conn) {
	if h.stopped {
		return
	}
	resp, ok := env.Payload.(*p2p.GetDataResponse)
	if !ok {
		return
	}
	from, known := conn.PeerAddress()
	fromTarget := known && from == h.target
	switch {
	case fromTarget && resp.RequestNonce != h.nonce:
		h.logger.Warn("ignoring data response",
			slog.String("error", fmt.Errorf("%w: got %d want %d", p2p.ErrNonceMismatch, resp.RequestNonce, h.nonce).Error()),
			logging.MaskField("peer_address", h.target.FullAddress()))
		return
	case !fromTarget && resp.RequestNonce == h.nonce:
		h.logger.Warn("ignoring data response",
			slog.String("error", p2p.ErrUnexpectedSender.Error()),
			logging.MaskField("peer_address", from.FullAddress()))
		return
	case !fromTarget:
		return
	}

	h.cleanup()
	added := h.store.Put(resp.Entries)
	h.logger.Info("data response received",
		logging.MaskField("peer_address", h.target.FullAddress()),
		slog.Int("entries", len(resp.Entries)),
		slog.Int("new_entries", added),
		slog.Bool("truncated", resp.WasTruncated))
	h.onComplete(resp.WasTruncated)
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
	h.fail("data request timed out", conn, errTimeout)
}

func (h *handler) fail(reason string, conn p2p.Conn, err error) {
	attrs := []any{logging.MaskField("peer_address", h.target.FullAddress())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	h.logger.Info("data request failed: "+reason, attrs...)
	h.cleanup()
	h.onFault(reason, conn)
}

func (h *handler) cancel() { h.cleanup() }

func (h *handler) cleanup() {
	h.stopped = true
	if h.timeout != nil {
		h.timeout.Stop()
		h.timeout = nil
	}
	if h.removeListener != nil {
		h.removeListener()
		h.removeListener = nil
	}
}
