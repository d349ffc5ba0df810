// Package keepalive pings idle outbound connections and records round trip
// times.
package keepalive

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	pingMinDelay = time.Millisecond
	pingMaxDelay = 100 * time.Millisecond
	pingTimeout  = 90 * time.Second
)

var errPingTimeout = errors.New("ping timed out")

func log() *slog.Logger {
	return slog.Default().With(slog.String("component", "p2p_keepalive"))
}

type deps struct {
	network p2p.Network
	peers   *peers.Manager
	exec    userthread.Executor
	nonce   func() int32
	now     func() time.Time
	logger  *slog.Logger
}

// handler runs one ping on one connection.
type handler struct {
	deps
	conn       p2p.Conn
	nonce      int32
	sentAt     time.Time
	onComplete func()
	onFault    func(reason string)

	delay          userthread.Timer
	timeout        userthread.Timer
	removeListener func()
	stopped        bool
}

func newHandler(d deps, conn p2p.Conn, onComplete func(), onFault func(string)) *handler {
	return &handler{deps: d, conn: conn, onComplete: onComplete, onFault: onFault}
}

func (h *handler) start() {
	h.delay = h.exec.RunAfterRandomDelay(pingMinDelay, pingMaxDelay, h.send)
}

func (h *handler) send() {
	h.delay = nil
	if h.stopped {
		return
	}
	if h.conn.IsStopped() {
		h.fail("connection already stopped", nil)
		return
	}
	h.nonce = h.deps.nonce()
	h.removeListener = h.network.AddMessageListener(h.onMessage)
	h.timeout = h.exec.RunAfter(pingTimeout, func() {
		h.timeout = nil
		if !h.stopped {
			h.fail("no pong received", errPingTimeout)
		}
	})
	lastRTT := h.conn.Statistic().RoundTripTime().Milliseconds()
	h.sentAt = h.now()
	env := h.network.NewEnvelope(&p2p.Ping{Nonce: h.nonce, LastRoundTripTime: lastRTT})
	h.network.SendMessageOnConnection(h.conn, env, func(_ p2p.Conn, err error) {
		if h.stopped || err == nil {
			return
		}
		h.fail("sending ping failed", err)
	})
}

func (h *handler) onMessage(env *p2p.Envelope, conn p2p.Conn) {
	if h.stopped || conn.UID() != h.conn.UID() {
		return
	}
	pong, ok := env.Payload.(*p2p.Pong)
	if !ok {
		return
	}
	if pong.RequestNonce != h.nonce {
		h.logger.Warn("ignoring pong",
			slog.String("error", fmt.Errorf("%w: got %d want %d", p2p.ErrNonceMismatch, pong.RequestNonce, h.nonce).Error()),
			slog.String("connection", conn.UID()))
		return
	}
	rtt := h.now().Sub(h.sentAt)
	h.conn.Statistic().SetRoundTripTime(rtt)
	p2p.RecordRoundTrip(float64(rtt) / float64(time.Millisecond))
	h.cleanup()
	h.onComplete()
}

func (h *handler) fail(reason string, err error) {
	attrs := []any{slog.String("connection", h.conn.UID())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	h.logger.Info("keep-alive failed: "+reason, attrs...)
	h.cleanup()
	h.onFault(reason)
}

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
