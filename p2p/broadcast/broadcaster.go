// Package broadcast gossips envelopes to a random subset of confirmed peers,
// batching everything queued within a short window into one bundle per peer.
package broadcast

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	DefaultWindow = 2 * time.Second
	DefaultFanout = 7
)

func log() *slog.Logger {
	return slog.Default().With(slog.String("component", "p2p_broadcast"))
}

// Result counts the peers a broadcast reached and the sends that failed.
type Result struct {
	Sent   int
	Failed int
}

// ResultHandler is called on the user thread once every send of a
// broadcast completed.
type ResultHandler func(Result)

type Config struct {
	Window time.Duration
	Fanout int
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Broadcaster must only be used from the user thread.
type Broadcaster struct {
	network p2p.Network
	exec    userthread.Executor
	rng     *rand.Rand
	window  time.Duration
	fanout  int
	logger  *slog.Logger

	pending []*request
	timer   userthread.Timer
	stopped bool
}

type request struct {
	env         *p2p.Envelope
	originator  *p2p.NodeAddress
	onDone      ResultHandler
	result      Result
	outstanding int
}

func New(cfg Config, network p2p.Network, exec userthread.Executor) *Broadcaster {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log()
	} else {
		logger = logger.With(slog.String("component", "p2p_broadcast"))
	}
	return &Broadcaster{
		network: network,
		exec:    exec,
		rng:     cfg.Rand,
		window:  cfg.Window,
		fanout:  cfg.Fanout,
		logger:  logger,
	}
}

// Broadcast queues env for the next flush. originator, when set, is the
// peer env came from and never receives it back. onDone may be nil.
func (b *Broadcaster) Broadcast(env *p2p.Envelope, originator *p2p.NodeAddress, onDone ResultHandler) {
	if b.stopped {
		return
	}
	req := &request{env: env, onDone: onDone}
	if originator != nil {
		o := *originator
		req.originator = &o
	}
	b.pending = append(b.pending, req)
	if b.timer == nil {
		b.timer = b.exec.RunAfter(b.window, b.flush)
	}
}

// Pending is the number of envelopes waiting for the next flush.
func (b *Broadcaster) Pending() int { return len(b.pending) }

// Shutdown sends whatever is queued and stops accepting broadcasts.
func (b *Broadcaster) Shutdown() {
	if b.stopped {
		return
	}
	b.flush()
	b.stopped = true
}

func (b *Broadcaster) flush() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	reqs := b.pending
	b.pending = nil
	if len(reqs) == 0 {
		return
	}

	for _, conn := range b.targets() {
		addr, _ := conn.PeerAddress()
		var batch []*request
		for _, req := range reqs {
			if req.originator != nil && *req.originator == addr {
				continue
			}
			batch = append(batch, req)
		}
		switch {
		case len(batch) == 0:
		case len(batch) == 1 || !conn.Capabilities().Contains(p2p.CapBundleOfEnvelopes):
			for _, req := range batch {
				b.send(conn, req.env, []*request{req})
			}
		default:
			envs := make([]*p2p.Envelope, 0, len(batch))
			for _, req := range batch {
				envs = append(envs, req.env)
			}
			b.send(conn, b.network.NewEnvelope(&p2p.BundleOfEnvelopes{Envelopes: envs}), batch)
		}
	}

	for _, req := range reqs {
		if req.outstanding == 0 {
			b.done(req)
		}
	}
}

// targets picks up to fanout confirmed connections at random.
func (b *Broadcaster) targets() []p2p.Conn {
	var conns []p2p.Conn
	for _, c := range b.network.ConfirmedConnections() {
		if !c.IsStopped() {
			conns = append(conns, c)
		}
	}
	b.rng.Shuffle(len(conns), func(i, j int) { conns[i], conns[j] = conns[j], conns[i] })
	if len(conns) > b.fanout {
		conns = conns[:b.fanout]
	}
	return conns
}

func (b *Broadcaster) send(conn p2p.Conn, env *p2p.Envelope, batch []*request) {
	for _, req := range batch {
		req.outstanding++
	}
	b.network.SendMessageOnConnection(conn, env, func(_ p2p.Conn, err error) {
		if err != nil {
			attrs := []any{slog.String("error", err.Error()), slog.Int("envelopes", len(batch))}
			if addr, ok := conn.PeerAddress(); ok {
				attrs = append(attrs, logging.MaskField("peer_address", addr.FullAddress()))
			}
			b.logger.Info("broadcast send failed", attrs...)
		}
		for _, req := range batch {
			if err != nil {
				req.result.Failed++
			} else {
				req.result.Sent++
			}
			req.outstanding--
			if req.outstanding == 0 {
				b.done(req)
			}
		}
	})
}

func (b *Broadcaster) done(req *request) {
	if req.result.Sent == 0 {
		b.logger.Debug("broadcast reached no peer", slog.String("kind", req.env.KindName()), slog.Int("failed", req.result.Failed))
	}
	if req.onDone != nil {
		req.onDone(req.result)
	}
}
