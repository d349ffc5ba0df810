package p2p

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const testVersion = "test-1"

type pipeHarness struct {
	conn        *Connection
	remote      net.Conn
	codec       *Codec
	exec        *userthread.Loop
	received    chan *Envelope
	disconnects chan CloseConnectionReason

	mu     sync.Mutex
	sleeps []time.Duration
}

func newPipeHarness(t *testing.T, cfg ConnectionConfig, peer *NodeAddress, ban BanFilter) *pipeHarness {
	t.Helper()
	if cfg.Version == "" {
		cfg.Version = testVersion
	}
	local, remote := net.Pipe()
	exec := userthread.New(nil)
	h := &pipeHarness{
		remote:      remote,
		codec:       NewCodec(nil),
		exec:        exec,
		received:    make(chan *Envelope, 64),
		disconnects: make(chan CloseConnectionReason, 1),
	}
	h.conn = newConnection(local, true, peer, cfg, connectionDeps{
		codec:     h.codec,
		registry:  h.codec.Registry(),
		exec:      exec,
		banFilter: ban,
		sleep: func(d time.Duration) {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			time.Sleep(d)
		},
		hooks: connectionHooks{
			onMessage: func(env *Envelope, _ *Connection) { h.received <- env },
			onDisconnect: func(reason CloseConnectionReason, _ *Connection) {
				h.disconnects <- reason
			},
		},
	})
	t.Cleanup(func() {
		_ = remote.Close()
		_ = local.Close()
		exec.Stop()
	})
	return h
}

// drainRemote discards everything the connection writes.
func (h *pipeHarness) drainRemote() {
	go func() {
		r := bufio.NewReader(h.remote)
		for {
			if _, _, err := h.codec.ReadEnvelope(r); err != nil {
				return
			}
		}
	}()
}

func (h *pipeHarness) sendFromRemote(t *testing.T, env *Envelope) {
	t.Helper()
	go func() {
		_, _ = h.codec.WriteEnvelope(h.remote, env)
	}()
}

func (h *pipeHarness) waitDisconnect(t *testing.T) CloseConnectionReason {
	t.Helper()
	select {
	case reason := <-h.disconnects:
		return reason
	case <-time.After(5 * time.Second):
		t.Fatalf("connection did not shut down")
		return 0
	}
}

func (h *pipeHarness) waitMessage(t *testing.T) *Envelope {
	t.Helper()
	select {
	case env := <-h.received:
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("no message dispatched")
		return nil
	}
}

func (h *pipeHarness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func testEnvelope(payload Payload) *Envelope {
	return NewRegistry().NewEnvelope(testVersion, payload)
}

func expectReason(t *testing.T, got, want CloseConnectionReason) {
	t.Helper()
	if got != want {
		t.Fatalf("close reason %v, want %v", got, want)
	}
}

func expectRuleViolation(t *testing.T, conn *Connection, want RuleViolation) {
	t.Helper()
	rule, ok := conn.RuleViolation()
	if !ok || rule != want {
		t.Fatalf("rule violation %v (recorded %v), want %v", rule, ok, want)
	}
}
