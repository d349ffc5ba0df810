package p2p

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

type recordingListener struct {
	connected    chan Conn
	disconnected chan CloseConnectionReason
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connected:    make(chan Conn, 8),
		disconnected: make(chan CloseConnectionReason, 8),
	}
}

func (l *recordingListener) OnConnection(conn Conn) { l.connected <- conn }

func (l *recordingListener) OnDisconnect(reason CloseConnectionReason, _ Conn) {
	l.disconnected <- reason
}

func startTestNode(t *testing.T, ban BanFilter) (*Node, chan *Envelope) {
	t.Helper()
	exec := userthread.New(nil)
	node := NewNode(NodeConfig{
		Version:      testVersion,
		Capabilities: DefaultCapabilities(),
	}, &TCPTransport{}, exec, ban)
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start node: %v", err)
	}
	received := make(chan *Envelope, 16)
	node.AddMessageListener(func(env *Envelope, _ Conn) { received <- env })
	t.Cleanup(func() {
		node.ShutDown()
		exec.Stop()
	})
	return node, received
}

func waitEnvelope(t *testing.T, ch chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("no envelope received")
		return nil
	}
}

func TestNodeSendAndReplyReusesConnection(t *testing.T) {
	a, aReceived := startTestNode(t, nil)
	b, bReceived := startTestNode(t, nil)
	bListener := newRecordingListener()
	b.AddConnectionListener(bListener)

	addrA, okA := a.NodeAddress()
	addrB, okB := b.NodeAddress()
	if !okA || !okB {
		t.Fatalf("listening nodes without address")
	}

	sent := make(chan error, 1)
	a.SendMessage(addrB, a.NewEnvelope(&Ping{Nonce: 11}).WithSender(addrA), func(_ Conn, err error) { sent <- err })
	if err := <-sent; err != nil {
		t.Fatalf("send ping: %v", err)
	}

	ping := waitEnvelope(t, bReceived)
	if got := ping.Payload.(*Ping).Nonce; got != 11 {
		t.Fatalf("ping nonce %d, want 11", got)
	}
	select {
	case <-bListener.connected:
	case <-time.After(5 * time.Second):
		t.Fatalf("inbound connection not announced")
	}
	if got := b.ConfirmedPeerAddresses(); !slices.Equal(got, []NodeAddress{addrA}) {
		t.Fatalf("confirmed peers %v, want [%s]", got, addrA)
	}

	replied := make(chan error, 1)
	b.SendMessage(addrA, b.NewEnvelope(&Pong{RequestNonce: 11}), func(_ Conn, err error) { replied <- err })
	if err := <-replied; err != nil {
		t.Fatalf("send pong: %v", err)
	}
	pong := waitEnvelope(t, aReceived)
	if got := pong.Payload.(*Pong).RequestNonce; got != 11 {
		t.Fatalf("pong nonce %d, want 11", got)
	}

	if n := len(a.AllConnections()); n != 1 {
		t.Fatalf("sender has %d connections, want 1", n)
	}
	if n := len(b.AllConnections()); n != 1 {
		t.Fatalf("reply opened a new connection: %d connections", n)
	}
}

func TestNodeNotifiesMessageSentListeners(t *testing.T) {
	a, _ := startTestNode(t, nil)
	b, bReceived := startTestNode(t, nil)
	addrB, _ := b.NodeAddress()

	written := make(chan *Envelope, 1)
	a.AddMessageSentListener(func(env *Envelope, conn Conn) {
		if peer, ok := conn.PeerAddress(); !ok || peer != addrB {
			t.Errorf("sent on connection to %v, want %s", peer, addrB)
		}
		written <- env
	})
	a.SendMessage(addrB, a.NewEnvelope(&Ping{Nonce: 3}), nil)

	env := waitEnvelope(t, written)
	if ping, ok := env.Payload.(*Ping); !ok || ping.Nonce != 3 {
		t.Fatalf("sent payload = %#v, want ping 3", env.Payload)
	}
	waitEnvelope(t, bReceived)
}

func TestNodeAttachesCapabilitiesToAnnouncingKinds(t *testing.T) {
	node := NewNode(NodeConfig{Version: testVersion, Capabilities: DefaultCapabilities()}, &TCPTransport{}, userthread.NewManual(time.Now()), nil)
	if got := node.NewEnvelope(&GetPeersRequest{Nonce: 1}).Capabilities; !got.Equal(DefaultCapabilities()) {
		t.Fatalf("peer request capabilities %v", got)
	}
	if got := node.NewEnvelope(&Ping{Nonce: 1}).Capabilities; !got.IsEmpty() {
		t.Fatalf("ping carries capabilities %v", got)
	}
}

func TestNodeRefusesBannedPeer(t *testing.T) {
	banned := MustParseNodeAddress("127.0.0.1:1")
	a, _ := startTestNode(t, NewStaticBanFilter([]NodeAddress{banned}))

	result := make(chan error, 1)
	a.SendMessage(banned, a.NewEnvelope(&Ping{}), func(_ Conn, err error) { result <- err })
	select {
	case err := <-result:
		if !errors.Is(err, ErrPeerBanned) {
			t.Fatalf("send to banned peer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("callback not invoked")
	}
	if n := len(a.AllConnections()); n != 0 {
		t.Fatalf("%d connections to a banned peer", n)
	}
}

func TestNodeShutDownIsBounded(t *testing.T) {
	exec := userthread.New(nil)
	defer exec.Stop()
	a := NewNode(NodeConfig{Version: testVersion}, &TCPTransport{}, exec, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start node: %v", err)
	}
	b, _ := startTestNode(t, nil)
	bListener := newRecordingListener()
	b.AddConnectionListener(bListener)

	addrA, _ := a.NodeAddress()
	addrB, _ := b.NodeAddress()
	sent := make(chan error, 1)
	a.SendMessage(addrB, a.NewEnvelope(&Ping{}).WithSender(addrA), func(_ Conn, err error) { sent <- err })
	if err := <-sent; err != nil {
		t.Fatalf("send: %v", err)
	}
	<-bListener.connected

	started := time.Now()
	a.ShutDown()
	if took := time.Since(started); took >= 2*time.Second {
		t.Fatalf("shutdown took %v", took)
	}
	if n := len(a.AllConnections()); n != 0 {
		t.Fatalf("%d connections after shutdown", n)
	}

	select {
	case reason := <-bListener.disconnected:
		if reason != ReasonCloseRequestedByPeer {
			t.Fatalf("peer saw %v, want %v", reason, ReasonCloseRequestedByPeer)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peer did not observe the shutdown")
	}

	result := make(chan error, 1)
	a.SendMessage(addrB, a.NewEnvelope(&Ping{}), func(_ Conn, err error) { result <- err })
	if err := <-result; !errors.Is(err, ErrNodeStopped) {
		t.Fatalf("send after shutdown: %v", err)
	}
}
