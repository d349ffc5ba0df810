package broadcast

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/p2ptest"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

func addr(i int) p2p.NodeAddress {
	return p2p.NodeAddress{Host: fmt.Sprintf("peer%03d.onion", i), Port: 9999}
}

func setup(t *testing.T, peers int, bundles bool) (*userthread.Manual, *p2ptest.Network, []*p2ptest.Conn, *Broadcaster) {
	t.Helper()
	clock := userthread.NewManual(time.Unix(1_700_000_000, 0))
	network := p2ptest.NewNetwork(clock, clock.Now)
	var conns []*p2ptest.Conn
	for i := 0; i < peers; i++ {
		a := addr(i)
		c := network.AddConn(&a, i%2 == 0)
		if bundles {
			c.SetCapabilities(p2p.NewCapabilities(p2p.CapBundleOfEnvelopes))
		}
		conns = append(conns, c)
	}
	clock.Drain()
	b := New(Config{Rand: rand.New(rand.NewSource(7))}, network, clock)
	return clock, network, conns, b
}

func entry(i int) *p2p.AddDataMessage {
	return &p2p.AddDataMessage{Entry: p2p.DataEntry{Key: []byte{byte(i)}, Value: []byte{byte(i)}}}
}

func TestBundlesEverythingQueuedWithinWindow(t *testing.T) {
	clock, network, conns, b := setup(t, 3, true)
	var results []Result
	for i := 0; i < 3; i++ {
		b.Broadcast(network.NewEnvelope(entry(i)), nil, func(r Result) { results = append(results, r) })
		clock.Advance(500 * time.Millisecond)
	}
	require.Empty(t, network.Sent())
	require.Equal(t, 3, b.Pending())

	clock.Advance(DefaultWindow)
	require.Zero(t, b.Pending())
	for _, c := range conns {
		sent := c.Sent()
		require.Len(t, sent, 1)
		bundle, ok := sent[0].Payload.(*p2p.BundleOfEnvelopes)
		require.True(t, ok)
		require.Len(t, bundle.Envelopes, 3)
	}
	require.Equal(t, []Result{{Sent: 3}, {Sent: 3}, {Sent: 3}}, results)
}

func TestSingleEnvelopeSentDirectly(t *testing.T) {
	clock, network, conns, b := setup(t, 2, true)
	b.Broadcast(network.NewEnvelope(entry(1)), nil, nil)
	clock.Advance(DefaultWindow)
	for _, c := range conns {
		sent := c.Sent()
		require.Len(t, sent, 1)
		require.Equal(t, p2p.KindAddData, sent[0].Kind())
	}
}

func TestFanoutIsLimitedAndRandom(t *testing.T) {
	clock, network, conns, b := setup(t, 12, true)
	reached := make(map[string]int)
	for round := 0; round < 20; round++ {
		network.ResetSent()
		var result Result
		b.Broadcast(network.NewEnvelope(entry(round)), nil, func(r Result) { result = r })
		clock.Advance(DefaultWindow)
		sent := network.Sent()
		require.Len(t, sent, DefaultFanout)
		require.Equal(t, Result{Sent: DefaultFanout}, result)
		seen := make(map[string]bool)
		for _, s := range sent {
			require.False(t, seen[s.Conn.UID()], "one send per peer")
			seen[s.Conn.UID()] = true
			reached[s.Conn.UID()]++
		}
	}
	require.Len(t, reached, len(conns), "every peer is picked eventually")
}

func TestOriginatorNeverGetsItsOwnEnvelope(t *testing.T) {
	clock, network, conns, b := setup(t, 3, true)
	origin := addr(0)
	b.Broadcast(network.NewEnvelope(entry(1)), &origin, nil)
	b.Broadcast(network.NewEnvelope(entry(2)), nil, nil)
	clock.Advance(DefaultWindow)

	toOrigin := conns[0].Sent()
	require.Len(t, toOrigin, 1)
	require.Equal(t, entry(2), toOrigin[0].Payload)
	for _, c := range conns[1:] {
		sent := c.Sent()
		require.Len(t, sent, 1)
		require.Len(t, sent[0].Payload.(*p2p.BundleOfEnvelopes).Envelopes, 2)
	}
}

func TestPeersWithoutBundleSupportGetSeparateSends(t *testing.T) {
	clock, network, conns, b := setup(t, 2, false)
	for i := 0; i < 3; i++ {
		b.Broadcast(network.NewEnvelope(entry(i)), nil, nil)
	}
	clock.Advance(DefaultWindow)
	for _, c := range conns {
		sent := c.Sent()
		require.Len(t, sent, 3)
		for _, env := range sent {
			require.Equal(t, p2p.KindAddData, env.Kind())
		}
	}
}

func TestFailedSendsAreCounted(t *testing.T) {
	clock, network, conns, b := setup(t, 3, true)
	conns[1].FailSends(errors.New("broken pipe"))
	var result Result
	b.Broadcast(network.NewEnvelope(entry(1)), nil, func(r Result) { result = r })
	clock.Advance(DefaultWindow)
	require.Equal(t, Result{Sent: 2, Failed: 1}, result)
}

func TestNoPeersCompletesEmpty(t *testing.T) {
	clock, network, _, b := setup(t, 0, true)
	called := false
	b.Broadcast(network.NewEnvelope(entry(1)), nil, func(r Result) {
		called = true
		require.Equal(t, Result{}, r)
	})
	clock.Advance(DefaultWindow)
	require.True(t, called)
}

func TestShutdownFlushesPending(t *testing.T) {
	clock, network, conns, b := setup(t, 1, true)
	b.Broadcast(network.NewEnvelope(entry(1)), nil, nil)
	b.Shutdown()
	require.Len(t, conns[0].Sent(), 1)

	b.Broadcast(network.NewEnvelope(entry(2)), nil, nil)
	clock.Advance(2 * DefaultWindow)
	require.Len(t, conns[0].Sent(), 1, "no broadcasts after shutdown")
	require.Zero(t, clock.Pending())
}
