package overlay

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/broadcast"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/getdata"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/keepalive"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/p2ptest"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peerexchange"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

var (
	addrA = p2p.MustParseNodeAddress("aaaaaaaaaaaaaaaa.onion:9999")
	seedS = p2p.MustParseNodeAddress("ssssssssssssssss.onion:8000")
)

type events struct {
	NopListener
	preliminary, data, noSeed int
	up, down                  []p2p.NodeAddress
}

func (e *events) OnPreliminaryDataReceived()      { e.preliminary++ }
func (e *events) OnDataReceived()                 { e.data++ }
func (e *events) OnNoSeedNodeAvailable()          { e.noSeed++ }
func (e *events) OnPeerUp(addr p2p.NodeAddress)   { e.up = append(e.up, addr) }
func (e *events) OnPeerDown(addr p2p.NodeAddress) { e.down = append(e.down, addr) }

type testNode struct {
	network *p2ptest.Network
	service *Service
	store   *getdata.MemoryStore
	events  *events
}

func newTestNode(t *testing.T, clock *userthread.Manual, self p2p.NodeAddress, seeds []p2p.NodeAddress, store *getdata.MemoryStore) *testNode {
	t.Helper()
	network := p2ptest.NewNetwork(clock, clock.Now)
	network.SetNodeAddress(self)
	network.SetCapabilities(p2p.DefaultCapabilities())
	cfg := Config{
		Peers:     peers.Config{SeedNodes: seeds, Now: clock.Now, Rand: rand.New(rand.NewSource(1))},
		Exchange:  peerexchange.Config{Rand: rand.New(rand.NewSource(2))},
		Data:      getdata.Config{Rand: rand.New(rand.NewSource(3))},
		KeepAlive: keepalive.Config{Rand: rand.New(rand.NewSource(4)), Now: clock.Now},
	}
	cfg.Broadcast.Rand = rand.New(rand.NewSource(5))
	svc := New(cfg, network, clock, nil, store)
	ev := &events{}
	svc.AddListener(ev)
	t.Cleanup(svc.Shutdown)
	return &testNode{network: network, service: svc, store: store, events: ev}
}

func linkTo(from *testNode, to map[p2p.NodeAddress]*testNode) {
	from.network.OnDial(func(target p2p.NodeAddress) (*p2ptest.Conn, error) {
		remote, ok := to[target]
		if !ok {
			return nil, p2ptest.ErrUnreachable
		}
		out, in := p2ptest.Pair(from.network, target, remote.network)
		out.SetCapabilities(p2p.DefaultCapabilities())
		remote.network.Connect(in)
		return out, nil
	})
}

func entries(from, to int) []p2p.DataEntry {
	out := make([]p2p.DataEntry, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, p2p.DataEntry{Key: []byte{byte(i)}, Value: []byte{byte(i), 1}})
	}
	return out
}

func TestBootstrapFromSeed(t *testing.T) {
	clock := userthread.NewManual(time.Unix(1_700_000_000, 0))
	s := newTestNode(t, clock, seedS, nil, getdata.NewMemoryStore(entries(0, 3)...))
	a := newTestNode(t, clock, addrA, []p2p.NodeAddress{seedS}, getdata.NewMemoryStore())
	linkTo(a, map[p2p.NodeAddress]*testNode{seedS: s})
	require.NoError(t, s.service.Start())
	require.NoError(t, a.service.Start())

	clock.Advance(time.Second)

	require.Equal(t, 1, a.events.preliminary)
	require.Equal(t, 1, a.events.data)
	require.Equal(t, 3, a.store.Len())
	require.Equal(t, []p2p.NodeAddress{seedS}, a.events.up)
	exchanges := a.network.SentOfKind(p2p.KindGetPeersRequest)
	require.Len(t, exchanges, 1, "peer exchange starts with the seed that served the data")
	require.Equal(t, seedS, exchanges[0].To)

	require.NoError(t, a.service.RequestUpdatedData())
	clock.Advance(time.Second)
	require.Len(t, a.network.SentOfKind(p2p.KindGetUpdatedDataRequest), 1)
}

func TestGossipReachesPeerAndIsNotEchoed(t *testing.T) {
	clock := userthread.NewManual(time.Unix(1_700_000_000, 0))
	s := newTestNode(t, clock, seedS, nil, getdata.NewMemoryStore())
	a := newTestNode(t, clock, addrA, []p2p.NodeAddress{seedS}, getdata.NewMemoryStore())
	linkTo(a, map[p2p.NodeAddress]*testNode{seedS: s})
	require.NoError(t, s.service.Start())
	require.NoError(t, a.service.Start())
	clock.Advance(time.Second)

	var reached int
	s.service.PublishData(entries(7, 8)[0], func(r broadcast.Result) { reached = r.Sent })
	clock.Advance(2 * broadcast.DefaultWindow)

	require.Equal(t, 1, reached)
	require.Equal(t, 1, a.store.Len())
	require.Empty(t, a.network.SentOfKind(p2p.KindAddData), "the originator is not sent its own data")

	s.service.PublishData(entries(7, 8)[0], nil)
	clock.Advance(3 * time.Second)
	require.Len(t, s.network.SentOfKind(p2p.KindAddData), 1, "known data is not gossiped again")
}

func TestSendCarriesSender(t *testing.T) {
	clock := userthread.NewManual(time.Unix(1_700_000_000, 0))
	s := newTestNode(t, clock, seedS, nil, getdata.NewMemoryStore())
	a := newTestNode(t, clock, addrA, []p2p.NodeAddress{seedS}, getdata.NewMemoryStore())
	linkTo(a, map[p2p.NodeAddress]*testNode{seedS: s})

	var got *p2p.Envelope
	s.service.AddMessageListener(func(env *p2p.Envelope, _ p2p.Conn) {
		if _, ok := env.Payload.(*p2p.DirectMessage); ok {
			got = env
		}
	})
	var sendErr error
	sent := false
	a.service.Send(seedS, &p2p.DirectMessage{Payload: []byte("hello")}, func(_ p2p.Conn, err error) {
		sent = true
		sendErr = err
	})
	clock.Drain()

	require.True(t, sent)
	require.NoError(t, sendErr)
	require.NotNil(t, got)
	require.Equal(t, addrA, *got.Sender)
	require.Equal(t, []byte("hello"), got.Payload.(*p2p.DirectMessage).Payload)
}

func TestNoSeedNodes(t *testing.T) {
	clock := userthread.NewManual(time.Unix(1_700_000_000, 0))
	a := newTestNode(t, clock, addrA, nil, getdata.NewMemoryStore())
	require.NoError(t, a.service.Start())
	require.Equal(t, 1, a.events.noSeed)
	require.ErrorIs(t, a.service.RequestUpdatedData(), getdata.ErrNoPreliminaryData)
}

func TestPeerDownEvent(t *testing.T) {
	clock := userthread.NewManual(time.Unix(1_700_000_000, 0))
	a := newTestNode(t, clock, addrA, nil, getdata.NewMemoryStore())
	require.NoError(t, a.service.Start())
	conn := a.network.AddConn(&seedS, false)
	a.network.AddConn(nil, true)
	clock.Drain()
	conn.ShutDown(p2p.ReasonSocketClosed, nil)
	clock.Drain()
	require.Equal(t, []p2p.NodeAddress{seedS}, a.events.up)
	require.Equal(t, []p2p.NodeAddress{seedS}, a.events.down)
}

func TestLifecycleErrors(t *testing.T) {
	clock := userthread.NewManual(time.Unix(1_700_000_000, 0))
	a := newTestNode(t, clock, addrA, nil, getdata.NewMemoryStore())
	require.ErrorIs(t, a.service.RequestUpdatedData(), ErrNotStarted)
	a.service.Shutdown()
	require.ErrorIs(t, a.service.Start(), ErrStopped)

	var sendErr error
	a.service.Send(seedS, &p2p.DirectMessage{}, func(_ p2p.Conn, err error) { sendErr = err })
	clock.Drain()
	require.ErrorIs(t, sendErr, ErrStopped)
}
