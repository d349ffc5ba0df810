// Package overlay composes the node-facing managers into one service:
// peer management, peer exchange, initial data sync, keep-alive and gossip.
package overlay

import (
	"errors"
	"log/slog"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/broadcast"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/getdata"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/keepalive"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peerexchange"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

var (
	ErrNotStarted = errors.New("overlay: service not started")
	ErrStopped    = errors.New("overlay: service stopped")
)

// Listener receives service events on the user thread.
type Listener interface {
	getdata.Listener
	OnPeerUp(addr p2p.NodeAddress)
	OnPeerDown(addr p2p.NodeAddress)
}

// NopListener implements Listener with no-ops for embedding.
type NopListener struct{}

func (NopListener) OnPreliminaryDataReceived() {}
func (NopListener) OnUpdatedDataReceived()     {}
func (NopListener) OnDataReceived()            {}
func (NopListener) OnNoSeedNodeAvailable()     {}
func (NopListener) OnNoPeersAvailable()        {}
func (NopListener) OnPeerUp(p2p.NodeAddress)   {}
func (NopListener) OnPeerDown(p2p.NodeAddress) {}

// Config groups the settings of every component.
type Config struct {
	Peers     peers.Config
	Exchange  peerexchange.Config
	Data      getdata.Config
	KeepAlive keepalive.Config
	Broadcast broadcast.Config
	Logger    *slog.Logger
}

// Service must be started, used and shut down on the user thread.
type Service struct {
	network p2p.Network
	exec    userthread.Executor
	store   getdata.Store
	logger  *slog.Logger

	peers       *peers.Manager
	exchange    *peerexchange.Manager
	data        *getdata.Manager
	keepalive   *keepalive.Manager
	broadcaster *broadcast.Broadcaster

	listeners      []Listener
	removeListener func()
	started        bool
	stopped        bool
}

// New wires the components to network. peerStore may be nil.
func New(cfg Config, network p2p.Network, exec userthread.Executor, peerStore peers.Store, dataStore getdata.Store) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, l := range []**slog.Logger{&cfg.Peers.Logger, &cfg.Exchange.Logger, &cfg.Data.Logger, &cfg.KeepAlive.Logger, &cfg.Broadcast.Logger} {
		if *l == nil {
			*l = logger
		}
	}
	pm := peers.NewManager(cfg.Peers, network, exec, peerStore)
	s := &Service{
		network:     network,
		exec:        exec,
		store:       dataStore,
		logger:      logger.With(slog.String("component", "overlay")),
		peers:       pm,
		exchange:    peerexchange.NewManager(cfg.Exchange, network, pm, exec),
		data:        getdata.NewManager(cfg.Data, network, pm, dataStore, exec),
		keepalive:   keepalive.NewManager(cfg.KeepAlive, network, pm, exec),
		broadcaster: broadcast.New(cfg.Broadcast, network, exec),
	}
	return s
}

// AddListener registers l. Call before Start to see every event.
func (s *Service) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Start loads the persisted peers, starts every manager and requests the
// preliminary data from the seed nodes.
func (s *Service) Start() error {
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	if err := s.peers.Start(); err != nil {
		return err
	}
	s.started = true
	s.network.AddConnectionListener(s)
	s.removeListener = s.network.AddMessageListener(s.onMessage)
	s.data.AddListener(s)
	s.exchange.Start()
	s.data.Start()
	s.keepalive.Start()

	if !s.data.RequestPreliminaryData() {
		s.logger.Warn("no seed nodes configured")
		for _, l := range s.listeners {
			l.OnNoSeedNodeAvailable()
		}
	}
	return nil
}

// Shutdown flushes pending broadcasts and stops every manager.
func (s *Service) Shutdown() {
	if s.stopped {
		return
	}
	s.stopped = true
	if s.removeListener != nil {
		s.removeListener()
		s.removeListener = nil
	}
	s.broadcaster.Shutdown()
	s.keepalive.Shutdown()
	s.data.Shutdown()
	s.exchange.Shutdown()
	s.peers.Shutdown()
}

// RequestUpdatedData starts the update phase once the application is ready
// for incremental data.
func (s *Service) RequestUpdatedData() error {
	if !s.started {
		return ErrNotStarted
	}
	return s.data.RequestUpdatedData()
}

// Send delivers payload to addr, connecting first if needed. The envelope
// carries the own address so the receiver can answer.
func (s *Service) Send(addr p2p.NodeAddress, payload p2p.Payload, cb p2p.SendCallback) {
	if s.stopped {
		if cb != nil {
			s.exec.Execute(func() { cb(nil, ErrStopped) })
		}
		return
	}
	env := s.network.NewEnvelope(payload)
	if self, ok := s.network.NodeAddress(); ok {
		env.WithSender(self)
	}
	s.network.SendMessage(addr, env, cb)
}

// Broadcast gossips payload to a random subset of peers. onDone may be nil.
func (s *Service) Broadcast(payload p2p.Payload, onDone broadcast.ResultHandler) {
	s.broadcaster.Broadcast(s.network.NewEnvelope(payload), nil, onDone)
}

// PublishData stores entry locally and gossips it.
func (s *Service) PublishData(entry p2p.DataEntry, onDone broadcast.ResultHandler) {
	if s.store.Put([]p2p.DataEntry{entry}) == 0 {
		return
	}
	s.Broadcast(&p2p.AddDataMessage{Entry: entry}, onDone)
}

// AddMessageListener subscribes fn to every received envelope.
func (s *Service) AddMessageListener(fn p2p.MessageHandler) func() {
	return s.network.AddMessageListener(fn)
}

func (s *Service) Network() p2p.Network { return s.network }

func (s *Service) PeerManager() *peers.Manager { return s.peers }

func (s *Service) DataManager() *getdata.Manager { return s.data }

// onMessage stores gossiped data and relays it when it was new.
func (s *Service) onMessage(env *p2p.Envelope, conn p2p.Conn) {
	msg, ok := env.Payload.(*p2p.AddDataMessage)
	if !ok || s.stopped {
		return
	}
	if s.store.Put([]p2p.DataEntry{msg.Entry}) == 0 {
		return
	}
	var origin *p2p.NodeAddress
	if addr, known := conn.PeerAddress(); known {
		origin = &addr
	}
	s.broadcaster.Broadcast(env, origin, nil)
}

// OnConnection implements p2p.ConnectionListener.
func (s *Service) OnConnection(conn p2p.Conn) {
	addr, ok := conn.PeerAddress()
	if !ok {
		return
	}
	for _, l := range s.listeners {
		l.OnPeerUp(addr)
	}
}

// OnDisconnect implements p2p.ConnectionListener.
func (s *Service) OnDisconnect(reason p2p.CloseConnectionReason, conn p2p.Conn) {
	addr, ok := conn.PeerAddress()
	if !ok {
		return
	}
	s.logger.Debug("peer down", logging.MaskField("peer_address", addr.FullAddress()), slog.String("reason", reason.String()))
	for _, l := range s.listeners {
		l.OnPeerDown(addr)
	}
}

// OnPreliminaryDataReceived implements getdata.Listener and starts the peer
// exchange with the seed that served the data.
func (s *Service) OnPreliminaryDataReceived() {
	for _, l := range s.listeners {
		l.OnPreliminaryDataReceived()
	}
	if seed, ok := s.data.PreliminarySeed(); ok {
		s.exchange.RequestReportedPeersFromSeedNodes(seed)
	}
}

func (s *Service) OnUpdatedDataReceived() {
	for _, l := range s.listeners {
		l.OnUpdatedDataReceived()
	}
}

func (s *Service) OnDataReceived() {
	for _, l := range s.listeners {
		l.OnDataReceived()
	}
}

func (s *Service) OnNoSeedNodeAvailable() {
	for _, l := range s.listeners {
		l.OnNoSeedNodeAvailable()
	}
}

func (s *Service) OnNoPeersAvailable() {
	for _, l := range s.listeners {
		l.OnNoPeersAvailable()
	}
}
