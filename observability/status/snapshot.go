package status

import (
	"context"
	"sort"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/overlay"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

// Connection is the JSON view of one connection.
type Connection struct {
	UID          string                `json:"uid"`
	PeerAddress  string                `json:"peerAddress,omitempty"`
	Direction    string                `json:"direction"`
	PeerType     string                `json:"peerType"`
	Capabilities []string              `json:"capabilities"`
	Statistic    p2p.StatisticSnapshot `json:"statistic"`
}

// Peer is the JSON view of a registry entry.
type Peer struct {
	Address                  string    `json:"address"`
	Capabilities             []string  `json:"capabilities"`
	Date                     time.Time `json:"date"`
	FailedConnectionAttempts int       `json:"failedConnectionAttempts,omitempty"`
}

// Snapshot is a consistent copy of the node state taken on the user thread.
type Snapshot struct {
	NodeAddress string            `json:"nodeAddress,omitempty"`
	Connections []Connection      `json:"connections"`
	Totals      p2p.NetworkTotals `json:"totals"`
	Reported    []Peer            `json:"reported"`
	Persisted   []Peer            `json:"persisted"`
	SeedNodes   []string          `json:"seedNodes"`
}

// Source produces snapshots for the HTTP handlers.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// ServiceSource reads an overlay.Service on its user thread.
type ServiceSource struct {
	service *overlay.Service
	exec    userthread.Executor
	stats   *p2p.NetworkStatistics
}

// NewServiceSource returns a Source for svc. stats may be nil.
func NewServiceSource(svc *overlay.Service, exec userthread.Executor, stats *p2p.NetworkStatistics) *ServiceSource {
	return &ServiceSource{service: svc, exec: exec, stats: stats}
}

// Snapshot schedules the collection on the user thread and waits for it or
// for ctx.
func (s *ServiceSource) Snapshot(ctx context.Context) (Snapshot, error) {
	result := make(chan Snapshot, 1)
	s.exec.Execute(func() { result <- s.collect() })
	select {
	case snap := <-result:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *ServiceSource) collect() Snapshot {
	network := s.service.Network()
	pm := s.service.PeerManager()
	snap := Snapshot{
		Totals:    s.stats.Totals(),
		Reported:  peerViews(pm.ReportedPeers()),
		Persisted: peerViews(pm.PersistedPeers()),
		SeedNodes: addressStrings(pm.SeedNodes()),
	}
	if self, ok := network.NodeAddress(); ok {
		snap.NodeAddress = self.FullAddress()
	}
	conns := network.AllConnections()
	snap.Connections = make([]Connection, 0, len(conns))
	for _, conn := range conns {
		snap.Connections = append(snap.Connections, connectionView(conn))
	}
	sort.Slice(snap.Connections, func(i, j int) bool {
		return snap.Connections[i].Statistic.CreationDate.Before(snap.Connections[j].Statistic.CreationDate)
	})
	return snap
}

func connectionView(conn p2p.Conn) Connection {
	view := Connection{
		UID:          conn.UID(),
		Direction:    "outbound",
		Capabilities: capabilityNames(conn.Capabilities()),
		Statistic:    conn.Statistic().Snapshot(),
	}
	if conn.Inbound() {
		view.Direction = "inbound"
	}
	if addr, ok := conn.PeerAddress(); ok {
		view.PeerAddress = addr.FullAddress()
	}
	if state := conn.State(); state != nil {
		view.PeerType = state.PeerType().String()
	}
	return view
}

func peerViews(list []peers.Peer) []Peer {
	out := make([]Peer, 0, len(list))
	for _, p := range list {
		out = append(out, Peer{
			Address:                  p.Address.FullAddress(),
			Capabilities:             capabilityNames(p.Capabilities),
			Date:                     p.Date,
			FailedConnectionAttempts: p.FailedConnectionAttempts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func capabilityNames(caps p2p.Capabilities) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.String())
	}
	return out
}

func addressStrings(addrs []p2p.NodeAddress) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.FullAddress())
	}
	return out
}
