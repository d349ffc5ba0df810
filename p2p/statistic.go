package p2p

import (
	"sort"
	"sync"
	"time"
)

// Statistic tracks traffic of one connection. It is written by the
// connection's I/O goroutines and read from the user thread.
type Statistic struct {
	mu sync.RWMutex

	creationDate  time.Time
	lastActivity  time.Time
	sentBytes     int64
	receivedBytes int64
	sentMessages  map[string]int
	recvMessages  map[string]int
	roundTripTime time.Duration

	network *NetworkStatistics
}

// NewStatistic starts tracking at now. The optional network aggregate is
// updated alongside.
func NewStatistic(now time.Time, network *NetworkStatistics) *Statistic {
	return &Statistic{
		creationDate: now,
		lastActivity: now,
		sentMessages: make(map[string]int),
		recvMessages: make(map[string]int),
		network:      network,
	}
}

// UpdateLastActivity records traffic at now.
func (s *Statistic) UpdateLastActivity(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Statistic) AddSentBytes(n int) {
	s.mu.Lock()
	s.sentBytes += int64(n)
	s.mu.Unlock()
	s.network.addSentBytes(n)
}

func (s *Statistic) AddReceivedBytes(n int) {
	s.mu.Lock()
	s.receivedBytes += int64(n)
	s.mu.Unlock()
	s.network.addReceivedBytes(n)
}

func (s *Statistic) AddSentMessage(kind string) {
	s.mu.Lock()
	s.sentMessages[kind]++
	s.mu.Unlock()
	s.network.addSentMessage(kind)
}

func (s *Statistic) AddReceivedMessage(kind string) {
	s.mu.Lock()
	s.recvMessages[kind]++
	s.mu.Unlock()
	s.network.addReceivedMessage(kind)
}

func (s *Statistic) SetRoundTripTime(rtt time.Duration) {
	s.mu.Lock()
	s.roundTripTime = rtt
	s.mu.Unlock()
}

func (s *Statistic) RoundTripTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roundTripTime
}

func (s *Statistic) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Statistic) CreationDate() time.Time {
	return s.creationDate
}

// StatisticSnapshot is a point in time copy of a Statistic.
type StatisticSnapshot struct {
	CreationDate     time.Time      `json:"creationDate"`
	LastActivity     time.Time      `json:"lastActivity"`
	SentBytes        int64          `json:"sentBytes"`
	ReceivedBytes    int64          `json:"receivedBytes"`
	SentMessages     map[string]int `json:"sentMessages"`
	ReceivedMessages map[string]int `json:"receivedMessages"`
	RoundTripTimeMs  int64          `json:"roundTripTimeMs"`
}

func (s *Statistic) Snapshot() StatisticSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StatisticSnapshot{
		CreationDate:     s.creationDate,
		LastActivity:     s.lastActivity,
		SentBytes:        s.sentBytes,
		ReceivedBytes:    s.receivedBytes,
		SentMessages:     make(map[string]int, len(s.sentMessages)),
		ReceivedMessages: make(map[string]int, len(s.recvMessages)),
		RoundTripTimeMs:  s.roundTripTime.Milliseconds(),
	}
	for k, v := range s.sentMessages {
		snap.SentMessages[k] = v
	}
	for k, v := range s.recvMessages {
		snap.ReceivedMessages[k] = v
	}
	return snap
}

// NetworkStatistics aggregates traffic of all connections of one node. A
// nil receiver ignores updates.
type NetworkStatistics struct {
	mu            sync.Mutex
	sentBytes     int64
	receivedBytes int64
	sentTotal     int64
	receivedTotal int64
	sentByKind    map[string]int64
	recvByKind    map[string]int64
}

func NewNetworkStatistics() *NetworkStatistics {
	return &NetworkStatistics{
		sentByKind: make(map[string]int64),
		recvByKind: make(map[string]int64),
	}
}

func (n *NetworkStatistics) addSentBytes(v int) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.sentBytes += int64(v)
	n.mu.Unlock()
}

func (n *NetworkStatistics) addReceivedBytes(v int) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.receivedBytes += int64(v)
	n.mu.Unlock()
}

func (n *NetworkStatistics) addSentMessage(kind string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.sentTotal++
	n.sentByKind[kind]++
	n.mu.Unlock()
}

func (n *NetworkStatistics) addReceivedMessage(kind string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.receivedTotal++
	n.recvByKind[kind]++
	n.mu.Unlock()
}

// NetworkTotals is a copy of the aggregate counters.
type NetworkTotals struct {
	SentBytes        int64            `json:"sentBytes"`
	ReceivedBytes    int64            `json:"receivedBytes"`
	SentMessages     int64            `json:"sentMessages"`
	ReceivedMessages int64            `json:"receivedMessages"`
	SentByKind       map[string]int64 `json:"sentByKind"`
	ReceivedByKind   map[string]int64 `json:"receivedByKind"`
}

func (n *NetworkStatistics) Totals() NetworkTotals {
	if n == nil {
		return NetworkTotals{}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	totals := NetworkTotals{
		SentBytes:        n.sentBytes,
		ReceivedBytes:    n.receivedBytes,
		SentMessages:     n.sentTotal,
		ReceivedMessages: n.receivedTotal,
		SentByKind:       make(map[string]int64, len(n.sentByKind)),
		ReceivedByKind:   make(map[string]int64, len(n.recvByKind)),
	}
	for k, v := range n.sentByKind {
		totals.SentByKind[k] = v
	}
	for k, v := range n.recvByKind {
		totals.ReceivedByKind[k] = v
	}
	return totals
}

// TopReceivedKinds lists the most received kinds, most frequent first.
func (t NetworkTotals) TopReceivedKinds(limit int) []string {
	kinds := make([]string, 0, len(t.ReceivedByKind))
	for k := range t.ReceivedByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if t.ReceivedByKind[kinds[i]] == t.ReceivedByKind[kinds[j]] {
			return kinds[i] < kinds[j]
		}
		return t.ReceivedByKind[kinds[i]] > t.ReceivedByKind[kinds[j]]
	})
	if limit > 0 && len(kinds) > limit {
		kinds = kinds[:limit]
	}
	return kinds
}
