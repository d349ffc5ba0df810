package peers

import "sync"

// Store persists the persisted-peer registry. Load replaces the in-memory
// registry wholesale at start; Save receives the full registry.
type Store interface {
	Load() ([]Peer, error)
	Save(peers []Peer) error
	Close() error
}

// MemoryStore keeps the registry in memory. It backs tests and nodes that
// run without a data directory.
type MemoryStore struct {
	mu    sync.Mutex
	peers []Peer
	saves int
}

func NewMemoryStore(initial ...Peer) *MemoryStore {
	return &MemoryStore{peers: append([]Peer(nil), initial...)}
}

func (s *MemoryStore) Load() ([]Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Peer(nil), s.peers...), nil
}

func (s *MemoryStore) Save(peers []Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append([]Peer(nil), peers...)
	s.saves++
	return nil
}

// Saves counts Save calls.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }
