package getdata

import (
	"encoding/hex"
	"sync"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
)

// Store is the application data set synchronized during bootstrap.
type Store interface {
	// Keys lists every key held, used as the exclusion list of a request.
	Keys() [][]byte
	// Put merges entries and reports how many were new.
	Put(entries []p2p.DataEntry) int
	// Snapshot returns up to limit entries whose keys are not excluded and
	// whether more were available.
	Snapshot(excluded [][]byte, limit int) (entries []p2p.DataEntry, truncated bool)
}

// MemoryStore keeps entries in insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]p2p.DataEntry
}

func NewMemoryStore(entries ...p2p.DataEntry) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]p2p.DataEntry)}
	s.Put(entries)
	return s
}

func (s *MemoryStore) Keys() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, append([]byte(nil), s.entries[k].Key...))
	}
	return out
}

func (s *MemoryStore) Put(entries []p2p.DataEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, e := range entries {
		k := e.KeyHex()
		if _, ok := s.entries[k]; ok {
			continue
		}
		s.entries[k] = e
		s.order = append(s.order, k)
		added++
	}
	return added
}

func (s *MemoryStore) Snapshot(excluded [][]byte, limit int) ([]p2p.DataEntry, bool) {
	skip := make(map[string]struct{}, len(excluded))
	for _, k := range excluded {
		skip[hex.EncodeToString(k)] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []p2p.DataEntry
	for _, k := range s.order {
		if _, ok := skip[k]; ok {
			continue
		}
		if len(out) == limit {
			return out, true
		}
		out = append(out, s.entries[k])
	}
	return out, false
}

// Len is the number of entries held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
