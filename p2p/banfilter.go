package p2p

import "sync"

// BanFilter decides whether a peer must be refused.
type BanFilter interface {
	IsPeerBanned(addr NodeAddress) bool
}

// StaticBanFilter combines a configured ban list with a dynamic predicate
// that the application may install later (for example from a filter feed).
type StaticBanFilter struct {
	mu        sync.RWMutex
	banned    map[NodeAddress]struct{}
	predicate func(NodeAddress) bool
}

func NewStaticBanFilter(banned []NodeAddress) *StaticBanFilter {
	f := &StaticBanFilter{banned: make(map[NodeAddress]struct{}, len(banned))}
	for _, addr := range banned {
		f.banned[addr] = struct{}{}
	}
	return f
}

// SetBannedNodePredicate installs the dynamic predicate. A nil predicate
// removes it.
func (f *StaticBanFilter) SetBannedNodePredicate(fn func(NodeAddress) bool) {
	f.mu.Lock()
	f.predicate = fn
	f.mu.Unlock()
}

func (f *StaticBanFilter) IsPeerBanned(addr NodeAddress) bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	_, listed := f.banned[addr]
	predicate := f.predicate
	f.mu.RUnlock()
	if listed {
		return true
	}
	return predicate != nil && predicate(addr)
}
