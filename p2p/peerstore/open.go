package peerstore

import (
	"fmt"
	"path/filepath"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
)

const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// Open returns the store for backend under dir. An empty dir or the memory
// backend yields a store that lives only as long as the process.
func Open(backend, dir string) (peers.Store, error) {
	if dir == "" || backend == BackendMemory {
		return peers.NewMemoryStore(), nil
	}
	switch backend {
	case "", BackendLevelDB:
		return OpenLevelDB(filepath.Join(dir, "peers"))
	case BackendBolt:
		return OpenBolt(filepath.Join(dir, "peers.db"))
	default:
		return nil, fmt.Errorf("unknown peer store backend %q", backend)
	}
}
