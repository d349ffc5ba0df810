// Package peerstore persists the persisted-peer registry to disk.
package peerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
)

const keyPrefix = "peer:"

var errClosed = errors.New("peerstore closed")

// LevelDB stores one JSON record per peer under "peer:<host:port>".
type LevelDB struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a store at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, errors.New("peerstore path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Load() ([]peers.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errClosed
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()
	var out []peers.Peer
	for iter.Next() {
		var p peers.Peer
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("decode peer %s: %w", iter.Key(), err)
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

// Save replaces the stored registry with list in one batch.
func (s *LevelDB) Save(list []peers.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errClosed
	}
	keep := make(map[string]struct{}, len(list))
	batch := new(leveldb.Batch)
	for _, p := range list {
		blob, err := json.Marshal(p)
		if err != nil {
			return err
		}
		key := keyPrefix + p.Address.FullAddress()
		keep[key] = struct{}{}
		batch.Put([]byte(key), blob)
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	for iter.Next() {
		if _, ok := keep[string(iter.Key())]; !ok {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
