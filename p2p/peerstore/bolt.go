package peerstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p/peers"
)

var bucketPeers = []byte("peers")

// Bolt keeps the registry in a single bucket keyed by host:port.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a store at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Load() ([]peers.Peer, error) {
	var out []peers.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var p peers.Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode peer %s: %w", k, err)
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// Save replaces the bucket contents with list in one transaction.
func (s *Bolt) Save(list []peers.Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPeers); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket(bucketPeers)
		if err != nil {
			return err
		}
		for _, p := range list {
			blob, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(p.Address.FullAddress()), blob); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
