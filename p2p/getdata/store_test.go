package getdata

import (
	"reflect"
	"testing"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
)

func entry(i byte) p2p.DataEntry {
	return p2p.DataEntry{Key: []byte{i}, Value: []byte{i, i}}
}

func TestMemoryStoreSnapshot(t *testing.T) {
	s := NewMemoryStore(entry(1), entry(2), entry(3), entry(4))
	if n := s.Put([]p2p.DataEntry{entry(2)}); n != 0 {
		t.Fatalf("known entry stored again: %d", n)
	}
	if n := s.Put([]p2p.DataEntry{entry(5)}); n != 1 {
		t.Fatalf("new entry not stored: %d", n)
	}
	if n := s.Len(); n != 5 {
		t.Fatalf("len %d, want 5", n)
	}

	got, truncated := s.Snapshot([][]byte{{2}, {3}}, 10)
	if want := []p2p.DataEntry{entry(1), entry(4), entry(5)}; truncated || !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot %v (truncated %v), want %v", got, truncated, want)
	}

	got, truncated = s.Snapshot([][]byte{{1}}, 3)
	if want := []p2p.DataEntry{entry(2), entry(3), entry(4)}; !truncated || !reflect.DeepEqual(got, want) {
		t.Fatalf("limited snapshot %v (truncated %v), want %v", got, truncated, want)
	}

	// Exactly filling the limit is not truncation.
	got, truncated = s.Snapshot([][]byte{{1}, {2}}, 3)
	if truncated || len(got) != 3 {
		t.Fatalf("full snapshot %d entries, truncated %v", len(got), truncated)
	}
}
