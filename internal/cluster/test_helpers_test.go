package cluster

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/MariamHany01/key-valueDB/internal/storage"
)

// fakeStore is an in-memory cluster.Store for node tests.
type fakeStore struct {
	mu       sync.Mutex
	lastSeq  uint64
	applied  []storage.Entry
	snapBlob []byte
	restored [][]byte
}

func (f *fakeStore) LastSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeq
}

func (f *fakeStore) ApplyReplicated(_ context.Context, e storage.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.Seq != f.lastSeq+1 {
		return storage.ErrSeqMismatch
	}
	f.lastSeq = e.Seq
	f.applied = append(f.applied, e)
	return nil
}

func (f *fakeStore) RestoreSnapshot(_ context.Context, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, append([]byte(nil), blob...))
	return nil
}

func (f *fakeStore) SnapshotBytes() ([]byte, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapBlob, f.lastSeq
}

func (f *fakeStore) appliedSeqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	seqs := make([]uint64, len(f.applied))
	for i, e := range f.applied {
		seqs[i] = e.Seq
	}
	return seqs
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func testEntry(seq uint64) storage.Entry {
	return storage.Entry{Seq: seq, Kind: storage.KindSet, Payload: []byte{0, 0, 0, 1, 'k', 0, 0, 0, 1, 'v'}}
}

func newTestNode(t *testing.T, id uint32, peers map[uint32]PeerClient, store *fakeStore) *Node {
	t.Helper()
	if store == nil {
		store = &fakeStore{}
	}
	n, err := NewNode(
		Config{NodeID: id, Addr: "127.0.0.1:9000"},
		peers,
		store,
		NewMetaStore(t.TempDir()),
		slog.Default(),
		Options{},
	)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return n
}
