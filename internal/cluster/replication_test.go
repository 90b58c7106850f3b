package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/MariamHany01/key-valueDB/internal/storage"
)

func TestSender_shipsEntriesInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	got := make(chan uint64, 3)
	peer := NewMockPeerClient(ctrl)
	peer.EXPECT().
		Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *AppendRequest) (*AppendResponse, error) {
			if req.Term != 1 {
				t.Errorf("term=%d, want 1", req.Term)
			}
			got <- req.Entry.Seq
			return &AppendResponse{Term: req.Term, Seq: req.Entry.Seq, OK: true}, nil
		}).
		Times(3)

	n := newTestNode(t, 1, map[uint32]PeerClient{2: peer}, nil)
	s := n.senders[2]

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx, 1, 1)
	}()

	for seq := uint64(1); seq <= 3; seq++ {
		s.enqueue(testEntry(seq))
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("shipped seq %d, want %d", seq, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}

	cancel()
	<-done
}

func TestSender_resyncsOnFollowerNAK(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	store := &fakeStore{lastSeq: 4, snapBlob: []byte("snapshot-blob")}

	snapshotDone := make(chan struct{})
	resumed := make(chan uint64, 1)

	peer := NewMockPeerClient(ctrl)
	first := peer.EXPECT().
		Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *AppendRequest) (*AppendResponse, error) {
			// Follower is behind: NAK forces the snapshot path.
			return &AppendResponse{Term: req.Term, Seq: req.Entry.Seq, OK: false}, nil
		}).
		Times(1)
	snap := peer.EXPECT().
		InstallSnapshot(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
			if string(req.Data) != "snapshot-blob" {
				t.Errorf("unexpected snapshot payload %q", req.Data)
			}
			if req.CheckpointSeq != 4 {
				t.Errorf("checkpoint seq=%d, want 4", req.CheckpointSeq)
			}
			close(snapshotDone)
			return &SnapshotResponse{Term: req.Term, OK: true}, nil
		}).
		After(first).
		Times(1)
	peer.EXPECT().
		Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *AppendRequest) (*AppendResponse, error) {
			resumed <- req.Entry.Seq
			return &AppendResponse{Term: req.Term, Seq: req.Entry.Seq, OK: true}, nil
		}).
		After(snap).
		Times(1)

	n := newTestNode(t, 1, map[uint32]PeerClient{2: peer}, store)
	s := n.senders[2]

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx, 1, 4)
	}()

	s.enqueue(testEntry(4))

	select {
	case <-snapshotDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("snapshot resync never happened")
	}

	// After the resync covered seq 4, streaming resumes at 5.
	s.enqueue(testEntry(5))
	select {
	case seq := <-resumed:
		if seq != 5 {
			t.Fatalf("resumed at seq %d, want 5", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("streaming did not resume after resync")
	}

	cancel()
	<-done
}

func TestSender_queueOverflowForcesResync(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	peer := NewMockPeerClient(ctrl)
	n, err := NewNode(
		Config{NodeID: 1, Addr: "127.0.0.1:9000", QueueDepth: 2},
		map[uint32]PeerClient{2: peer},
		&fakeStore{},
		NewMetaStore(t.TempDir()),
		testLogger(),
		Options{},
	)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	s := n.senders[2]
	// No sender goroutine running: the third enqueue overflows.
	s.enqueue(testEntry(1))
	s.enqueue(testEntry(2))
	s.enqueue(testEntry(3))

	if !s.needResync.Load() {
		t.Fatalf("expected overflow to mark the follower for resync")
	}
}

func TestNode_OfferOnlyFansOutWhilePrimary(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	peer := NewMockPeerClient(ctrl)
	n := newTestNode(t, 1, map[uint32]PeerClient{2: peer}, nil)

	n.Offer(storage.Entry{Seq: 1, Kind: storage.KindSet})
	if len(n.senders[2].queue) != 0 {
		t.Fatalf("follower must not enqueue replication work")
	}

	n.primaryFlag.Store(true)
	n.Offer(storage.Entry{Seq: 1, Kind: storage.KindSet})
	if len(n.senders[2].queue) != 1 {
		t.Fatalf("primary offer must enqueue for each follower")
	}
}

func TestNode_AcceptWrite(t *testing.T) {
	n := newTestNode(t, 2, nil, nil)

	hint, ok := n.AcceptWrite()
	if ok {
		t.Fatalf("follower must reject writes")
	}
	if hint != "" {
		t.Fatalf("expected empty hint before any heartbeat, got %q", hint)
	}

	if _, err := n.HandleHeartbeat(context.Background(), &HeartbeatRequest{
		Term: 1, LeaderID: 1, LeaderAddr: "10.0.0.1:9000",
	}); err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}
	hint, ok = n.AcceptWrite()
	if ok {
		t.Fatalf("follower must reject writes")
	}
	if hint != "10.0.0.1:9000" {
		t.Fatalf("hint=%q", hint)
	}

	n.mu.Lock()
	n.role = Primary
	n.mu.Unlock()
	if _, ok := n.AcceptWrite(); !ok {
		t.Fatalf("primary must accept writes")
	}
}
