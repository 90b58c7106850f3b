package transport_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/MariamHany01/key-valueDB/internal/cluster"
	"github.com/MariamHany01/key-valueDB/internal/index"
	"github.com/MariamHany01/key-valueDB/internal/service"
	"github.com/MariamHany01/key-valueDB/internal/storage"
	"github.com/MariamHany01/key-valueDB/internal/transport"
	"github.com/MariamHany01/key-valueDB/pkg/client"
)

type testNode struct {
	engine *storage.Engine
	idx    *index.Manager
	node   *cluster.Node
	server *transport.Server
	addr   string
}

// startNode brings up a full node (engine + cluster state + wire server) on
// an ephemeral port, without running the background role loops.
func startNode(t *testing.T, id uint32, primary bool) *testNode {
	t.Helper()
	logger := slog.Default()
	dir := t.TempDir()

	idx := index.NewManager(logger, nil)
	engine, err := storage.Open(dir, idx, logger, storage.Options{})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	node, err := cluster.NewNode(cluster.Config{
		NodeID:  id,
		Addr:    "127.0.0.1:0",
		Primary: primary,
	}, nil, engine, cluster.NewMetaStore(dir), logger, cluster.Options{})
	if err != nil {
		t.Fatalf("cluster.NewNode: %v", err)
	}
	engine.SetSink(node)

	router := service.NewRouter(engine, idx, node, logger, nil)
	server := transport.NewServer("127.0.0.1:0", router, node, 5*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testNode{engine: engine, idx: idx, node: node, server: server, addr: server.Addr()}
}

func TestServer_ClientOperationsEndToEnd(t *testing.T) {
	n := startNode(t, 1, true)
	c := client.New(n.addr)
	defer func() { _ = c.Close() }()

	// SET / GET.
	if err := c.Set([]byte("doc1"), []byte(`{"text":"the quick brown fox"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set([]byte("doc2"), []byte(`{"text":"quick brown dog"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := c.Get([]byte("doc1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(value) != `{"text":"the quick brown fox"}` {
		t.Fatalf("Get(doc1) = %q ok=%v", value, ok)
	}

	_, ok, err = c.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("missing key must not be present")
	}

	// Text search, AND and OR.
	keys, err := c.Search("quick brown", true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"doc1", "doc2"}) {
		t.Fatalf("AND(quick brown) = %v, want [doc1 doc2]", keys)
	}

	keys, err = c.Search("fox dog", true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("AND(fox dog) = %v, want []", keys)
	}

	keys, err = c.Search("fox dog", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"doc1", "doc2"}) {
		t.Fatalf("OR(fox dog) = %v, want [doc1 doc2]", keys)
	}

	// Semantic search.
	if err := c.Set([]byte("k1"), []byte(`{"text":"hello world"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set([]byte("k2"), []byte(`{"text":"help word"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	hits, err := c.SemSearch("hello word", 2, 0.1)
	if err != nil {
		t.Fatalf("SemSearch: %v", err)
	}
	if len(hits) != 2 || hits[0].Key != "k1" {
		t.Fatalf("SemSearch = %v, want k1 first", hits)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("k1 must score higher: %v", hits)
	}

	// BULKSET.
	err = c.BulkSet([]client.Pair{
		{Key: []byte("x"), Value: []byte("10")},
		{Key: []byte("y"), Value: []byte("20")},
		{Key: []byte("z"), Value: []byte("30")},
	})
	if err != nil {
		t.Fatalf("BulkSet: %v", err)
	}
	for key, want := range map[string]string{"x": "10", "y": "20", "z": "30"} {
		v, ok, err := c.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if !ok || string(v) != want {
			t.Fatalf("Get(%s) = %q ok=%v, want %q", key, v, ok, want)
		}
	}

	// DELETE reports prior existence.
	existed, err := c.Delete([]byte("x"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatalf("first delete must report existed")
	}
	existed, err = c.Delete([]byte("x"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Fatalf("second delete must report missing")
	}

	// STATS.
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Role != "primary" || stats.Term != 1 {
		t.Fatalf("stats role=%q term=%d, want primary/1", stats.Role, stats.Term)
	}
	if stats.NGramSize != 3 {
		t.Fatalf("ngram size=%d, want 3", stats.NGramSize)
	}
	if stats.LastSeq != n.engine.LastSeq() {
		t.Fatalf("stats lastSeq=%d, engine=%d", stats.LastSeq, n.engine.LastSeq())
	}
}

func TestServer_RejectsWritesOnFollowerWithLeaderHint(t *testing.T) {
	primary := startNode(t, 1, true)
	follower := startNode(t, 2, false)

	// Teach the follower who leads via a heartbeat.
	_, err := follower.node.HandleHeartbeat(context.Background(), &cluster.HeartbeatRequest{
		Term:       1,
		LeaderID:   1,
		LeaderAddr: primary.addr,
	})
	if err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}

	// Without redirects the client surfaces NOT_PRIMARY plus the hint.
	direct := client.New(follower.addr, client.WithoutRedirects())
	defer func() { _ = direct.Close() }()
	err = direct.Set([]byte("k"), []byte("v"))
	var notPrimary *client.ErrNotPrimary
	if !errors.As(err, &notPrimary) {
		t.Fatalf("expected ErrNotPrimary, got %v", err)
	}
	if notPrimary.LeaderAddr != primary.addr {
		t.Fatalf("leader hint=%q, want %q", notPrimary.LeaderAddr, primary.addr)
	}

	// With redirects the write lands on the primary.
	redirecting := client.New(follower.addr)
	defer func() { _ = redirecting.Close() }()
	if err := redirecting.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("redirected Set: %v", err)
	}

	value, ok := primary.engine.Get([]byte("k"))
	if !ok || string(value) != "v" {
		t.Fatalf("primary Get(k) = %q ok=%v", value, ok)
	}

	// Reads are served locally on any role.
	_, ok, err = direct.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("the follower has not replicated the write")
	}
}

func TestServer_ReplicationOverWire(t *testing.T) {
	logger := slog.Default()
	primary := startNode(t, 1, true)
	follower := startNode(t, 2, false)

	sinkEntries := make(chan storage.Entry, 16)
	primary.engine.SetSink(sinkFunc(func(e storage.Entry) { sinkEntries <- e }))

	ctx := context.Background()
	if err := primary.engine.Set(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := primary.engine.Set(ctx, []byte("b"), []byte(`{"text":"replicated doc"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	peer := transport.NewPeer(follower.addr, 2*time.Second, logger)
	defer func() { _ = peer.Close() }()

	for i := 0; i < 2; i++ {
		entry := <-sinkEntries
		resp, err := peer.Append(ctx, &cluster.AppendRequest{Term: 1, LeaderID: 1, Entry: entry})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if !resp.OK {
			t.Fatalf("append %d rejected", i)
		}
	}

	value, ok := follower.engine.Get([]byte("a"))
	if !ok || string(value) != "1" {
		t.Fatalf("follower Get(a) = %q ok=%v", value, ok)
	}
	// The follower indexes replicated values too.
	if got := follower.idx.SearchText("replicated", index.ModeAnd); len(got) != 1 || got[0] != "b" {
		t.Fatalf("follower SearchText = %v, want [b]", got)
	}

	// A gapped entry is NAKed.
	resp, err := peer.Append(ctx, &cluster.AppendRequest{Term: 1, LeaderID: 1, Entry: storage.Entry{
		Seq: 9, Kind: storage.KindSet, Payload: []byte{0, 0, 0, 1, 'q', 0, 0, 0, 1, 'w'},
	}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if resp.OK {
		t.Fatalf("gapped entry must be NAKed")
	}

	// Snapshot resync brings the follower to the primary's exact state.
	if err := primary.engine.Set(ctx, []byte("c"), []byte("3")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	blob, seq := primary.engine.SnapshotBytes()
	snapResp, err := peer.InstallSnapshot(ctx, &cluster.SnapshotRequest{
		Term: 1, LeaderID: 1, CheckpointSeq: seq, Data: blob,
	})
	if err != nil {
		t.Fatalf("InstallSnapshot: %v", err)
	}
	if !snapResp.OK {
		t.Fatalf("snapshot install rejected")
	}
	if primary.engine.LastSeq() != follower.engine.LastSeq() {
		t.Fatalf("lastSeq mismatch: primary=%d follower=%d", primary.engine.LastSeq(), follower.engine.LastSeq())
	}
	value, ok = follower.engine.Get([]byte("c"))
	if !ok || !bytes.Equal(value, []byte("3")) {
		t.Fatalf("follower Get(c) = %q ok=%v", value, ok)
	}

	// Heartbeat and vote RPCs ride the same listener.
	hb, err := peer.Heartbeat(ctx, &cluster.HeartbeatRequest{Term: 1, LeaderID: 1, LeaderAddr: primary.addr})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hb.Term != 1 {
		t.Fatalf("heartbeat term=%d, want 1", hb.Term)
	}

	vote, err := peer.RequestVote(ctx, &cluster.VoteRequest{Term: 2, CandidateID: 1, LastAppliedSeq: follower.engine.LastSeq()})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if !vote.Granted {
		t.Fatalf("expected vote granted")
	}
}

// sinkFunc adapts a func to storage.ReplicationSink.
type sinkFunc func(storage.Entry)

func (f sinkFunc) Offer(e storage.Entry) { f(e) }
