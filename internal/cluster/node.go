package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/MariamHany01/key-valueDB/internal/storage"
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store is the storage engine surface the cluster node drives.
type Store interface {
	LastSeq() uint64
	ApplyReplicated(ctx context.Context, e storage.Entry) error
	RestoreSnapshot(ctx context.Context, blob []byte) error
	SnapshotBytes() ([]byte, uint64)
}

// Metrics captures cluster-layer metric sinks.
type Metrics interface {
	IncElectionStarted()
	IncElectionWon()
	SetIsPrimary(v bool)
	SetTerm(term uint64)
	ObserveAppendRPCDuration(peer string, d time.Duration)
	IncAppendRPCError(peer string)
	IncSnapshotResync(peer string)
	SetPeerNextSeq(peer string, seq uint64)
	IncHeartbeatError(peer string)
}

type noopMetrics struct{}

func (noopMetrics) IncElectionStarted()                            {}
func (noopMetrics) IncElectionWon()                                {}
func (noopMetrics) SetIsPrimary(bool)                              {}
func (noopMetrics) SetTerm(uint64)                                 {}
func (noopMetrics) ObserveAppendRPCDuration(string, time.Duration) {}
func (noopMetrics) IncAppendRPCError(string)                       {}
func (noopMetrics) IncSnapshotResync(string)                       {}
func (noopMetrics) SetPeerNextSeq(string, uint64)                  {}
func (noopMetrics) IncHeartbeatError(string)                       {}

// Config holds the static cluster settings of one node.
type Config struct {
	NodeID uint32 // unique, >= 1
	Addr   string // advertised address, used as the leader hint
	// Primary starts the node as primary in term max(1, persisted term)
	// instead of waiting for heartbeats.
	Primary bool

	HeartbeatInterval time.Duration // default 100ms
	ElectionTimeout   time.Duration // default 500ms, jittered ±20%
	RPCTimeout        time.Duration // default 1s
	QueueDepth        int           // per-follower send queue, default 1024
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 100 * time.Millisecond
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
}

// Options carries optional node dependencies.
type Options struct {
	Metrics Metrics
	Tracer  oteltrace.Tracer
}

// Node is one member of the cluster. It owns the role state machine and, as
// primary, the per-follower replication senders. It is the storage engine's
// replication sink.
type Node struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg   Config
	id    uint32
	addr  string
	peers map[uint32]PeerClient
	store Store
	meta  *MetaStore

	role       Role
	term       uint64
	votedFor   uint32 // 0 = none this term
	leaderID   uint32
	leaderAddr string
	degraded   bool

	// primaryCancel ends the current primary tenure (heartbeats + senders).
	primaryCancel context.CancelFunc

	primaryFlag atomic.Bool
	senders     map[uint32]*sender

	electionResetCh chan struct{}

	logger  Logger
	metrics Metrics
	tracer  oteltrace.Tracer

	newTimer           timerFactory
	newTicker          tickerFactory
	electionTimeoutFn  timeoutFunc
	candidateTimeoutFn timeoutFunc
}

// NewNode restores persisted term/vote state and constructs a node. The
// peers map must contain remote peers only, keyed by node id.
// Logger is required; pass a slog-compatible logger implementation.
func NewNode(
	cfg Config,
	peers map[uint32]PeerClient,
	store Store,
	meta *MetaStore,
	logger Logger,
	opts Options,
) (*Node, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if cfg.NodeID == 0 {
		return nil, fmt.Errorf("cluster: node id must be >= 1")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("cluster: advertised addr is required")
	}
	cfg.applyDefaults()
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("cluster")
	}

	persisted, err := meta.Load()
	if err != nil {
		return nil, err
	}
	if persisted.NodeID != 0 && persisted.NodeID != cfg.NodeID {
		return nil, fmt.Errorf("cluster: data dir belongs to node %d, not %d", persisted.NodeID, cfg.NodeID)
	}

	base := cfg.ElectionTimeout
	n := &Node{
		cfg:             cfg,
		id:              cfg.NodeID,
		addr:            cfg.Addr,
		peers:           peers,
		store:           store,
		meta:            meta,
		role:            Follower,
		term:            persisted.CurrentTerm,
		votedFor:        persisted.VotedFor,
		electionResetCh: make(chan struct{}, 1),
		logger:          logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		newTimer:        defaultTimerFactory,
		newTicker:       defaultTickerFactory,
		electionTimeoutFn: func() time.Duration {
			// T ± 20% per-node jitter.
			//nolint:gosec // election jitter needs pseudo-randomness only.
			return base*8/10 + time.Duration(rand.Int63n(int64(base*4/10)+1))
		},
		candidateTimeoutFn: func() time.Duration {
			// Randomized retry in [T, 2T].
			//nolint:gosec // election jitter needs pseudo-randomness only.
			return base + time.Duration(rand.Int63n(int64(base)+1))
		},
	}

	n.senders = make(map[uint32]*sender, len(peers))
	for peerID, client := range peers {
		if peerID == cfg.NodeID {
			continue
		}
		n.senders[peerID] = newSender(n, peerID, client, cfg.QueueDepth)
	}

	if cfg.Primary {
		n.role = Primary
		if n.term == 0 {
			n.term = 1
		}
		n.leaderID = n.id
		n.leaderAddr = n.addr
		n.primaryFlag.Store(true)
		if err := n.persistMetaLocked(); err != nil {
			return nil, err
		}
	}
	n.metrics.SetTerm(n.term)
	n.metrics.SetIsPrimary(n.role == Primary)

	return n, nil
}

// Run starts the role loop and returns immediately.
func (n *Node) Run(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run(ctx)
	}()
}

// Stop terminates all background loops and waits for them.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

func (n *Node) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n.mu.Lock()
		if n.degraded {
			n.mu.Unlock()
			return
		}
		role := n.role
		n.mu.Unlock()

		switch role {
		case Follower:
			n.runFollower(ctx)
		case Candidate:
			n.runCandidate(ctx)
		case Primary:
			n.runPrimary(ctx)
		}
	}
}

// quorumSize returns the strict majority of the full configured cluster.
func (n *Node) quorumSize() int {
	return (len(n.peers)+1)/2 + 1
}

// Offer fans a locally applied entry out to the follower send queues. It is
// called by the storage engine while the write gate is held, so it must not
// block: a full queue marks that follower for a snapshot resync instead.
func (n *Node) Offer(e storage.Entry) {
	if !n.primaryFlag.Load() {
		return
	}
	for _, s := range n.senders {
		s.enqueue(e)
	}
}

// AcceptWrite reports whether this node may accept client writes, and the
// current leader hint if not.
func (n *Node) AcceptWrite() (leaderHint string, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == Primary && !n.degraded {
		return "", true
	}
	return n.leaderAddr, false
}

// Role returns the current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// LeaderAddr returns the last known leader address ("" if unknown).
func (n *Node) LeaderAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderAddr
}

// notifyElectionReset re-arms the follower election timer; any valid message
// from the current-term leader counts as liveness.
func (n *Node) notifyElectionReset() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

// stepDown reverts to follower, adopting higherTerm when it exceeds the
// current term. Safe to call from any goroutine.
func (n *Node) stepDown(higherTerm uint64) {
	n.mu.Lock()
	if higherTerm > n.term {
		n.term = higherTerm
		n.votedFor = 0
		if err := n.persistMetaLocked(); err != nil {
			n.markDegradedLocked(err)
		}
		n.metrics.SetTerm(n.term)
	}
	if n.role != Follower {
		n.logger.Info("stepping down to follower",
			"node_id", n.id,
			"term", n.term,
		)
		n.role = Follower
	}
	cancel := n.primaryCancel
	n.primaryCancel = nil
	n.mu.Unlock()

	n.primaryFlag.Store(false)
	n.metrics.SetIsPrimary(false)
	if cancel != nil {
		cancel()
	}
}

// persistMetaLocked durably writes (term, voted_for). Caller must hold n.mu.
func (n *Node) persistMetaLocked() error {
	return n.meta.Save(Meta{NodeID: n.id, CurrentTerm: n.term, VotedFor: n.votedFor})
}

func (n *Node) markDegradedLocked(err error) {
	if err == nil || n.degraded {
		return
	}
	n.degraded = true
	n.logger.Error("cluster node degraded due to meta persistence error",
		"node_id", n.id,
		"error", err,
	)
}

// rpcCtx derives a bounded context for one peer RPC.
func (n *Node) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, n.cfg.RPCTimeout)
}
