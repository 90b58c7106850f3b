package cluster

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/MariamHany01/key-valueDB/internal/storage"
)

const (
	senderBackoffInitial = 100 * time.Millisecond
	senderBackoffMax     = 2 * time.Second
)

// sender ships WAL entries to one follower, in seq order, from a bounded
// single-producer/single-consumer queue. The storage apply path produces
// (via Node.Offer), the sender goroutine consumes. A follower that cannot be
// caught up by streaming — queue overflow, seq gap, or NAK — is brought back
// with a full snapshot resync.
type sender struct {
	node   *Node
	peerID uint32
	label  string
	client PeerClient

	queue      chan storage.Entry
	needResync atomic.Bool
}

func newSender(n *Node, peerID uint32, client PeerClient, depth int) *sender {
	return &sender{
		node:   n,
		peerID: peerID,
		label:  peerLabel(peerID),
		client: client,
		queue:  make(chan storage.Entry, depth),
	}
}

func peerLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// enqueue hands an entry to the sender without blocking. On overflow the
// entry is dropped and the follower is forced into a snapshot resync.
func (s *sender) enqueue(e storage.Entry) {
	select {
	case s.queue <- e:
	default:
		s.needResync.Store(true)
	}
}

// run drains the queue for one primary tenure. ctx is canceled when the node
// stops being primary for term.
func (s *sender) run(ctx context.Context, term, startSeq uint64) {
	// Entries left in the queue when a tenure ends are stale for the next
	// one; entries offered before this goroutine started belong to this one.
	defer s.drain()
	s.needResync.Store(false)

	nextSeq := startSeq
	s.node.metrics.SetPeerNextSeq(s.label, nextSeq)

	for {
		if s.needResync.Load() {
			if !s.resync(ctx, term, &nextSeq) {
				if !s.sleep(ctx, senderBackoffMax) {
					return
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.ship(ctx, term, e, &nextSeq)
		}
	}
}

func (s *sender) drain() {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// ship delivers one entry, retrying transport errors with backoff until the
// tenure ends. Entries already covered by a snapshot resync are skipped; a
// gap or follower NAK switches to resync.
func (s *sender) ship(ctx context.Context, term uint64, e storage.Entry, nextSeq *uint64) {
	if e.Seq < *nextSeq {
		return
	}
	if e.Seq > *nextSeq {
		s.needResync.Store(true)
		return
	}

	backoff := senderBackoffInitial
	for {
		rctx, cancel := s.node.rpcCtx(ctx)
		start := time.Now()
		resp, err := s.client.Append(rctx, &AppendRequest{
			Term:     term,
			LeaderID: s.node.id,
			Entry:    e,
		})
		cancel()
		s.node.metrics.ObserveAppendRPCDuration(s.label, time.Since(start))

		if err != nil {
			s.node.metrics.IncAppendRPCError(s.label)
			s.node.logger.Debug("append rpc failed, retrying",
				"peer", s.peerID,
				"seq", e.Seq,
				"error", err,
			)
			if !s.sleep(ctx, backoff) {
				return
			}
			if backoff *= 2; backoff > senderBackoffMax {
				backoff = senderBackoffMax
			}
			continue
		}
		if resp.Term > term {
			s.node.stepDown(resp.Term)
			return
		}
		if !resp.OK {
			s.node.logger.Info("follower rejected entry, forcing resync",
				"peer", s.peerID,
				"seq", e.Seq,
			)
			s.needResync.Store(true)
			return
		}

		*nextSeq = e.Seq + 1
		s.node.metrics.SetPeerNextSeq(s.label, *nextSeq)
		return
	}
}

// resync streams a full snapshot and repositions the cursor after it.
// Returns false when the attempt failed and should be retried after backoff.
func (s *sender) resync(ctx context.Context, term uint64, nextSeq *uint64) bool {
	blob, seq := s.node.store.SnapshotBytes()
	s.node.metrics.IncSnapshotResync(s.label)
	s.node.logger.Info("starting snapshot resync",
		"peer", s.peerID,
		"checkpoint_seq", seq,
		"bytes", len(blob),
	)

	rctx, cancel := context.WithTimeout(ctx, 4*s.node.cfg.RPCTimeout)
	resp, err := s.client.InstallSnapshot(rctx, &SnapshotRequest{
		Term:          term,
		LeaderID:      s.node.id,
		CheckpointSeq: seq,
		Data:          blob,
	})
	cancel()
	if err != nil {
		s.node.logger.Debug("snapshot resync failed",
			"peer", s.peerID,
			"error", err,
		)
		return false
	}
	if resp.Term > term {
		s.node.stepDown(resp.Term)
		return true // tenure over; run loop exits on ctx cancel
	}
	if !resp.OK {
		return false
	}

	*nextSeq = seq + 1
	s.needResync.Store(false)
	s.node.metrics.SetPeerNextSeq(s.label, *nextSeq)
	s.node.logger.Info("snapshot resync complete",
		"peer", s.peerID,
		"next_seq", *nextSeq,
	)
	return true
}

func (s *sender) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
