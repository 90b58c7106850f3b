package cluster

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/MariamHany01/key-valueDB/internal/storage"
)

// HandleRequestVote answers a candidate's vote solicitation. A vote is
// granted at most once per term, only to candidates whose applied log is at
// least as fresh as ours, and only after the (term, voted_for) pair is
// durable on disk.
func (n *Node) HandleRequestVote(_ context.Context, req *VoteRequest) (*VoteResponse, error) {
	lastApplied := n.store.LastSeq()

	n.mu.Lock()
	if n.degraded {
		n.mu.Unlock()
		return nil, ErrDegraded
	}

	resp := &VoteResponse{Term: n.term}
	if req.Term < n.term {
		n.logger.Debug("rejected vote: stale term",
			"candidate", req.CandidateID,
			"candidate_term", req.Term,
			"current_term", n.term,
		)
		n.mu.Unlock()
		return resp, nil
	}

	changed := false
	demote := false
	var cancel context.CancelFunc
	if req.Term > n.term {
		n.term = req.Term
		n.votedFor = 0
		changed = true
		if n.role != Follower {
			n.role = Follower
			demote = true
			cancel = n.primaryCancel
			n.primaryCancel = nil
		}
	}

	grant := (n.votedFor == 0 || n.votedFor == req.CandidateID) &&
		req.LastAppliedSeq >= lastApplied
	if grant && n.votedFor != req.CandidateID {
		n.votedFor = req.CandidateID
		changed = true
	}
	if changed {
		if err := n.persistMetaLocked(); err != nil {
			n.markDegradedLocked(err)
			n.mu.Unlock()
			return nil, ErrDegraded
		}
		n.metrics.SetTerm(n.term)
	}

	resp.Term = n.term
	resp.Granted = grant
	n.logger.Info("vote request handled",
		"candidate", req.CandidateID,
		"term", n.term,
		"granted", grant,
		"candidate_last_applied", req.LastAppliedSeq,
		"own_last_applied", lastApplied,
	)
	n.mu.Unlock()

	if demote {
		n.primaryFlag.Store(false)
		n.metrics.SetIsPrimary(false)
		if cancel != nil {
			cancel()
		}
	}
	if grant {
		// Granting a vote counts as cluster activity; do not start a
		// competing election while the candidate's round is in flight.
		n.notifyElectionReset()
	}
	return resp, nil
}

// HandleHeartbeat processes a primary's liveness beacon.
func (n *Node) HandleHeartbeat(_ context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	term, ok, err := n.observeLeader(req.Term, req.LeaderID, req.LeaderAddr)
	if err != nil {
		return nil, err
	}
	_ = ok // a stale or conflicting leader learns our term from the response
	return &HeartbeatResponse{Term: term}, nil
}

// HandleAppend applies one shipped entry. OK=false tells the primary this
// follower needs a snapshot resync.
func (n *Node) HandleAppend(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	ctx, span := n.tracer.Start(ctx, "cluster.node.HandleAppend",
		oteltrace.WithAttributes(
			attribute.Int64("kvdb.entry.seq", int64(req.Entry.Seq)),
			attribute.Int64("kvdb.term", int64(req.Term)),
		))
	defer span.End()

	term, ok, err := n.observeLeader(req.Term, req.LeaderID, "")
	if err != nil {
		return nil, err
	}
	resp := &AppendResponse{Term: term, Seq: req.Entry.Seq}
	if !ok {
		return resp, nil
	}

	if err := n.store.ApplyReplicated(ctx, req.Entry); err != nil {
		if errors.Is(err, storage.ErrSeqMismatch) {
			n.logger.Info("append seq mismatch, requesting resync",
				"seq", req.Entry.Seq,
				"last_applied", n.store.LastSeq(),
			)
		} else {
			n.logger.Error("replicated apply failed", "seq", req.Entry.Seq, "error", err)
		}
		return resp, nil
	}

	resp.OK = true
	return resp, nil
}

// HandleInstallSnapshot atomically replaces local state with the primary's
// snapshot and resumes streaming application after it.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	ctx, span := n.tracer.Start(ctx, "cluster.node.HandleInstallSnapshot",
		oteltrace.WithAttributes(attribute.Int("kvdb.snapshot.bytes", len(req.Data))))
	defer span.End()

	term, ok, err := n.observeLeader(req.Term, req.LeaderID, "")
	if err != nil {
		return nil, err
	}
	resp := &SnapshotResponse{Term: term}
	if !ok {
		return resp, nil
	}

	if err := n.store.RestoreSnapshot(ctx, req.Data); err != nil {
		n.logger.Error("snapshot install failed",
			"checkpoint_seq", req.CheckpointSeq,
			"error", err,
		)
		return resp, nil
	}

	n.logger.Info("snapshot installed",
		"checkpoint_seq", req.CheckpointSeq,
		"bytes", len(req.Data),
	)
	resp.OK = true
	return resp, nil
}

// observeLeader runs the term bookkeeping shared by every message that
// claims leadership. ok=false means the claim was rejected (stale term, or a
// same-term claim while we are primary ourselves) and the caller must not
// act on the message body.
func (n *Node) observeLeader(reqTerm uint64, leaderID uint32, leaderAddr string) (term uint64, ok bool, err error) {
	n.mu.Lock()
	if n.degraded {
		n.mu.Unlock()
		return 0, false, ErrDegraded
	}
	if reqTerm < n.term {
		term = n.term
		n.mu.Unlock()
		return term, false, nil
	}

	changed := reqTerm > n.term
	if changed {
		n.term = reqTerm
		n.votedFor = 0
	}

	demote := false
	var cancel context.CancelFunc
	if n.role == Candidate || (changed && n.role != Follower) {
		n.logger.Info("observed current leader, becoming follower",
			"leader", leaderID,
			"term", n.term,
		)
		n.role = Follower
		demote = true
		cancel = n.primaryCancel
		n.primaryCancel = nil
	}
	if n.role == Primary {
		// Same-term claim against an active primary: at most one node wins a
		// term's election, so the claimant is confused; let it see our term.
		term = n.term
		n.mu.Unlock()
		return term, false, nil
	}

	n.leaderID = leaderID
	if leaderAddr != "" {
		n.leaderAddr = leaderAddr
	}
	if changed {
		if err := n.persistMetaLocked(); err != nil {
			n.markDegradedLocked(err)
			n.mu.Unlock()
			return 0, false, ErrDegraded
		}
		n.metrics.SetTerm(n.term)
	}
	term = n.term
	n.mu.Unlock()

	if demote {
		n.primaryFlag.Store(false)
		n.metrics.SetIsPrimary(false)
		if cancel != nil {
			cancel()
		}
	}
	n.notifyElectionReset()
	return term, true, nil
}
