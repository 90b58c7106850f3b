// Package cluster implements membership, leader election, and primary-to-
// follower log shipping for a small fixed cluster.
//
// It implements a simplified election protocol: a follower that misses
// heartbeats becomes a candidate, solicits votes (granted at most once per
// term, only to candidates whose applied log is at least as fresh), and
// becomes primary on a strict majority of the configured cluster. The
// primary ships WAL entries to each follower in seq order and falls back to
// a full snapshot resync when a follower cannot be caught up by streaming.
package cluster

import (
	"context"
	"errors"

	"github.com/MariamHany01/key-valueDB/internal/storage"
)

// Role is the replication role of a node.
type Role int

// Node roles.
const (
	Follower Role = iota
	Candidate
	Primary
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Primary:
		return "primary"
	default:
		return "unknown"
	}
}

// AppendRequest ships one WAL entry from the primary to a follower.
type AppendRequest struct {
	Term     uint64
	LeaderID uint32
	Entry    storage.Entry
}

// AppendResponse acknowledges an AppendRequest. OK=false means the follower
// could not apply the entry (seq gap or local failure) and needs a resync.
type AppendResponse struct {
	Term uint64
	Seq  uint64
	OK   bool
}

// VoteRequest is sent by candidates during an election.
type VoteRequest struct {
	Term           uint64
	CandidateID    uint32
	LastAppliedSeq uint64
}

// VoteResponse is a peer's answer to a VoteRequest.
type VoteResponse struct {
	Term    uint64
	Granted bool
}

// HeartbeatRequest is emitted periodically by the primary.
type HeartbeatRequest struct {
	Term       uint64
	LeaderID   uint32
	LeaderAddr string
	CommitSeq  uint64
}

// HeartbeatResponse carries the receiver's term so a deposed primary learns
// it must step down.
type HeartbeatResponse struct {
	Term uint64
}

// SnapshotRequest transfers a complete store snapshot to a follower whose
// log cannot be caught up by streaming. Data is an engine snapshot blob;
// CheckpointSeq is the last seq it incorporates.
type SnapshotRequest struct {
	Term          uint64
	LeaderID      uint32
	CheckpointSeq uint64
	Data          []byte
}

// SnapshotResponse acknowledges snapshot installation.
type SnapshotResponse struct {
	Term uint64
	OK   bool
}

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// PeerClient is the transport client used to call replication RPCs on a peer.
// Implementations apply their own send/receive deadlines; an error marks the
// peer unreachable for that call without blocking local progress.
type PeerClient interface {
	Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	RequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	InstallSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error)
	Addr() string
	Close() error
}

// ErrDegraded is returned when the node stopped participating after a fatal
// metadata persistence error.
var ErrDegraded = errors.New("cluster: node degraded")

// ErrNilStore is returned when NewNode is called with a nil Store.
var ErrNilStore = errors.New("cluster: nil store")

// ErrNilLogger is returned when NewNode is called with a nil logger.
var ErrNilLogger = errors.New("cluster: nil logger")
