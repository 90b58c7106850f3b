package cluster

import (
	"context"
)

func (n *Node) runFollower(ctx context.Context) {
	timer := n.newTimer(n.electionTimeoutFn())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				select {
				case <-timer.C():
				default:
				}
			}
			timer.Reset(n.electionTimeoutFn())
		case <-timer.C():
			n.mu.Lock()
			n.logger.Info("heartbeat timeout, converting to candidate",
				"node_id", n.id,
				"term", n.term,
			)
			n.role = Candidate
			n.mu.Unlock()
			return
		}
	}
}

func (n *Node) runCandidate(ctx context.Context) {
	n.mu.Lock()
	prevTerm := n.term
	prevVotedFor := n.votedFor
	n.term++
	term := n.term
	n.votedFor = n.id
	if err := n.persistMetaLocked(); err != nil {
		n.markDegradedLocked(err)
		n.term = prevTerm
		n.votedFor = prevVotedFor
		n.role = Follower
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.metrics.IncElectionStarted()
	n.metrics.SetTerm(term)

	lastApplied := n.store.LastSeq()
	n.logger.Info("starting election",
		"node_id", n.id,
		"term", term,
		"last_applied_seq", lastApplied,
		"peers", len(n.peers),
	)

	votes := 1
	majority := n.quorumSize()

	// A single-node cluster elects itself on its own vote.
	if votes >= majority {
		n.mu.Lock()
		if n.role == Candidate && n.term == term {
			n.role = Primary
			n.leaderID = n.id
			n.leaderAddr = n.addr
		}
		n.mu.Unlock()
		n.metrics.IncElectionWon()
		return
	}

	timer := n.newTimer(n.candidateTimeoutFn())
	defer timer.Stop()

	voteCh := make(chan *VoteResponse, len(n.peers))
	for peerID, peerClient := range n.peers {
		go func(id uint32, pc PeerClient) {
			rctx, cancel := n.rpcCtx(ctx)
			defer cancel()

			resp, err := pc.RequestVote(rctx, &VoteRequest{
				Term:           term,
				CandidateID:    n.id,
				LastAppliedSeq: lastApplied,
			})
			if err != nil {
				n.logger.Debug("vote request failed",
					"node_id", n.id,
					"peer", id,
					"error", err,
				)
				return
			}
			select {
			case voteCh <- resp:
			case <-ctx.Done():
			}
		}(peerID, peerClient)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			n.logger.Info("election timed out, starting new term",
				"node_id", n.id,
				"term", term,
			)
			return
		case resp := <-voteCh:
			n.mu.Lock()
			if resp.Term > n.term {
				n.logger.Info("higher term seen during election, reverting to follower",
					"current_term", n.term,
					"peer_term", resp.Term,
				)
				n.term = resp.Term
				n.votedFor = 0
				n.role = Follower
				if err := n.persistMetaLocked(); err != nil {
					n.markDegradedLocked(err)
				}
				n.metrics.SetTerm(n.term)
				n.mu.Unlock()
				return
			}
			if n.role != Candidate || n.term != term {
				n.mu.Unlock()
				return
			}
			if !resp.Granted {
				n.mu.Unlock()
				continue
			}

			votes++
			if votes < majority {
				n.mu.Unlock()
				continue
			}

			n.logger.Info("won election, becoming primary",
				"node_id", n.id,
				"term", term,
				"votes", votes,
			)
			n.role = Primary
			n.leaderID = n.id
			n.leaderAddr = n.addr
			n.mu.Unlock()
			n.metrics.IncElectionWon()
			return
		}
	}
}
