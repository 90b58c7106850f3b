package cluster

import (
	"context"
)

func (n *Node) runPrimary(ctx context.Context) {
	n.mu.Lock()
	if n.role != Primary {
		// Deposed between winning the election and starting the tenure.
		n.mu.Unlock()
		return
	}
	term := n.term
	pctx, cancel := context.WithCancel(ctx)
	n.primaryCancel = cancel
	n.mu.Unlock()
	defer cancel()

	n.primaryFlag.Store(true)
	n.metrics.SetIsPrimary(true)
	n.logger.Info("assumed primary role",
		"node_id", n.id,
		"term", term,
	)

	// Replication resumes from this node's own applied log; followers that
	// are behind (or ahead from a deposed term) converge via resync.
	startSeq := n.store.LastSeq() + 1
	for _, s := range n.senders {
		n.wg.Add(1)
		go func(s *sender) {
			defer n.wg.Done()
			s.run(pctx, term, startSeq)
		}(s)
	}

	n.broadcastHeartbeat(pctx, term)

	ticker := n.newTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pctx.Done():
			n.primaryFlag.Store(false)
			n.metrics.SetIsPrimary(false)
			return
		case <-ticker.C():
			n.broadcastHeartbeat(pctx, term)
		}
	}
}

// broadcastHeartbeat fires one heartbeat at every peer. Failures are
// liveness noise, not errors; a higher term in a response deposes us.
func (n *Node) broadcastHeartbeat(ctx context.Context, term uint64) {
	commitSeq := n.store.LastSeq()
	for peerID, peerClient := range n.peers {
		go func(id uint32, pc PeerClient) {
			rctx, cancel := n.rpcCtx(ctx)
			defer cancel()

			resp, err := pc.Heartbeat(rctx, &HeartbeatRequest{
				Term:       term,
				LeaderID:   n.id,
				LeaderAddr: n.addr,
				CommitSeq:  commitSeq,
			})
			if err != nil {
				n.metrics.IncHeartbeatError(peerLabel(id))
				n.logger.Debug("heartbeat failed",
					"peer", id,
					"error", err,
				)
				return
			}
			if resp.Term > term {
				n.logger.Info("higher term in heartbeat response",
					"peer", id,
					"peer_term", resp.Term,
				)
				n.stepDown(resp.Term)
			}
		}(peerID, peerClient)
	}
}
