package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/MariamHany01/key-valueDB/internal/cluster"
)

// Peer is the replication client for one remote node. It keeps a single
// lazily dialed connection and serializes request/response exchanges on it;
// any transport error tears the connection down so the next call redials.
type Peer struct {
	addr    string
	timeout time.Duration
	logger  Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewPeer creates a client for addr. No connection is made until first use.
func NewPeer(addr string, timeout time.Duration, logger Logger) *Peer {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Peer{addr: addr, timeout: timeout, logger: logger}
}

// DialPeers builds a PeerClient per configured peer address.
func DialPeers(addrs map[uint32]string, timeout time.Duration, logger Logger) map[uint32]cluster.PeerClient {
	peers := make(map[uint32]cluster.PeerClient, len(addrs))
	for id, addr := range addrs {
		peers[id] = NewPeer(addr, timeout, logger)
	}
	return peers
}

// Addr returns the peer's address.
func (p *Peer) Addr() string { return p.addr }

// Close tears down the connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Append ships one entry and waits for the ack.
func (p *Peer) Append(ctx context.Context, req *cluster.AppendRequest) (*cluster.AppendResponse, error) {
	resp, err := p.roundTrip(ctx, [][]byte{EncodeAppend(req)})
	if err != nil {
		return nil, err
	}
	return DecodeAppendAck(resp)
}

// RequestVote solicits a vote.
func (p *Peer) RequestVote(ctx context.Context, req *cluster.VoteRequest) (*cluster.VoteResponse, error) {
	resp, err := p.roundTrip(ctx, [][]byte{EncodeVoteRequest(req)})
	if err != nil {
		return nil, err
	}
	return DecodeVoteResponse(resp)
}

// Heartbeat delivers a liveness beacon.
func (p *Peer) Heartbeat(ctx context.Context, req *cluster.HeartbeatRequest) (*cluster.HeartbeatResponse, error) {
	resp, err := p.roundTrip(ctx, [][]byte{EncodeHeartbeat(req)})
	if err != nil {
		return nil, err
	}
	return DecodeHeartbeatAck(resp)
}

// InstallSnapshot streams a full snapshot as BEGIN/CHUNK*/END frames and
// waits for the single ack.
func (p *Peer) InstallSnapshot(ctx context.Context, req *cluster.SnapshotRequest) (*cluster.SnapshotResponse, error) {
	resp, err := p.roundTrip(ctx, EncodeSnapshotFrames(req))
	if err != nil {
		return nil, err
	}
	return DecodeSnapshotAck(resp)
}

// roundTrip writes the request frames and reads one response frame under the
// peer mutex. The deadline comes from ctx when set, else from the configured
// timeout.
func (p *Peer) roundTrip(ctx context.Context, frames [][]byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.timeout)
	}
	_ = conn.SetDeadline(deadline)

	for _, f := range frames {
		if err := WriteFrame(conn, f); err != nil {
			p.resetLocked()
			return nil, err
		}
	}
	resp, err := ReadFrame(conn)
	if err != nil {
		p.resetLocked()
		return nil, err
	}
	return resp, nil
}

func (p *Peer) connLocked(ctx context.Context) (net.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	p.logger.Debug("peer connected", "addr", p.addr)
	p.conn = conn
	return conn, nil
}

func (p *Peer) resetLocked() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
