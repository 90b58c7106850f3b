package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/MariamHany01/key-valueDB/internal/cluster"
	"github.com/MariamHany01/key-valueDB/internal/index"
	"github.com/MariamHany01/key-valueDB/internal/service"
	"github.com/MariamHany01/key-valueDB/internal/storage"
)

// snapshotAssemblyMax bounds an announced snapshot transfer.
const snapshotAssemblyMax = 1 << 30

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ReplicationHandler is the cluster-node surface the server dispatches
// replication messages to.
type ReplicationHandler interface {
	HandleAppend(ctx context.Context, req *cluster.AppendRequest) (*cluster.AppendResponse, error)
	HandleRequestVote(ctx context.Context, req *cluster.VoteRequest) (*cluster.VoteResponse, error)
	HandleHeartbeat(ctx context.Context, req *cluster.HeartbeatRequest) (*cluster.HeartbeatResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *cluster.SnapshotRequest) (*cluster.SnapshotResponse, error)
}

// Server is the node's single listener. Every accepted connection gets its
// own goroutine running a read-dispatch-respond loop; client and replication
// traffic are told apart by the payload tag byte.
type Server struct {
	addr        string
	router      *service.Router
	repl        ReplicationHandler
	logger      Logger
	readTimeout time.Duration

	lis      net.Listener
	listenCh chan struct{}
	conns    *xsync.MapOf[uint64, net.Conn]
	connSeq  atomic.Uint64
	wg       sync.WaitGroup
}

// NewServer creates a server bound to addr when Run is called.
func NewServer(addr string, router *service.Router, repl ReplicationHandler, readTimeout time.Duration, logger Logger) *Server {
	return &Server{
		addr:        addr,
		router:      router,
		repl:        repl,
		logger:      logger,
		readTimeout: readTimeout,
		listenCh:    make(chan struct{}),
		conns:       xsync.NewMapOf[uint64, net.Conn](),
	}
}

// Addr returns the bound listen address (useful with ":0"). It blocks until
// Run has opened the listener.
func (s *Server) Addr() string {
	<-s.listenCh
	return s.lis.Addr().String()
}

// Run listens and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.lis = lis
	close(s.listenCh)
	s.logger.Info("listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		_ = lis.Close()
		s.conns.Range(func(_ uint64, conn net.Conn) bool {
			_ = conn.Close()
			return true
		})
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		id := s.connSeq.Add(1)
		s.conns.Store(id, conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, id, conn)
		}()
	}
}

// snapshotAssembly accumulates an in-flight BEGIN/CHUNK*/END transfer on one
// connection.
type snapshotAssembly struct {
	begin *snapshotBegin
	data  []byte
}

func (s *Server) handleConn(ctx context.Context, id uint64, conn net.Conn) {
	defer func() {
		s.conns.Delete(id)
		_ = conn.Close()
	}()

	var snap *snapshotAssembly

	for {
		if s.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("connection read ended", "error", err)
			}
			return
		}
		if len(payload) == 0 {
			s.writeFrames(conn, [][]byte{EncodeStatus(0, StatusMalformed)})
			return
		}

		var (
			frames    [][]byte
			closeConn bool
		)
		if IsReplicationTag(payload[0]) {
			frames, closeConn = s.dispatchReplication(ctx, payload, &snap)
		} else {
			frames, closeConn = s.dispatchClient(ctx, payload)
		}

		if len(frames) > 0 && !s.writeFrames(conn, frames) {
			return
		}
		if closeConn {
			return
		}
	}
}

func (s *Server) writeFrames(conn net.Conn, frames [][]byte) bool {
	if s.readTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	}
	for _, f := range frames {
		if err := WriteFrame(conn, f); err != nil {
			s.logger.Debug("response write failed", "error", err)
			return false
		}
	}
	return true
}

// dispatchClient serves one client request. Protocol errors answer MALFORMED
// and close the connection.
func (s *Server) dispatchClient(ctx context.Context, payload []byte) (frames [][]byte, closeConn bool) {
	tag := payload[0]
	req, err := DecodeRequest(payload)
	if err != nil {
		s.logger.Warn("malformed client request", "tag", tag, "error", err)
		return [][]byte{EncodeStatus(tag, StatusMalformed)}, true
	}

	switch r := req.(type) {
	case *SetRequest:
		return s.writeOutcome(TagSet, s.router.Set(ctx, r.Key, r.Value)), false

	case *GetRequest:
		value, ok := s.router.Get(ctx, r.Key)
		return [][]byte{EncodeValue(value, ok)}, false

	case *DeleteRequest:
		existed, err := s.router.Delete(ctx, r.Key)
		if err != nil {
			frames := s.writeOutcome(TagDelete, err)
			// DELETE status frames carry the existed flag even on failure.
			frames[0] = EncodeDeleteStatus(frames[0][1], false)
			return frames, false
		}
		return [][]byte{EncodeDeleteStatus(StatusOK, existed)}, false

	case *BulkSetRequest:
		return s.writeOutcome(TagBulkSet, s.router.BulkSet(ctx, r.Pairs)), false

	case *SearchRequest:
		keys := s.router.SearchText(ctx, r.Query, index.Mode(r.Mode))
		return [][]byte{EncodeKeyList(keys)}, false

	case *SemSearchRequest:
		hits := s.router.SearchSemantic(ctx, r.Query, int(r.K), r.Threshold)
		wire := make([]ScoredHit, len(hits))
		for i, h := range hits {
			wire[i] = ScoredHit{Key: h.Key, Score: h.Score}
		}
		return [][]byte{EncodeScoredList(wire)}, false

	case *StatsRequest:
		st := s.router.Stats(ctx)
		return [][]byte{EncodeStatsReply(StatsReply{
			Keys:         uint64(st.Keys),
			LastSeq:      st.LastSeq,
			Role:         byte(st.Role),
			Term:         st.Term,
			IndexedKeys:  uint64(st.Index.IndexedKeys),
			UniqueTokens: uint64(st.Index.UniqueTokens),
			Postings:     uint64(st.Index.Postings),
			NGramSize:    byte(st.Index.NGramSize),
		})}, false

	default:
		return [][]byte{EncodeStatus(tag, StatusMalformed)}, true
	}
}

// writeOutcome maps a write-path error onto status frames: a NOT_PRIMARY
// status is followed by a leader hint frame.
func (s *Server) writeOutcome(tag byte, err error) [][]byte {
	if err == nil {
		return [][]byte{EncodeStatus(tag, StatusOK)}
	}
	var notPrimary *service.NotPrimaryError
	if errors.As(err, &notPrimary) {
		return [][]byte{
			EncodeStatus(tag, StatusNotPrimary),
			EncodeLeaderHint(notPrimary.LeaderAddr),
		}
	}
	if errors.Is(err, storage.ErrMalformedPayload) {
		return [][]byte{EncodeStatus(tag, StatusMalformed)}
	}
	s.logger.Error("write failed", "tag", tag, "error", err)
	return [][]byte{EncodeStatus(tag, StatusIOError)}
}

func (s *Server) dispatchReplication(ctx context.Context, payload []byte, snap **snapshotAssembly) (frames [][]byte, closeConn bool) {
	tag := payload[0]
	r := &byteReader{p: payload, off: 1}

	switch tag {
	case TagAppend:
		req, err := DecodeAppend(r)
		if err != nil {
			return nil, true
		}
		resp, err := s.repl.HandleAppend(ctx, req)
		if err != nil {
			s.logger.Warn("append handling failed", "error", err)
			return nil, true
		}
		return [][]byte{EncodeAppendAck(resp)}, false

	case TagVoteRequest:
		req, err := DecodeVoteRequest(r)
		if err != nil {
			return nil, true
		}
		resp, err := s.repl.HandleRequestVote(ctx, req)
		if err != nil {
			s.logger.Warn("vote handling failed", "error", err)
			return nil, true
		}
		return [][]byte{EncodeVoteResponse(resp)}, false

	case TagHeartbeat:
		req, err := DecodeHeartbeat(r)
		if err != nil {
			return nil, true
		}
		resp, err := s.repl.HandleHeartbeat(ctx, req)
		if err != nil {
			s.logger.Warn("heartbeat handling failed", "error", err)
			return nil, true
		}
		return [][]byte{EncodeHeartbeatAck(resp)}, false

	case TagSnapshotBegin:
		begin, err := decodeSnapshotBegin(r)
		if err != nil || begin.TotalBytes > snapshotAssemblyMax {
			return nil, true
		}
		*snap = &snapshotAssembly{begin: begin, data: make([]byte, 0, begin.TotalBytes)}
		return nil, false

	case TagSnapshotChunk:
		if *snap == nil {
			return nil, true
		}
		chunk := payload[1:]
		if uint64(len((*snap).data)+len(chunk)) > (*snap).begin.TotalBytes {
			return nil, true
		}
		(*snap).data = append((*snap).data, chunk...)
		return nil, false

	case TagSnapshotEnd:
		if *snap == nil || uint64(len((*snap).data)) != (*snap).begin.TotalBytes {
			return nil, true
		}
		assembly := *snap
		*snap = nil
		resp, err := s.repl.HandleInstallSnapshot(ctx, &cluster.SnapshotRequest{
			Term:          assembly.begin.Term,
			LeaderID:      assembly.begin.LeaderID,
			CheckpointSeq: assembly.begin.CheckpointSeq,
			Data:          assembly.data,
		})
		if err != nil {
			s.logger.Warn("snapshot handling failed", "error", err)
			return nil, true
		}
		return [][]byte{EncodeSnapshotAck(resp)}, false

	default:
		return nil, true
	}
}
