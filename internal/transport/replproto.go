package transport

import (
	"github.com/MariamHany01/key-valueDB/internal/cluster"
	"github.com/MariamHany01/key-valueDB/internal/storage"
)

// Replication protocol tags, multiplexed on the same listener as the client
// protocol in the >= 0x80 range.
const (
	TagAppend        byte = 0x81
	TagAppendAck     byte = 0x82
	TagVoteRequest   byte = 0x83
	TagVoteResponse  byte = 0x84
	TagHeartbeat     byte = 0x85
	TagHeartbeatAck  byte = 0x86
	TagSnapshotBegin byte = 0x87
	TagSnapshotChunk byte = 0x88
	TagSnapshotEnd   byte = 0x89
	TagSnapshotAck   byte = 0x8A
)

// snapshotChunkSize keeps individual snapshot frames well under MaxFrameSize.
const snapshotChunkSize = 1 << 20

// IsReplicationTag reports whether a payload carries a replication message.
func IsReplicationTag(tag byte) bool { return tag >= 0x80 }

func EncodeAppend(req *cluster.AppendRequest) []byte {
	buf := []byte{TagAppend}
	buf = appendU64(buf, req.Term)
	buf = appendU32(buf, req.LeaderID)
	buf = appendU64(buf, req.Entry.Seq)
	buf = append(buf, byte(req.Entry.Kind))
	return appendBytes(buf, req.Entry.Payload)
}

func DecodeAppend(r *byteReader) (*cluster.AppendRequest, error) {
	term, err := r.u64()
	if err != nil {
		return nil, err
	}
	leaderID, err := r.u32()
	if err != nil {
		return nil, err
	}
	seq, err := r.u64()
	if err != nil {
		return nil, err
	}
	kind, err := r.u8()
	if err != nil {
		return nil, err
	}
	payload, err := r.bytes()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &cluster.AppendRequest{
		Term:     term,
		LeaderID: leaderID,
		Entry: storage.Entry{
			Seq:     seq,
			Kind:    storage.EntryKind(kind),
			Payload: append([]byte(nil), payload...),
		},
	}, nil
}

func EncodeAppendAck(resp *cluster.AppendResponse) []byte {
	buf := []byte{TagAppendAck}
	buf = appendU64(buf, resp.Term)
	buf = appendU64(buf, resp.Seq)
	ok := byte(0)
	if resp.OK {
		ok = 1
	}
	return append(buf, ok)
}

func DecodeAppendAck(payload []byte) (*cluster.AppendResponse, error) {
	r := &byteReader{p: payload}
	tag, err := r.u8()
	if err != nil || tag != TagAppendAck {
		return nil, ErrMalformed
	}
	term, err := r.u64()
	if err != nil {
		return nil, err
	}
	seq, err := r.u64()
	if err != nil {
		return nil, err
	}
	ok, err := r.u8()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &cluster.AppendResponse{Term: term, Seq: seq, OK: ok == 1}, nil
}

func EncodeVoteRequest(req *cluster.VoteRequest) []byte {
	buf := []byte{TagVoteRequest}
	buf = appendU64(buf, req.Term)
	buf = appendU32(buf, req.CandidateID)
	return appendU64(buf, req.LastAppliedSeq)
}

func DecodeVoteRequest(r *byteReader) (*cluster.VoteRequest, error) {
	term, err := r.u64()
	if err != nil {
		return nil, err
	}
	candidateID, err := r.u32()
	if err != nil {
		return nil, err
	}
	lastApplied, err := r.u64()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &cluster.VoteRequest{Term: term, CandidateID: candidateID, LastAppliedSeq: lastApplied}, nil
}

func EncodeVoteResponse(resp *cluster.VoteResponse) []byte {
	buf := []byte{TagVoteResponse}
	buf = appendU64(buf, resp.Term)
	granted := byte(0)
	if resp.Granted {
		granted = 1
	}
	return append(buf, granted)
}

func DecodeVoteResponse(payload []byte) (*cluster.VoteResponse, error) {
	r := &byteReader{p: payload}
	tag, err := r.u8()
	if err != nil || tag != TagVoteResponse {
		return nil, ErrMalformed
	}
	term, err := r.u64()
	if err != nil {
		return nil, err
	}
	granted, err := r.u8()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &cluster.VoteResponse{Term: term, Granted: granted == 1}, nil
}

func EncodeHeartbeat(req *cluster.HeartbeatRequest) []byte {
	buf := []byte{TagHeartbeat}
	buf = appendU64(buf, req.Term)
	buf = appendU32(buf, req.LeaderID)
	buf = appendBytes(buf, []byte(req.LeaderAddr))
	return appendU64(buf, req.CommitSeq)
}

func DecodeHeartbeat(r *byteReader) (*cluster.HeartbeatRequest, error) {
	term, err := r.u64()
	if err != nil {
		return nil, err
	}
	leaderID, err := r.u32()
	if err != nil {
		return nil, err
	}
	addr, err := r.bytes()
	if err != nil {
		return nil, err
	}
	commitSeq, err := r.u64()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &cluster.HeartbeatRequest{
		Term:       term,
		LeaderID:   leaderID,
		LeaderAddr: string(addr),
		CommitSeq:  commitSeq,
	}, nil
}

func EncodeHeartbeatAck(resp *cluster.HeartbeatResponse) []byte {
	buf := []byte{TagHeartbeatAck}
	return appendU64(buf, resp.Term)
}

func DecodeHeartbeatAck(payload []byte) (*cluster.HeartbeatResponse, error) {
	r := &byteReader{p: payload}
	tag, err := r.u8()
	if err != nil || tag != TagHeartbeatAck {
		return nil, ErrMalformed
	}
	term, err := r.u64()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &cluster.HeartbeatResponse{Term: term}, nil
}

// EncodeSnapshotFrames splits a snapshot transfer into its BEGIN/CHUNK*/END
// frame payloads.
func EncodeSnapshotFrames(req *cluster.SnapshotRequest) [][]byte {
	begin := []byte{TagSnapshotBegin}
	begin = appendU64(begin, req.Term)
	begin = appendU32(begin, req.LeaderID)
	begin = appendU64(begin, req.CheckpointSeq)
	begin = appendU64(begin, uint64(len(req.Data)))

	frames := [][]byte{begin}
	for off := 0; off < len(req.Data); off += snapshotChunkSize {
		end := off + snapshotChunkSize
		if end > len(req.Data) {
			end = len(req.Data)
		}
		chunk := append([]byte{TagSnapshotChunk}, req.Data[off:end]...)
		frames = append(frames, chunk)
	}
	return append(frames, []byte{TagSnapshotEnd})
}

// snapshotBegin is the decoded header of an in-flight snapshot transfer.
type snapshotBegin struct {
	Term          uint64
	LeaderID      uint32
	CheckpointSeq uint64
	TotalBytes    uint64
}

func decodeSnapshotBegin(r *byteReader) (*snapshotBegin, error) {
	term, err := r.u64()
	if err != nil {
		return nil, err
	}
	leaderID, err := r.u32()
	if err != nil {
		return nil, err
	}
	checkpointSeq, err := r.u64()
	if err != nil {
		return nil, err
	}
	total, err := r.u64()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &snapshotBegin{Term: term, LeaderID: leaderID, CheckpointSeq: checkpointSeq, TotalBytes: total}, nil
}

func EncodeSnapshotAck(resp *cluster.SnapshotResponse) []byte {
	buf := []byte{TagSnapshotAck}
	buf = appendU64(buf, resp.Term)
	ok := byte(0)
	if resp.OK {
		ok = 1
	}
	return append(buf, ok)
}

func DecodeSnapshotAck(payload []byte) (*cluster.SnapshotResponse, error) {
	r := &byteReader{p: payload}
	tag, err := r.u8()
	if err != nil || tag != TagSnapshotAck {
		return nil, ErrMalformed
	}
	term, err := r.u64()
	if err != nil {
		return nil, err
	}
	ok, err := r.u8()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &cluster.SnapshotResponse{Term: term, OK: ok == 1}, nil
}
