package transport

import (
	"github.com/MariamHany01/key-valueDB/internal/storage"
)

// Client protocol tags. Each response payload echoes the request tag byte so
// both sides of a connection frame-align the same way.
const (
	TagSet       byte = 0x01
	TagGet       byte = 0x02
	TagDelete    byte = 0x03
	TagBulkSet   byte = 0x04
	TagSearch    byte = 0x05
	TagSemSearch byte = 0x06
	TagStats     byte = 0x07
)

// Status codes.
const (
	StatusOK         byte = 0
	StatusNotPrimary byte = 1
	StatusIOError    byte = 2
	StatusMalformed  byte = 3
)

// Text search modes on the wire.
const (
	SearchModeAnd byte = 0
	SearchModeOr  byte = 1
)

// Client request records.
type (
	SetRequest struct {
		Key   []byte
		Value []byte
	}
	GetRequest struct {
		Key []byte
	}
	DeleteRequest struct {
		Key []byte
	}
	BulkSetRequest struct {
		Pairs []storage.Pair
	}
	SearchRequest struct {
		Mode  byte
		Query string
	}
	SemSearchRequest struct {
		K         uint32
		Threshold float32
		Query     string
	}
	StatsRequest struct{}
)

// ScoredHit is one SEMSEARCH result on the wire.
type ScoredHit struct {
	Key   string
	Score float32
}

// StatsReply summarizes node and index state for the STATS request.
type StatsReply struct {
	Keys         uint64
	LastSeq      uint64
	Role         byte
	Term         uint64
	IndexedKeys  uint64
	UniqueTokens uint64
	Postings     uint64
	NGramSize    byte
}

// DecodeRequest decodes one client request payload into its typed record.
func DecodeRequest(payload []byte) (any, error) {
	r := &byteReader{p: payload}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagSet:
		key, err := r.bytes()
		if err != nil {
			return nil, err
		}
		value, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return &SetRequest{Key: key, Value: value}, nil

	case TagGet:
		key, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return &GetRequest{Key: key}, nil

	case TagDelete:
		key, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return &DeleteRequest{Key: key}, nil

	case TagBulkSet:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		pairs := make([]storage.Pair, 0, n)
		for i := uint32(0); i < n; i++ {
			key, err := r.bytes()
			if err != nil {
				return nil, err
			}
			value, err := r.bytes()
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, storage.Pair{Key: key, Value: value})
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return &BulkSetRequest{Pairs: pairs}, nil

	case TagSearch:
		mode, err := r.u8()
		if err != nil {
			return nil, err
		}
		if mode != SearchModeAnd && mode != SearchModeOr {
			return nil, ErrMalformed
		}
		query, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return &SearchRequest{Mode: mode, Query: string(query)}, nil

	case TagSemSearch:
		k, err := r.u32()
		if err != nil {
			return nil, err
		}
		threshold, err := r.f32()
		if err != nil {
			return nil, err
		}
		query, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return &SemSearchRequest{K: k, Threshold: threshold, Query: string(query)}, nil

	case TagStats:
		if err := r.done(); err != nil {
			return nil, err
		}
		return &StatsRequest{}, nil

	default:
		return nil, ErrMalformed
	}
}

// Request encoders (client side).

func EncodeSetRequest(key, value []byte) []byte {
	buf := make([]byte, 0, 1+8+len(key)+len(value))
	buf = append(buf, TagSet)
	buf = appendBytes(buf, key)
	return appendBytes(buf, value)
}

func EncodeGetRequest(key []byte) []byte {
	buf := append(make([]byte, 0, 5+len(key)), TagGet)
	return appendBytes(buf, key)
}

func EncodeDeleteRequest(key []byte) []byte {
	buf := append(make([]byte, 0, 5+len(key)), TagDelete)
	return appendBytes(buf, key)
}

func EncodeBulkSetRequest(pairs []storage.Pair) []byte {
	buf := []byte{TagBulkSet}
	buf = appendU32(buf, uint32(len(pairs)))
	for _, p := range pairs {
		buf = appendBytes(buf, p.Key)
		buf = appendBytes(buf, p.Value)
	}
	return buf
}

func EncodeSearchRequest(mode byte, query string) []byte {
	buf := []byte{TagSearch, mode}
	return appendBytes(buf, []byte(query))
}

func EncodeSemSearchRequest(k uint32, threshold float32, query string) []byte {
	buf := []byte{TagSemSearch}
	buf = appendU32(buf, k)
	buf = appendF32(buf, threshold)
	return appendBytes(buf, []byte(query))
}

func EncodeStatsRequest() []byte {
	return []byte{TagStats}
}

// Response encoders (server side) and decoders (client side).

func EncodeStatus(tag, code byte) []byte {
	return []byte{tag, code}
}

func DecodeStatus(payload []byte) (code byte, err error) {
	r := &byteReader{p: payload}
	if _, err := r.u8(); err != nil { // tag echo
		return 0, err
	}
	code, err = r.u8()
	if err != nil {
		return 0, err
	}
	return code, r.done()
}

func EncodeDeleteStatus(code byte, existed bool) []byte {
	e := byte(0)
	if existed {
		e = 1
	}
	return []byte{TagDelete, code, e}
}

func DecodeDeleteStatus(payload []byte) (code byte, existed bool, err error) {
	r := &byteReader{p: payload}
	if _, err := r.u8(); err != nil {
		return 0, false, err
	}
	code, err = r.u8()
	if err != nil {
		return 0, false, err
	}
	e, err := r.u8()
	if err != nil {
		return 0, false, err
	}
	return code, e == 1, r.done()
}

func EncodeValue(value []byte, present bool) []byte {
	if !present {
		return []byte{TagGet, 0}
	}
	buf := append(make([]byte, 0, 6+len(value)), TagGet, 1)
	return appendBytes(buf, value)
}

func DecodeValue(payload []byte) (value []byte, present bool, err error) {
	r := &byteReader{p: payload}
	if _, err := r.u8(); err != nil {
		return nil, false, err
	}
	p, err := r.u8()
	if err != nil {
		return nil, false, err
	}
	if p == 0 {
		return nil, false, r.done()
	}
	value, err = r.bytes()
	if err != nil {
		return nil, false, err
	}
	return value, true, r.done()
}

func EncodeKeyList(keys []string) []byte {
	buf := []byte{TagSearch}
	buf = appendU32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendBytes(buf, []byte(k))
	}
	return buf
}

func DecodeKeyList(payload []byte) ([]string, error) {
	r := &byteReader{p: payload}
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.bytes()
		if err != nil {
			return nil, err
		}
		keys = append(keys, string(k))
	}
	return keys, r.done()
}

func EncodeScoredList(hits []ScoredHit) []byte {
	buf := []byte{TagSemSearch}
	buf = appendU32(buf, uint32(len(hits)))
	for _, h := range hits {
		buf = appendBytes(buf, []byte(h.Key))
		buf = appendF32(buf, h.Score)
	}
	return buf
}

func DecodeScoredList(payload []byte) ([]ScoredHit, error) {
	r := &byteReader{p: payload}
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	hits := make([]ScoredHit, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.bytes()
		if err != nil {
			return nil, err
		}
		score, err := r.f32()
		if err != nil {
			return nil, err
		}
		hits = append(hits, ScoredHit{Key: string(k), Score: score})
	}
	return hits, r.done()
}

func EncodeStatsReply(s StatsReply) []byte {
	buf := []byte{TagStats}
	buf = appendU64(buf, s.Keys)
	buf = appendU64(buf, s.LastSeq)
	buf = append(buf, s.Role)
	buf = appendU64(buf, s.Term)
	buf = appendU64(buf, s.IndexedKeys)
	buf = appendU64(buf, s.UniqueTokens)
	buf = appendU64(buf, s.Postings)
	return append(buf, s.NGramSize)
}

func DecodeStatsReply(payload []byte) (StatsReply, error) {
	var s StatsReply
	r := &byteReader{p: payload}
	if _, err := r.u8(); err != nil {
		return s, err
	}
	var err error
	if s.Keys, err = r.u64(); err != nil {
		return s, err
	}
	if s.LastSeq, err = r.u64(); err != nil {
		return s, err
	}
	if s.Role, err = r.u8(); err != nil {
		return s, err
	}
	if s.Term, err = r.u64(); err != nil {
		return s, err
	}
	if s.IndexedKeys, err = r.u64(); err != nil {
		return s, err
	}
	if s.UniqueTokens, err = r.u64(); err != nil {
		return s, err
	}
	if s.Postings, err = r.u64(); err != nil {
		return s, err
	}
	if s.NGramSize, err = r.u8(); err != nil {
		return s, err
	}
	return s, r.done()
}

// EncodeLeaderHint builds the frame payload that follows a NOT_PRIMARY
// status: the last known leader address, empty when no leader is known.
func EncodeLeaderHint(addr string) []byte {
	return []byte(addr)
}

func DecodeLeaderHint(payload []byte) string {
	return string(payload)
}
