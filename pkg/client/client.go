// Package client is the wire client for the key-value node: length-prefixed
// frames over TCP, with optional redirect handling when a write lands on a
// follower.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/MariamHany01/key-valueDB/internal/storage"
	"github.com/MariamHany01/key-valueDB/internal/transport"
)

// ErrNotPrimary is returned when a write was rejected by a non-primary node
// and no redirect could be followed.
type ErrNotPrimary struct {
	LeaderAddr string
}

func (e *ErrNotPrimary) Error() string {
	if e.LeaderAddr == "" {
		return "client: not primary, no known leader"
	}
	return fmt.Sprintf("client: not primary, leader at %s", e.LeaderAddr)
}

// ErrServer is returned for IO_ERROR and MALFORMED statuses.
var ErrServer = errors.New("client: server error")

// Pair is one key-value pair of a bulk write.
type Pair struct {
	Key   []byte
	Value []byte
}

// Hit is one semantic search result.
type Hit struct {
	Key   string
	Score float32
}

// Stats is the node summary returned by Stats.
type Stats struct {
	Keys         uint64
	LastSeq      uint64
	Role         string
	Term         uint64
	IndexedKeys  uint64
	UniqueTokens uint64
	Postings     uint64
	NGramSize    uint8
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request deadline (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithoutRedirects disables following NOT_PRIMARY leader hints.
func WithoutRedirects() Option {
	return func(c *Client) { c.follow = false }
}

// Client talks to one node (or, following redirects, to its current leader).
// Safe for concurrent use; requests are serialized on one connection.
type Client struct {
	timeout time.Duration
	follow  bool

	mu   sync.Mutex
	addr string
	conn net.Conn
}

// New creates a client for addr. No connection is made until first use.
func New(addr string, opts ...Option) *Client {
	c := &Client{addr: addr, timeout: 5 * time.Second, follow: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Set stores key=value.
func (c *Client) Set(key, value []byte) error {
	return c.writeOp(transport.EncodeSetRequest(key, value), func(resp []byte) (byte, error) {
		return transport.DecodeStatus(resp)
	})
}

// Get fetches the value for key.
func (c *Client) Get(key []byte) ([]byte, bool, error) {
	resp, _, err := c.exchange(transport.EncodeGetRequest(key))
	if err != nil {
		return nil, false, err
	}
	return transport.DecodeValue(resp)
}

// Delete removes key, reporting whether it existed.
func (c *Client) Delete(key []byte) (bool, error) {
	existed := false
	err := c.writeOp(transport.EncodeDeleteRequest(key), func(resp []byte) (byte, error) {
		code, e, err := transport.DecodeDeleteStatus(resp)
		existed = e
		return code, err
	})
	return existed, err
}

// BulkSet stores all pairs atomically.
func (c *Client) BulkSet(pairs []Pair) error {
	wire := make([]storage.Pair, len(pairs))
	for i, p := range pairs {
		wire[i] = storage.Pair{Key: p.Key, Value: p.Value}
	}
	return c.writeOp(transport.EncodeBulkSetRequest(wire), func(resp []byte) (byte, error) {
		return transport.DecodeStatus(resp)
	})
}

// Search runs a token search. matchAll selects AND semantics, otherwise OR.
func (c *Client) Search(query string, matchAll bool) ([]string, error) {
	mode := transport.SearchModeOr
	if matchAll {
		mode = transport.SearchModeAnd
	}
	resp, _, err := c.exchange(transport.EncodeSearchRequest(mode, query))
	if err != nil {
		return nil, err
	}
	return transport.DecodeKeyList(resp)
}

// SemSearch runs an n-gram similarity search.
func (c *Client) SemSearch(query string, k int, threshold float32) ([]Hit, error) {
	resp, _, err := c.exchange(transport.EncodeSemSearchRequest(uint32(k), threshold, query))
	if err != nil {
		return nil, err
	}
	hits, err := transport.DecodeScoredList(resp)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = Hit{Key: h.Key, Score: h.Score}
	}
	return out, nil
}

// Stats fetches the node summary.
func (c *Client) Stats() (Stats, error) {
	resp, _, err := c.exchange(transport.EncodeStatsRequest())
	if err != nil {
		return Stats{}, err
	}
	wire, err := transport.DecodeStatsReply(resp)
	if err != nil {
		return Stats{}, err
	}
	role := "follower"
	switch wire.Role {
	case 1:
		role = "candidate"
	case 2:
		role = "primary"
	}
	return Stats{
		Keys:         wire.Keys,
		LastSeq:      wire.LastSeq,
		Role:         role,
		Term:         wire.Term,
		IndexedKeys:  wire.IndexedKeys,
		UniqueTokens: wire.UniqueTokens,
		Postings:     wire.Postings,
		NGramSize:    wire.NGramSize,
	}, nil
}

// writeOp sends a write request, following at most one NOT_PRIMARY redirect
// when a leader hint is available.
func (c *Client) writeOp(req []byte, decode func([]byte) (byte, error)) error {
	for attempt := 0; ; attempt++ {
		resp, hint, err := c.exchange(req)
		if err != nil {
			return err
		}
		code, err := decode(resp)
		if err != nil {
			return err
		}
		switch code {
		case transport.StatusOK:
			return nil
		case transport.StatusNotPrimary:
			if c.follow && hint != "" && attempt == 0 {
				c.redirect(hint)
				continue
			}
			return &ErrNotPrimary{LeaderAddr: hint}
		default:
			return fmt.Errorf("%w: status %d", ErrServer, code)
		}
	}
}

func (c *Client) redirect(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.addr = addr
}

// exchange performs one framed request/response. When the response is a
// NOT_PRIMARY status, the trailing leader hint frame is consumed too.
func (c *Client) exchange(req []byte) (resp []byte, hint string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked()
	if err != nil {
		return nil, "", err
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := transport.WriteFrame(conn, req); err != nil {
		c.resetLocked()
		return nil, "", err
	}
	resp, err = transport.ReadFrame(conn)
	if err != nil {
		c.resetLocked()
		return nil, "", err
	}

	if hasLeaderHint(resp) {
		hintFrame, err := transport.ReadFrame(conn)
		if err != nil {
			c.resetLocked()
			return nil, "", err
		}
		hint = transport.DecodeLeaderHint(hintFrame)
	}
	return resp, hint, nil
}

// hasLeaderHint reports whether a hint frame follows: write-op status
// responses with code NOT_PRIMARY.
func hasLeaderHint(resp []byte) bool {
	if len(resp) < 2 {
		return false
	}
	switch resp[0] {
	case transport.TagSet, transport.TagDelete, transport.TagBulkSet:
		return resp[1] == transport.StatusNotPrimary
	default:
		return false
	}
}

func (c *Client) connLocked() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) resetLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
