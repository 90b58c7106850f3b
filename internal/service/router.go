// Package service contains the request router that sits between the wire
// server and the node internals: it enforces the primary-only write policy
// and dispatches reads and searches locally on any role.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/MariamHany01/key-valueDB/internal/cluster"
	"github.com/MariamHany01/key-valueDB/internal/index"
	"github.com/MariamHany01/key-valueDB/internal/storage"
)

// NotPrimaryError rejects a write on a non-primary node. LeaderAddr is the
// last known leader hint ("" when no leader is known); the client library is
// responsible for the redirect.
type NotPrimaryError struct {
	LeaderAddr string
}

func (e *NotPrimaryError) Error() string {
	if e.LeaderAddr == "" {
		return "service: not primary, no known leader"
	}
	return fmt.Sprintf("service: not primary, leader at %s", e.LeaderAddr)
}

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// Metrics captures request-level metric sinks.
type Metrics interface {
	IncRequest(op, result string)
	ObserveRequestDuration(op string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncRequest(string, string)                    {}
func (noopMetrics) ObserveRequestDuration(string, time.Duration) {}

// Stats is the node summary served by the STATS request.
type Stats struct {
	Keys    int
	LastSeq uint64
	Role    cluster.Role
	Term    uint64
	Index   index.Stats
}

// Router dispatches decoded client requests.
type Router struct {
	engine  *storage.Engine
	idx     *index.Manager
	node    *cluster.Node
	logger  Logger
	metrics Metrics
}

// NewRouter wires the router. All dependencies are required except metrics.
func NewRouter(engine *storage.Engine, idx *index.Manager, node *cluster.Node, logger Logger, m Metrics) *Router {
	if m == nil {
		m = noopMetrics{}
	}
	return &Router{engine: engine, idx: idx, node: node, logger: logger, metrics: m}
}

// Set stores key=value on the primary.
func (r *Router) Set(ctx context.Context, key, value []byte) error {
	start := time.Now()
	defer func() { r.metrics.ObserveRequestDuration("set", time.Since(start)) }()

	if hint, ok := r.node.AcceptWrite(); !ok {
		r.metrics.IncRequest("set", "not_primary")
		return &NotPrimaryError{LeaderAddr: hint}
	}
	if err := r.engine.Set(ctx, key, value); err != nil {
		r.metrics.IncRequest("set", "io_error")
		return err
	}
	r.metrics.IncRequest("set", "ok")
	return nil
}

// Get reads a key locally on any role.
func (r *Router) Get(_ context.Context, key []byte) ([]byte, bool) {
	start := time.Now()
	defer func() { r.metrics.ObserveRequestDuration("get", time.Since(start)) }()
	value, ok := r.engine.Get(key)
	r.metrics.IncRequest("get", "ok")
	return value, ok
}

// Delete removes a key on the primary.
func (r *Router) Delete(ctx context.Context, key []byte) (existed bool, err error) {
	start := time.Now()
	defer func() { r.metrics.ObserveRequestDuration("delete", time.Since(start)) }()

	if hint, ok := r.node.AcceptWrite(); !ok {
		r.metrics.IncRequest("delete", "not_primary")
		return false, &NotPrimaryError{LeaderAddr: hint}
	}
	existed, err = r.engine.Delete(ctx, key)
	if err != nil {
		r.metrics.IncRequest("delete", "io_error")
		return false, err
	}
	r.metrics.IncRequest("delete", "ok")
	return existed, nil
}

// BulkSet applies all pairs atomically on the primary.
func (r *Router) BulkSet(ctx context.Context, pairs []storage.Pair) error {
	start := time.Now()
	defer func() { r.metrics.ObserveRequestDuration("bulk_set", time.Since(start)) }()

	if hint, ok := r.node.AcceptWrite(); !ok {
		r.metrics.IncRequest("bulk_set", "not_primary")
		return &NotPrimaryError{LeaderAddr: hint}
	}
	if err := r.engine.BulkSet(ctx, pairs); err != nil {
		r.metrics.IncRequest("bulk_set", "io_error")
		return err
	}
	r.metrics.IncRequest("bulk_set", "ok")
	return nil
}

// SearchText serves token search locally on any role.
func (r *Router) SearchText(_ context.Context, query string, mode index.Mode) []string {
	start := time.Now()
	defer func() { r.metrics.ObserveRequestDuration("search", time.Since(start)) }()
	r.metrics.IncRequest("search", "ok")
	return r.idx.SearchText(query, mode)
}

// SearchSemantic serves n-gram similarity search locally on any role.
func (r *Router) SearchSemantic(_ context.Context, query string, k int, threshold float32) []index.ScoredKey {
	start := time.Now()
	defer func() { r.metrics.ObserveRequestDuration("semsearch", time.Since(start)) }()
	r.metrics.IncRequest("semsearch", "ok")
	return r.idx.SearchSemantic(query, k, threshold)
}

// Stats summarizes node and index state.
func (r *Router) Stats(_ context.Context) Stats {
	return Stats{
		Keys:    r.engine.KeyCount(),
		LastSeq: r.engine.LastSeq(),
		Role:    r.node.Role(),
		Term:    r.node.Term(),
		Index:   r.idx.Stats(),
	}
}
