package index

import (
	"sort"
	"sync"
)

// Mode selects how multi-token text queries combine posting sets.
type Mode uint8

// Text search modes.
const (
	ModeAnd Mode = 0
	ModeOr  Mode = 1
)

// Stats is a point-in-time summary of index state.
type Stats struct {
	IndexedKeys  int
	UniqueTokens int
	Postings     int
	NGramSize    int
}

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
}

// Metrics captures index-layer metric sinks.
type Metrics interface {
	SetIndexedKeys(n int)
	SetUniqueTokens(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetIndexedKeys(int)  {}
func (noopMetrics) SetUniqueTokens(int) {}

// Manager owns both indexes. Mutations arrive from the storage engine under
// its write gate; each manager call takes the manager's own write lock once,
// so concurrent searchers observe every mutation (bulk batches included) as
// a single step.
type Manager struct {
	mu      sync.RWMutex
	inv     *invertedIndex
	ng      *ngramIndex
	logger  Logger
	metrics Metrics
}

// NewManager creates empty indexes. Logger is required; pass a
// slog-compatible logger implementation.
func NewManager(logger Logger, metrics Metrics) *Manager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Manager{
		inv:     newInvertedIndex(),
		ng:      newNGramIndex(NGramSize),
		logger:  logger,
		metrics: metrics,
	}
}

// Set indexes key's new value, removing any postings of the value it
// replaces first.
func (m *Manager) Set(key string, value []byte) {
	text := ExtractText(value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inv.add(key, Tokenize(text))
	m.ng.add(key, text)
	m.updateMetricsLocked()
}

// Delete removes every posting and n-gram entry for key.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inv.remove(key)
	m.ng.remove(key)
	m.updateMetricsLocked()
}

// SetBatch indexes all pairs of a bulk mutation under one lock acquisition
// so searchers never observe a partially indexed batch.
func (m *Manager) SetBatch(batch map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range batch {
		text := ExtractText(value)
		m.inv.add(key, Tokenize(text))
		m.ng.add(key, text)
	}
	m.updateMetricsLocked()
}

// Rebuild replaces both indexes with ones derived from a full store state
// (crash recovery and snapshot resync).
func (m *Manager) Rebuild(data map[string][]byte) {
	inv := newInvertedIndex()
	ng := newNGramIndex(NGramSize)
	for key, value := range data {
		text := ExtractText(value)
		inv.add(key, Tokenize(text))
		ng.add(key, text)
	}

	m.mu.Lock()
	m.inv = inv
	m.ng = ng
	m.updateMetricsLocked()
	m.mu.Unlock()

	m.logger.Info("indexes rebuilt",
		"keys", len(data),
		"unique_tokens", len(inv.postings),
	)
}

// SearchText tokenizes the query and returns matching keys in ascending
// lexicographic order. AND intersects posting sets, OR unions them.
func (m *Manager) SearchText(query string, mode Mode) []string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	m.mu.RLock()
	var set map[string]struct{}
	if mode == ModeOr {
		set = m.inv.searchOr(tokens)
	} else {
		set = m.inv.searchAnd(tokens)
	}
	m.mu.RUnlock()

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SearchSemantic scores every indexed key by n-gram Jaccard similarity
// against the query and returns at most k hits with score >= threshold,
// ordered by score descending (ties by key ascending).
func (m *Manager) SearchSemantic(query string, k int, threshold float32) []ScoredKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ng.search(query, k, threshold)
}

// Stats returns a snapshot of index sizes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		IndexedKeys:  len(m.ng.grams),
		UniqueTokens: len(m.inv.postings),
		Postings:     m.inv.postingCount(),
		NGramSize:    m.ng.n,
	}
}

func (m *Manager) updateMetricsLocked() {
	m.metrics.SetIndexedKeys(len(m.ng.grams))
	m.metrics.SetUniqueTokens(len(m.inv.postings))
}
