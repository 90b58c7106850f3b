package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Data-dir file names.
const (
	walFileName      = "wal.log"
	snapshotFileName = "checkpoint.snap"
)

// ErrDegraded is returned for writes after an fsync failure put the engine
// into read-only mode. Only a restart clears it.
var ErrDegraded = errors.New("storage: engine degraded, writes disabled")

// ErrNilLogger is returned when Open is called with a nil logger.
var ErrNilLogger = errors.New("storage: nil logger")

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Indexer keeps the search indexes in lock-step with the store. All calls
// happen under the engine's write gate; implementations must make each call
// atomic with respect to their own readers.
type Indexer interface {
	Set(key string, value []byte)
	Delete(key string)
	SetBatch(batch map[string][]byte)
	Rebuild(data map[string][]byte)
}

// ReplicationSink receives every locally applied entry, in seq order, while
// the write gate is still held. Offer must never block: it hands the entry
// to per-peer queues (or drops it, forcing a snapshot resync).
type ReplicationSink interface {
	Offer(Entry)
}

// Metrics captures storage-layer metric sinks.
type Metrics interface {
	ObserveWALAppend(kind string, bytes int, d time.Duration)
	ObserveCheckpoint(bytes int, d time.Duration)
	SetStoreKeys(n int)
	SetLastSeq(seq uint64)
	IncDegraded()
}

type noopMetrics struct{}

func (noopMetrics) ObserveWALAppend(string, int, time.Duration) {}
func (noopMetrics) ObserveCheckpoint(int, time.Duration)        {}
func (noopMetrics) SetStoreKeys(int)                            {}
func (noopMetrics) SetLastSeq(uint64)                           {}
func (noopMetrics) IncDegraded()                                {}

// Options carries optional engine dependencies.
type Options struct {
	Metrics Metrics
	Tracer  oteltrace.Tracer
}

// Engine is the durable key-value store. All mutations pass through a single
// write gate (the write side of mu); readers take the read side and observe
// a state that is consistent with the last acknowledged mutation.
type Engine struct {
	mu   sync.RWMutex
	dir  string
	data map[string][]byte
	wal  *WAL
	idx  Indexer
	sink ReplicationSink

	degraded bool

	logger  Logger
	metrics Metrics
	tracer  oteltrace.Tracer
}

// Open recovers the engine from dir: it loads the newest checkpoint, replays
// the WAL up to the first invalid record, and rebuilds the indexes. The
// listening socket must not open before Open returns.
// Logger is required; pass a slog-compatible logger implementation.
func Open(dir string, idx Indexer, logger Logger, opts Options) (*Engine, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create data dir %s: %w", dir, err)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("storage")
	}

	seq, data, err := loadCheckpoint(filepath.Join(dir, snapshotFileName))
	if err != nil {
		return nil, err
	}
	logger.Info("loaded checkpoint", "checkpoint_seq", seq, "keys", len(data))

	wal, err := OpenWAL(filepath.Join(dir, walFileName), logger)
	if err != nil {
		return nil, err
	}

	replayed := 0
	err = wal.Replay(seq, func(e Entry) error {
		replayed++
		return applyToMap(data, e)
	})
	if err != nil {
		_ = wal.Close()
		return nil, err
	}
	logger.Info("wal replay complete",
		"entries", replayed,
		"last_seq", wal.LastSeq(),
		"keys", len(data),
	)

	idx.Rebuild(data)

	e := &Engine{
		dir:     dir,
		data:    data,
		wal:     wal,
		idx:     idx,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	e.metrics.SetStoreKeys(len(data))
	e.metrics.SetLastSeq(wal.LastSeq())
	return e, nil
}

// applyToMap replays an entry's effect onto a bare state map (recovery path;
// indexes are rebuilt afterwards in one pass).
func applyToMap(data map[string][]byte, e Entry) error {
	switch e.Kind {
	case KindSet:
		key, value, err := decodeSetPayload(e.Payload)
		if err != nil {
			return err
		}
		data[string(key)] = append([]byte(nil), value...)
	case KindDelete:
		key, err := decodeDeletePayload(e.Payload)
		if err != nil {
			return err
		}
		delete(data, string(key))
	case KindBulkSet:
		pairs, err := decodeBulkSetPayload(e.Payload)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			data[string(p.Key)] = append([]byte(nil), p.Value...)
		}
	case KindCheckpoint:
		// State-neutral marker; the snapshot itself was loaded separately.
	default:
		return fmt.Errorf("%w: kind %d", ErrMalformedPayload, e.Kind)
	}
	return nil
}

// SetSink wires the replication sink. Must be called before the node starts
// serving writes.
func (e *Engine) SetSink(s ReplicationSink) {
	e.mu.Lock()
	e.sink = s
	e.mu.Unlock()
}

// Get returns a copy of the current value for key.
func (e *Engine) Get(key []byte) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[string(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Set durably stores key=value. The entry is fsynced before the in-memory
// state, the indexes, or the replication queues see it.
func (e *Engine) Set(ctx context.Context, key, value []byte) error {
	_, span := e.tracer.Start(ctx, "storage.engine.Set",
		oteltrace.WithAttributes(attribute.Int("kv.value.bytes", len(value))))
	defer span.End()

	payload := encodeSetPayload(key, value)

	e.mu.Lock()
	defer e.mu.Unlock()
	seq, err := e.appendLocked(KindSet, payload)
	if err != nil {
		return err
	}
	e.data[string(key)] = append([]byte(nil), value...)
	e.idx.Set(string(key), value)
	e.afterApplyLocked(Entry{Seq: seq, Kind: KindSet, Payload: payload})
	return nil
}

// Delete durably removes key. The WAL entry is written even when the key is
// absent so followers observe the intent uniformly; existed reports whether
// the key was present.
func (e *Engine) Delete(ctx context.Context, key []byte) (existed bool, err error) {
	_, span := e.tracer.Start(ctx, "storage.engine.Delete")
	defer span.End()

	payload := encodeDeletePayload(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	_, existed = e.data[string(key)]
	seq, err := e.appendLocked(KindDelete, payload)
	if err != nil {
		return false, err
	}
	delete(e.data, string(key))
	e.idx.Delete(string(key))
	e.afterApplyLocked(Entry{Seq: seq, Kind: KindDelete, Payload: payload})
	return existed, nil
}

// BulkSet durably stores all pairs as one atomic batch: a single WAL entry,
// a single fsync, and one step of visibility. Readers never observe a strict
// subset of the batch.
func (e *Engine) BulkSet(ctx context.Context, pairs []Pair) error {
	_, span := e.tracer.Start(ctx, "storage.engine.BulkSet",
		oteltrace.WithAttributes(attribute.Int("kv.batch.pairs", len(pairs))))
	defer span.End()

	payload := encodeBulkSetPayload(pairs)

	e.mu.Lock()
	defer e.mu.Unlock()
	seq, err := e.appendLocked(KindBulkSet, payload)
	if err != nil {
		return err
	}
	batch := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		v := append([]byte(nil), p.Value...)
		e.data[string(p.Key)] = v
		batch[string(p.Key)] = v
	}
	e.idx.SetBatch(batch)
	e.afterApplyLocked(Entry{Seq: seq, Kind: KindBulkSet, Payload: payload})
	return nil
}

// Checkpoint writes a full snapshot of the store, records a CHECKPOINT entry,
// and truncates the WAL prefix it covers.
func (e *Engine) Checkpoint(ctx context.Context) error {
	_, span := e.tracer.Start(ctx, "storage.engine.Checkpoint")
	defer span.End()
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.degraded {
		return ErrDegraded
	}

	// The CHECKPOINT entry's own seq is the checkpoint seq: every entry at or
	// below it is incorporated in the snapshot (the marker itself is
	// state-neutral).
	checkpointSeq := e.wal.NextSeq()
	blob := encodeSnapshot(checkpointSeq, e.data)
	if err := writeFileAtomic(filepath.Join(e.dir, snapshotFileName), blob); err != nil {
		return fmt.Errorf("storage: write checkpoint: %w", err)
	}

	payload := encodeCheckpointPayload(checkpointSeq)
	seq, err := e.appendLocked(KindCheckpoint, payload)
	if err != nil {
		return err
	}
	if err := e.wal.Truncate(); err != nil {
		// The snapshot is durable; stale WAL records are skipped on recovery.
		e.logger.Warn("wal truncate after checkpoint failed", "error", err)
	}

	e.metrics.ObserveCheckpoint(len(blob), time.Since(start))
	e.logger.Info("checkpoint complete",
		"checkpoint_seq", checkpointSeq,
		"keys", len(e.data),
		"bytes", len(blob),
	)
	e.afterApplyLocked(Entry{Seq: seq, Kind: KindCheckpoint, Payload: payload})
	return nil
}

// ApplyReplicated applies an entry shipped from the primary. The entry must
// be the exact successor of the last applied seq; a mismatch is reported to
// the caller so it can request a snapshot resync.
func (e *Engine) ApplyReplicated(ctx context.Context, entry Entry) error {
	_, span := e.tracer.Start(ctx, "storage.engine.ApplyReplicated",
		oteltrace.WithAttributes(attribute.Int64("kv.entry.seq", int64(entry.Seq))))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.degraded {
		return ErrDegraded
	}
	if entry.Seq != e.wal.NextSeq() {
		return fmt.Errorf("%w: got %d, want %d", ErrSeqMismatch, entry.Seq, e.wal.NextSeq())
	}

	// Validate before the durable append so a malformed entry cannot poison
	// the local log.
	var (
		key, value []byte
		pairs      []Pair
		err        error
	)
	switch entry.Kind {
	case KindSet:
		key, value, err = decodeSetPayload(entry.Payload)
	case KindDelete:
		key, err = decodeDeletePayload(entry.Payload)
	case KindBulkSet:
		pairs, err = decodeBulkSetPayload(entry.Payload)
	case KindCheckpoint:
		_, err = decodeCheckpointPayload(entry.Payload)
	default:
		err = fmt.Errorf("%w: kind %d", ErrMalformedPayload, entry.Kind)
	}
	if err != nil {
		return err
	}

	if err := e.appendEntryLocked(entry); err != nil {
		return err
	}

	switch entry.Kind {
	case KindSet:
		e.data[string(key)] = append([]byte(nil), value...)
		e.idx.Set(string(key), value)
	case KindDelete:
		delete(e.data, string(key))
		e.idx.Delete(string(key))
	case KindBulkSet:
		batch := make(map[string][]byte, len(pairs))
		for _, p := range pairs {
			v := append([]byte(nil), p.Value...)
			e.data[string(p.Key)] = v
			batch[string(p.Key)] = v
		}
		e.idx.SetBatch(batch)
	case KindCheckpoint:
		// Mirror the primary's compaction so seq numbering stays contiguous
		// across both logs.
		blob := encodeSnapshot(entry.Seq, e.data)
		if err := writeFileAtomic(filepath.Join(e.dir, snapshotFileName), blob); err != nil {
			e.logger.Warn("follower checkpoint write failed", "error", err)
		} else if err := e.wal.Truncate(); err != nil {
			e.logger.Warn("follower wal truncate failed", "error", err)
		}
	}

	e.metrics.SetStoreKeys(len(e.data))
	e.metrics.SetLastSeq(e.wal.LastSeq())
	return nil
}

// SnapshotBytes serializes the current state for a snapshot resync. The
// returned seq is the last entry the snapshot incorporates.
func (e *Engine) SnapshotBytes() ([]byte, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seq := e.wal.LastSeq()
	return encodeSnapshot(seq, e.data), seq
}

// RestoreSnapshot atomically replaces the local state with a snapshot shipped
// by the primary, rebuilds the indexes, and resets the WAL so streaming
// resumes at the snapshot's successor.
func (e *Engine) RestoreSnapshot(ctx context.Context, blob []byte) error {
	_, span := e.tracer.Start(ctx, "storage.engine.RestoreSnapshot",
		oteltrace.WithAttributes(attribute.Int("kv.snapshot.bytes", len(blob))))
	defer span.End()

	seq, data, err := decodeSnapshot(blob)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.degraded {
		return ErrDegraded
	}
	if err := writeFileAtomic(filepath.Join(e.dir, snapshotFileName), blob); err != nil {
		return fmt.Errorf("storage: write snapshot: %w", err)
	}
	if err := e.wal.ResetTo(seq + 1); err != nil {
		e.setDegradedLocked(err)
		return ErrDegraded
	}
	e.data = data
	e.idx.Rebuild(data)
	e.metrics.SetStoreKeys(len(data))
	e.metrics.SetLastSeq(seq)
	e.logger.Info("snapshot restored", "seq", seq, "keys", len(data))
	return nil
}

// LastSeq returns the seq of the last durably applied entry.
func (e *Engine) LastSeq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wal.LastSeq()
}

// KeyCount returns the number of live keys.
func (e *Engine) KeyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

// Degraded reports whether the engine refuses writes after an I/O failure.
func (e *Engine) Degraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.degraded
}

// RunCheckpointLoop checkpoints every interval while shouldRun reports true,
// until ctx is canceled. Only the primary checkpoints autonomously: followers
// compact when they apply a replicated CHECKPOINT entry, which keeps seq
// numbering identical on both sides. An interval of zero disables the loop.
func (e *Engine) RunCheckpointLoop(ctx context.Context, interval time.Duration, shouldRun func() bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !shouldRun() {
				continue
			}
			if err := e.Checkpoint(ctx); err != nil {
				e.logger.Error("periodic checkpoint failed", "error", err)
			}
		}
	}
}

// Close closes the WAL. Callers that want a shutdown checkpoint (the
// primary) run Checkpoint first.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wal.Close()
}

// appendLocked appends and fsyncs a new entry. An append failure is a broken
// durability contract: the engine degrades to read-only and the mutation is
// not applied. Caller must hold the write gate.
func (e *Engine) appendLocked(kind EntryKind, payload []byte) (uint64, error) {
	if e.degraded {
		return 0, ErrDegraded
	}
	start := time.Now()
	seq, err := e.wal.Append(kind, payload)
	if err != nil {
		e.setDegradedLocked(err)
		return 0, ErrDegraded
	}
	e.metrics.ObserveWALAppend(kind.String(), len(payload), time.Since(start))
	return seq, nil
}

func (e *Engine) appendEntryLocked(entry Entry) error {
	start := time.Now()
	if err := e.wal.AppendEntry(entry); err != nil {
		if errors.Is(err, ErrSeqMismatch) {
			return err
		}
		e.setDegradedLocked(err)
		return ErrDegraded
	}
	e.metrics.ObserveWALAppend(entry.Kind.String(), len(entry.Payload), time.Since(start))
	return nil
}

func (e *Engine) setDegradedLocked(err error) {
	if e.degraded {
		return
	}
	e.degraded = true
	e.metrics.IncDegraded()
	e.logger.Error("engine degraded: wal write failed, refusing writes until restart", "error", err)
}

// afterApplyLocked runs bookkeeping common to all locally originated
// mutations. The sink hand-off happens under the gate so entries reach the
// replication queues in seq order; Offer is non-blocking by contract.
func (e *Engine) afterApplyLocked(entry Entry) {
	e.metrics.SetStoreKeys(len(e.data))
	e.metrics.SetLastSeq(entry.Seq)
	if e.sink != nil {
		e.sink.Offer(entry)
	}
}
