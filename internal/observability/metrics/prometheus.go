// Package metrics exposes application metrics and can be injected into the
// storage, index, cluster, and service layers. Prometheus implements each of
// those packages' Metrics interfaces through method-set compatibility,
// without importing them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kvdb"

// Prometheus holds every metric of one node process.
type Prometheus struct {
	walAppendsTotal   *prometheus.CounterVec
	walAppendDuration *prometheus.HistogramVec
	walAppendBytes    *prometheus.HistogramVec
	checkpointTotal   prometheus.Counter
	checkpointSeconds prometheus.Histogram
	checkpointBytes   prometheus.Histogram
	storeKeys         prometheus.Gauge
	lastSeq           prometheus.Gauge
	degradedTotal     prometheus.Counter

	indexedKeys  prometheus.Gauge
	uniqueTokens prometheus.Gauge

	electionsStarted  prometheus.Counter
	electionsWon      prometheus.Counter
	isPrimary         prometheus.Gauge
	term              prometheus.Gauge
	appendRPCDuration *prometheus.HistogramVec
	appendRPCErrors   *prometheus.CounterVec
	snapshotResyncs   *prometheus.CounterVec
	peerNextSeq       *prometheus.GaugeVec
	heartbeatErrors   *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheus registers all metrics with reg (the default registerer when
// nil) under a constant node_id label.
func NewPrometheus(reg prometheus.Registerer, nodeID string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"node_id": nodeID}

	return &Prometheus{
		walAppendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "appends_total",
			Help:        "WAL entries appended and fsynced, by entry kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		walAppendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "append_duration_seconds",
			Help:        "Time to frame, write, and fsync one WAL entry.",
			Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			ConstLabels: constLabels,
		}, []string{"kind"}),
		walAppendBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "append_bytes",
			Help:        "WAL entry payload sizes.",
			Buckets:     prometheus.ExponentialBuckets(64, 4, 8),
			ConstLabels: constLabels,
		}, []string{"kind"}),
		checkpointTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "checkpoints_total",
			Help:        "Completed checkpoints.",
			ConstLabels: constLabels,
		}),
		checkpointSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "checkpoint_duration_seconds",
			Help:        "Time to snapshot the store and truncate the WAL.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}),
		checkpointBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "checkpoint_bytes",
			Help:        "Serialized checkpoint snapshot sizes.",
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 10),
			ConstLabels: constLabels,
		}),
		storeKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "keys",
			Help:        "Live keys in the store.",
			ConstLabels: constLabels,
		}),
		lastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "last_seq",
			Help:        "Seq of the last durably applied WAL entry.",
			ConstLabels: constLabels,
		}),
		degradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "degraded_total",
			Help:        "Transitions into read-only degraded mode.",
			ConstLabels: constLabels,
		}),
		indexedKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "keys",
			Help:        "Keys present in the search indexes.",
			ConstLabels: constLabels,
		}),
		uniqueTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "unique_tokens",
			Help:        "Distinct tokens in the inverted index.",
			ConstLabels: constLabels,
		}),
		electionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cluster",
			Name:        "elections_started_total",
			Help:        "Elections this node started as candidate.",
			ConstLabels: constLabels,
		}),
		electionsWon: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cluster",
			Name:        "elections_won_total",
			Help:        "Elections this node won.",
			ConstLabels: constLabels,
		}),
		isPrimary: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cluster",
			Name:        "is_primary",
			Help:        "1 while this node is primary.",
			ConstLabels: constLabels,
		}),
		term: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cluster",
			Name:        "term",
			Help:        "Current election term.",
			ConstLabels: constLabels,
		}),
		appendRPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "append_rpc_duration_seconds",
			Help:        "Round-trip time of APPEND RPCs per peer.",
			Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			ConstLabels: constLabels,
		}, []string{"peer"}),
		appendRPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "append_rpc_errors_total",
			Help:        "Failed APPEND RPCs per peer.",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		snapshotResyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "snapshot_resyncs_total",
			Help:        "Snapshot resyncs forced per peer.",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		peerNextSeq: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "peer_next_seq",
			Help:        "Next seq to ship per peer; compare with storage last_seq for lag.",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		heartbeatErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cluster",
			Name:        "heartbeat_errors_total",
			Help:        "Heartbeats that failed to reach a peer.",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "requests_total",
			Help:        "Client requests by operation and result.",
			ConstLabels: constLabels,
		}, []string{"op", "result"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "request_duration_seconds",
			Help:        "Client request handling time by operation.",
			Buckets:     []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			ConstLabels: constLabels,
		}, []string{"op"}),
	}
}

// storage.Metrics

func (p *Prometheus) ObserveWALAppend(kind string, bytes int, d time.Duration) {
	p.walAppendsTotal.WithLabelValues(kind).Inc()
	p.walAppendDuration.WithLabelValues(kind).Observe(d.Seconds())
	p.walAppendBytes.WithLabelValues(kind).Observe(float64(bytes))
}

func (p *Prometheus) ObserveCheckpoint(bytes int, d time.Duration) {
	p.checkpointTotal.Inc()
	p.checkpointSeconds.Observe(d.Seconds())
	p.checkpointBytes.Observe(float64(bytes))
}

func (p *Prometheus) SetStoreKeys(n int)    { p.storeKeys.Set(float64(n)) }
func (p *Prometheus) SetLastSeq(seq uint64) { p.lastSeq.Set(float64(seq)) }
func (p *Prometheus) IncDegraded()          { p.degradedTotal.Inc() }

// index.Metrics

func (p *Prometheus) SetIndexedKeys(n int)  { p.indexedKeys.Set(float64(n)) }
func (p *Prometheus) SetUniqueTokens(n int) { p.uniqueTokens.Set(float64(n)) }

// cluster.Metrics

func (p *Prometheus) IncElectionStarted() { p.electionsStarted.Inc() }
func (p *Prometheus) IncElectionWon()     { p.electionsWon.Inc() }

func (p *Prometheus) SetIsPrimary(v bool) {
	if v {
		p.isPrimary.Set(1)
		return
	}
	p.isPrimary.Set(0)
}

func (p *Prometheus) SetTerm(term uint64) { p.term.Set(float64(term)) }

func (p *Prometheus) ObserveAppendRPCDuration(peer string, d time.Duration) {
	p.appendRPCDuration.WithLabelValues(peer).Observe(d.Seconds())
}

func (p *Prometheus) IncAppendRPCError(peer string) {
	p.appendRPCErrors.WithLabelValues(peer).Inc()
}

func (p *Prometheus) IncSnapshotResync(peer string) {
	p.snapshotResyncs.WithLabelValues(peer).Inc()
}

func (p *Prometheus) SetPeerNextSeq(peer string, seq uint64) {
	p.peerNextSeq.WithLabelValues(peer).Set(float64(seq))
}

func (p *Prometheus) IncHeartbeatError(peer string) {
	p.heartbeatErrors.WithLabelValues(peer).Inc()
}

// service.Metrics

func (p *Prometheus) IncRequest(op, result string) {
	p.requestsTotal.WithLabelValues(op, result).Inc()
}

func (p *Prometheus) ObserveRequestDuration(op string, d time.Duration) {
	p.requestDuration.WithLabelValues(op).Observe(d.Seconds())
}
