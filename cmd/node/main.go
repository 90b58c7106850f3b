// Package main implements the node binary: it recovers the storage engine,
// joins the cluster, and serves the wire protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.opentelemetry.io/otel"

	apppkg "github.com/MariamHany01/key-valueDB/internal/app"
	"github.com/MariamHany01/key-valueDB/internal/cluster"
	"github.com/MariamHany01/key-valueDB/internal/index"
	"github.com/MariamHany01/key-valueDB/internal/observability/metrics"
	"github.com/MariamHany01/key-valueDB/internal/service"
	"github.com/MariamHany01/key-valueDB/internal/storage"
	"github.com/MariamHany01/key-valueDB/internal/transport"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal I/O during
// recovery.
const (
	exitConfig   = 1
	exitRecovery = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	prom := metrics.NewPrometheus(nil, fmt.Sprint(cfg.NodeID))
	idx := index.NewManager(logger, prom)

	engine, err := storage.Open(cfg.DataDir, idx, logger, storage.Options{
		Metrics: prom,
		Tracer:  otel.Tracer("kvdb/storage"),
	})
	if err != nil {
		return &exitError{code: exitRecovery, err: err}
	}

	peers := transport.DialPeers(cfg.Peers, cfg.ReplicationTimeout, logger)
	defer func() {
		for _, p := range peers {
			_ = p.Close()
		}
	}()

	node, err := cluster.NewNode(cluster.Config{
		NodeID:            cfg.NodeID,
		Addr:              cfg.Advertise(),
		Primary:           cfg.Primary,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ElectionTimeout:   cfg.ElectionTimeout,
		RPCTimeout:        cfg.ReplicationTimeout,
	}, peers, engine, cluster.NewMetaStore(cfg.DataDir), logger, cluster.Options{
		Metrics: prom,
		Tracer:  otel.Tracer("kvdb/cluster"),
	})
	if err != nil {
		_ = engine.Close()
		return &exitError{code: exitRecovery, err: err}
	}
	engine.SetSink(node)

	router := service.NewRouter(engine, idx, node, logger, prom)
	server := transport.NewServer(cfg.ListenAddr(), router, node, cfg.ClientReadTimeout, logger)

	application, err := apppkg.New(cfg, logger, engine, node, server)
	if err != nil {
		_ = engine.Close()
		return &exitError{code: exitConfig, err: err}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return application.Run(ctx)
}

// loadConfig reads KVDB_* environment variables first, then lets
// command-line flags override them.
func loadConfig() (apppkg.Config, error) {
	cfg, err := apppkg.LoadConfigFromEnv()
	if err != nil {
		return apppkg.Config{}, err
	}

	nodeID := flag.Uint("node-id", uint(cfg.NodeID), "unique node id (>= 1), required")
	host := flag.String("host", cfg.Host, "address to bind the listener to")
	port := flag.Int("port", cfg.Port, "port of the single client+replication listener")
	peers := flag.String("peers", "", "comma-separated remote members as id=host:port")
	dataDir := flag.String("data-dir", cfg.DataDir, "directory for wal.log, checkpoint.snap, meta.json")
	primary := flag.Bool("primary", cfg.Primary, "start as primary instead of waiting for heartbeats")
	advertise := flag.String("advertise-addr", cfg.AdvertiseAddr, "address handed to clients as the leader hint (default host:port)")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "address of the Prometheus /metrics listener (disabled when empty)")
	pprofAddr := flag.String("pprof-addr", cfg.PprofAddr, "address of the pprof listener (disabled when empty)")
	checkpointInterval := flag.Duration("checkpoint-interval", cfg.CheckpointInterval, "periodic checkpoint interval on the primary (0 disables)")
	heartbeatInterval := flag.Duration("heartbeat-interval", cfg.HeartbeatInterval, "primary heartbeat interval")
	electionTimeout := flag.Duration("election-timeout", cfg.ElectionTimeout, "base follower election timeout (jittered ±20%)")
	replicationTimeout := flag.Duration("replication-timeout", cfg.ReplicationTimeout, "per-RPC replication deadline")
	clientReadTimeout := flag.Duration("client-read-timeout", cfg.ClientReadTimeout, "idle read deadline on client connections")
	tracingEnabled := flag.Bool("tracing-enabled", cfg.TracingEnabled, "export OpenTelemetry traces via OTLP/gRPC")
	tracingEndpoint := flag.String("tracing-endpoint", cfg.TracingEndpoint, "OTLP collector endpoint")
	tracingServiceName := flag.String("tracing-service-name", cfg.TracingServiceName, "service.name resource attribute")
	flag.Parse()

	cfg.NodeID = uint32(*nodeID)
	cfg.Host = *host
	cfg.Port = *port
	cfg.DataDir = *dataDir
	cfg.Primary = *primary
	cfg.AdvertiseAddr = *advertise
	cfg.LogLevel = strings.ToLower(*logLevel)
	cfg.MetricsAddr = *metricsAddr
	cfg.PprofAddr = *pprofAddr
	cfg.CheckpointInterval = *checkpointInterval
	cfg.HeartbeatInterval = *heartbeatInterval
	cfg.ElectionTimeout = *electionTimeout
	cfg.ReplicationTimeout = *replicationTimeout
	cfg.ClientReadTimeout = *clientReadTimeout
	cfg.TracingEnabled = *tracingEnabled
	cfg.TracingEndpoint = *tracingEndpoint
	cfg.TracingServiceName = *tracingServiceName

	if *peers != "" {
		parsed, err := apppkg.ParsePeers(*peers)
		if err != nil {
			return apppkg.Config{}, err
		}
		cfg.Peers = parsed
	}

	if err := cfg.Validate(); err != nil {
		return apppkg.Config{}, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
