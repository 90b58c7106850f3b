// Package app wires the storage engine, indexes, cluster node, and wire
// server into a runnable node process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MariamHany01/key-valueDB/internal/cluster"
	"github.com/MariamHany01/key-valueDB/internal/storage"
	"github.com/MariamHany01/key-valueDB/internal/transport"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App owns the lifecycle of one node: background loops, auxiliary HTTP
// listeners, and ordered shutdown.
type App struct {
	config Config
	logger Logger
	engine *storage.Engine
	node   *cluster.Node
	server *transport.Server
}

// New validates dependencies and constructs a runnable application.
func New(cfg Config, logger Logger, engine *storage.Engine, node *cluster.Node, server *transport.Server) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if engine == nil {
		return nil, fmt.Errorf("app: nil engine")
	}
	if node == nil {
		return nil, fmt.Errorf("app: nil cluster node")
	}
	if server == nil {
		return nil, fmt.Errorf("app: nil server")
	}
	return &App{config: cfg, logger: logger, engine: engine, node: node, server: server}, nil
}

// Run starts every component and blocks until ctx is canceled or a fatal
// error occurs. On return the node has checkpointed (when primary) and
// released its files.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	errCh := make(chan error, 3)

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	if metricsSrv != nil {
		defer func() { _ = metricsSrv.Close() }()
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		a.logger.Info("metrics server listening", "addr", metricsLis.Addr().String())
	}

	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		return err
	}
	if pprofSrv != nil {
		defer func() { _ = pprofSrv.Close() }()
		go func() {
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("pprof server: %w", err)
			}
		}()
		a.logger.Info("pprof server listening", "addr", pprofLis.Addr().String())
	}

	a.node.Run(ctx)
	defer a.node.Stop()

	go a.engine.RunCheckpointLoop(ctx, a.config.CheckpointInterval, func() bool {
		return a.node.Role() == cluster.Primary
	})

	go func() {
		errCh <- a.server.Run(ctx)
	}()

	a.logger.Info("node started",
		"node_id", a.config.NodeID,
		"listen_addr", a.config.ListenAddr(),
		"advertise_addr", a.config.Advertise(),
		"primary", a.config.Primary,
		"peers", len(a.config.Peers),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.shutdownStorage()
			return err
		}
	}

	a.shutdownStorage()
	return nil
}

// shutdownStorage runs the graceful storage teardown: a final checkpoint on
// the primary, then WAL close.
func (a *App) shutdownStorage() {
	if a.node.Role() == cluster.Primary {
		if err := a.engine.Checkpoint(context.Background()); err != nil && !errors.Is(err, storage.ErrDegraded) {
			a.logger.Warn("shutdown checkpoint failed", "error", err)
		}
	}
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("engine close failed", "error", err)
	}
	a.logger.Info("shutdown complete")
}
