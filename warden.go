// Package warden supervises a single game-server worker process: artifact
// installation, lifecycle control, console relay and configuration.
package warden

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tessara/warden/internal/artifact"
	"github.com/tessara/warden/internal/config"
	"github.com/tessara/warden/internal/console"
	"github.com/tessara/warden/internal/gateway"
	"github.com/tessara/warden/internal/history"
	"github.com/tessara/warden/internal/history/factory"
	"github.com/tessara/warden/internal/logger"
	"github.com/tessara/warden/internal/metrics"
	"github.com/tessara/warden/internal/server"
	"github.com/tessara/warden/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Config = config.Config

type Update = config.Update

type DaemonConfig = config.Daemon

type Status = supervisor.Status

type HistorySink = history.Sink

// Daemon ties the store, installer, console hub, supervisor and HTTP API
// together for one supervised worker.
type Daemon struct {
	cfg   config.Daemon
	log   *slog.Logger
	store *config.Store
	hub   *console.Hub
	sup   *supervisor.Supervisor
	gw    *gateway.Gateway
	srv   *server.Server
	sinks []history.Sink
}

// New assembles a Daemon from the given config.
func New(cfg config.Daemon) (*Daemon, error) {
	if cfg.Log.Dir == "" && cfg.Log.Path == "" {
		cfg.Log.Dir = filepath.Join(cfg.DataDir, "logs")
	}
	log := logger.New(cfg.Log)

	store := config.NewStore(cfg.RecordPath())
	hub := console.NewHub(cfg.BufferSize)
	resolver := artifact.NewPaperResolver(cfg.ResolverURL, cfg.ResolverProj)
	installer := artifact.NewInstaller(resolver, cfg.ArtifactPath())
	gw, err := gateway.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.Options{
		WorkDir:        cfg.DataDir,
		PropertiesPath: cfg.PropertiesPath(),
		ServerPort:     cfg.ServerPort,
		ReadyMarker:    cfg.ReadyMarker,
		StopCommand:    cfg.StopCommand,
		RestartGrace:   cfg.RestartGrace,
		StopWait:       cfg.StopWait,
		ConsoleLog:     cfg.Log,
	}, store, installer, hub, log)

	d := &Daemon{
		cfg:   cfg,
		log:   log,
		store: store,
		hub:   hub,
		sup:   sup,
		gw:    gw,
	}

	if cfg.HistoryDSN != "" {
		sink, err := factory.NewFromDSN(cfg.HistoryDSN)
		if err != nil {
			return nil, err
		}
		d.sinks = append(d.sinks, sink)
		sup.SetHistory(d.sinks...)
	}

	d.srv = server.New(sup, hub, store, gw, cfg.PropertiesPath(), log)
	return d, nil
}

// Run serves the HTTP API until ctx is cancelled, then shuts the worker and
// sinks down.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Close()
	return d.srv.Start(ctx, d.cfg.Listen)
}

// Close stops the worker and releases history sinks.
func (d *Daemon) Close() {
	if err := d.sup.Shutdown(); err != nil {
		d.log.Warn("supervisor shutdown", "error", err)
	}
	for _, s := range d.sinks {
		_ = s.Close()
	}
}

// Supervisor returns the lifecycle controller.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Console returns the broadcast hub.
func (d *Daemon) Console() *console.Hub { return d.hub }

// Store returns the persisted worker configuration store.
func (d *Daemon) Store() *config.Store { return d.store }

// Logger returns the daemon logger.
func (d *Daemon) Logger() *slog.Logger { return d.log }

// LoadDaemonConfig reads a TOML daemon config from path; missing path yields
// defaults.
func LoadDaemonConfig(path string) (config.Daemon, error) {
	return config.LoadDaemon(path)
}

// RegisterMetrics registers all collectors on r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers all collectors on the default registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }
