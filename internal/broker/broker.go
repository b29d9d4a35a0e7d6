// Package broker is the composition root: it constructs every service,
// owns their lifecycles, and runs the process until shutdown.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/bridge"
	"github.com/threadline-ai/threadline/internal/cache"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/rategate"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/router"
	"github.com/threadline-ai/threadline/internal/server"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/telemetry"
	"github.com/threadline-ai/threadline/internal/threat"
	"github.com/threadline-ai/threadline/pkg/wire"
)

// Options carries process-level settings that are not part of the config
// file.
type Options struct {
	// Version is reported by telemetry and the logs.
	Version string

	// ConfigPath, when set, enables the config watcher for rate-policy
	// hot reload.
	ConfigPath string
}

// Broker is one broker process.
type Broker struct {
	cfg      *config.Config
	opts     Options
	provider *telemetry.Provider
	store    store.Store
	cache    *cache.HistoryCache
	registry *registry.Registry
	rates    *rategate.Gate
	gate     *auth.Gate
	bridge   *bridge.Bridge
	router   *router.Router
	server   *server.Server
	logger   *slog.Logger
}

// New wires a Broker from configuration. Services are constructed leaf
// first; any failure tears down what was already opened.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Broker, error) {
	provider, err := telemetry.Init(context.Background(), cfg.Telemetry, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	hc, err := cache.New(cfg.Cache, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history cache: %w", err)
	}

	reg := registry.New(logger)
	rates := rategate.New(ratePolicy(cfg.Rates), reg.Len, logger)

	screen := threat.New(logger)
	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		_ = hc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init auth verifier: %w", err)
	}
	gate := auth.New(verifier, screen, auth.Options{
		FailureThreshold: cfg.Auth.FailureThreshold,
		FailureWindow:    cfg.Auth.FailureWindow.Duration,
		BlockDuration:    cfg.Auth.BlockDuration.Duration,
		OnFailure:        rates.RecordAuthFailure,
	}, logger)

	brd := bridge.New(cfg.AI, db, reg, hc, logger)
	brd.Instrument(metrics)

	if err := telemetry.RegisterGauges(provider.Meter, reg.Len, brd.PendingCount); err != nil {
		_ = hc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("register gauges: %w", err)
	}

	validator, err := wire.NewValidator()
	if err != nil {
		_ = hc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init frame validator: %w", err)
	}

	rt := router.New(reg, db, hc, gate, rates, screen, brd, validator, logger, router.Options{
		MaxContentBytes: int(cfg.Server.ReadLimitBytes),
		ThreatPolicy:    threatPolicy(cfg.Threat),
		Metrics:         metrics,
	})

	srv := server.New(cfg.Server, db, reg, gate, rates, brd, rt, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return &Broker{
		cfg:      cfg,
		opts:     opts,
		provider: provider,
		store:    db,
		cache:    hc,
		registry: reg,
		rates:    rates,
		gate:     gate,
		bridge:   brd,
		router:   rt,
		server:   srv,
		logger:   logger.With("component", "broker"),
	}, nil
}

// Run starts the listener and every background task and blocks until ctx
// is cancelled or the listener fails.
func (b *Broker) Run(ctx context.Context) error {
	sweep := b.cfg.Registry.SweepInterval.Duration
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	idle := b.cfg.Registry.IdleTimeout.Duration
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	b.registry.StartSweeper(ctx, sweep, idle)
	b.rates.StartCleanup(ctx, time.Minute)
	b.gate.StartCleanup(ctx, time.Minute)
	b.bridge.Start(ctx)

	if b.opts.ConfigPath != "" {
		if err := b.watchConfig(ctx, b.opts.ConfigPath); err != nil {
			b.logger.Warn("config watcher not started, hot reload disabled", "error", err)
		}
	}
	if b.cfg.Retention.ArchivedAfter.Duration > 0 {
		go b.runRetentionPurger(ctx)
	}

	srv := &http.Server{
		Addr:    b.cfg.Server.Addr,
		Handler: b.server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("broker listening", "addr", b.cfg.Server.Addr)
		if b.cfg.Server.TLSCert != "" && b.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(b.cfg.Server.TLSCert, b.cfg.Server.TLSKey)
		} else {
			b.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		b.shutdown(srv)
		return ctx.Err()
	case err := <-errCh:
		b.shutdown(srv)
		return err
	}
}

// shutdown drains the process in order: warn the users, stop the bridge
// so pending requests fail as "shutting down", close the user sockets,
// then stop the listener and release the stores. The whole sequence is
// bounded by the configured hard timeout.
func (b *Broker) shutdown(srv *http.Server) {
	timeout := b.cfg.Server.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b.logger.Info("shutting down", "timeout", timeout)

	deadline, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b.registry.Broadcast(wire.ServerShutdown{
		Type:    wire.TypeServerShutdown,
		Message: "Server is shutting down.",
	})
	b.bridge.Shutdown()
	b.registry.CloseAll(websocket.CloseGoingAway, "server shutdown")

	if err := srv.Shutdown(deadline); err != nil {
		b.logger.Warn("graceful listener stop failed, forcing close", "error", err)
		_ = srv.Close()
	}

	if err := b.cache.Close(); err != nil {
		b.logger.Warn("history cache close failed", "error", err)
	}
	if err := b.store.Close(); err != nil {
		b.logger.Warn("store close failed", "error", err)
	}
	if err := b.provider.Shutdown(deadline); err != nil {
		b.logger.Warn("telemetry shutdown failed", "error", err)
	}
	b.logger.Info("shutdown complete")
}

// watchConfig starts the fsnotify watcher and applies rate-policy changes
// live. Any other change only logs; it takes effect on the next restart.
func (b *Broker) watchConfig(ctx context.Context, path string) error {
	w := config.NewWatcher(path, b.logger)
	if err := w.Start(ctx); err != nil {
		return err
	}
	go func() {
		for range w.Events() {
			ncfg, err := config.Load(path)
			if err != nil {
				b.logger.Warn("config reload skipped, file invalid", "error", err)
				continue
			}
			if pol := ratePolicy(ncfg.Rates); pol != b.rates.Policy() {
				b.rates.SetPolicy(pol)
				b.logger.Info("rate policy hot-reloaded")
			}
			if restartOnlyChanged(b.cfg, ncfg) {
				b.logger.Info("config changed outside the rate policy, restart required to apply")
			}
		}
	}()
	return nil
}

// restartOnlyChanged reports whether prev and next differ anywhere except
// the hot-reloadable rates section.
func restartOnlyChanged(prev, next *config.Config) bool {
	a, b := *prev, *next
	a.Rates, b.Rates = config.RatesConfig{}, config.RatesConfig{}
	return !reflect.DeepEqual(a, b)
}

func ratePolicy(r config.RatesConfig) rategate.Policy {
	return rategate.Policy{
		AuthedMessagesPerMin:  r.AuthedMessagesPerMin,
		AuthedMessagesPerHour: r.AuthedMessagesPerHour,
		AuthedThreadsPerHour:  r.AuthedThreadsPerHour,
		AuthedConnectsPerMin:  r.AuthedConnectsPerMin,
		AnonMessagesPerMin:    r.AnonMessagesPerMin,
		AnonMessagesPerHour:   r.AnonMessagesPerHour,
		AnonThreadsPerHour:    r.AnonThreadsPerHour,
		AnonConnectsPerMin:    r.AnonConnectsPerMin,
		IPConnectsPerMin:      r.IPConnectsPerMin,
		IPMessagesPerMin:      r.IPMessagesPerMin,
		IPAuthAttemptsPerMin:  r.IPAuthAttemptsPerMin,
		GlobalMaxConnections:  r.GlobalMaxConnections,
		GlobalMessagesPerSec:  r.GlobalMessagesPerSec,
	}
}

func threatPolicy(t config.ThreatConfig) threat.Policy {
	p := threat.DefaultPolicy()
	if t.BlockXSS != nil {
		p.BlockXSS = *t.BlockXSS
	}
	if t.BlockSQL != nil {
		p.BlockSQL = *t.BlockSQL
	}
	if t.BlockShell != nil {
		p.BlockShell = *t.BlockShell
	}
	if t.BlockPathTraversal != nil {
		p.BlockPathTraversal = *t.BlockPathTraversal
	}
	if t.MaxDepth > 0 {
		p.MaxDepth = t.MaxDepth
	}
	if t.MaxStringBytes > 0 {
		p.MaxStringBytes = t.MaxStringBytes
	}
	return p
}
