// Package app wires the process together: configuration, logging, stores,
// registries, the tick scheduler, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/broadcast"
	"worldsync/server/internal/config"
	"worldsync/server/internal/diff"
	servernet "worldsync/server/internal/net"
	"worldsync/server/internal/net/ws"
	"worldsync/server/internal/observability"
	"worldsync/server/internal/session"
	"worldsync/server/internal/telemetry"
	"worldsync/server/internal/tick"
	"worldsync/server/internal/world"
)

// Config carries process-level options.
type Config struct {
	ConfigPath    string
	Logger        telemetry.Logger
	Observability observability.Config
}

// Run builds the server and blocks until ctx is cancelled or the listener
// fails.
func Run(ctx context.Context, cfg Config) error {
	path := cfg.ConfigPath
	if path == "" {
		path = os.Getenv("WORLDSYNC_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	fileCfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		sugar, err := telemetry.NewZap(fileCfg.LogLevel)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer sugar.Sync()
		logger = telemetry.WrapZap(sugar)
	}

	observabilityCfg := cfg.Observability
	if raw := os.Getenv("ENABLE_PPROF_TRACE"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			observabilityCfg.EnablePprofTrace = value
		} else {
			logger.Printf("invalid ENABLE_PPROF_TRACE=%q: %v", raw, err)
		}
	}

	registry := config.NewRegistry(fileCfg.SyncGroups, logger)

	var store world.Store
	if fileCfg.DatabasePath != "" {
		sqlite, err := world.OpenSQLite(fileCfg.DatabasePath, registry)
		if err != nil {
			return fmt.Errorf("open entity store: %w", err)
		}
		store = sqlite
	} else {
		store = world.NewMemoryStore(registry)
	}
	defer store.Close()

	providers := make(map[string]auth.Provider, len(fileCfg.Providers))
	for name, provider := range fileCfg.Providers {
		providers[name] = auth.Provider{
			Secret:   []byte(provider.Secret),
			TokenTTL: time.Duration(provider.TokenTTLMs) * time.Millisecond,
		}
	}
	gate := auth.NewGate(providers)

	sessions := session.NewRegistry()
	reaper := session.NewReaper(sessions, gate,
		time.Duration(fileCfg.LivenessIntervalMs)*time.Millisecond,
		time.Duration(fileCfg.SessionTimeoutMs)*time.Millisecond,
		logger)
	reaper.Start()
	defer reaper.Stop()

	counters := telemetry.NewCounters()
	tracker := diff.NewTracker(store)
	cleaner := diff.NewCleaner(tracker, registry, time.Second, logger)
	cleaner.Start()
	defer cleaner.Stop()

	broadcaster := broadcast.New(sessions, registry, store, logger, counters)

	scheduler := tick.NewScheduler(registry, func(group config.GroupConfig, t tick.Tick) (time.Duration, error) {
		changes, captureDuration, err := tracker.CaptureAndDiff(group.Name, broadcaster.Recipients)
		if err != nil {
			return captureDuration, err
		}
		broadcaster.Deliver(t, changes)
		return captureDuration, nil
	}, logger, counters)
	scheduler.Start()
	defer scheduler.Stop()

	var sweeper *world.Sweeper
	if fileCfg.Sweep.Enabled {
		sweeper = world.NewSweeper(store, time.Duration(fileCfg.Sweep.IntervalMs)*time.Millisecond, logger)
		sweeper.Start()
		defer sweeper.Stop()
	}

	wsHandler := ws.NewHandler(ws.HandlerConfig{
		Gate:        gate,
		Sessions:    sessions,
		Groups:      registry,
		Store:       store,
		Broadcaster: broadcaster,
		Logger:      logger,
	})

	handler := servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Gate:          gate,
		WS:            wsHandler,
		Scheduler:     scheduler,
		Sweep:         fileCfg.Sweep,
		Counters:      counters,
		Logger:        logger,
		StartTime:     time.Now(),
		Observability: observabilityCfg,
	})

	addr := fileCfg.ListenAddr
	if raw := os.Getenv("WORLDSYNC_LISTEN_ADDR"); raw != "" {
		addr = raw
	}
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
