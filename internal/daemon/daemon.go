// Package daemon wires the runtime together: state store, tool server
// registry, scheduler, orchestrator, event relay, and the HTTP surface.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/config"
	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/agentloop"
	"github.com/kindling-ai/kindling/pkg/conversation"
	"github.com/kindling-ai/kindling/pkg/entity"
	"github.com/kindling-ai/kindling/pkg/events"
	"github.com/kindling-ai/kindling/pkg/feedguard"
	"github.com/kindling-ai/kindling/pkg/llm"
	"github.com/kindling-ai/kindling/pkg/orchestrator"
	"github.com/kindling-ai/kindling/pkg/runstate"
	"github.com/kindling-ai/kindling/pkg/schedule"
	"github.com/kindling-ai/kindling/pkg/toolserver"
)

// Daemon is the assembled runtime.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    *runstate.Store
	conv     *conversation.Log
	resolver *entity.FileResolver
	registry *registryHolder
	bus      *events.Bus
	sched    *schedule.LocalScheduler
	orch     *orchestrator.Orchestrator
	watcher  *config.Watcher
	server   *http.Server
}

// New builds the daemon from a validated config.
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	store, err := runstate.Open(cfg.StatePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	conv, err := conversation.NewLog(cfg.ConversationsDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open conversation log: %w", err)
	}

	provider, err := llm.NewProvider(llm.Credentials{
		Provider: cfg.Provider.Kind,
		APIKey:   cfg.Provider.APIKey,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create provider: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger.With().Str("component", "daemon").Logger(),
		store:    store,
		conv:     conv,
		resolver: entity.NewFileResolver(filepath.Join(cfg.DataDir, "entities.json")),
		registry: newRegistryHolder(toolserver.NewRegistry(cfg.ToolServers, logger)),
		bus:      events.NewBus(0, logger),
	}

	loop, err := agentloop.New(agentloop.Config{
		Provider:      provider,
		Tools:         d.registry,
		Bus:           d.bus,
		Logger:        logger,
		Model:         cfg.Provider.Model,
		Temperature:   cfg.Provider.Temperature,
		MaxTokens:     cfg.Provider.MaxTokens,
		MaxIterations: cfg.Loop.MaxIterations,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create agent loop: %w", err)
	}

	if cfg.Scheduler.Enabled {
		// The scheduler fires into the orchestrator, which is built
		// after it; the indirection breaks the construction cycle.
		d.sched, err = schedule.NewLocal(schedule.Options{
			StorePath: cfg.Scheduler.StorePath,
			Run: func(ctx context.Context, ref entity.Ref, runContext string) {
				d.orch.Handle(ctx, ref, runContext)
			},
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create scheduler: %w", err)
		}
	}

	var sched schedule.Scheduler
	var verifier *schedule.Verifier
	if d.sched != nil {
		sched = d.sched
		verifier = schedule.NewVerifier(store, d.sched, logger)
	}

	d.orch, err = orchestrator.New(orchestrator.Config{
		Store:    store,
		Resolver: d.resolver,
		Loop:     loop,
		Log:      conv,
		Guard:    feedguard.New(store, cfg.Guard.MaxAttemptsPerDay, logger),
		Verifier: verifier,
		Sched:    sched,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	d.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:           d.routes(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// routes builds the HTTP surface: websocket event relay, trigger
// endpoint, metrics, and health.
func (d *Daemon) routes(logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", events.NewRelay(d.bus, events.RelayConfig{}, logger))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/run", d.handleRun)
	return mux
}

// Run starts everything and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.registry.Current().Load(ctx); err != nil {
		// Unhealthy servers stay registered; the daemon starts anyway.
		d.logger.Warn().Err(err).Msg("Some tool servers failed discovery")
	}

	loader := config.NewLoader(d.cfg.SourcePath)
	watcher, err := config.NewWatcher(loader, d.applyConfig)
	if err == nil {
		if err := watcher.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("Config watcher not started")
		} else {
			d.watcher = watcher
		}
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go d.orch.StartSweep(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info().Str("addr", d.server.Addr).Msg("HTTP server listening")
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		d.shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		d.logger.Info().Msg("Shutting down")
		d.shutdown()
		return nil
	}
}

// applyConfig swaps in a rebuilt tool server registry when the config
// file changes. Other settings require a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	fresh := toolserver.NewRegistry(cfg.ToolServers, d.logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fresh.Load(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Some tool servers failed discovery on reload")
	}

	old := d.registry.Swap(fresh)
	if err := old.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close previous registry")
	}
	d.logger.Info().Int("servers", len(cfg.ToolServers)).Msg("Tool server registry reloaded")
}

func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("HTTP shutdown failed")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Config watcher stop failed")
		}
	}
	if d.sched != nil {
		if err := d.sched.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Scheduler stop failed")
		}
	}
	d.bus.Close()
	if err := d.registry.Current().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Registry close failed")
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("State store close failed")
	}
}
