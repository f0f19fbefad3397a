package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/isolation"
	"github.com/rendis/conductor/internal/metrics"
	"github.com/rendis/conductor/internal/oracle"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/synth"
	"github.com/rendis/conductor/internal/workers"
)

// runtime is the fully wired conductor of one process.
type runtime struct {
	cfg        Config
	logger     *slog.Logger
	store      store.Store
	hub        *streaming.MemoryHub
	registry   *prometheus.Registry
	workers    *workers.Registry
	dispatcher *engine.Dispatcher
	manager    *engine.Manager
}

// openStore opens the configured store and applies pending migrations.
func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == memoryDB {
		return store.NewMemoryStore(), nil
	}
	path := strings.TrimPrefix(cfg.DBPath, "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// newRuntime wires store, workers, oracle, dispatcher and manager.
func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*runtime, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, store: st, hub: streaming.NewMemoryHub()}

	var rec metrics.Recorder = metrics.Nop{}
	if cfg.Metrics {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec = metrics.NewPrometheusRecorder(rt.registry)
	}

	jq := expressions.NewGoJQEngine()
	registry, err := buildWorkers(cfg.Workers, jq, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rt.workers = registry
	orc, err := buildOracle(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	syn, err := synth.New(cfg.Synthesis, jq, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	rt.dispatcher = engine.NewDispatcher(registry, cfg.Dispatcher, rec, logger)
	rt.manager, err = engine.NewManager(engine.ManagerDeps{
		Oracle:     orc,
		Dispatcher: rt.dispatcher,
		Store:      st,
		Hub:        rt.hub,
		Synth:      syn,
		Metrics:    rec,
		Logger:     logger,
	}, cfg.Run)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	logger.Info("conductor ready",
		slog.String("oracle", orc.Name()),
		slog.Int("capabilities", len(registry.List())),
		slog.String("db", cfg.DBPath))
	return rt, nil
}

func buildWorkers(cfg WorkersConfig, jq *expressions.GoJQEngine, logger *slog.Logger) (*workers.Registry, error) {
	reg := workers.NewRegistry()
	if cfg.Command.Enabled {
		w, err := workers.NewCommandWorker(workers.CommandConfig{
			Shell:          cfg.Command.Shell,
			SandboxDir:     cfg.Command.SandboxDir,
			MaxOutputBytes: cfg.Command.MaxOutputBytes,
			Limits: isolation.Limits{
				Timeout:   cfg.Command.Timeout,
				DenyPaths: cfg.Command.DenyPaths,
			},
			Isolator: isolation.NewIsolator(),
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(w); err != nil {
			return nil, err
		}
	}
	if cfg.Research.Endpoint != "" {
		w, err := workers.NewResearchWorker(workers.ResearchConfig{
			Endpoint:     cfg.Research.Endpoint,
			QueryParam:   cfg.Research.QueryParam,
			Headers:      cfg.Research.Headers,
			ResultsQuery: cfg.Research.ResultsQuery,
			MaxResults:   cfg.Research.MaxResults,
		}, jq)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(w); err != nil {
			return nil, err
		}
	}
	for _, tc := range cfg.Tools {
		w, err := workers.NewToolWorker(tc, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(w); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildOracle(cfg Config, logger *slog.Logger) (oracle.Oracle, error) {
	o := cfg.Oracle
	switch o.Provider {
	case providerPolicy:
		return oracle.NewPolicy(cfg.Policy, logger)
	case providerAnthropic:
		c := oracle.NewAnthropicCompleter(o.APIKey, o.Model, o.BaseURL, o.MaxTokens)
		return oracle.NewLLM(c, cfg.Policy.RetryThreshold, logger), nil
	case providerOpenAI:
		c := oracle.NewOpenAICompleter(o.APIKey, o.Model, o.BaseURL, o.MaxTokens)
		return oracle.NewLLM(c, cfg.Policy.RetryThreshold, logger), nil
	}
	return nil, fmt.Errorf("unknown oracle provider %q", o.Provider)
}

// Close blocks live runs, drains worker calls, stops tool servers and
// closes the store.
func (rt *runtime) Close(ctx context.Context) error {
	return errors.Join(rt.manager.Shutdown(ctx), rt.workers.Close(), rt.store.Close())
}
