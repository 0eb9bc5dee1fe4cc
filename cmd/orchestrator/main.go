// Package main provides the CLI entry point for the MedellínBot orchestrator.
//
// The orchestrator receives citizen messages, classifies their intent with an
// LLM, and routes them to the specialized agent services (trámites, PQRSD,
// programas sociales, notificaciones), maintaining per-session conversation
// context along the way.
//
// # Basic Usage
//
// Start the server:
//
//	orchestrator serve --config orchestrator.yaml
//
// # Environment Variables
//
//   - ORCHESTRATOR_CONFIG: Path to configuration file
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/medellinbot/orchestrator/internal/agents"
	"github.com/medellinbot/orchestrator/internal/config"
	"github.com/medellinbot/orchestrator/internal/intent"
	"github.com/medellinbot/orchestrator/internal/llm"
	"github.com/medellinbot/orchestrator/internal/monitoring"
	"github.com/medellinbot/orchestrator/internal/observability"
	"github.com/medellinbot/orchestrator/internal/orchestrator"
	"github.com/medellinbot/orchestrator/internal/ratelimit"
	"github.com/medellinbot/orchestrator/internal/security"
	"github.com/medellinbot/orchestrator/internal/server"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "MedellínBot citizen-services orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		Long: `Start the orchestrator HTTP server.

The server will:
1. Load configuration from the specified file
2. Open the session store (memory, SQLite, or Postgres)
3. Start the session sweeper
4. Serve the processing and introspection endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("ORCHESTRATOR_CONFIG")
			}
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer closeStore()

	sessionMgr := sessions.NewManager(store, sessions.ManagerConfig{
		Timeout:            cfg.Session.Timeout,
		MaxHistory:         cfg.Session.MaxHistory,
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
	}, logger, metrics)
	contexts := sessions.NewContextManager(store, cfg.Session.MaxHistory, logger)

	limiter, closeLimiter, err := buildLimiter(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}
	defer closeLimiter()

	generator, err := llm.NewGenerator(llm.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
		CacheTTL:    cfg.LLM.CacheTTL,
	}, metrics)
	if err != nil {
		return fmt.Errorf("build generator: %w", err)
	}

	classifier := intent.NewClassifier(generator, cfg.Intent.ConfidenceThreshold, logger, metrics)

	router := agents.NewRouter(agents.Config{
		Endpoints: agents.EndpointsFromURLs(
			cfg.Agents.TramitesURL,
			cfg.Agents.PQRSDURL,
			cfg.Agents.ProgramasURL,
			cfg.Agents.NotificacionesURL,
		),
		Timeout: cfg.Agents.DispatchTimeout,
	}, logger, metrics)

	monitor := monitoring.NewManager(monitoring.Thresholds{
		ErrorRate:    cfg.Monitoring.ErrorRateThreshold,
		ResponseTime: cfg.Monitoring.ResponseTimeThreshold,
		CPUPercent:   cfg.Monitoring.CPUThreshold,
		MemPercent:   cfg.Monitoring.MemoryThreshold,
	}, logger)

	validator := security.NewValidator()

	orch := orchestrator.New(validator, contexts, classifier, router, monitor, logger, metrics)

	components := map[string]server.ComponentPinger{}
	if pinger, ok := store.(sessions.Pinger); ok {
		components["database"] = pinger
	}

	srv := server.New(server.Options{
		Config:       cfg,
		Orchestrator: orch,
		Sessions:     sessionMgr,
		Limiter:      limiter,
		Validator:    validator,
		Monitor:      monitor,
		Logger:       logger,
		Metrics:      metrics,
		Registry:     registry,
		Components:   components,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweeper := sessions.NewSweeper(sessionMgr, cfg.Session.SweepInterval, logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer func() { _ = sweeper.Stop(context.Background()) }()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info(ctx, "orchestrator started",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Driver,
		"rate_limit", limiter.StorageMode())

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")
	return srv.Stop(nil)
}

// openStore builds the session store named by the configuration. The second
// return closes the backing handle, a no-op for the memory store.
func openStore(cfg *config.Config) (sessions.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		pg := sessions.DefaultPostgresConfig()
		pg.Host = cfg.Storage.Postgres.Host
		pg.Port = cfg.Storage.Postgres.Port
		pg.User = cfg.Storage.Postgres.User
		pg.Password = cfg.Storage.Postgres.Password
		pg.Database = cfg.Storage.Postgres.Database
		if cfg.Storage.Postgres.SSLMode != "" {
			pg.SSLMode = cfg.Storage.Postgres.SSLMode
		}
		store, err := sessions.NewPostgresStore(pg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return sessions.NewMemoryStore(), func() {}, nil
	}
}

// buildLimiter wires the shared SQLite backend when configured, leaving the
// limiter to fall back to its in-process window if the backend errors.
func buildLimiter(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*ratelimit.Limiter, func(), error) {
	conf := ratelimit.Config{
		Enabled:     cfg.RateLimit.Enabled,
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
	}

	opts := []ratelimit.Option{
		ratelimit.WithFallbackHook(func(key string, err error) {
			logger.Warn(context.Background(), "rate limit backend unavailable, using local window",
				"client", key, "error", err)
			if metrics != nil {
				metrics.RateLimitCounter.WithLabelValues("fallback").Inc()
			}
		}),
	}

	closeFn := func() {}
	if cfg.RateLimit.SharedDBPath != "" {
		backend, err := ratelimit.NewSQLiteBackend(cfg.RateLimit.SharedDBPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, ratelimit.WithSharedBackend(backend))
		closeFn = func() { _ = backend.Close() }
	}

	return ratelimit.NewLimiter(conf, opts...), closeFn, nil
}
