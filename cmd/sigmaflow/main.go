// Sigmaflow server — provides the workflow HTTP API, runs queue workers, and
// sweeps for auto-trigger candidates.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/detecteam/sigmaflow/pkg/api"
	"github.com/detecteam/sigmaflow/pkg/config"
	"github.com/detecteam/sigmaflow/pkg/corpus"
	"github.com/detecteam/sigmaflow/pkg/database"
	"github.com/detecteam/sigmaflow/pkg/llm"
	"github.com/detecteam/sigmaflow/pkg/llm/anthropic"
	"github.com/detecteam/sigmaflow/pkg/llm/openai"
	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/queue"
	"github.com/detecteam/sigmaflow/pkg/scheduler"
	"github.com/detecteam/sigmaflow/pkg/store"
	"github.com/detecteam/sigmaflow/pkg/version"
	"github.com/detecteam/sigmaflow/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	slog.Info("Starting sigmaflow",
		"version", version.Full(),
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient.DB())

	// 3. One-time startup orphan cleanup for executions this pod owned before
	// a restart.
	if err := queue.CleanupStartupOrphans(ctx, st, podID); err != nil {
		slog.Error("Failed to clean up startup orphans", "error", err)
		// Non-fatal, the periodic orphan scan will catch survivors.
	}

	// 4. LLM gateway
	gateway, err := buildGateway(cfg)
	if err != nil {
		slog.Error("Failed to build LLM gateway", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM gateway initialized", "providers", gateway.Providers())

	// 5. Sigma corpus
	idx, err := corpus.Load(ctx, st)
	if err != nil {
		slog.Error("Failed to load sigma corpus", "error", err)
		os.Exit(1)
	}

	// 6. Workflow engine over the Redis broker
	broker := queue.NewBroker(cfg.Redis)
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("Error closing broker", "error", err)
		}
	}()
	if err := broker.Ping(ctx); err != nil {
		slog.Error("Failed to reach Redis broker", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	engine := workflow.NewEngine(st, broker, cfg.Workflow)
	if err := engine.EnsureConfigSaved(ctx); err != nil {
		slog.Error("Failed to persist workflow config version", "error", err)
		os.Exit(1)
	}

	// 7. Worker pool
	executor := workflow.NewExecutor(st, gateway, idx)
	pool := queue.NewWorkerPool(podID, st, broker, cfg.Queue, executor)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 8. Auto-trigger scheduler
	sched := scheduler.New(*cfg.Scheduler, st, engine)
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 9. HTTP server
	srv := api.NewServer(engine, pool, dbClient.DB())
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start(cfg.ListenAddr) }()

	// Wait for shutdown signal or server failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
	}

	// Graceful shutdown: stop accepting work, drain, then close the listener.
	sched.Stop()
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	slog.Info("Shutdown complete")
}

// buildGateway constructs the LLM gateway from the provider registry and wires
// the embedding route from the workflow config.
func buildGateway(cfg *config.Config) (*llm.Gateway, error) {
	var opts []llm.GatewayOption
	if mc, ok := cfg.Workflow.ModelFor(models.AgentEmbedding); ok && mc.Enabled {
		opts = append(opts, llm.WithEmbedding(mc.Provider, mc.Model))
	}
	gateway := llm.NewGateway(opts...)

	for name, pc := range cfg.LLMProviderRegistry.GetAll() {
		rl := resolveRateLimit(pc.RateLimit)
		switch pc.Type {
		case config.ProviderTypeAnthropic:
			gateway.Register(anthropic.NewClient(anthropic.Config{
				APIKey:   os.Getenv(pc.APIKeyEnv),
				Endpoint: pc.BaseURL,
				Timeout:  pc.Timeout,
			}), rl)
		case config.ProviderTypeOpenAI:
			gateway.Register(openai.NewClient(openai.Config{
				Name:                   name,
				APIKey:                 os.Getenv(pc.APIKeyEnv),
				BaseURL:                pc.BaseURL,
				Timeout:                pc.Timeout,
				UseMaxCompletionTokens: pc.UseMaxCompletionTokens,
				DisableTemperature:     pc.DisableTemperature,
			}), rl)
		default:
			return nil, config.NewValidationError("llm_provider", name, "type",
				config.ErrInvalidValue)
		}
	}
	return gateway, nil
}

// resolveRateLimit overlays YAML rate limit settings on the defaults.
func resolveRateLimit(y *config.RateLimitYAML) llm.RateLimitConfig {
	rl := llm.DefaultRateLimitConfig()
	if y == nil {
		return rl
	}
	if y.Enabled != nil {
		rl.Enabled = *y.Enabled
	}
	if y.RequestsPerSecond > 0 {
		rl.RequestsPerSecond = y.RequestsPerSecond
	}
	if y.Burst > 0 {
		rl.Burst = y.Burst
	}
	if y.WaitBudget > 0 {
		rl.WaitBudget = y.WaitBudget
	}
	return rl
}
