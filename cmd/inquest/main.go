// Inquest research orchestrator: serves the MCP surface, manages queue
// workers, and runs research jobs end to end.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/inquest-ai/inquest/pkg/agent"
	"github.com/inquest-ai/inquest/pkg/api"
	"github.com/inquest-ai/inquest/pkg/cache"
	"github.com/inquest-ai/inquest/pkg/cleanup"
	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/embed"
	"github.com/inquest-ai/inquest/pkg/events"
	"github.com/inquest-ai/inquest/pkg/index"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/mcpserver"
	"github.com/inquest-ai/inquest/pkg/memory"
	"github.com/inquest-ai/inquest/pkg/queue"
	"github.com/inquest-ai/inquest/pkg/services"
)

func main() {
	stdio := flag.Bool("stdio", false, "Serve MCP over stdin/stdout instead of HTTP")
	envPath := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envPath); err != nil {
		logger.Debug("no .env file loaded, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *stdio {
		// The stdio caller owns the process; transport auth does not apply.
		cfg.Auth.Disabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, *stdio, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, stdio bool, logger *slog.Logger) error {
	db, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("connected to PostgreSQL, migrations applied")

	embedder := newEmbedder(cfg, logger)

	catalog, err := llm.LoadCatalog(cfg.Models.CatalogPath)
	if err != nil {
		return err
	}
	registry := llm.NewRegistry()
	if cfg.Models.OpenAIKey != "" {
		registry.Register("openai", llm.NewOpenAIClient(cfg.Models.OpenAIKey, cfg.Models.OpenAIBaseURL))
	}
	if cfg.Models.AnthropicKey != "" {
		registry.Register("anthropic", llm.NewAnthropicClient(cfg.Models.AnthropicKey))
	}
	logger.Info("model providers registered",
		"providers", registry.Providers(), "models", len(catalog.List()))

	reports := services.NewReportService(db)
	sessions := services.NewSessionService(db)
	resultCache := cache.New(cfg.Cache)

	idx := index.NewService(db, embedder, cfg.Index, logger)
	mem := memory.NewService(db, embedder, cfg.Memory, logger)
	// Reranking and extraction both ride the cheapest available model.
	if client, model, ok := cheapestModel(catalog, registry); ok {
		idx.EnableRerank(client, model)
		mem.EnableExtraction(client, model)
	}

	q := queue.New(db, cfg.Queue)
	pub := events.NewPublisher(db, logger)
	manager := events.NewManager(pub, logger)
	executor := agent.NewBoundedExecutor(cfg.Queue.GlobalParallelism)

	orchestrator := agent.NewOrchestrator(agent.OrchestratorDeps{
		Queue:    q,
		Reports:  reports,
		Sessions: sessions,
		Index:    idx,
		Memory:   mem,
		Cache:    resultCache,
		Embedder: embedder,
		Events:   pub,
		Catalog:  catalog,
		Registry: registry,
		Executor: executor,
		Logger:   logger,
	})
	pool := queue.NewPool(q, cfg.Queue, logger)
	orchestrator.Register(pool)

	retention := cleanup.NewService(db, cfg.Retain, logger)
	if err := retention.Start(ctx); err != nil {
		return err
	}
	defer retention.Stop()

	deps := &mcpserver.Deps{
		Cfg:       cfg,
		DB:        db,
		Queue:     q,
		Reports:   reports,
		Sessions:  sessions,
		Index:     idx,
		Memory:    mem,
		Cache:     resultCache,
		Events:    pub,
		Manager:   manager,
		Executor:  executor,
		Catalog:   catalog,
		Registry:  registry,
		StartedAt: time.Now(),
	}
	resources := mcpserver.NewResourceRegistry(deps)
	deps.Resources = resources
	tools := mcpserver.NewToolRegistry(cfg.ToolExposure, cfg.ToolAllowlist)
	mcpserver.RegisterAll(tools, deps)
	mcp := mcpserver.NewServer(cfg, tools, resources, logger)

	listener := events.NewNotifyListener(cfg.Database.DSN(), manager, logger)
	go listener.Run(ctx)
	go pool.Run(ctx)
	logger.Info("worker pool started", "workers", cfg.Queue.WorkerConcurrency)

	if stdio {
		transport := mcpserver.NewStdioTransport(mcp, os.Stdin, os.Stdout, logger)
		logger.Info("serving MCP over stdio")
		return transport.Run(ctx)
	}

	auth := mcpserver.NewAuthenticator(cfg.Auth)
	if !auth.Enabled() {
		logger.Warn("transport authentication is disabled")
	}
	server := api.NewServer(cfg, mcp, auth, manager, pub, q, db, logger)
	return server.Run(ctx)
}

// newEmbedder picks the configured embedding backend. The hash embedder is
// deterministic and keyless; useful offline and in tests.
func newEmbedder(cfg *config.Config, logger *slog.Logger) embed.Embedder {
	if cfg.Models.EmbedderProvider == "hash" || cfg.Models.OpenAIKey == "" {
		if cfg.Models.EmbedderProvider != "hash" {
			logger.Warn("no OpenAI key set, falling back to hash embedder")
		}
		return embed.NewHashEmbedder(cfg.Models.EmbeddingDim)
	}
	return embed.NewOpenAIEmbedder(cfg.Models.OpenAIKey, cfg.Models.OpenAIBaseURL,
		cfg.Models.EmbeddingModel, cfg.Models.EmbeddingDim)
}

// cheapestModel returns the lowest-cost registered model for auxiliary calls.
func cheapestModel(catalog *llm.Catalog, registry *llm.Registry) (llm.ModelClient, string, bool) {
	for _, m := range catalog.Select(llm.SelectOpts{Tier: llm.TierVeryLow}) {
		if client, ok := registry.For(m.Provider); ok {
			return client, m.ID, true
		}
	}
	return nil, "", false
}
