// Package main is the Convoy CLI entry point: a conversational
// tool-orchestration core that turns a user's chat query into either a
// direct answer, a clarifying question, or an executed tool call, backed
// by a relational store, a read-through cache, a vector tool catalog, and
// a connection broker (§4.1-4.5, §6).
//
// Start the server:
//
//	convoy serve --config convoy.yaml
//
// Run one reconciliation sweep and exit:
//
//	convoy reconcile
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoyhq/convoy/internal/agent/providers"
	"github.com/convoyhq/convoy/internal/analysis"
	"github.com/convoyhq/convoy/internal/auth"
	"github.com/convoyhq/convoy/internal/broker"
	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/internal/config"
	"github.com/convoyhq/convoy/internal/dispatch"
	"github.com/convoyhq/convoy/internal/httpapi"
	"github.com/convoyhq/convoy/internal/reconcile"
	"github.com/convoyhq/convoy/internal/router"
	"github.com/convoyhq/convoy/internal/sessionlock"
	"github.com/convoyhq/convoy/internal/store"
	"github.com/convoyhq/convoy/internal/vectorcatalog"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "convoy",
		Short:   "Convoy - conversational tool-orchestration core",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildReconcileCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Convoy chat-pipeline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "convoy.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildReconcileCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one connection-reconciliation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcileOnce(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "convoy.yaml", "Path to YAML configuration file")
	return cmd
}

// components bundles every collaborator wired from Config, shared by serve
// and reconcile so both build the identical dependency graph.
type components struct {
	cfg        *config.Config
	store      store.Store
	cacheStore *cache.Store
	vectors    vectorcatalog.Catalog
	embedder   vectorcatalog.Embedder
	brokerCli  *broker.Client
	locker     sessionlock.Locker
	reconciler *reconcile.Job
	dispatcher *dispatch.Dispatcher
	authSvc    *auth.Service
}

func buildComponents(ctx context.Context, configPath string, logger *slog.Logger) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	relStore, err := openStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	redisClient := cache.NewRedisClient(cfg.Cache)
	cacheStore := cache.NewStore(cache.NewRedisCache(redisClient), cache.TTLsFromConfig(cfg.Cache))

	vectors, err := vectorcatalog.Open(ctx, cfg.Vector, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open vector catalog: %w", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	brokerCli, err := broker.New(cfg.Broker, logger)
	if err != nil {
		return nil, fmt.Errorf("build broker client: %w", err)
	}

	staticCatalog, err := buildStaticCatalog(ctx, brokerCli)
	if err != nil {
		logger.Warn("loading static tool catalog from broker failed, routing will fall back to recommended apps", "error", err)
		staticCatalog = router.Catalog{}
	}

	creds := credentialsFromConfig(cfg.LLM)
	chatModel, chatModelName, err := providers.Resolve(cfg.LLM.ChatModel, creds)
	if err != nil {
		return nil, fmt.Errorf("resolve chat model: %w", err)
	}
	analysisModel, analysisModelName, err := providers.Resolve(cfg.LLM.AnalysisModel, creds)
	if err != nil {
		return nil, fmt.Errorf("resolve analysis model: %w", err)
	}

	analyzer := analysis.New(analysisModel, analysisModelName, cacheStore, logger)
	rtr := router.New(staticCatalog, chatModel, chatModelName, cacheStore, relStore, vectors, embedder, brokerCli, cfg.Orchestrator.ToolConcurrency, logger)
	locker, err := buildLocker(relStore, cfg.Orchestrator, logger)
	if err != nil {
		return nil, fmt.Errorf("build session locker: %w", err)
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Store:                  relStore,
		Cache:                  cacheStore,
		Analyzer:               analyzer,
		Router:                 rtr,
		Broker:                 brokerCli,
		Locker:                 locker,
		ChatModel:              chatModel,
		ChatModelName:          chatModelName,
		Logger:                 logger,
		MaxAgentSteps:          cfg.Orchestrator.MaxAgentSteps,
		MaxConversationHistory: cfg.Orchestrator.MaxConversationHistory,
		ToolTierThreshold:      cfg.Orchestrator.ToolTierThreshold,
		ClarificationThreshold: cfg.Orchestrator.ClarificationTierThreshold,
		ToolConcurrency:        cfg.Orchestrator.ToolConcurrency,
		ToolTimeout:            cfg.Orchestrator.ToolTimeout,
	})

	reconciler, err := reconcile.New(reconcile.Config{
		Store:    relStore,
		Cache:    cacheStore,
		Broker:   brokerCli,
		Logger:   logger,
		Schedule: cfg.Reconcile.Schedule,
	})
	if err != nil {
		return nil, fmt.Errorf("build reconcile job: %w", err)
	}

	authSvc := auth.NewService(auth.Config{JWTSecret: cfg.Auth.JWTSecret, TokenExpiry: cfg.Auth.TokenExpiry})

	return &components{
		cfg:        cfg,
		store:      relStore,
		cacheStore: cacheStore,
		vectors:    vectors,
		embedder:   embedder,
		brokerCli:  brokerCli,
		locker:     locker,
		reconciler: reconciler,
		dispatcher: dispatcher,
		authSvc:    authSvc,
	}, nil
}

// buildLocker returns a process-local Locker by default, or a
// Postgres-backed DBLocker when the operator has opted into
// DistributedSessionLock for a multi-replica deployment. The DB-backed
// locker reuses the store's own connection pool rather than opening a
// second one.
func buildLocker(relStore store.Store, cfg config.OrchestratorConfig, logger *slog.Logger) (sessionlock.Locker, error) {
	if !cfg.DistributedSessionLock {
		return sessionlock.NewLocalLocker(cfg.SessionLockTimeout), nil
	}

	pg, ok := relStore.(*store.PostgresStore)
	if !ok {
		logger.Warn("distributed_session_lock requires a postgres store, falling back to a local lock")
		return sessionlock.NewLocalLocker(cfg.SessionLockTimeout), nil
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "convoy"
	}
	dbCfg := sessionlock.DefaultDBConfig()
	dbCfg.OwnerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	if cfg.SessionLockTimeout > 0 {
		dbCfg.AcquireTimeout = cfg.SessionLockTimeout
	}
	return sessionlock.NewDBLocker(pg.DB(), dbCfg)
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.URL != "" {
		s, err := store.NewPostgresStore(cfg.URL, store.PostgresConfig{
			MaxOpenConns:    cfg.MaxConnections,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err == nil {
			return s, nil
		}
		if cfg.FallbackPath == "" {
			return nil, err
		}
		slog.Warn("postgres unavailable, falling back to sqlite", "error", err, "fallback_path", cfg.FallbackPath)
	}
	if cfg.FallbackPath == "" {
		return nil, fmt.Errorf("database.url or database.fallback_path must be set")
	}
	return store.NewSQLiteStore(cfg.FallbackPath)
}

// buildStaticCatalog loads the router's app/tool/description map from the
// broker's full tool listing (§4.3: the router selects candidates from a
// static catalog before any per-app vector search narrows them further).
func buildStaticCatalog(ctx context.Context, brokerCli *broker.Client) (router.Catalog, error) {
	tools, err := brokerCli.GetTools(ctx, broker.ToolFilter{})
	if err != nil {
		return nil, err
	}
	catalog := make(router.Catalog)
	for _, tool := range tools {
		app, ok := catalog[tool.AppName]
		if !ok {
			app = make(map[string]string)
			catalog[tool.AppName] = app
		}
		app[tool.Name] = tool.Description
	}
	return catalog, nil
}

func buildEmbedder(cfg *config.Config) (vectorcatalog.Embedder, error) {
	cred := cfg.LLM.Providers["openai"]
	return vectorcatalog.NewOpenAIEmbedder(vectorcatalog.OpenAIEmbedderConfig{
		APIKey:  cred.APIKey,
		BaseURL: cred.BaseURL,
	})
}

func credentialsFromConfig(cfg config.LLMConfig) map[string]providers.Credentials {
	creds := make(map[string]providers.Credentials, len(cfg.Providers))
	for name, p := range cfg.Providers {
		creds[name] = providers.Credentials{APIKey: p.APIKey, BaseURL: p.BaseURL}
	}
	return creds
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	logger := slog.Default()
	logger.Info("starting Convoy", "version", version, "commit", commit, "config", configPath)

	comps, err := buildComponents(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()
	defer comps.vectors.Close()
	if closer, ok := comps.locker.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	if comps.cfg.Reconcile.Enabled {
		comps.reconciler.Start()
		defer comps.reconciler.Stop()
	}

	handler := httpapi.New(httpapi.Config{
		Dispatcher:         comps.dispatcher,
		Store:              comps.store,
		Broker:             comps.brokerCli,
		Vectors:            comps.vectors,
		Embedder:           comps.embedder,
		Reconciler:         comps.reconciler,
		Auth:               comps.authSvc,
		Logger:             logger,
		EmbeddingDimension: comps.cfg.Vector.Dimension,
	})

	addr := fmt.Sprintf("%s:%d", comps.cfg.Server.Host, comps.cfg.Server.HTTPPort)
	srv := &http.Server{Addr: addr, Handler: handler}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining requests")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	logger.Info("Convoy stopped")
	return nil
}

func runReconcileOnce(ctx context.Context, configPath string) error {
	logger := slog.Default()
	comps, err := buildComponents(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()
	defer comps.vectors.Close()
	if closer, ok := comps.locker.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	result := comps.reconciler.RunOnce(ctx)
	logger.Info("reconciliation sweep finished", "checked", result.Checked, "expired", result.Expired, "errors", result.Errors)
	if result.Errors > 0 {
		return fmt.Errorf("reconciliation sweep completed with %d error(s)", result.Errors)
	}
	return nil
}
