package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lazarusengine/lazarus/analyzer"
	"github.com/lazarusengine/lazarus/codegen"
	"github.com/lazarusengine/lazarus/config"
	"github.com/lazarusengine/lazarus/core/data"
	"github.com/lazarusengine/lazarus/debuglog"
	"github.com/lazarusengine/lazarus/genai"
	"github.com/lazarusengine/lazarus/gitremote"
	"github.com/lazarusengine/lazarus/healer"
	"github.com/lazarusengine/lazarus/pipeline"
	"github.com/lazarusengine/lazarus/planner"
	"github.com/lazarusengine/lazarus/sandbox"
	"github.com/lazarusengine/lazarus/server"
)

func main() {
	configPath := flag.String("config", "lazarus.yaml", "path to the config file")
	flag.Parse()

	logger := setupLogger()
	logger.Info("lazarus starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 1. Database for the debug feed
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("Failed to create data dir", "error", err)
		os.Exit(1)
	}
	dbPath := filepath.Join(cfg.DataDir, "lazarus.db")
	db, err := data.OpenDB(dbPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Database opened", "path", dbPath)

	debug := debuglog.NewStore(db, cfg.Pipeline.DebugLogRetain)
	if err := debug.Init(); err != nil {
		logger.Error("Failed to init debug log schema", "error", err)
		os.Exit(1)
	}
	defer debug.Close()

	// 2. Capability clients
	git := gitremote.NewClient(gitremote.Config{
		APIBaseURL: cfg.Git.APIBaseURL,
		Token:      cfg.Git.Token,
		Branch:     cfg.Git.Branch,
	}, logger)

	ai := genai.NewClient(genai.Config{
		BaseURL:        cfg.GenAI.BaseURL,
		APIKey:         cfg.GenAI.APIKey,
		PlannerModel:   cfg.GenAI.PlannerModel,
		CoderModel:     cfg.GenAI.CoderModel,
		FallbackModels: cfg.GenAI.FallbackModels,
		RequestTimeout: cfg.GenAI.RequestTimeout,
	}, logger)

	sandboxClient := sandbox.NewClient(sandbox.Config{
		BaseURL: cfg.Sandbox.BaseURL,
		APIKey:  cfg.Sandbox.APIKey,
	}, logger)

	// 3. Pipeline
	p := pipeline.New(pipeline.Pipeline{
		Scanner:   git,
		Analyzer:  analyzer.New(ai, 0, logger),
		Planner:   planner.New(ai, logger),
		Generator: codegen.NewGenerator(ai, logger),
		Executor: sandbox.NewExecutor(sandboxClient, sandbox.ExecutorConfig{
			LeaseTTL:         cfg.Sandbox.LeaseTTL,
			BootPollInterval: cfg.Sandbox.BootPollInterval,
			BootPollAttempts: cfg.Sandbox.BootPollAttempts,
			InstallTimeout:   cfg.Sandbox.InstallTimeout,
		}),
		Classifier:  healer.NewClassifier(nil),
		Sessions:    pipeline.NewStore(cfg.Pipeline.EventBufferSize),
		Debug:       debug,
		Logger:      logger,
		MaxAttempts: cfg.Pipeline.MaxGenerationAttempts,
	})

	// 4. HTTP server
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(p, git, debug, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server crashed", "error", err)
			os.Exit(1)
		}
	}()

	// 5. Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server ready - waiting for signals")
	<-sigChan
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}
	logger.Info("lazarus stopped")
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
