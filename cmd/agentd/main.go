package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mir333/agentd/internal/api"
	"github.com/mir333/agentd/internal/config"
	"github.com/mir333/agentd/internal/runtime"
	"github.com/mir333/agentd/internal/scheduler"
	"github.com/mir333/agentd/internal/session"
	"github.com/mir333/agentd/internal/storage"
)

func main() {
	cfg := config.Load()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           parseLevel(cfg.LogLevel),
	})

	if err := os.MkdirAll(cfg.WorkspacesDir, 0o755); err != nil {
		logger.Fatal("create workspaces dir", "err", err)
	}

	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		logger.Fatal("open storage", "err", err)
	}

	var runner runtime.Runner
	if cfg.AnthropicAPIKey != "" {
		anthropicRunner, err := runtime.NewAnthropicRunner(runtime.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}, logger)
		if err != nil {
			logger.Fatal("configure runtime", "err", err)
		}
		runner = anthropicRunner
		logger.Info("anthropic runtime enabled", "model", cfg.Model)
	} else {
		runner = runtime.Unconfigured()
		logger.Warn("ANTHROPIC_API_KEY not set, turns will be rejected")
	}

	sessions := session.NewRegistry(runner, logger)
	tasks := scheduler.NewTaskStore(store)
	engine := scheduler.NewEngine(tasks, sessions, store, scheduler.DirProvisioner{}, logger, scheduler.EngineConfig{
		TickInterval: cfg.TickInterval,
	})

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	if err := engine.Start(engineCtx, cfg.WorkspacesDir); err != nil {
		logger.Fatal("start scheduler", "err", err)
	}

	apiServer := &api.Server{
		Sessions:  sessions,
		Tasks:     tasks,
		Engine:    engine,
		Log:       logger,
		StartedAt: time.Now().UTC(),
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(logger, apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("agentd listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	engineCancel()
	engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	_ = httpServer.Close()
}

func parseLevel(level string) log.Level {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}
	return parsed
}

func loggingMiddleware(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
