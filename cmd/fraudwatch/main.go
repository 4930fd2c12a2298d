// FraudWatch - Transaction risk evaluation and alerting.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/opensource-finance/fraudwatch/internal/api"
	"github.com/opensource-finance/fraudwatch/internal/bus"
	"github.com/opensource-finance/fraudwatch/internal/cache"
	"github.com/opensource-finance/fraudwatch/internal/config"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/oracle"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
	"github.com/opensource-finance/fraudwatch/internal/reconcile"
	"github.com/opensource-finance/fraudwatch/internal/repository"
	"github.com/opensource-finance/fraudwatch/internal/rules"
	"github.com/opensource-finance/fraudwatch/internal/stats"
	"github.com/opensource-finance/fraudwatch/internal/velocity"
	"github.com/opensource-finance/fraudwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := kingpin.Flag("config", "Path to a YAML config file").Short('c').Envar("FRAUDWATCH_CONFIG").String()
	debug := kingpin.Flag("debug", "Force debug logging").Bool()
	kingpin.Version(Version)
	kingpin.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	setupLogger(cfg.Logging)

	slog.Info("starting fraudwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"oracle", cfg.Oracle.Backend,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fraudwatch failed", "error", err)
		os.Exit(1)
	}
	slog.Info("fraudwatch shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	velocitySvc := velocity.NewService(cacheImpl, repo, cfg.Pipeline.VelocityWindow)

	// The rule oracle always backs rule management, even when scoring is remote.
	engine, err := rules.NewEngine(100)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	defer engine.Close()

	ruleOracle := oracle.NewRuleOracle(engine, repo)
	if err := ruleOracle.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	var scorer domain.Oracle = ruleOracle
	if cfg.Oracle.Backend == domain.OracleBackendHTTP {
		httpOracle, err := oracle.NewHTTPOracle(cfg.Oracle)
		if err != nil {
			return fmt.Errorf("failed to initialize oracle: %w", err)
		}
		scorer = httpOracle
		slog.Info("remote oracle configured", "endpoint", cfg.Oracle.Endpoint, "model", cfg.Oracle.Model)
	}

	p, err := pipeline.New(pipeline.Config{
		Oracle:          scorer,
		Transactions:    repo,
		Alerts:          repo,
		Velocity:        velocitySvc,
		Events:          busImpl,
		OracleTimeout:   cfg.Oracle.Timeout,
		DefaultCurrency: cfg.Pipeline.DefaultCurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	statsSvc := stats.NewService(repo, repo, cacheImpl, cfg.Stats)
	invalidate := func(ctx context.Context, _ *domain.Message) error {
		return statsSvc.Invalidate(ctx)
	}
	for _, topic := range []string{domain.TopicTransactionEvaluated, domain.TopicAlertCreated} {
		sub, err := busImpl.Subscribe(ctx, topic, invalidate)
		if err != nil {
			return fmt.Errorf("failed to subscribe stats to %s: %w", topic, err)
		}
		defer sub.Unsubscribe()
	}

	var reconciler *reconcile.Reconciler
	if cfg.Reconciler.Enabled {
		reconciler = reconcile.New(repo, busImpl, cfg.Reconciler)
		if err := reconciler.Start(busImpl); err != nil {
			return fmt.Errorf("failed to start reconciler: %w", err)
		}
		defer reconciler.Stop()
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, p)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Worker.Count}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		defer asyncWorker.Stop()
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Pipeline: p,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Stats:    statsSvc,
		Rules:    ruleOracle,
		Version:  Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("fraudwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}

func setupLogger(cfg domain.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  FraudWatch - transaction risk evaluation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Oracle:   %s\n", cfg.Oracle.Backend)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions          - Evaluate and record (?mode=async to queue)")
	fmt.Println("    GET  /transactions          - Recent transactions")
	fmt.Println("    GET  /transactions/{id}     - Get transaction by ID")
	fmt.Println("    GET  /alerts                - Recent fraud alerts")
	fmt.Println("    GET  /stats                 - Dashboard summary")
	fmt.Println("    GET  /rules                 - List loaded rules")
	fmt.Println("    POST /rules                 - Create or update a rule")
	fmt.Println("    POST /rules/reload          - Hot-reload rules from the store")
	fmt.Println("    GET  /health                - Health check")
	fmt.Println()
}
