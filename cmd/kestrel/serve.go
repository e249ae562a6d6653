package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graphsink"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

var serveSeedRules bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and async worker",
	Long: `Run the HTTP API. Analyses are submitted per tenant (X-Tenant-ID)
either synchronously (POST /analyses) or through the event bus
(POST /analyses/async) for the worker to pick up.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveSeedRules, "seed-rules", false, "store the builtin scoring rules when the database has none")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"graphsink", cfg.GraphSink.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	defer engine.Close()

	if err := loadRulesFromDatabase(ctx, repo, engine, serveSeedRules); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Optional Neo4j export
	var exporter *graphsink.Exporter
	if cfg.GraphSink.Enabled {
		client, err := graphsink.NewNeo4jClient(ctx, graphsink.OptionsFrom(cfg.GraphSink))
		if err != nil {
			slog.Error("graph sink unavailable, continuing without export", "uri", cfg.GraphSink.URI, "error", err)
		} else {
			defer client.Close(context.Background())
			exporter = graphsink.NewExporter(client, cfg.GraphSink.BatchSize, logger)
			if err := exporter.EnsureSchema(ctx); err != nil {
				slog.Warn("failed to ensure graph constraints", "error", err)
			}
			slog.Info("graph sink initialized", "uri", cfg.GraphSink.URI)
		}
	}

	m := metrics.New()

	svc := analysis.New(analysis.Config{
		Analysis:        cfg.Analysis,
		ResultTTL:       cfg.Cache.ResultTTL,
		MaxTransactions: cfg.Server.MaxTransactions,
		RunTimeout:      cfg.Server.AnalysisTimeout,
	}, analysis.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Rules:    engine,
		Exporter: exporter,
		Metrics:  m,
		Logger:   logger,
	})

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc)
		workerCfg := worker.Config{
			TenantIDs:   cfg.Worker.Tenants,
			WorkerCount: cfg.Worker.Count,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(workerCfg.TenantIDs), "per_tenant", workerCfg.WorkerCount)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Service: svc,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Engine:  engine,
		Metrics: m,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	// Wait for shutdown signal or server failure
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// loadRulesFromDatabase loads global rules into the engine. With seed set and
// an empty table, the builtin rules are stored first.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine, seed bool) error {
	dbRules, err := repo.ListRuleConfigs(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) == 0 && seed {
		for _, rule := range rules.BuiltinRules() {
			rule.TenantID = domain.GlobalTenantID
			if err := repo.SaveRuleConfig(ctx, domain.GlobalTenantID, rule); err != nil {
				return fmt.Errorf("seed rule %s: %w", rule.ID, err)
			}
		}
		if dbRules, err = repo.ListRuleConfigs(ctx, domain.GlobalTenantID); err != nil {
			return err
		}
		slog.Info("builtin rules seeded", "count", len(dbRules))
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║     Forensic Account-Graph Analysis       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /analyses            - Analyze a dataset (JSON or text/csv)")
	fmt.Println("    POST   /analyses/async      - Queue a dataset for the worker")
	fmt.Println("    GET    /analyses            - List recent analyses")
	fmt.Println("    GET    /analyses/{id}       - Get an analysis with its result")
	fmt.Println("    GET    /analyses/{id}/rings - Rings, filter with ?minRisk=")
	fmt.Println("    GET    /rules               - List loaded rules")
	fmt.Println("    POST   /rules               - Create a rule")
	fmt.Println("    DELETE /rules/{id}          - Disable a rule")
	fmt.Println("    POST   /rules/reload        - Hot-reload rules from database")
	fmt.Println("    GET    /health              - Health check")
	fmt.Println("    GET    /metrics             - Prometheus metrics")
	fmt.Println()
}
