// LoanWatch runs the loan workflow units: auto-approval scoring, overdue
// escalation and batch data sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/loanwatch/internal/api"
	"github.com/opensource-finance/loanwatch/internal/approval"
	"github.com/opensource-finance/loanwatch/internal/bus"
	"github.com/opensource-finance/loanwatch/internal/cache"
	"github.com/opensource-finance/loanwatch/internal/config"
	"github.com/opensource-finance/loanwatch/internal/connector"
	"github.com/opensource-finance/loanwatch/internal/datasync"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/errorrate"
	"github.com/opensource-finance/loanwatch/internal/escalation"
	"github.com/opensource-finance/loanwatch/internal/repository"
	"github.com/opensource-finance/loanwatch/internal/rules"
	"github.com/opensource-finance/loanwatch/internal/scheduler"
	"github.com/opensource-finance/loanwatch/internal/store"
	"github.com/opensource-finance/loanwatch/internal/task"
	"github.com/opensource-finance/loanwatch/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: config.LogLevel(cfg)}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting loanwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("loanwatch stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("loanwatch shutdown complete")
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

	errorRates := errorrate.NewService(cacheImpl, errorrate.DefaultWindow)

	escalationStore, err := store.NewSQLEscalations(repo.DB(), repo.Driver(), cfg.Escalation.HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to initialize escalation store: %w", err)
	}
	syncStore, err := store.NewSQLSyncs(repo.DB(), repo.Driver())
	if err != nil {
		return fmt.Errorf("failed to initialize sync store: %w", err)
	}

	ruleEngine, err := rules.NewEngine(cfg.Approval)
	if err != nil {
		return fmt.Errorf("failed to initialize approval rules: %w", err)
	}
	approvalTask := approval.New(repo, ruleEngine, approval.WithEventBus(busImpl))

	escalations, err := escalation.NewEngine(repo, escalationStore, cfg.Escalation,
		escalation.WithEventBus(busImpl),
		escalation.WithReminderCounters(cacheImpl),
		escalation.WithAuditSink(repo),
		escalation.WithErrorRates(errorRates),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize escalation engine: %w", err)
	}

	syncOpts := []datasync.Option{datasync.WithEventBus(busImpl)}
	if rdb := redisClient(cacheImpl); rdb != nil {
		syncOpts = append(syncOpts, datasync.WithLocker(datasync.NewRedisLocker(rdb)))
		slog.Info("sync runs use distributed locks")
	}
	syncs := datasync.NewEngine(syncStore, cfg.Sync, connector.Deps{
		API:    repo,
		DB:     repo.DB(),
		Driver: repo.Driver(),
		Bus:    busImpl,
		HTTP:   &http.Client{Timeout: 30 * time.Second},
	}, syncOpts...)

	registry := task.NewRegistry(approvalTask, escalation.NewTask(escalations), datasync.NewTask(syncs))
	slog.Info("workflow units registered", "types", registry.Types())

	// Other nodes reach this node's loans through the external connector.
	if cfg.EventBus.Type == "nats" {
		sub, err := connector.Serve(ctx, busImpl, domain.TopicSyncExternalPrefix, domain.DataLoans, connector.NewHost(repo))
		if err != nil {
			return fmt.Errorf("failed to expose loans on the bus: %w", err)
		}
		defer sub.Unsubscribe()
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, registry, errorRates)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Worker.Concurrency}); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		slog.Info("async worker started", "concurrency", cfg.Worker.Concurrency)
	}

	if cfg.Scheduler.Enabled {
		go scheduler.New(escalations, cfg.Scheduler.Interval).Run(ctx)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Tasks:       registry,
		Escalations: escalations,
		Syncs:       syncs,
		Health: map[string]api.Pinger{
			"repository": repo,
			"cache":      cacheImpl,
			"eventbus":   busImpl,
		},
	}, Version)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("loanwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case runErr = <-serveErr:
		slog.Error("server failed", "error", runErr)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return runErr
}

// redisClient returns the Redis client behind the cache, if any.
func redisClient(c domain.Cache) *redis.Client {
	switch c := c.(type) {
	case *cache.TwoPhaseCache:
		return c.Remote().Client()
	case *cache.RedisCache:
		return c.Client()
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  LoanWatch - loan workflow automation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /health                       - Component health")
	fmt.Println("    GET  /tasks                        - Registered workflow units")
	fmt.Println("    POST /tasks/{type}                 - Execute a workflow unit")
	fmt.Println("    GET  /escalations                  - Active escalations")
	fmt.Println("    POST /escalations/{id}/advance     - Advance an escalation")
	fmt.Println("    POST /escalations/{id}/acknowledge - Acknowledge an escalation")
	fmt.Println("    POST /escalations/{id}/resolve     - Resolve an escalation")
	fmt.Println("    POST /syncs                        - Start a sync run")
	fmt.Println("    GET  /syncs/history                - Completed sync runs")
	fmt.Println()
}
