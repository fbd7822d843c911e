// Command control_plane runs the camshaft scheduler: the evaluator and
// dispatcher loops, the background worker pool, and the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/alerting"
	"github.com/petrhale/camshaft/control_plane/auth"
	"github.com/petrhale/camshaft/control_plane/config"
	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/executor"
	"github.com/petrhale/camshaft/control_plane/idempotency"
	"github.com/petrhale/camshaft/control_plane/scheduler"
	"github.com/petrhale/camshaft/control_plane/store"
	"github.com/petrhale/camshaft/control_plane/taskserver"
	"github.com/petrhale/camshaft/control_plane/timeline"
	"github.com/petrhale/camshaft/control_plane/workflows"
)

func main() {
	configPath := flag.String("config", os.Getenv("CAMSHAFT_CONFIG"), "path to the YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Registry first: the store validates manifest registrations against it.
	registry := engine.NewRegistry()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, registry)
		if err != nil {
			return err
		}
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		logger.Info("connected to postgres")
	} else {
		st = store.NewMemoryStore(registry)
		logger.Warn("no database_url configured, using in-memory store")
	}
	defer st.Close()

	if err := workflows.RegisterBuiltins(registry, st, cfg.MetadataRetention); err != nil {
		return err
	}
	if err := workflows.EnsureManifests(ctx, st, cfg.HousekeepingInterval); err != nil {
		return err
	}
	logger.Info("workflows registered", zap.Strings("names", registry.Names()))

	// Executions stranded by a previous crash are failed now so the reaper
	// accounts for them instead of them hanging active forever. Only rows
	// older than the job timeout qualify; anything younger may still be
	// running on a peer replica.
	if cfg.RecoverStuckJobs() {
		recovered, err := st.RecoverStuckExecutions(ctx, time.Now().Add(-cfg.DefaultJobTimeout), "orphaned by restart")
		if err != nil {
			return err
		}
		if recovered > 0 {
			logger.Warn("recovered stuck executions", zap.Int64("count", recovered))
		}
	}

	hook := buildAlertHook(cfg, st, logger)
	exec := executor.New(st, registry, hook, cfg.DependentPriorityBoost, logger)

	pool := taskserver.NewPool(exec, cfg.WorkerCount, logger)
	pool.Start(ctx)
	defer pool.Stop()

	excluded := cfg.ExcludedWorkflowTypeNames
	if len(excluded) == 0 {
		excluded = []string{"housekeeping"}
	}

	evaluator := scheduler.NewEvaluator(st, scheduler.EvaluatorOptions{
		Interval:          cfg.ManifestManagerPollingInterval,
		MaxActiveJobs:     cfg.MaxActiveJobs,
		ExcludedWorkflows: excluded,
		DependentBoost:    cfg.DependentPriorityBoost,
		DefaultTimeout:    cfg.DefaultJobTimeout,
	}, logger)
	if cfg.EvaluatorEnabled() {
		go evaluator.Run(ctx)
	} else {
		logger.Warn("evaluator disabled by configuration")
	}

	dispatcher := scheduler.NewDispatcher(st, registry, pool, scheduler.DispatcherOptions{
		Interval:          cfg.JobDispatcherPollingInterval,
		MaxActiveJobs:     cfg.MaxActiveJobs,
		ExcludedWorkflows: excluded,
	}, logger)
	go dispatcher.Run(ctx)

	events := timeline.NewStore()
	hub := NewOpsHub(st, evaluator, dispatcher, events, logger)
	go hub.Run(ctx)

	var authManager *auth.Manager
	if cfg.AuthSecret != "" {
		authManager, err = auth.NewManager(cfg.AuthSecret)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no auth_secret configured, API authentication disabled")
	}

	var recorder idempotency.Recorder
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		defer client.Close()
		recorder = idempotency.NewRedisRecorder(client)
		logger.Info("using redis idempotency recorder", zap.String("addr", cfg.RedisAddr))
	} else {
		recorder = idempotency.NewMemoryRecorder()
	}

	api := NewAPI(st, pool, hub, events, cfg, authManager, recorder, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildAlertHook assembles the failure hook from configuration. The log sink
// is always present; Slack and webhook senders join when configured.
func buildAlertHook(cfg *config.Config, st store.Store, logger *zap.Logger) *alerting.Hook {
	senders := []alerting.Sender{alerting.NewLogSender(logger)}
	if cfg.Alerting.SlackWebhookURL != "" {
		senders = append(senders, alerting.NewSlackSender(cfg.Alerting.SlackWebhookURL))
	}
	if cfg.Alerting.WebhookURL != "" {
		senders = append(senders, alerting.NewWebhookSender(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookSecret))
	}

	rules := make([]alerting.Rule, 0, len(cfg.Alerting.Rules))
	for _, rc := range cfg.Alerting.Rules {
		rules = append(rules, alerting.Rule{
			WorkflowName:     rc.Workflow,
			TimeWindow:       rc.TimeWindow,
			MinimumFailures:  rc.MinimumFailures,
			ExceptionFilters: rc.ExceptionContains,
			StepFilters:      rc.Steps,
			Cooldown:         rc.Cooldown,
		})
	}
	return alerting.NewHook(st, rules, senders, logger)
}
