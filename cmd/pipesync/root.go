package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/openai/openai-go"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/pipesync/internal/api"
	"github.com/hyperengineering/pipesync/internal/archive"
	"github.com/hyperengineering/pipesync/internal/automation"
	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/conflict"
	"github.com/hyperengineering/pipesync/internal/kv"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/ratelimit"
	"github.com/hyperengineering/pipesync/internal/sentiment"
	"github.com/hyperengineering/pipesync/internal/syncer"
	"github.com/hyperengineering/pipesync/internal/types"
	"github.com/hyperengineering/pipesync/internal/workspace"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pipesync",
	Short: "Pipesync - CRM sync and reply automation service",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(syncCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	clk := clock.NewSystem()

	// 4. Open the shared KV store (rate-limit windows, caches, checkpoints)
	kvStore, err := kv.Open(cfg.KV.DSN, clk)
	if err != nil {
		return err
	}
	slog.Info("kv store opened", "dsn", cfg.KV.DSN)

	// 5. Run-report archiver (noop unless a bucket is configured)
	archiver, err := archive.New(archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		Region:    cfg.Archive.Region,
		Bucket:    cfg.Archive.Bucket,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		UseSSL:    cfg.Archive.UseSSL,
		URLExpiry: time.Duration(cfg.Archive.URLExpiry),
	})
	if err != nil {
		kvStore.Close()
		return err
	}
	if cfg.ArchiveEnabled() {
		slog.Info("run archiver initialized", "bucket", cfg.Archive.Bucket)
	}

	// 6. Reply qualifier (automation stays off without one)
	var qualifier sentiment.Qualifier
	if cfg.SentimentEnabled() {
		qualifier = sentiment.NewOpenAI(cfg.Sentiment.APIKey, openai.ChatModel(cfg.Sentiment.Model))
		slog.Info("reply qualifier initialized", "model", cfg.Sentiment.Model)
	}

	// 7. Workspace manager
	opts, err := managerOptions(cfg, kvStore, clk, archiver, qualifier)
	if err != nil {
		kvStore.Close()
		return err
	}
	manager, err := workspace.NewManager(opts)
	if err != nil {
		kvStore.Close()
		return err
	}
	slog.Info("workspace manager initialized", "root", cfg.Workspaces.RootPath)

	// 8. HTTP router. Webhooks get their own per-workspace budget, sized
	// like the CRM budget: the CRM never sends faster than we may call it.
	webhookLimiter, err := ratelimit.New(ratelimit.Strategy(cfg.RateLimit.Strategy),
		kvStore, clk, cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.Window))
	if err != nil {
		kvStore.Close()
		return err
	}
	handler := api.NewHandler(manager, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler, webhookLimiter)
	slog.Info("router initialized")

	// 9. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 10. Background sync schedulers, one per workspace on disk
	entities, err := cfg.Sync.EntityTypes()
	if err != nil {
		kvStore.Close()
		return err
	}
	var wg sync.WaitGroup
	startSchedulers(ctx, &wg, manager, time.Duration(cfg.Sync.Interval), entities)

	// 11. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 12. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 13. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 13a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 13b. Wait for schedulers to finish their current pass
	wg.Wait()

	// 13c. Close workspaces, then the shared KV store
	if err := manager.Close(); err != nil {
		slog.Error("workspace close error", "error", err)
	}
	if err := kvStore.Close(); err != nil {
		slog.Error("kv store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// managerOptions maps file configuration onto the workspace stack. Every
// knob the config file carries lands here; per-workspace fields (token,
// limiter, cache) are filled in by the manager itself.
func managerOptions(cfg *config.Config, kvStore kv.Store, clk clock.Clock,
	archiver archive.Archiver, qualifier sentiment.Qualifier) (workspace.Options, error) {

	rules, err := mergeRules(cfg.Conflict.MergeRules)
	if err != nil {
		return workspace.Options{}, err
	}

	return workspace.Options{
		Root:  cfg.Workspaces.RootPath,
		KV:    kvStore,
		Clock: clk,
		Client: pipedrive.Options{
			BaseURL:       cfg.Pipedrive.BaseURL,
			UserAgent:     "pipesync/" + Version,
			MaxAttempts:   cfg.Pipedrive.MaxAttempts,
			InitialDelay:  time.Duration(cfg.Pipedrive.InitialDelay),
			MaxDelay:      time.Duration(cfg.Pipedrive.MaxDelay),
			QueueOnLimit:  cfg.Pipedrive.QueueOnLimit,
			MaxQueueWaits: cfg.Pipedrive.MaxQueueWaits,
			PageLimit:     cfg.Pipedrive.PageLimit,
		},
		RateLimit: workspace.RateLimitOptions{
			Strategy:    ratelimit.Strategy(cfg.RateLimit.Strategy),
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      time.Duration(cfg.RateLimit.Window),
		},
		CacheTTL: time.Duration(cfg.Cache.TTL),
		Sync: syncer.Options{
			PageSize:   cfg.Sync.PageSize,
			WriteBatch: cfg.Sync.WriteBatch,
			Validate:   cfg.Sync.Validate,
			Archiver:   archiver,
		},
		MergeRules: rules,
		Qualifier:  qualifier,
		Notifier:   automation.LogNotifier{},
		Automation: automationRules(cfg.Automation),
	}, nil
}

// mergeRules converts configured field policies, rejecting unknown rule
// names at boot rather than at resolution time.
func mergeRules(raw map[string]string) (conflict.MergeRules, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	rules := make(conflict.MergeRules, len(raw))
	for field, name := range raw {
		rule := conflict.Rule(name)
		if !rule.Valid() {
			return nil, fmt.Errorf("conflict.merge_rules.%s: unknown rule %q", field, name)
		}
		rules[field] = rule
	}
	return rules, nil
}

// automationRules layers configured thresholds over the stock rule set.
// Score bands and multipliers keep their defaults; the config file only
// exposes the knobs operators actually tune.
func automationRules(c config.AutomationConfig) automation.Config {
	rules := automation.DefaultConfig()
	rules.Conditions.Sentiments = c.Sentiments
	rules.Conditions.Intents = c.Intents
	rules.Conditions.MinConfidence = c.MinConfidence
	rules.Conditions.MinScore = c.MinScore
	rules.Deal.Enabled = c.DealEnabled
	rules.Deal.BaseValue = c.DealBaseValue
	rules.Deal.Currency = c.DealCurrency
	rules.LogActivities = c.LogActivities
	rules.Notify = c.Notify
	return rules
}

// startSchedulers launches one incremental sync worker per workspace
// already on disk. A workspace that fails to load (typically a missing
// CRM token) is skipped, not fatal: webhook-only deployments run without
// schedulers, and lazily created workspaces pick one up on next boot.
func startSchedulers(ctx context.Context, wg *sync.WaitGroup, manager *workspace.Manager, interval time.Duration, entities []types.EntityType) {
	if interval <= 0 {
		slog.Info("sync scheduler disabled")
		return
	}

	infos, err := manager.List(ctx)
	if err != nil {
		slog.Error("workspace scan failed", "error", err)
		return
	}
	for _, info := range infos {
		ws, err := manager.Get(ctx, info.ID)
		if err != nil {
			slog.Warn("workspace skipped by scheduler",
				"workspace", info.ID,
				"error", err)
			continue
		}
		sched := syncer.NewScheduler(ws.Syncer, interval, entities...)
		startWorker(ctx, wg, "sync-scheduler:"+info.ID, sched.Run)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
