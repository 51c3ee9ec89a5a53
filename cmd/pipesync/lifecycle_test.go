package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/conflict"
	"github.com/hyperengineering/pipesync/internal/kv"
	"github.com/hyperengineering/pipesync/internal/workspace"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, e := range c.entries {
		if msg, ok := e["msg"].(string); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (c *logCapture) hasMessage(msg string) bool {
	for _, m := range c.messages() {
		if m == msg {
			return true
		}
	}
	return false
}

func (c *logCapture) messageIndex(msg string) int {
	for i, m := range c.messages() {
		if m == msg {
			return i
		}
	}
	return -1
}

// --- Worker Lifecycle Tests ---

// TestStartWorker_LaunchesGoroutineAndTracksCompletion tests the startWorker helper
func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	workerRan := atomic.Bool{}
	startWorker(ctx, &wg, "test-worker", func(ctx context.Context) {
		workerRan.Store(true)
		<-ctx.Done()
	})

	// Give worker time to start
	time.Sleep(10 * time.Millisecond)

	if !workerRan.Load() {
		t.Error("worker function was not called")
	}

	// Cancel and wait for worker to complete
	cancel()
	wg.Wait()

	// Verify logging
	if !capture.hasMessage("worker started") {
		t.Error("expected 'worker started' log message")
	}
	if !capture.hasMessage("worker stopped") {
		t.Error("expected 'worker stopped' log message")
	}
}

// TestStartWorker_RespectsContextCancellation verifies workers stop when context is cancelled
func TestStartWorker_RespectsContextCancellation(t *testing.T) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	startWorker(ctx, &wg, "cancel-test", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()

	select {
	case <-done:
		// Worker responded to cancellation
	case <-time.After(100 * time.Millisecond):
		t.Error("worker did not respond to context cancellation")
	}

	wg.Wait()
}

// TestStartWorker_LogsWorkerName verifies worker name is included in log attributes
func TestStartWorker_LogsWorkerName(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	startWorker(ctx, &wg, "my-custom-worker", func(ctx context.Context) {
		<-ctx.Done()
	})

	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()

	// Check that worker name is in log entries
	capture.mu.Lock()
	defer capture.mu.Unlock()

	foundWorkerName := false
	for _, entry := range capture.entries {
		if worker, ok := entry["worker"].(string); ok && worker == "my-custom-worker" {
			foundWorkerName = true
			break
		}
	}

	if !foundWorkerName {
		t.Error("expected log entry with worker='my-custom-worker' attribute")
	}
}

// --- Scheduler Startup Tests ---

// schedulerManager builds a manager over a temp root with a fixed token.
func schedulerManager(t *testing.T, tokens workspace.TokenSource) *workspace.Manager {
	t.Helper()
	mgr, err := workspace.NewManager(workspace.Options{
		Root:   t.TempDir(),
		KV:     kv.NewMemory(clock.NewSystem()),
		Tokens: tokens,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func staticTestToken(string) (string, error) { return "test-token", nil }

func TestStartSchedulers_DisabledWithoutInterval(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	mgr := schedulerManager(t, staticTestToken)

	var wg sync.WaitGroup
	startSchedulers(context.Background(), &wg, mgr, 0, nil)
	wg.Wait()

	if !capture.hasMessage("sync scheduler disabled") {
		t.Error("expected 'sync scheduler disabled' log message")
	}
	if capture.hasMessage("worker started") {
		t.Error("no workers should start with a zero interval")
	}
}

func TestStartSchedulers_StartsWorkerPerWorkspace(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	mgr := schedulerManager(t, staticTestToken)
	for _, id := range []string{"acme", "globex"} {
		if _, err := mgr.Create(context.Background(), id, ""); err != nil {
			t.Fatalf("setup: create %q: %v", id, err)
		}
	}

	// A pre-cancelled context lets workers start and stop without the
	// scheduler ever reaching the CRM.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var wg sync.WaitGroup
	startSchedulers(ctx, &wg, mgr, time.Hour, nil)
	wg.Wait()

	capture.mu.Lock()
	defer capture.mu.Unlock()

	started := map[string]bool{}
	for _, entry := range capture.entries {
		if entry["msg"] == "worker started" {
			if name, ok := entry["worker"].(string); ok {
				started[name] = true
			}
		}
	}
	if !started["sync-scheduler:acme"] || !started["sync-scheduler:globex"] {
		t.Errorf("expected one scheduler worker per workspace, got %v", started)
	}
}

func TestStartSchedulers_SkipsWorkspaceWithoutToken(t *testing.T) {
	// Scaffold a workspace with a working token source first.
	root := t.TempDir()
	seed, err := workspace.NewManager(workspace.Options{
		Root:   root,
		KV:     kv.NewMemory(clock.NewSystem()),
		Tokens: staticTestToken,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := seed.Create(context.Background(), "acme", ""); err != nil {
		t.Fatalf("setup: %v", err)
	}
	seed.Close()

	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	// Reload over the same root with token resolution failing.
	mgr, err := workspace.NewManager(workspace.Options{
		Root:   root,
		KV:     kv.NewMemory(clock.NewSystem()),
		Tokens: workspace.EnvTokens,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	t.Setenv("PIPEDRIVE_API_TOKEN", "")
	t.Setenv("PIPEDRIVE_API_TOKEN_ACME", "")

	var wg sync.WaitGroup
	startSchedulers(context.Background(), &wg, mgr, time.Hour, nil)
	wg.Wait()

	if !capture.hasMessage("workspace skipped by scheduler") {
		t.Error("expected 'workspace skipped by scheduler' log message")
	}
	if capture.hasMessage("worker started") {
		t.Error("no worker should start for an unloadable workspace")
	}
}

// --- Shutdown Sequence Tests ---

// TestShutdownLogging verifies shutdown sequence logging
func TestShutdownLogging(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	// Simulate shutdown sequence logging
	slog.Info("shutdown initiated")
	slog.Info("shutdown complete")

	if !capture.hasMessage("shutdown initiated") {
		t.Error("expected 'shutdown initiated' log message")
	}
	if !capture.hasMessage("shutdown complete") {
		t.Error("expected 'shutdown complete' log message")
	}

	// Verify order
	initiatedIdx := capture.messageIndex("shutdown initiated")
	completeIdx := capture.messageIndex("shutdown complete")
	if initiatedIdx >= completeIdx {
		t.Error("'shutdown initiated' should come before 'shutdown complete'")
	}
}

// TestStartupSequenceLogging verifies all startup steps are logged in order
func TestStartupSequenceLogging(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	// Simulate the startup sequence logging (as it should be in run())
	slog.Info("configuration loaded")
	slog.Info("logger initialized", "level", "info", "format", "json")
	slog.Info("kv store opened", "dsn", "memory://")
	slog.Info("workspace manager initialized", "root", "/tmp/workspaces")
	slog.Info("router initialized")
	slog.Info("server starting", "address", ":8080")

	expectedMessages := []string{
		"configuration loaded",
		"logger initialized",
		"kv store opened",
		"workspace manager initialized",
		"router initialized",
		"server starting",
	}

	messages := capture.messages()
	for i, expected := range expectedMessages {
		if i >= len(messages) {
			t.Errorf("missing message at index %d: expected %q", i, expected)
			continue
		}
		if messages[i] != expected {
			t.Errorf("message at index %d = %q, want %q", i, messages[i], expected)
		}
	}
}

// TestGracefulShutdownDrainsRequests verifies in-flight requests complete before shutdown
func TestGracefulShutdownDrainsRequests(t *testing.T) {
	// Create a handler that takes time to respond
	slowHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    ":0", // Random port
		Handler: slowHandler,
	}

	// Start server
	go srv.ListenAndServe()
	time.Sleep(10 * time.Millisecond) // Let server start

	// This test validates the pattern - actual integration test would need real server binding
	// The key behavior is that Shutdown() waits for in-flight requests

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Shutdown should succeed within timeout
	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		// Server may not have started listening, which is OK for this unit test
		t.Logf("shutdown returned: %v (acceptable for unit test)", err)
	}
}

// TestShutdownTimeoutRespected verifies shutdown doesn't hang indefinitely
func TestShutdownTimeoutRespected(t *testing.T) {
	// Create a server with a handler that never responds
	blockingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {} // Block forever
	})

	srv := &http.Server{
		Addr:    ":0",
		Handler: blockingHandler,
	}

	// Very short timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	srv.Shutdown(shutdownCtx)
	elapsed := time.Since(start)

	// Shutdown should respect timeout (with some buffer)
	if elapsed > 50*time.Millisecond {
		t.Errorf("shutdown took %v, expected <= 50ms", elapsed)
	}
}

// TestWorkerWaitGroupIntegration verifies workers are waited on during shutdown
func TestWorkerWaitGroupIntegration(t *testing.T) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	workerCompleted := atomic.Bool{}
	startWorker(ctx, &wg, "slow-worker", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond) // Simulate cleanup work
		workerCompleted.Store(true)
	})

	// Cancel and wait
	cancel()
	wg.Wait()

	if !workerCompleted.Load() {
		t.Error("wg.Wait() returned before worker completed")
	}
}

// TestWorkspacesClosedLast verifies workspaces close after server and workers
func TestWorkspacesClosedLast(t *testing.T) {
	var order []string
	var mu sync.Mutex

	recordOrder := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	// Simulate shutdown sequence
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	// Add a worker
	startWorker(ctx, &wg, "order-test", func(ctx context.Context) {
		<-ctx.Done()
		recordOrder("worker_stopped")
	})

	// Simulate shutdown
	cancel()                           // Signal workers
	recordOrder("server_shutdown")     // Would be srv.Shutdown()
	wg.Wait()                          // Wait for workers
	recordOrder("workspaces_closed")   // Would be manager.Close()

	// Give worker goroutine time to record
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// Verify order: server_shutdown -> worker_stopped -> workspaces_closed
	if len(order) < 3 {
		t.Fatalf("expected 3 order entries, got %d: %v", len(order), order)
	}

	serverIdx := indexOf(order, "server_shutdown")
	workerIdx := indexOf(order, "worker_stopped")
	closedIdx := indexOf(order, "workspaces_closed")

	if serverIdx == -1 || workerIdx == -1 || closedIdx == -1 {
		t.Fatalf("missing order entries: %v", order)
	}

	// Workspaces must close last
	if closedIdx < workerIdx {
		t.Errorf("workspaces closed before workers: %v", order)
	}
}

func indexOf(slice []string, item string) int {
	for i, v := range slice {
		if v == item {
			return i
		}
	}
	return -1
}

// --- Config Mapping Tests ---

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.level); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestMergeRules_Valid(t *testing.T) {
	rules, err := mergeRules(map[string]string{
		"notes": "prefer_longer",
		"value": "prefer_higher",
	})
	if err != nil {
		t.Fatalf("mergeRules() error = %v", err)
	}
	if rules["notes"] != conflict.PreferLonger {
		t.Errorf("rules[notes] = %q, want prefer_longer", rules["notes"])
	}
	if rules["value"] != conflict.PreferHigher {
		t.Errorf("rules[value] = %q, want prefer_higher", rules["value"])
	}
}

func TestMergeRules_UnknownRuleRejected(t *testing.T) {
	_, err := mergeRules(map[string]string{"notes": "coin_flip"})
	if err == nil {
		t.Fatal("expected error for unknown merge rule, got nil")
	}
}

func TestMergeRules_EmptyIsNil(t *testing.T) {
	rules, err := mergeRules(nil)
	if err != nil {
		t.Fatalf("mergeRules() error = %v", err)
	}
	if rules != nil {
		t.Errorf("mergeRules(nil) = %v, want nil", rules)
	}
}

func TestAutomationRules_LayersOverDefaults(t *testing.T) {
	rules := automationRules(config.AutomationConfig{
		Sentiments:    []string{"positive"},
		Intents:       []string{"interested"},
		MinConfidence: 0.9,
		MinScore:      75,
		DealEnabled:   false,
		DealBaseValue: 5000,
		DealCurrency:  "EUR",
		LogActivities: true,
		Notify:        false,
	})

	if len(rules.Conditions.Sentiments) != 1 || rules.Conditions.Sentiments[0] != "positive" {
		t.Errorf("Sentiments = %v, want [positive]", rules.Conditions.Sentiments)
	}
	if rules.Conditions.MinConfidence != 0.9 {
		t.Errorf("MinConfidence = %v, want 0.9", rules.Conditions.MinConfidence)
	}
	if rules.Deal.Enabled {
		t.Error("Deal.Enabled should be false")
	}
	if rules.Deal.BaseValue != 5000 {
		t.Errorf("Deal.BaseValue = %v, want 5000", rules.Deal.BaseValue)
	}
	if rules.Deal.Currency != "EUR" {
		t.Errorf("Deal.Currency = %q, want EUR", rules.Deal.Currency)
	}
	if rules.Notify {
		t.Error("Notify should be false")
	}

	// Knobs the config file does not expose keep their defaults
	if len(rules.Deal.ScoreBands) != 2 || rules.Deal.ScoreBands[0].Min != 80 {
		t.Errorf("ScoreBands = %v, want stock bands", rules.Deal.ScoreBands)
	}
	if rules.Deal.UrgencyMultipliers["high"] != 1.3 {
		t.Errorf("UrgencyMultipliers[high] = %v, want 1.3", rules.Deal.UrgencyMultipliers["high"])
	}
}
