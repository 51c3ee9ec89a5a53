package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/pipesync/internal/automation"
	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/conflict"
	"github.com/hyperengineering/pipesync/internal/kv"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/ratelimit"
	"github.com/hyperengineering/pipesync/internal/sentiment"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/syncer"
)

// TokenSource resolves the CRM API token for a workspace. Tokens never
// live in config files; the default source reads the environment.
type TokenSource func(workspace string) (string, error)

// EnvTokens resolves tokens from PIPEDRIVE_API_TOKEN_<ID> with the ID
// uppercased and hyphens mapped to underscores, falling back to the
// shared PIPEDRIVE_API_TOKEN.
func EnvTokens(workspace string) (string, error) {
	key := "PIPEDRIVE_API_TOKEN_" + strings.ToUpper(strings.ReplaceAll(workspace, "-", "_"))
	if token := os.Getenv(key); token != "" {
		return token, nil
	}
	if token := os.Getenv("PIPEDRIVE_API_TOKEN"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no API token for workspace %q: set %s or PIPEDRIVE_API_TOKEN", workspace, key)
}

// RateLimitOptions size each workspace's request budget against the CRM.
type RateLimitOptions struct {
	Strategy    ratelimit.Strategy
	MaxRequests int
	Window      time.Duration
}

// Options configures a Manager. Client and Sync act as templates: the
// per-workspace fields (workspace name, token, limiter, cache, clock)
// are filled in when each workspace is built.
type Options struct {
	// Root is the directory holding one subdirectory per workspace.
	Root string
	// KV is the shared cross-workspace store for rate-limit windows,
	// response caches, and sync checkpoints.
	KV kv.Store
	// Tokens defaults to EnvTokens.
	Tokens TokenSource
	// Clock defaults to the system clock.
	Clock clock.Clock

	Client     pipedrive.Options
	RateLimit  RateLimitOptions
	CacheTTL   time.Duration
	Sync       syncer.Options
	MergeRules conflict.MergeRules

	// Qualifier enables reply automation when set.
	Qualifier  sentiment.Qualifier
	Notifier   automation.Notifier
	Automation automation.Config
}

// Manager hands out lazily loaded workspaces keyed by ID.
type Manager struct {
	opts Options
	root string
	clk  clock.Clock

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// NewManager creates a manager rooted at opts.Root, creating the root
// directory if needed.
func NewManager(opts Options) (*Manager, error) {
	root := opts.Root
	if strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, root[2:])
	}
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if opts.KV == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspaces root directory: %w", err)
	}

	if opts.Tokens == nil {
		opts.Tokens = EnvTokens
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	if opts.RateLimit.MaxRequests <= 0 {
		// Pipedrive's documented budget for token auth.
		opts.RateLimit.MaxRequests = 80
	}
	if opts.RateLimit.Window <= 0 {
		opts.RateLimit.Window = 2 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}

	return &Manager{
		opts:       opts,
		root:       root,
		clk:        clk,
		workspaces: make(map[string]*Workspace),
	}, nil
}

// Get returns the workspace for the given ID, loading it if necessary.
// Only the default workspace is created implicitly; any other ID must
// have been created first.
func (m *Manager) Get(ctx context.Context, id string) (*Workspace, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if ws, ok := m.workspaces[id]; ok {
		m.mu.RUnlock()
		ws.TouchAccessed(m.clk.Now())
		return ws, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if ws, ok := m.workspaces[id]; ok {
		ws.TouchAccessed(m.clk.Now())
		return ws, nil
	}

	path := m.path(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !IsDefault(id) {
			return nil, ErrNotFound
		}
		if err := m.scaffold(id, "Default workspace (auto-created)"); err != nil {
			return nil, err
		}
	}

	ws, err := m.build(id, path)
	if err != nil {
		return nil, fmt.Errorf("load workspace %q: %w", id, err)
	}
	m.workspaces[id] = ws

	slog.Info("workspace loaded",
		"component", "workspace",
		"action", "workspace_loaded",
		"workspace", id)

	ws.TouchAccessed(m.clk.Now())
	return ws, nil
}

// Create creates a new workspace with the given ID.
func (m *Manager) Create(ctx context.Context, id, description string) (*Workspace, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.path(id)
	if _, err := os.Stat(path); err == nil {
		return nil, ErrExists
	}
	if err := m.scaffold(id, description); err != nil {
		return nil, err
	}

	ws, err := m.build(id, path)
	if err != nil {
		return nil, fmt.Errorf("load new workspace %q: %w", id, err)
	}
	m.workspaces[id] = ws

	slog.Info("workspace created",
		"component", "workspace",
		"action", "workspace_created",
		"workspace", id)

	return ws, nil
}

// Delete removes a workspace and its data. The default workspace cannot
// be deleted. Checkpoint and limiter keys in the shared KV store are
// left to expire on their own TTLs.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if IsDefault(id) {
		return fmt.Errorf("%w: cannot delete the default workspace", ErrProtected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.path(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrNotFound
	}

	if ws, ok := m.workspaces[id]; ok {
		if err := ws.Close(); err != nil {
			slog.Warn("error closing workspace before deletion",
				"component", "workspace",
				"workspace", id,
				"error", err)
		}
		delete(m.workspaces, id)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace directory: %w", err)
	}

	slog.Info("workspace deleted",
		"component", "workspace",
		"action", "workspace_deleted",
		"workspace", id)

	return nil
}

// List returns metadata for every workspace on disk, sorted by ID.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read workspaces directory: %w", err)
	}

	var result []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		meta, err := LoadMeta(filepath.Join(path, metaFileName))
		if err != nil {
			// Not a workspace directory, or unreadable metadata.
			continue
		}

		var sizeBytes int64
		if info, err := os.Stat(filepath.Join(path, dbFileName)); err == nil {
			sizeBytes = info.Size()
		}
		result = append(result, Info{
			ID:           entry.Name(),
			Created:      meta.Created,
			LastAccessed: meta.LastAccessed,
			Description:  meta.Description,
			SizeBytes:    sizeBytes,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Root returns the resolved workspaces root directory.
func (m *Manager) Root() string {
	return m.root
}

// Close closes all loaded workspaces.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for id, ws := range m.workspaces {
		if err := ws.Close(); err != nil {
			slog.Error("error closing workspace",
				"component", "workspace",
				"workspace", id,
				"error", err)
			lastErr = err
		}
	}
	m.workspaces = make(map[string]*Workspace)
	return lastErr
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.root, id)
}

// scaffold creates a new workspace directory with metadata.
func (m *Manager) scaffold(id, description string) error {
	path := m.path(id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	meta := NewMeta(description, m.clk.Now())
	if err := SaveMeta(filepath.Join(path, metaFileName), meta); err != nil {
		os.RemoveAll(path)
		return fmt.Errorf("write workspace metadata: %w", err)
	}
	return nil
}

// build wires one workspace's component stack: sqlite mirror, rate
// limited API client, sync engine, conflict detector/resolver, and the
// automation engine when a qualifier is configured.
func (m *Manager) build(id, path string) (*Workspace, error) {
	meta, err := LoadMeta(filepath.Join(path, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("load workspace metadata: %w", err)
	}

	token, err := m.opts.Tokens(id)
	if err != nil {
		return nil, err
	}

	db, err := storage.NewSQLite(filepath.Join(path, dbFileName), m.clk)
	if err != nil {
		return nil, fmt.Errorf("open workspace database: %w", err)
	}

	limiter, err := ratelimit.New(m.opts.RateLimit.Strategy, m.opts.KV, m.clk,
		m.opts.RateLimit.MaxRequests, m.opts.RateLimit.Window)
	if err != nil {
		db.Close()
		return nil, err
	}

	clientOpts := m.opts.Client
	clientOpts.Workspace = id
	clientOpts.TokenProvider = pipedrive.StaticToken(token)
	clientOpts.Limiter = limiter
	clientOpts.Cache = ratelimit.NewResponseCache(m.opts.KV, m.opts.CacheTTL)
	clientOpts.Clock = m.clk
	client := pipedrive.New(clientOpts)

	syncOpts := m.opts.Sync
	syncOpts.Workspace = id
	syncOpts.Clock = m.clk
	engine := syncer.New(client, db, m.opts.KV, syncOpts)

	var auto *automation.Engine
	if m.opts.Qualifier != nil {
		auto = automation.NewEngine(client, m.opts.Qualifier, m.opts.Notifier, m.opts.Automation, m.clk)
	}

	return &Workspace{
		ID:         id,
		Path:       path,
		Meta:       meta,
		DB:         db,
		Client:     client,
		Syncer:     engine,
		Detector:   conflict.NewDetector(db, client, m.clk),
		Resolver:   conflict.NewResolver(db, client, m.opts.MergeRules, m.clk),
		Automation: auto,
	}, nil
}
