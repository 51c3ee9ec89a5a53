package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/pipesync/internal/types"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	KV         KVConfig         `yaml:"kv"`
	Pipedrive  PipedriveConfig  `yaml:"pipedrive"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Cache      CacheConfig      `yaml:"cache"`
	Sync       SyncConfig       `yaml:"sync"`
	Conflict   ConflictConfig   `yaml:"conflict"`
	Sentiment  SentimentConfig  `yaml:"sentiment"`
	Automation AutomationConfig `yaml:"automation"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// WorkspacesConfig contains per-tenant workspace settings.
type WorkspacesConfig struct {
	RootPath string `yaml:"root_path"`
}

// KVConfig selects the shared key-value backend holding rate-limit
// windows, response caches, and sync checkpoints.
type KVConfig struct {
	DSN string `yaml:"dsn"`
}

// PipedriveConfig contains CRM client settings.
type PipedriveConfig struct {
	APIToken      string   `yaml:"-"` // env-only, never in YAML
	BaseURL       string   `yaml:"base_url"`
	MaxAttempts   int      `yaml:"max_attempts"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	QueueOnLimit  bool     `yaml:"queue_on_limit"`
	MaxQueueWaits int      `yaml:"max_queue_waits"`
	PageLimit     int      `yaml:"page_limit"`
}

// RateLimitConfig contains outbound request admission settings.
type RateLimitConfig struct {
	Strategy    string   `yaml:"strategy"`
	MaxRequests int      `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
}

// CacheConfig contains CRM response cache settings.
type CacheConfig struct {
	TTL Duration `yaml:"ttl"`
}

// SyncConfig contains sync engine and scheduler settings. Entities
// limits scheduled passes to the named entity types; empty means all.
type SyncConfig struct {
	Interval   Duration `yaml:"interval"`
	Entities   []string `yaml:"entities"`
	PageSize   int      `yaml:"page_size"`
	WriteBatch int      `yaml:"write_batch"`
	Validate   bool     `yaml:"validate"`
}

// EntityTypes parses the configured entity names. An empty list returns
// nil, which consumers treat as "every entity type".
func (c SyncConfig) EntityTypes() ([]types.EntityType, error) {
	if len(c.Entities) == 0 {
		return nil, nil
	}
	out := make([]types.EntityType, 0, len(c.Entities))
	for _, name := range c.Entities {
		entity, err := types.ParseEntityType(name)
		if err != nil {
			return nil, fmt.Errorf("sync.entities: %w", err)
		}
		out = append(out, entity)
	}
	return out, nil
}

// ConflictConfig contains conflict resolution settings. MergeRules maps
// field names to merge policies (prefer_longer, prefer_local,
// prefer_remote, prefer_higher).
type ConflictConfig struct {
	MergeRules map[string]string `yaml:"merge_rules"`
}

// SentimentConfig contains reply qualification settings.
type SentimentConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
	Model  string `yaml:"model"`
}

// AutomationConfig contains reply automation rule settings.
type AutomationConfig struct {
	Sentiments    []string `yaml:"sentiments"`
	Intents       []string `yaml:"intents"`
	MinConfidence float64  `yaml:"min_confidence"`
	MinScore      int      `yaml:"min_score"`
	DealEnabled   bool     `yaml:"deal_enabled"`
	DealBaseValue float64  `yaml:"deal_base_value"`
	DealCurrency  string   `yaml:"deal_currency"`
	LogActivities bool     `yaml:"log_activities"`
	Notify        bool     `yaml:"notify"`
}

// ArchiveConfig contains sync-report storage settings.
type ArchiveConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SentimentEnabled reports whether reply qualification is configured.
func (c *Config) SentimentEnabled() bool {
	return c.Sentiment.APIKey != ""
}

// ArchiveEnabled reports whether sync-report storage is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Bucket != ""
}

// ArchiveUseSSL returns the TLS setting for report storage, defaulting
// to true when unset.
func (c *Config) ArchiveUseSSL() bool {
	if c.Archive.UseSSL == nil {
		return true
	}
	return *c.Archive.UseSSL
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("PIPESYNC_CONFIG_PATH", "config/pipesync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadCLI loads configuration for command-line use. It follows the same
// defaults, file, and env chain as Load but skips the server API key
// requirement: offline administration never needs HTTP credentials.
func LoadCLI() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("PIPESYNC_CONFIG_PATH", "config/pipesync.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validateStrategy(); err != nil {
		return nil, err
	}
	if _, err := cfg.Sync.EntityTypes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values. Client retry and
// rate-limit defaults follow the CRM's documented budget of 80 requests
// per 2-second window for token auth.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Workspaces: WorkspacesConfig{
			RootPath: "~/.pipesync/workspaces",
		},
		KV: KVConfig{
			DSN: "badger://data/kv",
		},
		Pipedrive: PipedriveConfig{
			BaseURL:       "https://api.pipedrive.com/v1",
			MaxAttempts:   3,
			InitialDelay:  Duration(500 * time.Millisecond),
			MaxDelay:      Duration(15 * time.Second),
			QueueOnLimit:  false,
			MaxQueueWaits: 3,
			PageLimit:     100,
		},
		RateLimit: RateLimitConfig{
			Strategy:    "fixed",
			MaxRequests: 80,
			Window:      Duration(2 * time.Second),
		},
		Cache: CacheConfig{
			TTL: Duration(5 * time.Minute),
		},
		Sync: SyncConfig{
			Interval:   Duration(15 * time.Minute),
			PageSize:   100,
			WriteBatch: 50,
			Validate:   false,
		},
		Sentiment: SentimentConfig{
			Model: "gpt-4o-mini",
		},
		Automation: AutomationConfig{
			Sentiments:    []string{"positive", "neutral"},
			Intents:       []string{"interested", "question"},
			MinConfidence: 0.6,
			MinScore:      50,
			DealEnabled:   true,
			DealBaseValue: 1000,
			DealCurrency:  "USD",
			LogActivities: true,
			Notify:        true,
		},
		Archive: ArchiveConfig{
			Region:    "us-east-1",
			URLExpiry: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("PIPESYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PIPESYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("PIPESYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("PIPESYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Workspaces
	if v := os.Getenv("PIPESYNC_WORKSPACES_ROOT"); v != "" {
		cfg.Workspaces.RootPath = v
	}

	// KV
	if v := os.Getenv("PIPESYNC_KV_DSN"); v != "" {
		cfg.KV.DSN = v
	}

	// Pipedrive (PIPEDRIVE_API_TOKEN is the CRM's own convention;
	// workspace-specific tokens use PIPEDRIVE_API_TOKEN_<ID>)
	if v := os.Getenv("PIPEDRIVE_API_TOKEN"); v != "" {
		cfg.Pipedrive.APIToken = v
	}
	if v := os.Getenv("PIPEDRIVE_BASE_URL"); v != "" {
		cfg.Pipedrive.BaseURL = v
	}
	if v := os.Getenv("PIPESYNC_CRM_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipedrive.MaxAttempts = n
		}
	}
	if v := os.Getenv("PIPESYNC_CRM_PAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipedrive.PageLimit = n
		}
	}

	// Rate limit
	if v := os.Getenv("PIPESYNC_RATE_LIMIT_STRATEGY"); v != "" {
		cfg.RateLimit.Strategy = v
	}
	if v := os.Getenv("PIPESYNC_RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxRequests = n
		}
	}
	if v := os.Getenv("PIPESYNC_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.Window = Duration(d)
		}
	}

	// Cache
	if v := os.Getenv("PIPESYNC_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("PIPESYNC_SYNC_ENTITIES"); v != "" {
		var names []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				names = append(names, part)
			}
		}
		cfg.Sync.Entities = names
	}
	if v := os.Getenv("PIPESYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("PIPESYNC_SYNC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PageSize = n
		}
	}
	if v := os.Getenv("PIPESYNC_SYNC_WRITE_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.WriteBatch = n
		}
	}
	if v := os.Getenv("PIPESYNC_SYNC_VALIDATE"); v != "" {
		cfg.Sync.Validate = v == "true" || v == "1"
	}

	// Sentiment (OPENAI_API_KEY is industry convention)
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Sentiment.APIKey = v
	}
	if v := os.Getenv("PIPESYNC_SENTIMENT_MODEL"); v != "" {
		cfg.Sentiment.Model = v
	}

	// Archive
	if v := os.Getenv("PIPESYNC_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("PIPESYNC_S3_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("PIPESYNC_S3_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("PIPESYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("PIPESYNC_S3_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("PIPESYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Archive.UseSSL = &useSSL
	}
	if v := os.Getenv("PIPESYNC_S3_URL_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.URLExpiry = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("PIPESYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("PIPESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PIPESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (PIPESYNC_DEV_MODE=true), API key validation is skipped.
// The CRM token is not required here: it resolves per workspace at build
// time, where PIPEDRIVE_API_TOKEN_<ID> may stand in for the global var.
func (c *Config) validate() error {
	if err := c.validateStrategy(); err != nil {
		return err
	}
	if _, err := c.Sync.EntityTypes(); err != nil {
		return err
	}

	// Dev mode bypasses API key validation
	if os.Getenv("PIPESYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("PIPESYNC_API_KEY is required")
	}
	return nil
}

// validateStrategy rejects unknown rate-limit strategies. A typo'd
// strategy is a bug in any mode, so this check never has a bypass.
func (c *Config) validateStrategy() error {
	if s := c.RateLimit.Strategy; s != "" && s != "fixed" && s != "sliding" {
		return fmt.Errorf("rate_limit.strategy must be fixed or sliding, got %q", s)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
