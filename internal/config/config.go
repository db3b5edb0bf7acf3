package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Connectivity modes.
const (
	ModeProbe  = "probe"
	ModeFeed   = "feed"
	ModeOnline = "online"
)

// Config holds all environment-based configuration for draw-sync.
type Config struct {
	// Draw service endpoint and bearer token.
	APIURL   string `env:"DRAWSYNC_API_URL"`
	APIToken string `env:"DRAWSYNC_API_TOKEN"`

	// Change feed websocket URL (required in feed mode).
	FeedURL string `env:"DRAWSYNC_FEED_URL"`

	// Local bbolt database. Defaults to ~/.draw-sync/state.db.
	StatePath string `env:"DRAWSYNC_STATE_PATH"`

	// Collections come from a YAML catalog file, or from a plain comma list
	// when no catalog file is configured.
	CatalogPath string   `env:"DRAWSYNC_CATALOG_PATH"`
	Collections []string `env:"DRAWSYNC_COLLECTIONS" envSeparator:","`

	SyncInterval       time.Duration `env:"SYNC_INTERVAL" envDefault:"10m"`
	ConnectivityMode   string        `env:"CONNECTIVITY_MODE" envDefault:"probe"`
	ProbeInterval      time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`
	MinTriggerInterval time.Duration `env:"MIN_TRIGGER_INTERVAL" envDefault:"5s"`

	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ReadFallbackTimeout time.Duration `env:"READ_FALLBACK_TIMEOUT" envDefault:"10s"`
	FullSyncLimit       int           `env:"FULL_SYNC_LIMIT" envDefault:"500"`

	// FullResyncAfter forces a full pass when the last one is older than
	// this. Zero disables staleness checks.
	FullResyncAfter time.Duration `env:"FULL_RESYNC_AFTER" envDefault:"168h"`

	// RetentionDays is the default history horizon for collections whose
	// catalog entry sets none. Zero keeps everything.
	RetentionDays int `env:"RETENTION_DAYS" envDefault:"0"`

	// EnableAdmin exposes the manual correction tools over MCP.
	EnableAdmin bool `env:"ENABLE_ADMIN" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8090"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file usually carries the API token.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("DRAWSYNC_API_URL is required")
	}

	if c.CatalogPath == "" && len(c.Collections) == 0 {
		return fmt.Errorf("one of DRAWSYNC_CATALOG_PATH or DRAWSYNC_COLLECTIONS is required")
	}

	switch c.ConnectivityMode {
	case ModeProbe, ModeOnline:
	case ModeFeed:
		if c.FeedURL == "" {
			return fmt.Errorf("DRAWSYNC_FEED_URL is required when CONNECTIVITY_MODE is feed")
		}
	default:
		return fmt.Errorf("CONNECTIVITY_MODE must be one of probe, feed, online; got %q", c.ConnectivityMode)
	}

	for name, d := range map[string]time.Duration{
		"SYNC_INTERVAL":         c.SyncInterval,
		"PROBE_INTERVAL":        c.ProbeInterval,
		"REQUEST_TIMEOUT":       c.RequestTimeout,
		"READ_FALLBACK_TIMEOUT": c.ReadFallbackTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.MinTriggerInterval < 0 || c.FullResyncAfter < 0 {
		return fmt.Errorf("MIN_TRIGGER_INTERVAL and FULL_RESYNC_AFTER must not be negative")
	}

	if c.FullSyncLimit <= 0 {
		return fmt.Errorf("FULL_SYNC_LIMIT must be positive")
	}

	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must not be negative")
	}

	return nil
}

// DefaultStatePath returns ~/.draw-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".draw-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
