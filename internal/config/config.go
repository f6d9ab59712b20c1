// Package config loads the Deckard configuration.
//
// Resolution order: built-in defaults, then the YAML config file, then
// DECKARD_* environment variables. The daemon must operate correctly with
// every flag at its documented default, so defaults here are the contract.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineMode selects the full-text backend for workspace stores.
type EngineMode string

const (
	// EngineLightweight is the default SQLite FTS5 backend.
	EngineLightweight EngineMode = "lightweight"
	// EngineEmbedded is the Bleve-based embedded index backend.
	EngineEmbedded EngineMode = "embedded"
)

// DefaultPort is the daemon control port on 127.0.0.1.
const DefaultPort = 47779

// Config is the complete Deckard configuration.
type Config struct {
	// Roots are workspace root overrides registered at startup.
	Roots []string `yaml:"roots"`

	// DataDir holds per-workspace stores and the registry file.
	DataDir string `yaml:"data_dir"`

	// LogDir holds daemon log files.
	LogDir string `yaml:"log_dir"`

	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level"`

	// Port is the daemon control port (loopback only).
	Port int `yaml:"port"`

	// ExcludeDirs are directory names excluded in addition to the defaults.
	ExcludeDirs []string `yaml:"exclude_dirs"`

	// ExcludeGlobs are gitignore-style patterns excluded in addition to
	// the defaults.
	ExcludeGlobs []string `yaml:"exclude_globs"`

	// EngineMode selects the full-text backend: lightweight or embedded.
	EngineMode EngineMode `yaml:"engine_mode"`

	// CompressContent stores file content snappy-compressed.
	CompressContent bool `yaml:"compress_content"`

	// IndexWorkers is a hint for the per-workspace indexing pool size.
	// Zero means adaptive (derived from CPU count and memory).
	IndexWorkers int `yaml:"index_workers"`

	// IndexMemMB bounds indexing memory; the adaptive worker count is
	// capped at one worker per 512 MB. Zero means no memory cap.
	IndexMemMB int `yaml:"index_mem_mb"`

	// LegacyFraming opts into newline-delimited text framing for clients
	// that cannot speak the length-prefixed binary framing.
	LegacyFraming bool `yaml:"legacy_framing"`

	// IdleTimeout shuts the daemon down after this long with no
	// connected sessions. Zero disables idle shutdown.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// DebounceWindow is the fast-track coalescing window.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// StalenessThreshold is the number of fast-track commits after which
	// a full index pass is scheduled to bound drift.
	StalenessThreshold int `yaml:"staleness_threshold"`

	// HeartbeatInterval is how often registry entries are refreshed.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		DataDir:            defaultDataDir(),
		LogDir:             filepath.Join(defaultDataDir(), "logs"),
		LogLevel:           "info",
		Port:               DefaultPort,
		EngineMode:         EngineLightweight,
		CompressContent:    false,
		IndexWorkers:       0,
		IndexMemMB:         0,
		LegacyFraming:      false,
		IdleTimeout:        30 * time.Minute,
		DebounceWindow:     200 * time.Millisecond,
		StalenessThreshold: 64,
		HeartbeatInterval:  10 * time.Second,
	}
}

// defaultDataDir returns ~/.local/share/deckard.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "deckard")
	}
	return filepath.Join(home, ".local", "share", "deckard")
}

// DefaultConfigPath returns ~/.config/deckard/config.yaml.
func DefaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("DECKARD_CONFIG")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "deckard", "config.yaml")
	}
	return filepath.Join(home, ".config", "deckard", "config.yaml")
}

// Load reads the config file at path (missing file is not an error),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from DECKARD_* environment variables.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("DECKARD_DATA_DIR")); v != "" {
		c.DataDir = expand(v)
	}
	if v := strings.TrimSpace(os.Getenv("DECKARD_LOG_DIR")); v != "" {
		c.LogDir = expand(v)
	}
	if v := strings.TrimSpace(os.Getenv("DECKARD_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("DECKARD_DAEMON_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("DECKARD_ENGINE_MODE")); v != "" {
		c.EngineMode = EngineMode(v)
	}
	if v := strings.TrimSpace(os.Getenv("DECKARD_WORKSPACE_ROOT")); v != "" {
		c.Roots = append(c.Roots, expand(v))
	}
	if envBool("DECKARD_COMPRESS_CONTENT") {
		c.CompressContent = true
	}
	if envBool("DECKARD_LEGACY_FRAMING") {
		c.LegacyFraming = true
	}
	if v := strings.TrimSpace(os.Getenv("DECKARD_INDEX_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IndexWorkers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DECKARD_INDEX_MEM_MB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IndexMemMB = n
		}
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.EngineMode {
	case EngineLightweight, EngineEmbedded:
	default:
		return fmt.Errorf("invalid engine_mode %q (use %q or %q)",
			c.EngineMode, EngineLightweight, EngineEmbedded)
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = Default().StalenessThreshold
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = Default().DebounceWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = Default().HeartbeatInterval
	}
	return nil
}

// RegistryPath returns the durable workspace registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.json")
}

// WorkspaceDir returns the store directory for a workspace id.
func (c *Config) WorkspaceDir(workspaceID string) string {
	return filepath.Join(c.DataDir, "workspaces", workspaceID)
}

// WorkerCount resolves the effective indexing pool size: the explicit
// hint when set, otherwise CPU-derived and capped by the memory budget.
func (c *Config) WorkerCount() int {
	n := c.IndexWorkers
	if n <= 0 {
		n = runtime.NumCPU()
		if n > 8 {
			n = 8
		}
	}
	if c.IndexMemMB > 0 {
		cap := c.IndexMemMB / 512
		if cap < 1 {
			cap = 1
		}
		if n > cap {
			n = cap
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func expand(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
