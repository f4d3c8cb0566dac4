package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Paths       PathsConfig       `toml:"paths"`
	Comfy       ComfyConfig       `toml:"comfy"`
	Worker      WorkerConfig      `toml:"worker"`
	Storage     StorageConfig     `toml:"storage"`
	Logging     LoggingConfig     `toml:"logging"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// PathsConfig locates the queue data root and the workflow definitions.
type PathsConfig struct {
	Root    string `toml:"root"`     // Queue data root (default: ~/video_queue)
	DefsDir string `toml:"defs_dir"` // Workflow definitions directory (default: {root}/workflow_defs_v2)
}

// ComfyConfig describes the upstream graph runner.
type ComfyConfig struct {
	BaseURL        string `toml:"base_url"`        // e.g. "http://127.0.0.1:8188"
	Root           string `toml:"root"`            // ComfyUI install root; input dir is {root}/input
	RequestTimeout string `toml:"request_timeout"` // Per-request timeout (default: "15s")
	PollInterval   string `toml:"poll_interval"`   // History poll interval (default: "2s")
	PollTimeout    string `toml:"poll_timeout"`    // End-to-end prompt timeout (default: "2h")
	RateLimit      string `toml:"rate_limit"`      // Minimum spacing between upstream requests (default: "100ms")
}

// WorkerConfig tunes the scheduler loop sleeps.
type WorkerConfig struct {
	IdleSleep  string `toml:"idle_sleep"`  // Sleep when no pending work (default: "1s")
	PauseSleep string `toml:"pause_sleep"` // Sleep while the queue is paused (default: "1s")
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path (default: {root}/data/queue.db)
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// MaintenanceConfig controls the optional scheduled prompt-log sweep.
type MaintenanceConfig struct {
	Enabled       bool   `toml:"enabled"`        // Disabled by default
	Schedule      string `toml:"schedule"`       // Cron schedule format
	RetentionDays int    `toml:"retention_days"` // Prompt log files older than this are removed
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings are exposed in comfyq.toml; technical
// parameters are hardcoded for production stability.
func NewDefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8585,
			Host: "127.0.0.1",
		},
		Paths: PathsConfig{
			Root:    filepath.Join(home, "video_queue"),
			DefsDir: "", // Resolved against root after overrides
		},
		Comfy: ComfyConfig{
			BaseURL:        "http://127.0.0.1:8188",
			Root:           filepath.Join(home, "ComfyUI"),
			RequestTimeout: "15s",
			PollInterval:   "2s",
			PollTimeout:    "2h",
			RateLimit:      "100ms",
		},
		Worker: WorkerConfig{
			IdleSleep:  "1s",
			PauseSleep: "1s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "", // Resolved against root after overrides
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Maintenance: MaintenanceConfig{
			Enabled:       false,
			Schedule:      "0 0 3 * * *", // Daily at 03:00 (cron format with seconds)
			RetentionDays: 30,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	config.normalize()

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("COMFYQ_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Compatibility names fixed by the adapter contract
	if root := os.Getenv("VIDEO_QUEUE_ROOT"); root != "" {
		config.Paths.Root = root
	}
	if defsDir := os.Getenv("WORKFLOW_DEFS_DIR"); defsDir != "" {
		config.Paths.DefsDir = defsDir
	}
	if comfyRoot := os.Getenv("COMFY_ROOT"); comfyRoot != "" {
		config.Comfy.Root = comfyRoot
	}
	if baseURL := os.Getenv("COMFY_BASE_URL"); baseURL != "" {
		config.Comfy.BaseURL = baseURL
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	// Server configuration
	if port := os.Getenv("COMFYQ_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("COMFYQ_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Upstream configuration
	if timeout := os.Getenv("COMFYQ_COMFY_REQUEST_TIMEOUT"); timeout != "" {
		config.Comfy.RequestTimeout = timeout
	}
	if interval := os.Getenv("COMFYQ_COMFY_POLL_INTERVAL"); interval != "" {
		config.Comfy.PollInterval = interval
	}
	if timeout := os.Getenv("COMFYQ_COMFY_POLL_TIMEOUT"); timeout != "" {
		config.Comfy.PollTimeout = timeout
	}

	// Storage configuration
	if badgerPath := os.Getenv("COMFYQ_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("COMFYQ_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("COMFYQ_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("COMFYQ_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// normalize resolves defaults that depend on other settings.
func (c *Config) normalize() {
	if c.Paths.DefsDir == "" {
		c.Paths.DefsDir = filepath.Join(c.Paths.Root, "workflow_defs_v2")
	}
	if c.Storage.Badger.Path == "" {
		c.Storage.Badger.Path = filepath.Join(c.DataDir(), "queue.db")
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// DataDir returns the durable data directory under the queue root.
func (c *Config) DataDir() string {
	return filepath.Join(c.Paths.Root, "data")
}

// LogsDir returns the per-prompt log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir(), "logs")
}

// ComfyInputDir returns the upstream-visible input directory.
func (c *Config) ComfyInputDir() string {
	return filepath.Join(c.Comfy.Root, "input")
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
