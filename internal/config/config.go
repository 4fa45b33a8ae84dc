// Package config loads and validates the server configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Git       GitConfig       `yaml:"git"`
	LogBus    LogBusConfig    `yaml:"log_bus"`
	Gradle    GradleConfig    `yaml:"gradle"`
	NATS      NATSConfig      `yaml:"nats"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig configures on-disk locations.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	SnapshotsDir string `yaml:"snapshots_dir"`
	UploadsDir   string `yaml:"uploads_dir"`
	TempDir      string `yaml:"temp_dir"`
}

// TasksConfig configures the task runtime.
type TasksConfig struct {
	MaxRunning int           `yaml:"max_running"`
	Deadline   time.Duration `yaml:"deadline"`
}

// GitConfig configures the repo guard and git safety layer.
type GitConfig struct {
	GuardTimeout       time.Duration `yaml:"guard_timeout"`
	StaleLockThreshold time.Duration `yaml:"stale_lock_threshold"`
	SnapshotTTL        time.Duration `yaml:"snapshot_ttl"`
	GCInterval         time.Duration `yaml:"gc_interval"`
}

// LogBusConfig configures the per-task log streams.
type LogBusConfig struct {
	RingSize          int           `yaml:"ring_size"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CloseGrace        time.Duration `yaml:"close_grace"`
}

// GradleConfig configures gradle supervision.
type GradleConfig struct {
	DefaultTasks       string        `yaml:"default_tasks"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	InactivityWatchdog time.Duration `yaml:"inactivity_watchdog"`
}

// NATSConfig configures the optional lifecycle event mirror.
// Publishing is disabled when URL is empty.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RetentionConfig configures cleanup of old tasks.
type RetentionConfig struct {
	TaskRetention   time.Duration `yaml:"task_retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8080"},
		Storage: StorageConfig{
			DatabasePath: "./data/apkforge.db",
			SnapshotsDir: "./data/snapshots",
			UploadsDir:   "./data/uploads",
			TempDir:      "./data/tmp",
		},
		Tasks: TasksConfig{
			MaxRunning: 3,
			Deadline:   30 * time.Minute,
		},
		Git: GitConfig{
			GuardTimeout:       2 * time.Minute,
			StaleLockThreshold: 30 * time.Minute,
			SnapshotTTL:        7 * 24 * time.Hour,
			GCInterval:         time.Hour,
		},
		LogBus: LogBusConfig{
			RingSize:          2000,
			SubscriberBuffer:  128,
			HeartbeatInterval: 15 * time.Second,
			CloseGrace:        60 * time.Second,
		},
		Gradle: GradleConfig{
			DefaultTasks:       "clean :app:assembleRelease",
			GracePeriod:        10 * time.Second,
			InactivityWatchdog: 10 * time.Minute,
		},
		NATS: NATSConfig{
			Subject: "apkforge.tasks",
		},
		Logging: LoggingConfig{Level: "info"},
		Retention: RetentionConfig{
			TaskRetention:   7 * 24 * time.Hour,
			CleanupInterval: 6 * time.Hour,
		},
	}
}

// Load reads the configuration from path, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file values.
// godotenv in main loads .env before this runs.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("APKFORGE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("APKFORGE_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("APKFORGE_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("APKFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks invariants that would otherwise fail far from startup.
func (c *Config) Validate() error {
	if c.Tasks.MaxRunning < 1 {
		return fmt.Errorf("tasks.max_running must be >= 1, got %d", c.Tasks.MaxRunning)
	}
	if c.Tasks.Deadline <= 0 {
		return fmt.Errorf("tasks.deadline must be positive")
	}
	if c.LogBus.RingSize < 1 {
		return fmt.Errorf("log_bus.ring_size must be >= 1, got %d", c.LogBus.RingSize)
	}
	if c.LogBus.SubscriberBuffer < 1 {
		return fmt.Errorf("log_bus.subscriber_buffer must be >= 1, got %d", c.LogBus.SubscriberBuffer)
	}
	if c.Git.SnapshotTTL <= 0 {
		return fmt.Errorf("git.snapshot_ttl must be positive")
	}
	if c.Gradle.DefaultTasks == "" {
		return fmt.Errorf("gradle.default_tasks must not be empty")
	}
	return nil
}

// EnsureDirectories creates the on-disk layout the server expects.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.DatabasePath),
		c.Storage.SnapshotsDir,
		c.Storage.UploadsDir,
		c.Storage.TempDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

// LogLevel is the process-wide handler level. The config watcher adjusts it
// on reload so level changes apply without a restart.
var LogLevel slog.LevelVar

// ParseLogLevel maps a configured level string to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Init writes a default configuration file, refusing to overwrite unless force.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
