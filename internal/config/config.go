// Package config loads the typed configuration snapshot for the
// orchestrator (spec §9 "Dynamic config object → a typed configuration
// struct built from a validated environment snapshot; hot-reload implemented
// by swapping an immutable snapshot behind a pointer/atomic"), modeled on
// the teacher's internal/config package.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the default TelegramSource/UIChannel adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// TransferConfig configures the default Docker-sandboxed RemoteTransfer
// adapter (SPEC_FULL §4.13).
type TransferConfig struct {
	Image       string `yaml:"image"`
	MemoryMB    int64  `yaml:"memory_mb"`
	NetworkMode string `yaml:"network_mode"`
	Workspace   string `yaml:"workspace"`
	Command     string `yaml:"command"` // rclone-style CLI invocation template
}

// QueueBusConfig tunes the QueueBus batching buffer, retry, circuit breaker,
// and dead-letter queue (spec §4.7).
type QueueBusConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	BatchTimeoutMS       int           `yaml:"batch_timeout_ms"`
	MaxBufferSize       int           `yaml:"max_buffer_size"`
	DedupWindowSeconds  int           `yaml:"dedup_window_seconds"`
	DedupCacheSize      int           `yaml:"dedup_cache_size"`
	MaxRetryAttempts    int           `yaml:"max_retry_attempts"`
	RetryBaseDelayMS    int           `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS     int           `yaml:"retry_max_delay_ms"`
	BreakerFailureThreshold int       `yaml:"breaker_failure_threshold"`
	BreakerTimeoutSeconds   int       `yaml:"breaker_timeout_seconds"`
	BreakerSuccessThreshold int       `yaml:"breaker_success_threshold"`
	DeadLetterCapacity  int           `yaml:"dead_letter_capacity"`
	SigningKeyCurrent   string        `yaml:"signing_key_current"`
	SigningKeyNext      string        `yaml:"signing_key_next"`
	DebugCallerContext  bool          `yaml:"debug_caller_context"`
}

// CoordinatorConfig tunes InstanceCoordinator timing (spec §4.8).
type CoordinatorConfig struct {
	InstanceID              string `yaml:"instance_id"`
	URL                     string `yaml:"url"`
	InstanceTimeoutSeconds  int    `yaml:"instance_timeout_seconds"`
	HeartbeatIntervalSeconds int   `yaml:"heartbeat_interval_seconds"`
}

// SchedulerConfig tunes worker pool sizes and timers (spec §4.1, §4.5, §4.6).
type SchedulerConfig struct {
	DownloadWorkers       int `yaml:"download_workers"`
	UploadWorkers         int `yaml:"upload_workers"`
	DownloadDir           string `yaml:"download_dir"`
	StalledThresholdSeconds int `yaml:"stalled_threshold_seconds"`
	PendingFlushSeconds   int `yaml:"pending_flush_seconds"`
	PendingSweepSeconds   int `yaml:"pending_sweep_seconds"`
	PendingMaxAgeSeconds  int `yaml:"pending_max_age_seconds"`
	MinRefreshIntervalMS  int `yaml:"min_refresh_interval_ms"`
	BatchMaxSize          int `yaml:"upload_batch_max_size"`
	BatchMaxAgeMS         int `yaml:"upload_batch_max_age_ms"`
	LeaderSweepIntervalSeconds int `yaml:"leader_sweep_interval_seconds"`
	StalledSweepCron      string `yaml:"stalled_sweep_cron"` // robfig/cron expression, optional
}

// OtelConfig toggles tracing/metrics (SPEC_FULL §4.11).
type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Config is the top-level, validated configuration snapshot. A new Config is
// built at startup and on every reload; fields are never mutated in place —
// callers swap the whole snapshot behind an atomic.Pointer[Config].
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for the
	// optional operator websocket stream.
	AllowOrigins []string `yaml:"allow_origins"`

	DBPath       string `yaml:"db_path"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Telegram    TelegramConfig    `yaml:"telegram"`
	Transfer    TransferConfig    `yaml:"transfer"`
	QueueBus    QueueBusConfig    `yaml:"queue_bus"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Otel        OtelConfig        `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// protectedKeys are preserved verbatim across a reload even though the rest
// of the snapshot is rebuilt wholesale (spec §9: treat configuration as an
// input file; preserve a small list of protected keys across reload).
func (c *Config) applyProtectedKeys(previous Config) {
	c.HomeDir = previous.HomeDir
	c.DBPath = previous.DBPath
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "0.0.0.0:8080",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Transfer: TransferConfig{
			Image:       "rclone/rclone:latest",
			MemoryMB:    512,
			NetworkMode: "bridge",
			Workspace:   "/tmp/orchestrator",
			Command:     "rclone copy {src} {dest}",
		},
		QueueBus: QueueBusConfig{
			BatchSize:               20,
			BatchTimeoutMS:          500,
			MaxBufferSize:           1000,
			DedupWindowSeconds:      300,
			DedupCacheSize:          10000,
			MaxRetryAttempts:        3,
			RetryBaseDelayMS:        1000,
			RetryMaxDelayMS:         30000,
			BreakerFailureThreshold: 5,
			BreakerTimeoutSeconds:   30,
			BreakerSuccessThreshold: 2,
			DeadLetterCapacity:      500,
		},
		Coordinator: CoordinatorConfig{
			InstanceTimeoutSeconds:   90,
			HeartbeatIntervalSeconds: 30,
		},
		Scheduler: SchedulerConfig{
			DownloadWorkers:            4,
			UploadWorkers:              4,
			DownloadDir:                "/tmp/orchestrator/downloads",
			StalledThresholdSeconds:    300,
			PendingFlushSeconds:        10,
			PendingSweepSeconds:        300,
			PendingMaxAgeSeconds:       1800,
			MinRefreshIntervalMS:       1000,
			BatchMaxSize:               10,
			BatchMaxAgeMS:              2000,
			LeaderSweepIntervalSeconds: 60,
		},
	}
}

// HomeDir resolves the orchestrator's home directory, overridable by env.
func HomeDir() string {
	if override := os.Getenv("ORCHESTRATOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir (creating the directory if needed),
// applies env overrides, and normalizes defaults.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	cfg.DBPath = filepath.Join(homeDir, "orchestrator.db")

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	path := ConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("config: read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Reload rebuilds the snapshot from disk, preserving protected keys from
// previous. This backs the POST /api/v2/config/refresh handler.
func Reload(previous Config) (Config, error) {
	next, err := Load(previous.HomeDir)
	if err != nil {
		return previous, err
	}
	next.applyProtectedKeys(previous)
	return next, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scheduler.DownloadWorkers <= 0 {
		cfg.Scheduler.DownloadWorkers = 4
	}
	if cfg.Scheduler.UploadWorkers <= 0 {
		cfg.Scheduler.UploadWorkers = 4
	}
	if cfg.Coordinator.InstanceTimeoutSeconds <= 0 {
		cfg.Coordinator.InstanceTimeoutSeconds = 90
	}
	if cfg.Coordinator.HeartbeatIntervalSeconds <= 0 {
		cfg.Coordinator.HeartbeatIntervalSeconds = 30
	}
	if cfg.QueueBus.MaxRetryAttempts <= 0 {
		cfg.QueueBus.MaxRetryAttempts = 3
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCHESTRATOR_DRAIN_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DrainTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ORCHESTRATOR_WEBHOOK_SIGNING_KEY_CURRENT"); v != "" {
		cfg.QueueBus.SigningKeyCurrent = v
	}
	if v := os.Getenv("ORCHESTRATOR_WEBHOOK_SIGNING_KEY_NEXT"); v != "" {
		cfg.QueueBus.SigningKeyNext = v
	}
	if v := os.Getenv("ORCHESTRATOR_INSTANCE_ID"); v != "" {
		cfg.Coordinator.InstanceID = v
	}
}

// Fingerprint returns a stable hash of the active config snapshot, used to
// report the effective config without printing secrets.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|dlworkers=%d|ulworkers=%d|instance_timeout=%d",
		c.BindAddr, c.LogLevel, c.Scheduler.DownloadWorkers, c.Scheduler.UploadWorkers, c.Coordinator.InstanceTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
