// Package config resolves the environment-driven settings enumerated in
// §6: store paths, observability retention, gateway auth/timeouts,
// scheduler cadence, and slice budgets. Settings load from an optional
// config.yaml (for local/dev convenience) and are then overridden by the
// environment variables named in the interface table, mirroring the
// layered load→override→normalize shape used across the retrieved corpus.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the optional Telegram sense/extremity pair.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// TelemetryConfig configures the optional OpenTelemetry exporter
// (internal/otel). Disabled by default: the durable observability trace
// (internal/observability) is the record of record; this is an optional
// window onto the same spans for operators running a collector.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout", "otlp-http" or "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// LLMConfig selects and configures the completion provider handlers call
// through internal/llm (§6's "LLM provider contract").
type LLMConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"-"`
}

// Config is the fully resolved runtime configuration for a nervecore
// process. Every field maps to one row of §6's environment table unless
// noted otherwise.
type Config struct {
	HomeDir string `yaml:"-"`

	NerveDBPath string `yaml:"nerve_db_path"`

	ObservabilityDBPath             string `yaml:"observability_db_path"`
	ObservabilityNonErrorTTLDays    int    `yaml:"observability_non_error_ttl_days"`
	ObservabilityErrorTTLDays       int    `yaml:"observability_error_ttl_days"`
	ObservabilityMaxRows            int    `yaml:"observability_max_rows"`
	ObservabilityMaintenanceSeconds int    `yaml:"observability_maintenance_seconds"`

	APIToken              string `yaml:"api_token"`
	APIMessageWaitSeconds int    `yaml:"api_message_wait_seconds"`
	BindAddr              string `yaml:"bind_addr"`

	SchedulerTickSeconds  int `yaml:"scheduler_tick_seconds"`
	SchedulerLeaseSeconds int `yaml:"scheduler_lease_seconds"`

	SliceDefaultCycles      int `yaml:"slice_default_cycles"`
	SliceMaxRuntimeSeconds  int `yaml:"slice_max_runtime_seconds"`
	SliceWorkerCount        int `yaml:"slice_worker_count"`
	SignalPollerWorkerCount int `yaml:"signal_poller_worker_count"`

	FSMInitialState       string `yaml:"fsm_initial_state"`
	ActionDeadlineSeconds int    `yaml:"action_deadline_seconds"`

	LogLevel string `yaml:"log_level"`

	LLM LLMConfig `yaml:"llm"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	Telegram TelegramConfig `yaml:"telegram"`

	// AllowOrigins controls CORS for the HTTP gateway. Empty disables CORS
	// (same-origin only).
	AllowOrigins []string `yaml:"allow_origins"`
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect running
// components' behavior, so a hot-reload watcher can tell a cosmetic file
// touch from a change actually worth reacting to.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "nerve=%s|obs=%s|ttl=%d/%d|maxrows=%d|token=%t|wait=%d|tick=%d|lease=%d|cycles=%d|runtime=%d|state=%s|llm=%s/%s",
		c.NerveDBPath, c.ObservabilityDBPath, c.ObservabilityNonErrorTTLDays, c.ObservabilityErrorTTLDays,
		c.ObservabilityMaxRows, c.APIToken != "", c.APIMessageWaitSeconds, c.SchedulerTickSeconds,
		c.SchedulerLeaseSeconds, c.SliceDefaultCycles, c.SliceMaxRuntimeSeconds, c.FSMInitialState,
		c.LLM.Provider, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		NerveDBPath: "./nerve.db",

		ObservabilityDBPath:             "./observability.db",
		ObservabilityNonErrorTTLDays:    14,
		ObservabilityErrorTTLDays:       30,
		ObservabilityMaxRows:            1_000_000,
		ObservabilityMaintenanceSeconds: int((6 * time.Hour).Seconds()),

		APIMessageWaitSeconds: 20,
		BindAddr:              "127.0.0.1:8080",

		SchedulerTickSeconds:  5,
		SchedulerLeaseSeconds: 30,

		SliceDefaultCycles:      10,
		SliceMaxRuntimeSeconds: int((5 * time.Minute).Seconds()),
		SliceWorkerCount:        4,
		SignalPollerWorkerCount: 1,

		FSMInitialState:       "idle",
		ActionDeadlineSeconds: 60,

		LogLevel: "info",
		LLM:      LLMConfig{Provider: "stub"},
	}
}

// HomeDir returns the directory holding config.yaml and companion files,
// honoring NERVECORE_HOME.
func HomeDir() string {
	if override := os.Getenv("NERVECORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nervecore")
}

// Load resolves configuration from config.yaml (if present) layered under
// environment overrides, then normalizes and returns it.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create nervecore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.NerveDBPath) == "" {
		cfg.NerveDBPath = "./nerve.db"
	}
	if strings.TrimSpace(cfg.ObservabilityDBPath) == "" {
		cfg.ObservabilityDBPath = "./observability.db"
	}
	if cfg.ObservabilityNonErrorTTLDays <= 0 {
		cfg.ObservabilityNonErrorTTLDays = 14
	}
	if cfg.ObservabilityErrorTTLDays <= 0 {
		cfg.ObservabilityErrorTTLDays = 30
	}
	if cfg.ObservabilityMaxRows <= 0 {
		cfg.ObservabilityMaxRows = 1_000_000
	}
	if cfg.ObservabilityMaintenanceSeconds <= 0 {
		cfg.ObservabilityMaintenanceSeconds = int((6 * time.Hour).Seconds())
	}
	if cfg.APIMessageWaitSeconds <= 0 {
		cfg.APIMessageWaitSeconds = 20
	}
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = "127.0.0.1:8080"
	}
	if cfg.SchedulerTickSeconds <= 0 {
		cfg.SchedulerTickSeconds = 5
	}
	if cfg.SchedulerLeaseSeconds <= 0 {
		cfg.SchedulerLeaseSeconds = 30
	}
	if cfg.SliceDefaultCycles <= 0 {
		cfg.SliceDefaultCycles = 10
	}
	if cfg.SliceMaxRuntimeSeconds <= 0 {
		cfg.SliceMaxRuntimeSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.SliceWorkerCount <= 0 {
		cfg.SliceWorkerCount = 4
	}
	if cfg.SignalPollerWorkerCount <= 0 {
		cfg.SignalPollerWorkerCount = 1
	}
	if strings.TrimSpace(cfg.FSMInitialState) == "" {
		cfg.FSMInitialState = "idle"
	}
	if cfg.ActionDeadlineSeconds <= 0 {
		cfg.ActionDeadlineSeconds = 60
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.LLM.Provider) == "" {
		cfg.LLM.Provider = "stub"
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		cfg.Telegram.Enabled = true
	}
	if strings.TrimSpace(cfg.Telemetry.Exporter) == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
	if strings.TrimSpace(cfg.Telemetry.ServiceName) == "" {
		cfg.Telemetry.ServiceName = "nervecore"
	}
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.NerveDBPath, "NERVE_DB_PATH")
	setStr(&cfg.ObservabilityDBPath, "OBSERVABILITY_DB_PATH")
	setInt(&cfg.ObservabilityNonErrorTTLDays, "OBSERVABILITY_NON_ERROR_TTL_DAYS")
	setInt(&cfg.ObservabilityErrorTTLDays, "OBSERVABILITY_ERROR_TTL_DAYS")
	setInt(&cfg.ObservabilityMaxRows, "OBSERVABILITY_MAX_ROWS")
	setInt(&cfg.ObservabilityMaintenanceSeconds, "OBSERVABILITY_MAINTENANCE_SECONDS")

	setStr(&cfg.APIToken, "API_TOKEN")
	setInt(&cfg.APIMessageWaitSeconds, "API_MESSAGE_WAIT_SECONDS")
	setStr(&cfg.BindAddr, "BIND_ADDR")

	setInt(&cfg.SchedulerTickSeconds, "SCHEDULER_TICK_SECONDS")
	setInt(&cfg.SchedulerLeaseSeconds, "SCHEDULER_LEASE_SECONDS")

	setInt(&cfg.SliceDefaultCycles, "SLICE_DEFAULT_CYCLES")
	setInt(&cfg.SliceMaxRuntimeSeconds, "SLICE_MAX_RUNTIME_SECONDS")
	setInt(&cfg.SliceWorkerCount, "SLICE_WORKER_COUNT")
	setInt(&cfg.SignalPollerWorkerCount, "SIGNAL_POLLER_WORKER_COUNT")

	setStr(&cfg.FSMInitialState, "FSM_INITIAL_STATE")
	setInt(&cfg.ActionDeadlineSeconds, "ACTION_DEADLINE_SECONDS")

	setStr(&cfg.LogLevel, "LOG_LEVEL")

	setStr(&cfg.LLM.Provider, "LLM_PROVIDER")
	setStr(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setStr(&cfg.LLM.Model, "LLM_MODEL")
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}

	setStr(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
	if raw := os.Getenv("TELEGRAM_ALLOWED_IDS"); raw != "" {
		cfg.Telegram.AllowedIDs = parseInt64List(raw)
	}

	if raw := os.Getenv("OTEL_ENABLED"); raw != "" {
		cfg.Telemetry.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	setStr(&cfg.Telemetry.Exporter, "OTEL_EXPORTER")
	setStr(&cfg.Telemetry.Endpoint, "OTEL_ENDPOINT")
	setStr(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	if raw := os.Getenv("OTEL_SAMPLE_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Telemetry.SampleRate = v
		}
	}
}

func setStr(dst *string, envVar string) {
	if raw := os.Getenv(envVar); raw != "" {
		*dst = raw
	}
}

func setInt(dst *int, envVar string) {
	if raw := os.Getenv(envVar); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func parseInt64List(raw string) []int64 {
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if v, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
