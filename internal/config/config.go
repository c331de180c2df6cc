// Package config loads deskpilot settings from an optional YAML file with
// environment variable overrides. Env wins over file, file wins over
// defaults. A missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// Admission.
	MaxInstructionLen int `yaml:"max_instruction_len"` // code points, after trimming

	// Concurrency.
	MaxConcurrent int `yaml:"max_concurrent"` // desktop is a singleton; default 1
	QueueCap      int `yaml:"queue_cap"`

	// Plan cache.
	CacheDir     string        `yaml:"cache_dir"` // empty disables persistence
	MaxCacheSize int           `yaml:"max_cache_size"`
	SimThreshold float64       `yaml:"sim_threshold"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`

	// Runner timeouts and budgets.
	PlanTimeout time.Duration `yaml:"plan_timeout"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	PlanRetries int           `yaml:"plan_retries"`
	StepRetries int           `yaml:"step_retries"`
	PlanBackoff time.Duration `yaml:"plan_backoff"`
	StepBackoff time.Duration `yaml:"step_backoff"`

	// Event bus.
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	StreamGrace      time.Duration `yaml:"stream_grace"`

	// History.
	HistoryDir       string `yaml:"history_dir"`
	HistoryRetention int    `yaml:"history_retention"` // sessions kept; 0 disables trim

	// Desktop driver.
	DriverCommand string `yaml:"driver_command"`

	// LLM endpoints (OpenAI-compatible). API keys come from env only.
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	EmbedModel string `yaml:"embed_model"`
	APIKey     string `yaml:"-"`

	// Logging.
	LogLevel string `yaml:"log_level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MaxInstructionLen: 10_000,
		MaxConcurrent:     1,
		QueueCap:          10,
		CacheDir:          "",
		MaxCacheSize:      100,
		SimThreshold:      0.95,
		CacheTTL:          24 * time.Hour,
		PlanTimeout:       30 * time.Second,
		StepTimeout:       15 * time.Second,
		PlanRetries:       3,
		StepRetries:       3,
		PlanBackoff:       time.Second,
		StepBackoff:       time.Second,
		SubscriberBuffer:  256,
		StreamGrace:       30 * time.Second,
		HistoryDir:        "deskpilot_history",
		HistoryRetention:  0,
		DriverCommand:     "deskpilot-driver",
		EmbedModel:        "text-embedding-3-small",
		LogLevel:          "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// optional file
		case err != nil:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("DESKPILOT_MAX_INSTRUCTION_LEN", &c.MaxInstructionLen)
	envInt("DESKPILOT_MAX_CONCURRENT", &c.MaxConcurrent)
	envInt("DESKPILOT_QUEUE_CAP", &c.QueueCap)
	envStr("DESKPILOT_CACHE_DIR", &c.CacheDir)
	envInt("DESKPILOT_MAX_CACHE_SIZE", &c.MaxCacheSize)
	envFloat("DESKPILOT_SIM_THRESHOLD", &c.SimThreshold)
	envDur("DESKPILOT_CACHE_TTL", &c.CacheTTL)
	envDur("DESKPILOT_PLAN_TIMEOUT", &c.PlanTimeout)
	envDur("DESKPILOT_STEP_TIMEOUT", &c.StepTimeout)
	envInt("DESKPILOT_PLAN_RETRIES", &c.PlanRetries)
	envInt("DESKPILOT_STEP_RETRIES", &c.StepRetries)
	envDur("DESKPILOT_PLAN_BACKOFF", &c.PlanBackoff)
	envDur("DESKPILOT_STEP_BACKOFF", &c.StepBackoff)
	envInt("DESKPILOT_SUBSCRIBER_BUFFER", &c.SubscriberBuffer)
	envDur("DESKPILOT_STREAM_GRACE", &c.StreamGrace)
	envStr("DESKPILOT_HISTORY_DIR", &c.HistoryDir)
	envInt("DESKPILOT_HISTORY_RETENTION", &c.HistoryRetention)
	envStr("DESKPILOT_DRIVER", &c.DriverCommand)
	envStr("OPENAI_BASE_URL", &c.BaseURL)
	envStr("OPENAI_MODEL", &c.Model)
	envStr("DESKPILOT_EMBED_MODEL", &c.EmbedModel)
	envStr("OPENAI_API_KEY", &c.APIKey)
	envStr("DESKPILOT_LOG_LEVEL", &c.LogLevel)
}

func (c *Config) validate() error {
	if c.MaxInstructionLen <= 0 {
		return fmt.Errorf("config: max_instruction_len must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be positive")
	}
	// Zero is allowed: admission then succeeds only when a worker is idle.
	if c.QueueCap < 0 {
		return fmt.Errorf("config: queue_cap must not be negative")
	}
	if c.SimThreshold < -1 || c.SimThreshold > 1 {
		return fmt.Errorf("config: sim_threshold must be within [-1, 1]")
	}
	if c.PlanRetries <= 0 || c.StepRetries <= 0 {
		return fmt.Errorf("config: retry counts must be positive")
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
