package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Realtime    RealtimeConfig `toml:"realtime"`
	Broker      BrokerConfig   `toml:"broker"`
	Storage     StorageConfig  `toml:"storage"`
	Logging     LoggingConfig  `toml:"logging"`
	Auth        AuthConfig     `toml:"auth"`
	Gemini      GeminiConfig   `toml:"gemini"`
	Claude      ClaudeConfig   `toml:"claude"`
	LLM         LLMConfig      `toml:"llm"`
	Manager     ManagerConfig  `toml:"manager"`
	Pipeline    PipelineConfig `toml:"pipeline"`
	Workers     WorkersConfig  `toml:"workers"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RealtimeConfig configures the websocket gateway.
type RealtimeConfig struct {
	Port              int      `toml:"port"`
	AllowedOrigins    []string `toml:"allowed_origins"`
	HeartbeatInterval string   `toml:"heartbeat_interval"` // e.g. "60s"
	IdleTimeout       string   `toml:"idle_timeout"`       // e.g. "5m"
	MetricsInterval   string   `toml:"metrics_interval"`   // e.g. "30s"
	ProgressThrottle  string   `toml:"progress_throttle"`  // min interval between job_progress frames
}

// BrokerConfig configures the in-memory broker and its backing handshake.
type BrokerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Password     string `toml:"password"`
	PollInterval string `toml:"poll_interval"` // e.g. "100ms" - dispatch loop tick
	MaxBackoff   string `toml:"max_backoff"`   // e.g. "5m" - retry backoff cap
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// AuthConfig holds the shared secret used to verify realtime bearer tokens.
type AuthConfig struct {
	Secret   string `toml:"secret"`
	TokenTTL string `toml:"token_ttl"` // e.g. "24h"
}

type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	EmbedModel  string  `toml:"embed_model"`
	Temperature float32 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
}

type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float32 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
}

// LLMConfig selects the default provider and maps requested model families
// onto configured backends.
type LLMConfig struct {
	DefaultProvider string            `toml:"default_provider"` // "gemini" or "claude"
	FamilyModels    map[string]string `toml:"family_models"`    // family -> model override
	MaxRetries      int               `toml:"max_retries"`
}

// ManagerConfig configures the queue manager's supervisory loops.
type ManagerConfig struct {
	HealthInterval    string `toml:"health_interval"`    // default "30s"
	ProgressInterval  string `toml:"progress_interval"`  // default "5s"
	StuckThreshold    string `toml:"stuck_threshold"`    // default "10m"
	RetryWindow       string `toml:"retry_window"`       // default "24h"
	SweepAge          string `toml:"sweep_age"`          // default "168h"
	ShutdownGrace     string `toml:"shutdown_grace"`     // default "30s"
	CleanupSchedule   string `toml:"cleanup_schedule"`   // cron expression, optional
}

// PipelineConfig is the process-wide pipeline configuration record.
type PipelineConfig struct {
	EnableAutoClassification bool   `toml:"enable_auto_classification"`
	EnableAutoOptimization   bool   `toml:"enable_auto_optimization"`
	EnableDuplicateDetection bool   `toml:"enable_duplicate_detection"`
	EnableQualityAssessment  bool   `toml:"enable_quality_assessment"`
	BatchSize                int    `toml:"batch_size"`
	Priority                 string `toml:"priority"`
}

// WorkersConfig allows per-type concurrency overrides.
type WorkersConfig struct {
	Concurrency map[string]int `toml:"concurrency"` // job type -> max in-flight
}

// DefaultConfig returns a configuration with production defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Realtime: RealtimeConfig{
			Port:              8080,
			AllowedOrigins:    []string{"http://localhost:8080"},
			HeartbeatInterval: "60s",
			IdleTimeout:       "5m",
			MetricsInterval:   "30s",
			ProgressThrottle:  "250ms",
		},
		Broker: BrokerConfig{
			Host:         "localhost",
			Port:         6379,
			PollInterval: "100ms",
			MaxBackoff:   "5m",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/quill"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Auth: AuthConfig{
			TokenTTL: "24h",
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.0-flash",
			EmbedModel:  "text-embedding-004",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     "60s",
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     "60s",
		},
		LLM: LLMConfig{
			DefaultProvider: "gemini",
			MaxRetries:      2,
		},
		Manager: ManagerConfig{
			HealthInterval:   "30s",
			ProgressInterval: "5s",
			StuckThreshold:   "10m",
			RetryWindow:      "24h",
			SweepAge:         "168h",
			ShutdownGrace:    "30s",
		},
		Pipeline: PipelineConfig{
			EnableAutoClassification: true,
			EnableAutoOptimization:   true,
			EnableDuplicateDetection: true,
			EnableQualityAssessment:  true,
			BatchSize:                10,
			Priority:                 "normal",
		},
		Workers: WorkersConfig{
			Concurrency: map[string]int{},
		},
	}
}

// LoadConfig reads a TOML configuration file (when path is non-empty) over
// the defaults, then applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies QUILL_-prefixed overrides plus the plain
// deployment variables recognized for container environments.
func applyEnvOverrides(config *Config) {
	// Plain deployment variables.
	if v := os.Getenv("BROKER_HOST"); v != "" {
		config.Broker.Host = v
	}
	if v := os.Getenv("BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Broker.Port = port
		}
	}
	if v := os.Getenv("BROKER_PASSWORD"); v != "" {
		config.Broker.Password = v
	}
	if v := os.Getenv("REALTIME_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Realtime.Port = port
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		config.Realtime.AllowedOrigins = origins
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		config.Auth.Secret = v
	}

	// QUILL_-prefixed overrides.
	if v := os.Getenv("QUILL_ENVIRONMENT"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("QUILL_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("QUILL_GEMINI_API_KEY"); v != "" {
		config.Gemini.APIKey = v
	}
	if v := os.Getenv("QUILL_CLAUDE_API_KEY"); v != "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && config.Claude.APIKey == "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && config.Gemini.APIKey == "" {
		config.Gemini.APIKey = v
	}
}

// Validate checks configuration consistency before services start.
func (c *Config) Validate() error {
	if c.Realtime.Port <= 0 || c.Realtime.Port > 65535 {
		return fmt.Errorf("invalid realtime port: %d", c.Realtime.Port)
	}
	if c.Storage.Badger.Path == "" {
		return fmt.Errorf("storage badger path is required")
	}
	switch c.LLM.DefaultProvider {
	case "gemini", "claude":
	default:
		return fmt.Errorf("invalid default LLM provider: %s", c.LLM.DefaultProvider)
	}
	if c.Manager.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.Manager.CleanupSchedule); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", c.Manager.CleanupSchedule, err)
		}
	}
	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = 10
	}
	return nil
}
