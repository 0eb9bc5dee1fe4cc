// Package config loads and validates the orchestrator configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestrator service.
type Config struct {
	Environment string           `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	Session     SessionConfig    `yaml:"session"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	LLM         LLMConfig        `yaml:"llm"`
	Intent      IntentConfig     `yaml:"intent"`
	Agents      AgentsConfig     `yaml:"agents"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Storage     StorageConfig    `yaml:"storage"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SessionConfig configures session lifecycle management.
type SessionConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	MaxHistory         int           `yaml:"max_history"`
	MaxSessionsPerUser int           `yaml:"max_sessions_per_user"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// RateLimitConfig configures sliding-window rate limiting.
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	// SharedDBPath points the shared SQLite backend at a file reachable by
	// all instances. Empty means in-process limiting only.
	SharedDBPath string `yaml:"shared_db_path"`
}

// LLMConfig configures the text-generation collaborator.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai | anthropic
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// IntentConfig configures intent classification.
type IntentConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// AgentsConfig holds the downstream agent endpoints.
type AgentsConfig struct {
	TramitesURL       string        `yaml:"tramites_url"`
	PQRSDURL          string        `yaml:"pqrsd_url"`
	ProgramasURL      string        `yaml:"programas_url"`
	NotificacionesURL string        `yaml:"notificaciones_url"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
}

// MonitoringConfig configures metric recording and alerting.
type MonitoringConfig struct {
	Enabled               bool          `yaml:"enabled"`
	ErrorRateThreshold    float64       `yaml:"error_rate_threshold"`
	ResponseTimeThreshold time.Duration `yaml:"response_time_threshold"`
	CPUThreshold          float64       `yaml:"cpu_threshold"`
	MemoryThreshold       float64       `yaml:"memory_threshold"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"` // sqlite file path
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns a configuration with production defaults applied.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8081,
		},
		Session: SessionConfig{
			Timeout:            24 * time.Hour,
			MaxHistory:         50,
			MaxSessionsPerUser: 5,
			SweepInterval:      time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			MaxRequests: 100,
			Window:      time.Hour,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
			CacheTTL:    5 * time.Minute,
		},
		Intent: IntentConfig{
			ConfidenceThreshold: 0.70,
		},
		Agents: AgentsConfig{
			TramitesURL:       "http://localhost:8082",
			PQRSDURL:          "http://localhost:8083",
			ProgramasURL:      "http://localhost:8084",
			NotificacionesURL: "http://localhost:8085",
			DispatchTimeout:   30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled:               true,
			ErrorRateThreshold:    0.05,
			ResponseTimeThreshold: 5 * time.Second,
			CPUThreshold:          80.0,
			MemoryThreshold:       80.0,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, expanding ${ENV} references, and merges it
// over the defaults. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be positive")
	}
	if c.Session.MaxHistory <= 0 {
		return fmt.Errorf("session.max_history must be positive")
	}
	if c.Session.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("session.max_sessions_per_user must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.max_requests must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
	}
	if c.Intent.ConfidenceThreshold < 0 || c.Intent.ConfidenceThreshold > 1 {
		return fmt.Errorf("intent.confidence_threshold %.2f out of [0,1]", c.Intent.ConfidenceThreshold)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider %q not supported", c.LLM.Provider)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q not supported", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required for the sqlite driver")
	}
	return nil
}
