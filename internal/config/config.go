// Package config provides configuration management for crmsync.
// It loads settings from environment variables with the CRMSYNC_ prefix
// and provides sensible defaults for all configuration options.
//
// An optional YAML file can be layered underneath the environment:
// LoadConfigFile reads the file first and environment variables still win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the crmsync application.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	RecordStore RecordStoreConfig `yaml:"record_store"`
	LLM         LLMConfig         `yaml:"llm"`
	Limits      LimitsConfig      `yaml:"limits"`
	Cache       CacheConfig       `yaml:"cache"`
	Engine      EngineConfig      `yaml:"engine"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP host configuration.
type ServerConfig struct {
	Port              int     `yaml:"port"`                // Server port (default: 6464)
	Host              string  `yaml:"host"`                // Server host (default: 127.0.0.1)
	SecurityMode      string  `yaml:"security_mode"`       // development, production (default: development)
	APIToken          string  `yaml:"api_token"`           // Bearer token required in production mode
	RequestsPerSecond float64 `yaml:"requests_per_second"` // Per-host request rate (default: 5)
	Burst             int     `yaml:"burst"`               // Request burst (default: 10)
}

// RecordStoreConfig selects and configures the record store backend.
type RecordStoreConfig struct {
	Backend     string        `yaml:"backend"`      // attio, sqlite, postgres (default: attio)
	BaseURL     string        `yaml:"base_url"`     // Attio API base URL (default: https://api.attio.com/v2)
	APIKey      string        `yaml:"api_key"`      // Attio access token
	DSN         string        `yaml:"dsn"`          // SQL data source (default: file:crmsync.db)
	Timeout     time.Duration `yaml:"timeout"`      // HTTP timeout (default: 30s)
	SeedFile    string        `yaml:"seed_file"`    // Optional YAML seed for SQL backends
	OpenAPIPath string        `yaml:"openapi_path"` // Optional OpenAPI document for creation templates
}

// LLMConfig contains language model provider configuration.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`    // openai, groq, anthropic, ollama (default: openai)
	APIKey      string        `yaml:"api_key"`     // Provider API key
	Model       string        `yaml:"model"`       // Model name (provider default when empty)
	BaseURL     string        `yaml:"base_url"`    // Provider base URL override
	Timeout     time.Duration `yaml:"timeout"`     // Request timeout (default: 60s)
	Temperature float64       `yaml:"temperature"` // Sampling temperature (default: 0.1)
}

// LimitsConfig contains the sliding-window budgets for outbound calls.
type LimitsConfig struct {
	StoreRequestsPerWindow int           `yaml:"store_requests_per_window"` // default: 25
	ModelRequestsPerWindow int           `yaml:"model_requests_per_window"` // default: 30
	Window                 time.Duration `yaml:"window"`                    // default: 1s for the store, shared
	ModelWindow            time.Duration `yaml:"model_window"`              // default: 1m
	RetryBackoff           time.Duration `yaml:"retry_backoff"`             // default: 2s
}

// CacheConfig contains response cache lifetimes.
type CacheConfig struct {
	StoreTTL      time.Duration `yaml:"store_ttl"`      // default: 5m
	ModelTTL      time.Duration `yaml:"model_ttl"`      // default: 10m
	ResolutionTTL time.Duration `yaml:"resolution_ttl"` // default: 1h
	MaxEntries    int           `yaml:"max_entries"`    // default: 1000
}

// EngineConfig tunes extraction and resolution.
type EngineConfig struct {
	MaxCatalogObjects    int `yaml:"max_catalog_objects"`   // default: 10
	SearchPageSize       int `yaml:"search_page_size"`      // default: 100
	DiscoveryConcurrency int `yaml:"discovery_concurrency"` // default: 4
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Mode  string `yaml:"mode"`  // development, production (default: development)
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// All environment variables use the CRMSYNC_ prefix.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads configuration from a YAML file, then applies environment
// overrides. An empty path behaves like LoadConfig.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return LoadConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.RecordStore.Backend {
	case "attio", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported record store backend %q", c.RecordStore.Backend)
	}
	switch c.LLM.Provider {
	case "openai", "groq", "anthropic", "ollama":
	default:
		return fmt.Errorf("config: unsupported LLM provider %q", c.LLM.Provider)
	}
	if c.Limits.StoreRequestsPerWindow < 1 {
		return fmt.Errorf("config: store_requests_per_window must be >= 1, got %d", c.Limits.StoreRequestsPerWindow)
	}
	if c.Limits.ModelRequestsPerWindow < 1 {
		return fmt.Errorf("config: model_requests_per_window must be >= 1, got %d", c.Limits.ModelRequestsPerWindow)
	}
	if c.Limits.Window <= 0 || c.Limits.ModelWindow <= 0 {
		return errors.New("config: rate limit windows must be positive")
	}
	if c.Cache.StoreTTL <= 0 || c.Cache.ModelTTL <= 0 || c.Cache.ResolutionTTL <= 0 {
		return errors.New("config: cache TTLs must be positive")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: max_entries must be >= 1, got %d", c.Cache.MaxEntries)
	}
	if c.Engine.SearchPageSize < 1 {
		return fmt.Errorf("config: search_page_size must be >= 1, got %d", c.Engine.SearchPageSize)
	}
	return nil
}

// IsProduction reports whether the host should enforce bearer authentication.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.SecurityMode, "production")
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              6464,
			Host:              "127.0.0.1",
			SecurityMode:      "development",
			RequestsPerSecond: 5,
			Burst:             10,
		},
		RecordStore: RecordStoreConfig{
			Backend: "attio",
			BaseURL: "https://api.attio.com/v2",
			DSN:     "file:crmsync.db",
			Timeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Timeout:     60 * time.Second,
			Temperature: 0.1,
		},
		Limits: LimitsConfig{
			StoreRequestsPerWindow: 25,
			ModelRequestsPerWindow: 30,
			Window:                 time.Second,
			ModelWindow:            time.Minute,
			RetryBackoff:           2 * time.Second,
		},
		Cache: CacheConfig{
			StoreTTL:      5 * time.Minute,
			ModelTTL:      10 * time.Minute,
			ResolutionTTL: time.Hour,
			MaxEntries:    1000,
		},
		Engine: EngineConfig{
			MaxCatalogObjects:    10,
			SearchPageSize:       100,
			DiscoveryConcurrency: 4,
		},
		Logging: LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
	}
}

// applyEnv overlays CRMSYNC_ environment variables onto cfg. Current field
// values act as defaults so a file-loaded config keeps its settings.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("CRMSYNC_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("CRMSYNC_HOST", cfg.Server.Host)
	cfg.Server.SecurityMode = getEnv("CRMSYNC_SECURITY_MODE", cfg.Server.SecurityMode)
	cfg.Server.APIToken = getEnv("CRMSYNC_API_TOKEN", cfg.Server.APIToken)
	cfg.Server.RequestsPerSecond = getEnvFloat("CRMSYNC_REQUESTS_PER_SECOND", cfg.Server.RequestsPerSecond)
	cfg.Server.Burst = getEnvInt("CRMSYNC_BURST", cfg.Server.Burst)

	cfg.RecordStore.Backend = getEnv("CRMSYNC_STORE_BACKEND", cfg.RecordStore.Backend)
	cfg.RecordStore.BaseURL = getEnv("CRMSYNC_ATTIO_URL", cfg.RecordStore.BaseURL)
	cfg.RecordStore.APIKey = getEnv("CRMSYNC_ATTIO_API_KEY", cfg.RecordStore.APIKey)
	cfg.RecordStore.DSN = getEnv("CRMSYNC_STORE_DSN", cfg.RecordStore.DSN)
	cfg.RecordStore.Timeout = getEnvDuration("CRMSYNC_STORE_TIMEOUT", cfg.RecordStore.Timeout)
	cfg.RecordStore.SeedFile = getEnv("CRMSYNC_SEED_FILE", cfg.RecordStore.SeedFile)
	cfg.RecordStore.OpenAPIPath = getEnv("CRMSYNC_OPENAPI_PATH", cfg.RecordStore.OpenAPIPath)

	cfg.LLM.Provider = getEnv("CRMSYNC_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.APIKey = getEnv("CRMSYNC_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = getEnv("CRMSYNC_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = getEnv("CRMSYNC_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Timeout = getEnvDuration("CRMSYNC_LLM_TIMEOUT", cfg.LLM.Timeout)
	cfg.LLM.Temperature = getEnvFloat("CRMSYNC_LLM_TEMPERATURE", cfg.LLM.Temperature)

	cfg.Limits.StoreRequestsPerWindow = getEnvInt("CRMSYNC_STORE_RATE_LIMIT", cfg.Limits.StoreRequestsPerWindow)
	cfg.Limits.ModelRequestsPerWindow = getEnvInt("CRMSYNC_MODEL_RATE_LIMIT", cfg.Limits.ModelRequestsPerWindow)
	cfg.Limits.Window = getEnvDuration("CRMSYNC_STORE_RATE_WINDOW", cfg.Limits.Window)
	cfg.Limits.ModelWindow = getEnvDuration("CRMSYNC_MODEL_RATE_WINDOW", cfg.Limits.ModelWindow)
	cfg.Limits.RetryBackoff = getEnvDuration("CRMSYNC_RETRY_BACKOFF", cfg.Limits.RetryBackoff)

	cfg.Cache.StoreTTL = getEnvDuration("CRMSYNC_STORE_CACHE_TTL", cfg.Cache.StoreTTL)
	cfg.Cache.ModelTTL = getEnvDuration("CRMSYNC_MODEL_CACHE_TTL", cfg.Cache.ModelTTL)
	cfg.Cache.ResolutionTTL = getEnvDuration("CRMSYNC_RESOLUTION_CACHE_TTL", cfg.Cache.ResolutionTTL)
	cfg.Cache.MaxEntries = getEnvInt("CRMSYNC_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)

	cfg.Engine.MaxCatalogObjects = getEnvInt("CRMSYNC_MAX_CATALOG_OBJECTS", cfg.Engine.MaxCatalogObjects)
	cfg.Engine.SearchPageSize = getEnvInt("CRMSYNC_SEARCH_PAGE_SIZE", cfg.Engine.SearchPageSize)
	cfg.Engine.DiscoveryConcurrency = getEnvInt("CRMSYNC_DISCOVERY_CONCURRENCY", cfg.Engine.DiscoveryConcurrency)

	cfg.Logging.Mode = getEnv("CRMSYNC_LOG_MODE", cfg.Logging.Mode)
	cfg.Logging.Level = getEnv("CRMSYNC_LOG_LEVEL", cfg.Logging.Level)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "5m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
