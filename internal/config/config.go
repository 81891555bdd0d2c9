// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CacheStrategy selects the cache fabric eviction strategy.
type CacheStrategy string

const (
	StrategyLRU    CacheStrategy = "lru"
	StrategyLFU    CacheStrategy = "lfu"
	StrategyHybrid CacheStrategy = "hybrid"
)

// RateLimitConfig bounds outbound calls to an external provider.
type RateLimitConfig struct {
	MaxRequests int
	WindowMs    int
}

// RetryConfig controls retry behavior for external fetchers.
type RetryConfig struct {
	Attempts       int
	InitialDelayMs int
	BackoffFactor  float64
	Jitter         bool
}

// OpenMeteoConfig holds weather provider configuration.
type OpenMeteoConfig struct {
	BaseURL      string
	GeocodingURL string
	RateLimit    RateLimitConfig
	Retry        RetryConfig
}

// AIConfig holds the LLM provider configuration.
type AIConfig struct {
	Provider string
	APIKey   string
	Timeout  time.Duration
}

// CacheConfig holds cache fabric configuration.
type CacheConfig struct {
	MaxSize     int
	DefaultTTL  time.Duration
	Strategy    CacheStrategy
	MemoryLimit int64
}

// SchedulerConfig tunes the weather background scheduler.
type SchedulerConfig struct {
	MaxConcurrentTasks int
	RetryAttempts      int
	InitialBackoff     time.Duration
	TickInterval       time.Duration
}

// BackupConfig holds off-site backup configuration (S3-compatible storage).
type BackupConfig struct {
	Enabled         bool
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetainDaily     int
}

// Config holds application configuration
type Config struct {
	DataDir              string // Base directory for all databases (always absolute)
	Port                 int
	DevMode              bool
	Production           bool
	LogLevel             string
	AuthDisabled         bool
	DisableExternalCalls bool
	SessionSecret        string
	TokenSecret          string
	OpenMeteo            OpenMeteoConfig
	AI                   AIConfig
	Cache                CacheConfig
	Scheduler            SchedulerConfig
	Backup               BackupConfig
}

// placeholderPatterns are secret prefixes/values that must never reach
// production. Matching is case-insensitive.
var placeholderPatterns = []string{
	"dev-", "change-me", "placeholder", "example", "test-", "your-",
	"insert-", "replace-",
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("CELLAR_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:              absDataDir,
		Port:                 getEnvAsInt("PORT", 8080),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		Production:           getEnv("APP_ENV", "development") == "production",
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		AuthDisabled:         getEnvAsBool("AUTH_DISABLED", false),
		DisableExternalCalls: getEnvAsBool("DISABLE_EXTERNAL_CALLS", false),
		SessionSecret:        getEnv("SESSION_SECRET", ""),
		TokenSecret:          getEnv("TOKEN_SECRET", ""),
		OpenMeteo: OpenMeteoConfig{
			BaseURL:      getEnv("OPENMETEO_BASE_URL", "https://archive-api.open-meteo.com/v1/archive"),
			GeocodingURL: getEnv("OPENMETEO_GEOCODING_URL", "https://geocoding-api.open-meteo.com/v1/search"),
			RateLimit: RateLimitConfig{
				MaxRequests: getEnvAsInt("OPENMETEO_RATE_MAX_REQUESTS", 60),
				WindowMs:    getEnvAsInt("OPENMETEO_RATE_WINDOW_MS", 60000),
			},
			Retry: RetryConfig{
				Attempts:       getEnvAsInt("OPENMETEO_RETRY_ATTEMPTS", 3),
				InitialDelayMs: getEnvAsInt("OPENMETEO_RETRY_INITIAL_DELAY_MS", 500),
				BackoffFactor:  getEnvAsFloat("OPENMETEO_RETRY_BACKOFF_FACTOR", 2.0),
				Jitter:         getEnvAsBool("OPENMETEO_RETRY_JITTER", true),
			},
		},
		AI: AIConfig{
			Provider: getEnv("AI_PROVIDER", ""),
			APIKey:   getEnv("AI_API_KEY", ""),
			Timeout:  time.Duration(getEnvAsInt("AI_TIMEOUT_MS", 30000)) * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxSize:     getEnvAsInt("CACHE_MAX_SIZE", 10000),
			DefaultTTL:  time.Duration(getEnvAsInt("CACHE_DEFAULT_TTL_SECONDS", 86400)) * time.Second,
			Strategy:    CacheStrategy(getEnv("CACHE_STRATEGY", string(StrategyHybrid))),
			MemoryLimit: int64(getEnvAsInt("CACHE_MEMORY_LIMIT_BYTES", 64*1024*1024)),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: getEnvAsInt("SCHEDULER_MAX_CONCURRENT_TASKS", 2),
			RetryAttempts:      getEnvAsInt("SCHEDULER_RETRY_ATTEMPTS", 3),
			InitialBackoff:     time.Duration(getEnvAsInt("SCHEDULER_INITIAL_BACKOFF_MS", 2000)) * time.Millisecond,
			TickInterval:       time.Duration(getEnvAsInt("SCHEDULER_TICK_INTERVAL_MS", 1000)) * time.Millisecond,
		},
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			RetainDaily:     getEnvAsInt("BACKUP_RETAIN_DAILY", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency. Secret violations and
// auth-disabled are fatal in production; in development they are tolerated so
// local setups keep working.
func (c *Config) Validate() error {
	switch c.Cache.Strategy {
	case StrategyLRU, StrategyLFU, StrategyHybrid:
	default:
		return fmt.Errorf("invalid cache strategy %q (expected lru, lfu or hybrid)", c.Cache.Strategy)
	}

	if c.AuthDisabled && c.Production {
		return fmt.Errorf("AUTH_DISABLED is not accepted in production")
	}

	if c.Production {
		if err := validateSecret("SESSION_SECRET", c.SessionSecret); err != nil {
			return err
		}
		if err := validateSecret("TOKEN_SECRET", c.TokenSecret); err != nil {
			return err
		}
		if c.SessionSecret == c.TokenSecret {
			return fmt.Errorf("SESSION_SECRET and TOKEN_SECRET must differ")
		}
	}

	return nil
}

// validateSecret enforces the production secret rules: minimum length and no
// known placeholder patterns.
func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters", name)
	}
	lower := strings.ToLower(value)
	for _, pattern := range placeholderPatterns {
		if strings.HasPrefix(lower, pattern) || lower == strings.TrimSuffix(pattern, "-") {
			return fmt.Errorf("%s matches placeholder pattern %q", name, pattern)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
