// Package config provides configuration management for the bypass service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration for the bypass service.
type Config struct {
	// Server settings
	Port      int
	LogLevel  string
	LogFormat string

	// Browser pool settings (local renderer)
	BrowserPoolSize    int
	BrowserIdleTimeout time.Duration
	BrowserMaxRequests int
	BrowserMaxAge      time.Duration
	ChromePath         string
	Headless           bool

	// Remote solver (FlareSolverr-compatible). Empty URL selects the local renderer.
	SolverURL     string
	SolverSecret  string
	SolverTimeout time.Duration

	// Authentication
	APISecret            string // HMAC secret for X-Refyne-* signed headers
	JWTSecret            string // HS256 secret for bearer tokens
	RequiredScope        string // Scope a bearer token must carry
	AllowUnauthenticated bool

	// Idle shutdown (0 disables)
	IdleTimeout time.Duration

	// Host stats persistence (empty path keeps stats in memory only)
	StatsDBPath          string
	StatsPersistInterval time.Duration

	// Proxy list sources
	ProxyListFile        string
	ProxyListS3Bucket    string
	ProxyListS3Key       string
	ProxyRefreshInterval time.Duration

	// Runtime log filters (JSON) in the same bucket; empty key disables
	LogFiltersS3Key string

	// S3 connection
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Fetch endpoint
	FetchTimeout   time.Duration
	FetchRateLimit int // requests per minute per IP

	// Initial runtime settings
	Settings Settings
}

// Load creates a Config from environment variables with sensible defaults.
// A .env file in the working directory is read first if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnvInt("PORT", 8192),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", ""),
		BrowserPoolSize:      getEnvInt("BROWSER_POOL_SIZE", 3),
		BrowserIdleTimeout:   getEnvDuration("BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		BrowserMaxRequests:   getEnvInt("BROWSER_MAX_REQUESTS", 100),
		BrowserMaxAge:        getEnvDuration("BROWSER_MAX_AGE", 30*time.Minute),
		ChromePath:           getEnv("CHROME_PATH", ""),
		Headless:             getEnvBool("BROWSER_HEADLESS", true),
		SolverURL:            strings.TrimSuffix(getEnv("SOLVER_URL", ""), "/"),
		SolverSecret:         getEnv("SOLVER_SECRET", ""),
		SolverTimeout:        getEnvDuration("SOLVER_TIMEOUT", 120*time.Second),
		APISecret:            getEnv("API_SECRET", ""),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		RequiredScope:        getEnv("REQUIRED_SCOPE", "bypass"),
		AllowUnauthenticated: getEnvBool("ALLOW_UNAUTHENTICATED", false),
		IdleTimeout:          getEnvDuration("IDLE_TIMEOUT", 0),
		StatsDBPath:          getEnv("STATS_DB_PATH", ""),
		StatsPersistInterval: getEnvDuration("STATS_PERSIST_INTERVAL", time.Minute),
		ProxyListFile:        getEnv("PROXY_LIST_FILE", ""),
		ProxyListS3Bucket:    getEnv("PROXY_LIST_S3_BUCKET", ""),
		ProxyListS3Key:       getEnv("PROXY_LIST_S3_KEY", "proxies.yaml"),
		ProxyRefreshInterval: getEnvDuration("PROXY_REFRESH_INTERVAL", 5*time.Minute),
		LogFiltersS3Key:      getEnv("LOG_FILTERS_S3_KEY", ""),
		S3Region:             getEnv("S3_REGION", "auto"),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3AccessKey:          getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:          getEnv("S3_SECRET_KEY", ""),
		FetchTimeout:         getEnvDuration("FETCH_TIMEOUT", 3*time.Minute),
		FetchRateLimit:       getEnvInt("FETCH_RATE_LIMIT", 30),
		Settings:             settingsFromEnv(),
	}
}

// settingsFromEnv builds the initial runtime settings. Invalid values fall back to defaults.
func settingsFromEnv() Settings {
	s := DefaultSettings()
	s.CacheEnabled = getEnvBool("BYPASS_CACHE_ENABLED", s.CacheEnabled)
	s.CacheTTL = getEnvDuration("BYPASS_CACHE_TTL", s.CacheTTL)
	s.Strategy = getEnv("BYPASS_STRATEGY", s.Strategy)
	s.MaxRetries = getEnvInt("BYPASS_MAX_RETRIES", s.MaxRetries)
	s.ProxyEnabled = getEnvBool("BYPASS_PROXY_ENABLED", s.ProxyEnabled)
	s.RandomizeFingerprint = getEnvBool("BYPASS_RANDOMIZE_FINGERPRINT", s.RandomizeFingerprint)
	s.AggressiveEvasions = getEnvBool("BYPASS_AGGRESSIVE_EVASIONS", s.AggressiveEvasions)
	s.CustomUserAgent = getEnv("BYPASS_USER_AGENT", s.CustomUserAgent)

	if err := s.Validate(); err != nil {
		return DefaultSettings()
	}
	return s
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
