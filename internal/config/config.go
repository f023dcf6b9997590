package config

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Feeds    FeedsConfig
}

// ServerConfig holds HTTP/MCP server configuration
type ServerConfig struct {
	HTTPAddr            string
	MCPMode             bool
	RateLimitDur        time.Duration
	RefreshInterval     time.Duration
	EnableManualRefresh bool
	RefreshCooldown     time.Duration
	RefreshOnceMode     bool
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	Backend   string // "memory" or "redis"
	TTL       time.Duration
	RedisAddr string
}

// DatabaseConfig holds PostgreSQL configuration for the optional archive.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Retention bounds archived article age. Zero keeps everything.
	Retention time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string
}

// FeedsConfig controls feed acquisition. It is read from the environment
// only.
type FeedsConfig struct {
	// Manifest is an http(s) URL or file path of the feed list. Empty means
	// look for feeds.json, then fall back to the built-in list.
	Manifest        string        `env:"FEEDS_MANIFEST"`
	ManifestTimeout time.Duration `env:"FEEDS_MANIFEST_TIMEOUT, default=10s"`

	// Proxies overrides the relay chain, in priority order.
	Proxies []string `env:"FEED_PROXIES"`

	APIKey        string        `env:"PROXY_API_KEY, default=temp_1234567890"`
	Origin        string        `env:"PROXY_ORIGIN, default=http://localhost:8080"`
	UserAgent     string        `env:"FEED_USER_AGENT, default=Samachar/1.0"`
	Timeout       time.Duration `env:"FEED_TIMEOUT, default=15s"`
	MaxBodyBytes  int64         `env:"FEED_MAX_BODY_BYTES, default=10485760"`
	MaxConcurrent int           `env:"FEED_MAX_CONCURRENT, default=0"`
	SeenCapacity  int           `env:"SEEN_LINKS_CAPACITY, default=10000"`
}

// Load parses flags and environment variables to build configuration
func Load() *Config {
	cfg := &Config{}

	// Define flags with defaults
	httpAddr := flag.String("http", ":8080", "HTTP server address")
	mcpMode := flag.Bool("mcp", false, "Run in MCP stdio mode")
	refreshOnce := flag.Bool("refresh-once", false, "Aggregate once, archive, and exit")
	refreshInterval := flag.Duration("refresh-interval", 15*time.Minute, "Background refresh interval (0 disables)")
	cacheTTL := flag.Duration("cache-ttl", 36*time.Hour, "Cache TTL for the news snapshot")
	cacheBackend := flag.String("cache-backend", "memory", "Cache backend: memory or redis")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis server address")
	rateLimitDur := flag.Duration("rate-limit", 250*time.Millisecond, "Minimum delay between requests to same relay host")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	dbEnabled := flag.Bool("archive", false, "Archive items in PostgreSQL")
	dbHost := flag.String("db-host", "localhost", "PostgreSQL host")
	dbPort := flag.Int("db-port", 5432, "PostgreSQL port")
	dbUser := flag.String("db-user", "postgres", "PostgreSQL user")
	dbPassword := flag.String("db-password", "postgres", "PostgreSQL password")
	dbName := flag.String("db-name", "samachar", "PostgreSQL database name")
	dbSSLMode := flag.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	retention := flag.Duration("archive-retention", 90*24*time.Hour, "Delete archived articles older than this on refresh-once runs (0 keeps all)")

	flag.Parse()

	applyEnvOverrides(httpAddr, mcpMode, refreshOnce, refreshInterval, cacheTTL, cacheBackend, redisAddr, rateLimitDur, logLevel, dbEnabled, dbHost, dbPort, dbUser, dbPassword, dbName, dbSSLMode)

	cfg.Server = ServerConfig{
		HTTPAddr:            *httpAddr,
		MCPMode:             *mcpMode,
		RateLimitDur:        *rateLimitDur,
		RefreshInterval:     *refreshInterval,
		EnableManualRefresh: envBool("ENABLE_MANUAL_REFRESH", true),
		RefreshCooldown:     envDuration("REFRESH_COOLDOWN", 2*time.Minute),
		RefreshOnceMode:     *refreshOnce,
	}

	cfg.Cache = CacheConfig{
		Backend:   *cacheBackend,
		TTL:       *cacheTTL,
		RedisAddr: *redisAddr,
	}

	cfg.Database = DatabaseConfig{
		Enabled:  *dbEnabled,
		Host:     *dbHost,
		Port:     *dbPort,
		User:     *dbUser,
		Password: *dbPassword,
		Database: *dbName,
		SSLMode:  *dbSSLMode,
	}
	cfg.Database.Retention = envDuration("ARCHIVE_RETENTION", *retention)

	cfg.Logging = LoggingConfig{
		Level: *logLevel,
	}

	return cfg
}

// LoadFeeds reads FeedsConfig from the environment.
func LoadFeeds(ctx context.Context) (FeedsConfig, error) {
	var feeds FeedsConfig
	if err := envconfig.Process(ctx, &feeds); err != nil {
		return FeedsConfig{}, fmt.Errorf("load feeds config: %w", err)
	}
	if feeds.Timeout <= 0 {
		return FeedsConfig{}, fmt.Errorf("load feeds config: FEED_TIMEOUT must be positive, got %s", feeds.Timeout)
	}
	if feeds.MaxBodyBytes <= 0 {
		return FeedsConfig{}, fmt.Errorf("load feeds config: FEED_MAX_BODY_BYTES must be positive, got %d", feeds.MaxBodyBytes)
	}
	return feeds, nil
}

func envBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return defaultValue
}

func applyEnvOverrides(
	httpAddr *string,
	mcpMode *bool,
	refreshOnce *bool,
	refreshInterval *time.Duration,
	cacheTTL *time.Duration,
	cacheBackend *string,
	redisAddr *string,
	rateLimitDur *time.Duration,
	logLevel *string,
	dbEnabled *bool,
	dbHost *string,
	dbPort *int,
	dbUser *string,
	dbPassword *string,
	dbName *string,
	dbSSLMode *string,
) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		*httpAddr = v
	}
	if v := os.Getenv("MCP_MODE"); v == "true" || v == "1" {
		*mcpMode = true
	}
	if v := os.Getenv("REFRESH_ONCE_MODE"); v == "true" || v == "1" {
		*refreshOnce = true
	}
	if v := os.Getenv("REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			*refreshInterval = d
		}
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*cacheTTL = d
		}
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		*cacheBackend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddr = v
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*rateLimitDur = d
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*logLevel = v
	}
	if v := os.Getenv("ARCHIVE_ENABLED"); v == "true" || v == "1" {
		*dbEnabled = true
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		*dbHost = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dbPort = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		*dbUser = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		*dbPassword = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		*dbName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		*dbSSLMode = v
	}
}
