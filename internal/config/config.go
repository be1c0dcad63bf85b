// Package config provides configuration for the run synchronization client.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// Backend settings
	BackendURL string // REST base URL for sessions, settings and runs
	WSURL      string // WebSocket base URL, derived from BackendURL when empty
	UserID     string

	// WebSocket settings
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64

	// Session cache settings
	CacheDSN             string
	CacheCapacity        int // sessions kept in memory
	CachePersistSessions int // sessions written to storage
	CacheMaxMessages     int
	CacheMaxContent      int
	CacheQuotaBytes      int

	// Run lifecycle
	InputTimeout time.Duration // 0 disables the input timeout notice
	ErrorGrace   time.Duration

	// Local HTTP server for health and metrics
	HTTPPort int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		BackendURL:           getEnv("BACKEND_URL", "http://localhost:8081"),
		WSURL:                getEnv("WS_URL", ""),
		UserID:               getEnv("USER_ID", ""),
		ConnectTimeout:       time.Duration(getEnvInt("CONNECT_TIMEOUT_MS", 5000)) * time.Millisecond,
		WriteTimeout:         time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		PingInterval:         time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		MaxMessageSize:       int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		CacheDSN:             getEnv("CACHE_DSN", "file:runsync.db?cache=shared&mode=rwc"),
		CacheCapacity:        getEnvInt("CACHE_CAPACITY", 5),
		CachePersistSessions: getEnvInt("CACHE_PERSIST_SESSIONS", 3),
		CacheMaxMessages:     getEnvInt("CACHE_MAX_MESSAGES", 50),
		CacheMaxContent:      getEnvInt("CACHE_MAX_CONTENT", 1000),
		CacheQuotaBytes:      getEnvInt("CACHE_QUOTA_BYTES", 5<<20),
		InputTimeout:         time.Duration(getEnvInt("INPUT_TIMEOUT_MS", 0)) * time.Millisecond,
		ErrorGrace:           time.Duration(getEnvInt("ERROR_GRACE_MS", 2000)) * time.Millisecond,
		HTTPPort:             getEnvInt("HTTP_PORT", 8092),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
	if cfg.WSURL == "" {
		cfg.WSURL = DeriveWSURL(cfg.BackendURL)
	}
	return cfg
}

// DeriveWSURL maps an http(s) base URL onto the matching ws(s) scheme.
func DeriveWSURL(backendURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(backendURL))
	if err != nil || parsed.Host == "" {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	return strings.TrimSuffix(parsed.String(), "/")
}

// Verbosity maps LogLevel onto a logr verbosity threshold.
func (c *Config) Verbosity() int {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "trace":
		return 1
	default:
		return 0
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
