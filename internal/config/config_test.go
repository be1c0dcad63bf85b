package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	t.Setenv("WS_URL", "")

	cfg := Load()
	assert.Equal(t, "http://localhost:8081", cfg.BackendURL)
	assert.Equal(t, "ws://localhost:8081", cfg.WSURL)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5, cfg.CacheCapacity)
	assert.Equal(t, 3, cfg.CachePersistSessions)
	assert.Equal(t, 50, cfg.CacheMaxMessages)
	assert.Equal(t, 1000, cfg.CacheMaxContent)
	assert.Equal(t, time.Duration(0), cfg.InputTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://magentic.example.com/")
	t.Setenv("CONNECT_TIMEOUT_MS", "250")
	t.Setenv("CACHE_CAPACITY", "not-a-number")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	assert.Equal(t, "wss://magentic.example.com", cfg.WSURL)
	assert.Equal(t, 250*time.Millisecond, cfg.ConnectTimeout)
	assert.Equal(t, 5, cfg.CacheCapacity)
	assert.Equal(t, 1, cfg.Verbosity())
}

func TestDeriveWSURLInvalid(t *testing.T) {
	assert.Equal(t, "", DeriveWSURL("not a url"))
}
