package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 3215, cfg.Port)
	assert.Equal(t, "chatwire.db", cfg.DBPath)
	assert.Equal(t, 40000, cfg.MediaPortStart)
	assert.Equal(t, 40999, cfg.MediaPortEnd)
	assert.False(t, cfg.CloseDisplaced)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHATWIRE_PORT", "4000")
	t.Setenv("CHATWIRE_DB_PATH", "/tmp/x.db")
	t.Setenv("CHATWIRE_MAX_CONNECTIONS", "not-a-number")
	t.Setenv("CHATWIRE_CLOSE_DISPLACED", "yes")
	t.Setenv("CHATWIRE_MEDIA_HOST", "10.0.0.5")

	cfg := Load()

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, 1024, cfg.MaxConnections, "malformed value keeps the default")
	assert.True(t, cfg.CloseDisplaced)
	assert.Equal(t, "10.0.0.5", cfg.MediaHost)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CHATWIRE_HOST", "chat.lan")
	t.Setenv("CHATWIRE_RECONNECT_ATTEMPTS", "3")
	t.Setenv("CHATWIRE_RECONNECT_DELAY", "250")
	t.Setenv("CHATWIRE_REQUEST_TIMEOUT", "4")

	cfg := LoadClient()

	assert.Equal(t, "chat.lan:3215", cfg.Addr())
	assert.Equal(t, 3, cfg.ReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 4*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
}
