package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           int
	DBPath         string
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	MaxConnections int
	MediaHost      string
	MediaPortStart int
	MediaPortEnd   int
	RingTimeout    int // seconds
	CloseDisplaced bool
	ControlSocket  string
}

type ClientConfig struct {
	Host              string
	Port              int
	DialTimeout       time.Duration
	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	KeepAlive         time.Duration
}

// Addr returns host:port.
func (c *ClientConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func Load() *Config {
	cfg := &Config{
		Port:           3215,
		DBPath:         "chatwire.db",
		ReadTimeout:    120,
		WriteTimeout:   30,
		MaxConnections: 1024,
		MediaHost:      "127.0.0.1",
		MediaPortStart: 40000,
		MediaPortEnd:   40999,
		RingTimeout:    45,
		CloseDisplaced: false,
		ControlSocket:  "/tmp/chatwire.sock",
	}

	envInt("CHATWIRE_PORT", &cfg.Port)
	envString("CHATWIRE_DB_PATH", &cfg.DBPath)
	envInt("CHATWIRE_READ_TIMEOUT", &cfg.ReadTimeout)
	envInt("CHATWIRE_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("CHATWIRE_MAX_CONNECTIONS", &cfg.MaxConnections)
	envString("CHATWIRE_MEDIA_HOST", &cfg.MediaHost)
	envInt("CHATWIRE_MEDIA_PORT_START", &cfg.MediaPortStart)
	envInt("CHATWIRE_MEDIA_PORT_END", &cfg.MediaPortEnd)
	envInt("CHATWIRE_RING_TIMEOUT", &cfg.RingTimeout)
	envBool("CHATWIRE_CLOSE_DISPLACED", &cfg.CloseDisplaced)
	envString("CHATWIRE_CONTROL_SOCKET", &cfg.ControlSocket)

	return cfg
}

func LoadClient() *ClientConfig {
	cfg := &ClientConfig{
		Host:              "localhost",
		Port:              3215,
		DialTimeout:       10 * time.Second,
		RequestTimeout:    10 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    3 * time.Second,
		KeepAlive:         30 * time.Second,
	}

	envString("CHATWIRE_HOST", &cfg.Host)
	envInt("CHATWIRE_PORT", &cfg.Port)
	envSeconds("CHATWIRE_DIAL_TIMEOUT", &cfg.DialTimeout)
	envSeconds("CHATWIRE_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	envInt("CHATWIRE_RECONNECT_ATTEMPTS", &cfg.ReconnectAttempts)
	if ms := os.Getenv("CHATWIRE_RECONNECT_DELAY"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			cfg.ReconnectDelay = time.Duration(n) * time.Millisecond
		}
	}
	envSeconds("CHATWIRE_KEEPALIVE", &cfg.KeepAlive)

	return cfg
}

func envString(key string, dst *string) {
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

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envBool(key string, dst *bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "yes", "1", "on":
		*dst = true
	case "false", "no", "0", "off":
		*dst = false
	}
}
