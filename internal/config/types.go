package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the cache, limiter, and session components consume at startup.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Session   SessionConfig   `koanf:"session"`
}

// ServerConfig collects the bootstrap knobs owned by the HTTP lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects and parameterizes the key-value store backend.
type StoreConfig struct {
	Backend string       `koanf:"backend"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries the connection settings for the valkey/redis backend.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// CacheConfig tunes the cache-aside engine. TTLs remain caller-supplied per
// key; these are the defaults the route layer hands to aggregate and entity
// reads.
type CacheConfig struct {
	ListTTLSeconds   int `koanf:"listTtlSeconds"`
	EntityTTLSeconds int `koanf:"entityTtlSeconds"`
	ScanBatch        int `koanf:"scanBatch"`
}

// RateLimitConfig tunes the sliding-window limiter.
type RateLimitConfig struct {
	WindowMs int    `koanf:"windowMs"`
	Max      int    `koanf:"max"`
	Prefix   string `koanf:"prefix"`
}

// SessionConfig tunes the cookie-bound session store.
type SessionConfig struct {
	TTLSeconds   int    `koanf:"ttlSeconds"`
	CookieName   string `koanf:"cookieName"`
	CookieSecure bool   `koanf:"cookieSecure"`
}

// ListTTL converts the configured aggregate-view TTL into a duration.
func (c CacheConfig) ListTTL() time.Duration {
	return time.Duration(c.ListTTLSeconds) * time.Second
}

// EntityTTL converts the configured single-entity TTL into a duration.
func (c CacheConfig) EntityTTL() time.Duration {
	return time.Duration(c.EntityTTLSeconds) * time.Second
}

// Window converts the configured window size into a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// TTL converts the configured session lifetime into a duration.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	switch strings.ToLower(c.Server.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level unsupported: %s", c.Server.Logging.Level)
	}
	switch strings.ToLower(c.Server.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: logging.format unsupported: %s", c.Server.Logging.Format)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Store.Backend))
	switch backend {
	case "", "memory":
	case "valkey", "redis":
		if strings.TrimSpace(c.Store.Valkey.Address) == "" {
			return errors.New("config: store.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: store.backend unsupported: %s", c.Store.Backend)
	}
	if c.Cache.ListTTLSeconds <= 0 {
		return fmt.Errorf("config: cache.listTtlSeconds invalid: %d", c.Cache.ListTTLSeconds)
	}
	if c.Cache.EntityTTLSeconds <= 0 {
		return fmt.Errorf("config: cache.entityTtlSeconds invalid: %d", c.Cache.EntityTTLSeconds)
	}
	if c.Cache.ScanBatch <= 0 {
		return fmt.Errorf("config: cache.scanBatch invalid: %d", c.Cache.ScanBatch)
	}
	if c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("config: rateLimit.windowMs invalid: %d", c.RateLimit.WindowMs)
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("config: rateLimit.max invalid: %d", c.RateLimit.Max)
	}
	if strings.TrimSpace(c.RateLimit.Prefix) == "" {
		return errors.New("config: rateLimit.prefix required")
	}
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("config: session.ttlSeconds invalid: %d", c.Session.TTLSeconds)
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return errors.New("config: session.cookieName required")
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{
			ListTTLSeconds:   30,
			EntityTTLSeconds: 300,
			ScanBatch:        100,
		},
		RateLimit: RateLimitConfig{
			WindowMs: 60000,
			Max:      100,
			Prefix:   "ratelimit",
		},
		Session: SessionConfig{
			TTLSeconds: 3600,
			CookieName: "sid",
		},
	}
}
