package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.listttlseconds":    "cache.listTtlSeconds",
			"cache.entityttlseconds":  "cache.entityTtlSeconds",
			"cache.scanbatch":         "cache.scanBatch",
			"ratelimit.windowms":      "rateLimit.windowMs",
			"ratelimit.max":           "rateLimit.max",
			"ratelimit.prefix":        "rateLimit.prefix",
			"session.ttlseconds":      "session.ttlSeconds",
			"session.cookiename":      "session.cookieName",
			"session.cookiesecure":    "session.cookieSecure",
			"store.valkey.tls.cafile": "store.valkey.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (STORE__VALKEY__ADDRESS -> store.valkey.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parserFor chooses the koanf parser from the file extension, defaulting to YAML.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser()
	case ".toml":
		return ktoml.Parser()
	default:
		return kyaml.Parser()
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"store": map[string]any{
			"backend": cfg.Store.Backend,
			"valkey": map[string]any{
				"address":  cfg.Store.Valkey.Address,
				"username": cfg.Store.Valkey.Username,
				"password": cfg.Store.Valkey.Password,
				"db":       cfg.Store.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Store.Valkey.TLS.Enabled,
					"caFile":  cfg.Store.Valkey.TLS.CAFile,
				},
			},
		},
		"cache": map[string]any{
			"listTtlSeconds":   cfg.Cache.ListTTLSeconds,
			"entityTtlSeconds": cfg.Cache.EntityTTLSeconds,
			"scanBatch":        cfg.Cache.ScanBatch,
		},
		"rateLimit": map[string]any{
			"windowMs": cfg.RateLimit.WindowMs,
			"max":      cfg.RateLimit.Max,
			"prefix":   cfg.RateLimit.Prefix,
		},
		"session": map[string]any{
			"ttlSeconds":   cfg.Session.TTLSeconds,
			"cookieName":   cfg.Session.CookieName,
			"cookieSecure": cfg.Session.CookieSecure,
		},
	}
}
