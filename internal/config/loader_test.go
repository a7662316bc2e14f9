package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFileOrEnv(t *testing.T) {
	cfg, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, 30*time.Second, cfg.Cache.ListTTL())
	require.Equal(t, 5*time.Minute, cfg.Cache.EntityTTL())
	require.Equal(t, 100, cfg.Cache.ScanBatch)
	require.Equal(t, time.Minute, cfg.RateLimit.Window())
	require.Equal(t, 100, cfg.RateLimit.Max)
	require.Equal(t, time.Hour, cfg.Session.TTL())
	require.Equal(t, "sid", cfg.Session.CookieName)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen:
    port: 9090
store:
  backend: valkey
  valkey:
    address: localhost:6379
cache:
  listTtlSeconds: 15
rateLimit:
  windowMs: 5000
  max: 20
session:
  cookieName: cart_sid
`), 0o600))

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Listen.Port)
	require.Equal(t, "valkey", cfg.Store.Backend)
	require.Equal(t, "localhost:6379", cfg.Store.Valkey.Address)
	require.Equal(t, 15*time.Second, cfg.Cache.ListTTL())
	// Untouched keys keep their defaults.
	require.Equal(t, 5*time.Minute, cfg.Cache.EntityTTL())
	require.Equal(t, 5*time.Second, cfg.RateLimit.Window())
	require.Equal(t, 20, cfg.RateLimit.Max)
	require.Equal(t, "cart_sid", cfg.Session.CookieName)
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"session":{"ttlSeconds":120}}`), 0o600))

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, cfg.Session.TTL())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rateLimit:\n  max: 20\n"), 0o600))

	t.Setenv("CACHECTRL_RATELIMIT__MAX", "7")
	t.Setenv("CACHECTRL_RATELIMIT__WINDOWMS", "2500")
	t.Setenv("CACHECTRL_STORE__VALKEY__ADDRESS", "valkey.internal:6379")
	t.Setenv("CACHECTRL_STORE__BACKEND", "valkey")
	t.Setenv("CACHECTRL_SESSION__COOKIESECURE", "true")

	cfg, err := NewLoader("CACHECTRL", path).Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, 7, cfg.RateLimit.Max)
	require.Equal(t, 2500*time.Millisecond, cfg.RateLimit.Window())
	require.Equal(t, "valkey", cfg.Store.Backend)
	require.Equal(t, "valkey.internal:6379", cfg.Store.Valkey.Address)
	require.True(t, cfg.Session.CookieSecure)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := NewLoader("", filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestLoadRejectsInvalidSnapshot(t *testing.T) {
	cases := map[string]string{
		"port out of range":      "server:\n  listen:\n    port: 70000\n",
		"unknown backend":        "store:\n  backend: etcd\n",
		"valkey without address": "store:\n  backend: valkey\n",
		"zero window":            "rateLimit:\n  windowMs: 0\n",
		"zero session ttl":       "session:\n  ttlSeconds: 0\n",
		"unknown log level":      "server:\n  logging:\n    level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := NewLoader("", path).Load(context.Background())
			require.Error(t, err)
		})
	}
}
