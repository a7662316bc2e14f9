package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k3vld/cachectrl/internal/cache"
	"github.com/k3vld/cachectrl/internal/config"
	"github.com/k3vld/cachectrl/internal/keystore"
	"github.com/k3vld/cachectrl/internal/logging"
	"github.com/k3vld/cachectrl/internal/metrics"
	"github.com/k3vld/cachectrl/internal/ratelimit"
	"github.com/k3vld/cachectrl/internal/server"
	"github.com/k3vld/cachectrl/internal/session"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CACHECTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store := buildStore(logger.With(slog.String("agent", "store_factory")), cfg.Store)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	engine := cache.NewEngine(store, logger, recorder, cache.Options{ScanBatch: cfg.Cache.ScanBatch})
	limiter := ratelimit.New(store, logger, recorder, cfg.RateLimit.Prefix, cfg.RateLimit.Window(), cfg.RateLimit.Max, ratelimit.Options{})
	sessions := session.NewStore(store, logger, recorder, session.Config{
		TTL:          cfg.Session.TTL(),
		CookieName:   cfg.Session.CookieName,
		CookieSecure: cfg.Session.CookieSecure,
	})
	sessionMW := session.NewMiddleware(sessions, logger)
	defer sessionMW.Flush()

	if *configFile != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			limiter.SetLimits(next.RateLimit.Window(), next.RateLimit.Max)
			engine.SetScanBatch(next.Cache.ScanBatch)
			logger.Info("configuration reloaded",
				slog.Int("rate_limit_max", next.RateLimit.Max),
				slog.Int("rate_limit_window_ms", next.RateLimit.WindowMs),
				slog.Int("cache_scan_batch", next.Cache.ScanBatch))
		}, func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewRouter(server.Deps{
		Logger:    logger,
		Store:     store,
		Engine:    engine,
		Limiter:   limiter,
		Sessions:  sessionMW,
		Catalog:   server.NewCatalog(25 * time.Millisecond),
		Metrics:   recorder,
		ListTTL:   cfg.Cache.ListTTL(),
		EntityTTL: cfg.Cache.EntityTTL(),
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildStore selects the key-value backend, falling back to memory when the
// valkey connection cannot be established so a store outage at boot does not
// take the whole service down with it.
func buildStore(logger *slog.Logger, cfg config.StoreConfig) keystore.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory key-value store")
		return keystore.NewMemory()
	case "valkey", "redis":
		store, err := keystore.NewValkey(keystore.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: keystore.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return keystore.NewMemory()
		}
		logger.Info("using valkey key-value store", slog.String("address", cfg.Valkey.Address))
		return store
	default:
		logger.Warn("unknown store backend, using memory", slog.String("backend", cfg.Backend))
		return keystore.NewMemory()
	}
}
