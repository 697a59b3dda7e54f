package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/af-corp/rewrite-gateway/internal/auth"
	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/filter"
	"github.com/af-corp/rewrite-gateway/internal/gateway"
	"github.com/af-corp/rewrite-gateway/internal/rewrite"
	"github.com/af-corp/rewrite-gateway/internal/router"
	"github.com/af-corp/rewrite-gateway/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger = telemetry.NewLogger(os.Stdout, cfg.Telemetry)
	slog.SetDefault(logger)

	metrics := telemetry.NewMetrics()

	health := router.NewHealthTracker(cfg.Routing.CircuitBreaker.FailureThreshold, cfg.Routing.CircuitBreaker.RecoveryProbeInterval)
	health.OnStateChange(func(provider string, from, to router.CircuitState) {
		logger.Warn("provider circuit changed", "provider", provider, "from", from.String(), "to", to.String())
	})
	providers := router.BuildFromConfig(loader.Providers())

	buildFilter := func(qcfg config.QueryRewriteConfig) (filter.Filter, error) {
		f, err := rewrite.New(qcfg, rewrite.WithLogger(logger), rewrite.WithMetrics(metrics))
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	buildChain := func(c *config.Config) *filter.Chain {
		f, err := buildFilter(c.Filters.QueryRewrite)
		if err != nil {
			logger.Error("query rewrite filter disabled", "filter", rewrite.Name, "error", err)
			return filter.NewChain()
		}
		return filter.NewChain(f)
	}
	filters := filter.NewRegistry(buildChain(cfg))

	staticKeys, err := auth.NewStaticKeyStore(cfg.Auth)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}
	keys := auth.NewSwappableStore(staticKeys)
	if cfg.Auth.Enabled && keys.Len() == 0 {
		logger.Warn("auth is enabled but no keys are configured; every request will be rejected")
	}

	loader.OnReload(func() {
		next := loader.Config()
		providers.Replace(router.BuildFromConfig(loader.Providers()))
		filters.Swap(buildChain(next))
		if store, err := auth.NewStaticKeyStore(next.Auth); err != nil {
			logger.Error("keeping previous api keys", "error", err)
		} else {
			keys.Store(store)
		}
		logger.Info("configuration applied", "providers", providers.Names(), "keys", keys.Len())
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	handler := gateway.NewHandler(gateway.Deps{
		Filters:   filters,
		Factory:   buildFilter,
		Providers: providers,
		Health:    health,
		Models:    loader.Models,
		Metrics:   metrics,
		Logger:    logger,
		ConfigDir: *configDir,
	})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gateway.RequestID)

	r.Get("/health", handler.Health(version))

	authMW := auth.Middleware(keys, logger)
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			authed := authMW(next)
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if loader.Config().Auth.Enabled {
					authed.ServeHTTP(w, req)
					return
				}
				next.ServeHTTP(w, req)
			})
		})
		handler.Mount(r)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Telemetry.MetricsPort),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version, "filters", len(filters.Chain().Filters()))
		errCh <- srv.ListenAndServe()
	}()
	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			logger.Info("metrics server starting", "addr", metricsSrv.Addr)
			errCh <- metricsSrv.ListenAndServe()
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	metricsSrv.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}
