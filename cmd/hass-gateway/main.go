package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/cache"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/config"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/httpapi"
	authmw "github.com/PetoAdam/homenavi/hass-gateway/internal/middleware"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/mqtt"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/observability"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/realtime"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/warmer"
)

const serviceName = "hass-gateway"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	gw, err := hass.New(hass.Options{
		BaseURL:        cfg.HA.URL,
		Token:          cfg.HA.Token,
		RequestTimeout: cfg.HA.RequestTimeout,
		ReconnectDelay: cfg.HA.ReconnectDelay,
		ReadTimeout:    cfg.HA.ReadTimeout,
	})
	if errors.Is(err, hass.ErrMissingToken) {
		slog.Error("missing required env", "key", "HA_TOKEN")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("hass gateway init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownObs, promHandler, tracer, err := observability.SetupObservability(ctx, serviceName)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownObs()

	entityCache, closeCache := setupCache(ctx, cfg)
	defer closeCache()

	hub := realtime.NewHub()
	hub.Attach(gw)

	warm, err := warmer.New(gw, entityCache, cfg.RefreshCron, cfg.HA.RequestTimeout)
	if err != nil {
		slog.Error("cache warmer init failed", "error", err)
		os.Exit(1)
	}
	warm.Start(gw)

	if cfg.MQTTBrokerURL != "" {
		mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()
		bridge := mqtt.NewBridge(mq, cfg.MQTTTopicPrefix, cfg.MQTTRetain)
		defer bridge.Close()
		bridge.Attach(gw)
		slog.Info("mqtt bridge enabled", "prefix", cfg.MQTTTopicPrefix)
	}

	gw.OnAuthFailed(func() {
		slog.Error("hass rejected the access token, check HA_TOKEN")
	})
	gw.OnDisconnected(func() {
		slog.Warn("hass connection lost")
	})

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.HA.RequestTimeout)
	if err := gw.Ping(pingCtx); err != nil {
		slog.Warn("hass connection test failed, connecting anyway", "error", err)
	}
	pingCancel()
	gw.Connect()

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pubKey, err = authmw.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			slog.Error("failed to load jwt public key", "path", cfg.JWTPublicKeyPath, "error", err)
			os.Exit(1)
		}
	}

	api := httpapi.New(gw, entityCache)
	api.ReportRefresh(warm)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(authmw.CorrelationID)
	r.Use(cors.Handler(corsOptions(cfg.CORSOrigin)))
	r.Use(observability.MetricsAndTracingMiddleware(tracer, serviceName))

	r.Get("/health", api.Health)
	r.Handle("/metrics", promHandler)

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(authmw.NewVerifier(pubKey).Middleware)
		}
		r.Handle("/ws", hub)
		r.Route("/api", func(r chi.Router) {
			if pubKey != nil {
				api.RegisterRoutes(r, authmw.RequireRole(authmw.RoleResident))
				return
			}
			api.RegisterRoutes(r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "not found"})
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("hass-gateway listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	gw.Disconnect()
	warm.Stop()
	hub.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	cancel()
}

// corsOptions allows credentials only for a concrete origin; browsers refuse
// credentialed responses to a wildcard.
func corsOptions(origin string) cors.Options {
	return cors.Options{
		AllowedOrigins:   []string{origin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", authmw.CorrelationHeader},
		ExposedHeaders:   []string{authmw.CorrelationHeader, "Trace-ID"},
		AllowCredentials: origin != "*",
		MaxAge:           300,
	}
}

// setupCache returns a Redis-backed cache when REDIS_ADDR is set and
// reachable, and the in-memory cache otherwise.
func setupCache(ctx context.Context, cfg *config.Config) (cache.Cache, func()) {
	if cfg.Redis.Addr == "" {
		slog.Info("entity cache in memory", "ttl", cfg.CacheTTL)
		return cache.NewMemoryCache(cfg.CacheTTL), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unreachable, using in-memory entity cache", "addr", cfg.Redis.Addr, "error", err)
		_ = rdb.Close()
		return cache.NewMemoryCache(cfg.CacheTTL), func() {}
	}
	slog.Info("entity cache in redis", "addr", cfg.Redis.Addr, "ttl", cfg.CacheTTL)
	return cache.NewRedisCache(rdb, cfg.CacheTTL), func() { _ = rdb.Close() }
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
