package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iptv-playback/internal/check"
	"iptv-playback/internal/platform/config"
	"iptv-playback/internal/platform/logger"
	"iptv-playback/internal/platform/metrics"
	"iptv-playback/internal/platform/upstream"
	"iptv-playback/internal/playback"
	"iptv-playback/internal/probe"
	"iptv-playback/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	srvCfg := config.LoadServer()
	relayCfg := config.LoadRelay()
	playCfg := config.LoadPlayback()

	log := logger.New(srvCfg.LogLevel, srvCfg.LogFormat)
	met := metrics.New()

	cache, closeCache := newCache(log, relayCfg)
	defer closeCache()

	client := upstream.NewClient(relayCfg.HeaderTimeout)
	relaySvc := relay.NewService(client, log, relay.Options{
		UserAgent:        relayCfg.UserAgent,
		ManifestMaxBytes: relayCfg.ManifestMaxBytes,
		Cache:            cache,
		CacheTTL:         relayCfg.APICacheTTL,
	})
	relayHandler := relay.NewHandler(relaySvc, log, met, relayCfg.Endpoint())

	engine := probe.NewEngine(client, log, probe.Options{
		UserAgent:        relayCfg.UserAgent,
		MaxPlaylistBytes: relayCfg.ManifestMaxBytes,
	})
	var wrap func(string) string
	if playCfg.CheckViaRelay {
		wrap = relay.Wrap(checkRelayEndpoint(srvCfg, relayCfg))
	}
	checkSvc := check.NewService(
		check.NewRuntime(engine, wrap),
		playback.Options{
			RetryBudget:    playCfg.RetryBudget,
			StartupTimeout: playCfg.StartupTimeout,
			Logger:         log,
		},
		playCfg.CheckTimeout,
		check.NewRegistry(),
		met,
	)
	checkHandler := check.NewHandler(checkSvc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(checkSvc.Registry().ActiveCount()) }).ServeHTTP(w, r)
	})

	var limits []func(http.Handler) http.Handler
	if relayCfg.RateLimitPerMinute > 0 {
		limits = append(limits, relay.RateLimit(relayCfg.RateLimitPerMinute))
	}
	relayHandler.Routes(r, relayCfg.Path, limits...)
	checkHandler.Routes(r)

	addr := ":" + srvCfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", srvCfg.Port,
		"relay_path", relayCfg.Path,
		"relay_endpoint", relayCfg.Endpoint(),
		"api_cache_ttl", relayCfg.APICacheTTL.String(),
		"rate_limit_per_minute", relayCfg.RateLimitPerMinute,
		"check_via_relay", playCfg.CheckViaRelay,
		"log_level", srvCfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	client.CloseIdleConnections()

	log.Info("server stopped")
}

// newCache picks the control-plane response cache: Redis when REDIS_URL is
// set, in-memory when only a TTL is configured, none otherwise.
func newCache(log *slog.Logger, cfg config.Relay) (relay.ResponseCache, func()) {
	if cfg.APICacheTTL <= 0 {
		return nil, func() {}
	}
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rc, err := relay.NewRedisCache(ctx, cfg.RedisURL)
		if err == nil {
			log.Info("relay response cache", "backend", "redis")
			return rc, func() { _ = rc.Close() }
		}
		log.Warn("redis unavailable, falling back to in-memory cache", "error", err)
	}
	log.Info("relay response cache", "backend", "memory")
	return relay.NewInMemoryCache(), func() {}
}

// checkRelayEndpoint is the relay URL headless checks go through. The probe
// runs in this process, so a relative relay path is made absolute against the
// local listener.
func checkRelayEndpoint(srv config.Server, cfg config.Relay) string {
	if cfg.PublicURL != "" {
		return cfg.PublicURL
	}
	return "http://127.0.0.1:" + srv.Port + cfg.Path
}
