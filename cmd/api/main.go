package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awilliams-2020/theqrcode-sub002/internal/app/migrate"
	httpx "github.com/awilliams-2020/theqrcode-sub002/internal/http"
	"github.com/awilliams-2020/theqrcode-sub002/internal/repository/postgres"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/apikey"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/monitoring"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/ratelimit"
	"github.com/awilliams-2020/theqrcode-sub002/internal/ws"
	"github.com/awilliams-2020/theqrcode-sub002/pkg/config"
	"github.com/awilliams-2020/theqrcode-sub002/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.Close()

	mc := cfg.Monitor
	registry := monitoring.NewRegistry(log,
		monitoring.WithCapacities(monitoring.Capacities{
			Metrics:  mc.MetricCapacity,
			Errors:   mc.ErrorCapacity,
			Security: mc.SecurityCapacity,
			Alerts:   mc.AlertCapacity,
		}),
		monitoring.WithPublisher(hub),
	)
	evaluator := monitoring.NewEvaluator(registry, monitoring.Thresholds{
		ErrorRatePercent:        mc.ErrorRatePercent,
		ResponseTimeMS:          mc.ResponseTimeMS,
		MemoryUsageGB:           mc.MemoryUsageGB,
		MinUptimePercent:        mc.MinUptimePercent,
		RateLimitViolationsHour: mc.RateLimitViolationsHour,
		FailedLoginsHour:        mc.FailedLoginsHour,
		Heartbeat:               mc.HeartbeatAlert,
	}, mc.EvaluateEvery, pool.Ping, log)
	go evaluator.Run(ctx)

	usage := ratelimit.NewLimiter(repo, log, ratelimit.WithRetention(cfg.UsageRetention))
	go usage.RunCleanup(ctx, cfg.UsageCleanupEvery)

	keys := apikey.New(repo, usage, registry, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, registry, evaluator, keys, hub, limiter, httpx.Config{
		AdminSecret:       cfg.AdminJWTSecret,
		InternalToken:     cfg.InternalToken,
		DBHealth:          pool.Ping,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped", "uptime", registry.Runtime().Formatted)
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
