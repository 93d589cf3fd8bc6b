package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/usr-wwelsh/miniPaaS/internal/app/migrate"
	"github.com/usr-wwelsh/miniPaaS/internal/builder"
	"github.com/usr-wwelsh/miniPaaS/internal/buildqueue"
	"github.com/usr-wwelsh/miniPaaS/internal/docker"
	"github.com/usr-wwelsh/miniPaaS/internal/gateway"
	"github.com/usr-wwelsh/miniPaaS/internal/health"
	"github.com/usr-wwelsh/miniPaaS/internal/httpapi"
	"github.com/usr-wwelsh/miniPaaS/internal/ingress"
	"github.com/usr-wwelsh/miniPaaS/internal/lifecycle"
	"github.com/usr-wwelsh/miniPaaS/internal/logstream"
	"github.com/usr-wwelsh/miniPaaS/internal/reconcile"
	"github.com/usr-wwelsh/miniPaaS/internal/repository/postgres"
	"github.com/usr-wwelsh/miniPaaS/pkg/config"
	"github.com/usr-wwelsh/miniPaaS/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("controlplane", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dockerCli, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerCli.Close()
	if err := dockerCli.Ping(ctx); err != nil {
		log.Error("docker daemon ping failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	ingressCli := ingress.NewClient(cfg)

	lifecycleMgr := lifecycle.NewManager(dockerCli, repo, repo, cfg.NetworkName, cfg.IngressDomainSuffix, log)
	dockerBuilder := builder.NewDockerBuilder(dockerCli, log)

	queue := buildqueue.New(buildqueue.Options{
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
		BuildTimeout:        cfg.BuildTimeout,
		RetryAttempts:       cfg.RetryAttempts,
		RetryBaseDelay:      cfg.RetryBaseDelay,
		ImageRegistry:       cfg.ImageRegistry,
		WorkspaceRoot:       cfg.WorkspaceRoot,
	}, dockerBuilder, lifecycleMgr, repo, repo, repo, prometheus.DefaultRegisterer, log)
	queue.Start(ctx)
	defer queue.Stop()

	stream := logstream.New(dockerCli, repo, log)
	defer stream.Close()
	gw := gateway.New(repo, repo, stream, cfg.RuntimeLogReplay, log)

	reconciler := reconcile.New(repo, dockerCli, cfg.ReconcileInterval, log)
	go reconciler.Run(ctx)

	probe := health.NewProbe(repo, repo, ingressCli, cfg.ProbeInterval, cfg.ProbeTimeout, prometheus.DefaultRegisterer, log)
	go probe.Run(ctx)

	monitor := health.NewMonitor(dockerCli, health.PingFunc(pool.Ping), ingressCli, repo, queue,
		cfg.MonitorInterval, cfg.AutoRestartFailed, cfg.RetryAttempts, log)
	go monitor.Run(ctx)

	limiter := httpapi.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpapi.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpapi.NewRouter(log, queue, lifecycleMgr, monitor, repo, gw, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
