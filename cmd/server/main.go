package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"mengji/ledger/internal/cache"
	"mengji/ledger/internal/config"
	"mengji/ledger/internal/httpapi"
	"mengji/ledger/internal/ledger"
	"mengji/ledger/internal/logger"
	"mengji/ledger/internal/metrics"
	"mengji/ledger/internal/service"
	"mengji/ledger/internal/store"
	"mengji/ledger/internal/store/memory"
	pgstore "mengji/ledger/internal/store/postgres"
)

const serviceName = "ledger"

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		log.Warn("unknown TIMEZONE, falling back to UTC", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.RunMigrations {
			if err := pgstore.RunMigrations(pg.DB()); err != nil {
				log.Fatal("migrations failed", zap.Error(err))
			}
			log.Info("migrations applied")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(log)
		log.Info("repository: in-memory")
	}

	var (
		lockCache cache.LockCache = cache.NoopLockCache{}
		guard     cache.Guard     = cache.NoopGuard{}
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisLockCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, lock cache and save guard disabled", zap.Error(err))
			_ = client.Close()
		} else {
			lockCache = redisCache
			guard = cache.NewRedisGuard(client)
			closers = append(closers, client.Close)
			log.Info("lock cache: redis")
		}
	} else {
		log.Info("lock cache: noop")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	book := ledger.NewBook(ledger.Options{
		Gateway: repo,
		Locks:   lockCache,
		Guard:   guard,
		Retry: ledger.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Initial:     cfg.RetryInitialInterval(),
			Max:         2 * time.Second,
		},
		Metrics:  recorder,
		Logger:   log.Named("ledger"),
		Location: cfg.Location(),
		LockTTL:  cfg.LockCacheTTL(),
	})
	svc := service.New(book, log.Named("service"))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, log.Named("auth"))
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log.Named("http"), recorder, registry)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("ledger backend listening", zap.String("addr", cfg.Address()), zap.String("today", book.Today()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

var weakSecrets = []string{"dev-change-me", "changeme", "secret", "password"}

func validateSecurityConfig(cfg config.Config) error {
	secret := cfg.AuthSecret
	if len(secret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	lowered := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lowered, weak) {
			return fmt.Errorf("AUTH_SECRET must not contain %q", weak)
		}
	}
	if strings.Count(secret, secret[:1]) == len(secret) {
		return fmt.Errorf("AUTH_SECRET must not repeat a single character")
	}
	return nil
}
