package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/service-verification/internal/alerting"
	"github.com/example/service-verification/internal/cache"
	"github.com/example/service-verification/internal/config"
	httpapi "github.com/example/service-verification/internal/http"
	"github.com/example/service-verification/internal/ingest"
	"github.com/example/service-verification/internal/lifecycle"
	"github.com/example/service-verification/internal/logging"
	"github.com/example/service-verification/internal/notify"
	"github.com/example/service-verification/internal/payments"
	"github.com/example/service-verification/internal/routing"
	"github.com/example/service-verification/internal/storage"
	"github.com/example/service-verification/internal/tracking"
	"github.com/example/service-verification/internal/verify"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var router routing.Router = routing.StraightLine{}
	if cfg.OSRMEndpoint != "" {
		router = routing.NewOSRMClient(cfg.OSRMEndpoint)
	}

	feed := notify.NewWSFeed(logger)
	notifiers := notify.Fanout{feed}
	if cfg.NotifyEndpoint != "" {
		notifiers = append(notifiers, notify.NewHTTPNotifier(cfg.NotifyEndpoint))
	}

	alerts := alerting.New(store, notifiers, logger)

	tracker := tracking.NewEngine(router, alerts, store, logger, tracking.Config{
		OffRouteThresholdM:   cfg.OffRouteThresholdM,
		StagnationThresholdM: cfg.StagnationThresholdM,
		DefaultSpeedMps:      cfg.DefaultSpeedMps,
		WakeInterval:         cfg.TrackingInterval,
		RouteRecalcTimeout:   cfg.RouteRecalcTimeout,
		DelayGrace:           cfg.DelayGrace,
	})
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		tracker.Publisher = producer
	}
	if cfg.RedisAddr != "" {
		lastKnown := cache.NewLastKnown(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.RedisTTL)
		defer lastKnown.Close()
		tracker.Cache = lastKnown
	}

	var deposits payments.Deposits
	if os.Getenv("STRIPE_API_KEY") != "" && cfg.DepositAmount > 0 {
		deposits = payments.NewStripeDeposits()
	}

	verifier := verify.New([]byte(cfg.SignatureSecret))
	manager := lifecycle.NewManager(store, verifier, tracker, alerts, router, deposits, logger, lifecycle.Config{
		DepositAmount:   cfg.DepositAmount,
		DepositCurrency: cfg.DepositCurrency,
		RouteTimeout:    cfg.RouteRecalcTimeout,
	})

	api := httpapi.NewServer(manager, alerts, feed, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("service-verification listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
	}
}
