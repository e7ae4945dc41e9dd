package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"storefront-ledger/internal/audit"
	"storefront-ledger/internal/auth"
	"storefront-ledger/internal/card"
	"storefront-ledger/internal/config"
	"storefront-ledger/internal/events"
	"storefront-ledger/internal/httpapi"
	"storefront-ledger/internal/ledger"
	"storefront-ledger/internal/payment"
	"storefront-ledger/internal/reporting"
	"storefront-ledger/internal/storage/sqlstore"
	"storefront-ledger/pkg/logger"
	"storefront-ledger/pkg/utils"
)

// inFlightTTL bounds how long a payment slot leaked by a crashed replica stays taken.
const inFlightTTL = 30 * time.Second

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	store, err := sqlstore.Open(rootCtx, cfg.DB.Driver, cfg.StoreDSN(), utils.PoolConfig{})
	if err != nil {
		log.Error("ledger store init failed", "driver", cfg.DB.Driver, "err", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Migrate(rootCtx); err != nil {
		log.Error("ledger store migrate failed", "err", err)
		os.Exit(1)
	}

	var (
		rdb     *redis.Client
		bus     events.Bus
		limiter httpapi.InFlightLimiter
	)
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		rbus, err := events.NewRedisBus(rdb, cfg.Redis.EventsChannel)
		if err != nil {
			log.Error("event bus init failed", "err", err)
			os.Exit(1)
		}
		bus = rbus
		limiter = httpapi.NewRedisLimiter(rdb, cfg.Ledger.PaymentsMaxInFlight, inFlightTTL)
	} else {
		log.Warn("redis disabled: events are process-local and the in-flight payment cap is off")
		bus = events.NewBroadcaster(64)
	}

	gen, err := card.NewGenerator(card.GeneratorConfig{
		Prefix:        cfg.Card.Prefix,
		Length:        cfg.Card.Length,
		ValidityYears: cfg.Card.ValidityYears,
	})
	if err != nil {
		log.Error("card generator init failed", "err", err)
		os.Exit(1)
	}

	retry := ledger.RetryPolicy{MaxAttempts: cfg.Ledger.TxMaxAttempts}
	cards := card.NewService(store, gen, card.Config{
		StartingBalance: cfg.Ledger.StartingBalance,
		Ceiling:         cfg.Ledger.Ceiling,
		Brand:           cfg.Card.Brand,
		BankName:        cfg.Card.BankName,
		LogoURL:         cfg.Card.LogoURL,
		FingerprintKey:  []byte(cfg.Card.FingerprintKey),
	}).WithPublisher(bus).WithRetryPolicy(retry)
	payments := payment.NewEngine(store, cfg.Ledger.MaxPayment).WithPublisher(bus).WithRetryPolicy(retry)

	auditSvc := audit.NewService(store)
	reconciler, err := audit.NewReconciler(auditSvc, cfg.Ledger.ReconcileSchedule, log)
	if err != nil {
		log.Error("reconciler init failed", "err", err)
		os.Exit(1)
	}
	reconciler.Start()

	h := httpapi.Handlers{
		Cards:      cards,
		Payments:   payments,
		Audit:      auditSvc,
		Reports:    reporting.NewService(store),
		Reconciler: reconciler,
		Events:     bus,
		Ping: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, store.DB(), 2*time.Second); err != nil {
				return err
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, auth.RequireAccessToken(authManager), limiter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays zero: /v1/card/events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.DB.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	reconciler.Stop(shutdownCtx)
}
