// Command server runs the prepaid billing API: metered speech synthesis
// backed by a EUR wallet, or the legacy postpaid USD meter when prepaid
// billing is disabled.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/tbourn/go-prepaid-billing/internal/config"
	httpapi "github.com/tbourn/go-prepaid-billing/internal/http"
	"github.com/tbourn/go-prepaid-billing/internal/http/handlers"
	"github.com/tbourn/go-prepaid-billing/internal/jobs"
	"github.com/tbourn/go-prepaid-billing/internal/observability"
	"github.com/tbourn/go-prepaid-billing/internal/payments"
	"github.com/tbourn/go-prepaid-billing/internal/pricing"
	"github.com/tbourn/go-prepaid-billing/internal/repo"
	"github.com/tbourn/go-prepaid-billing/internal/services"
	"github.com/tbourn/go-prepaid-billing/internal/store"
	"github.com/tbourn/go-prepaid-billing/internal/synth"
	"github.com/tbourn/go-prepaid-billing/internal/sysutil"
)

// go build -ldflags "-X main.version=x.y.z"
var version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	logger := sysutil.ConfigureLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, version)
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, cfg.GinMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	var (
		kv      store.Store
		sweeper jobs.Sweeper
	)
	if cfg.Redis.Addr != "" {
		rs := store.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
		}
		kv = rs
	} else {
		mem := store.NewMemory()
		kv, sweeper = mem, mem
		logger.Warn().Msg("REDIS_ADDR not set; wallet state is in-process only")
	}

	var gateway services.PaymentGateway
	if cfg.Stripe.SecretKey != "" {
		gateway = payments.NewGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	} else if cfg.Billing.PrepaidEnabled {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set; top-ups and auto-recharge are disabled")
	}

	var synthesizer services.Synthesizer = synth.Local{}
	if cfg.Synth.URL != "" {
		synthesizer = synth.NewHTTP(cfg.Synth.URL, cfg.Synth.Timeout)
	}

	creds := &services.Credentials{
		DB: db,
		Static: services.LoadEnvCredentials(cfg.Billing.KeysJSON, services.EnvCredentialOptions{
			Production:                   cfg.Production(),
			DevKey:                       cfg.Billing.DevKey,
			DefaultMonthlyHardLimitChars: cfg.Billing.DefaultMonthlyHardLimitChars,
		}),
		FallbackEnabled: cfg.Billing.LegacyFallbackEnabled,
		Log:             sysutil.Component("credentials"),
	}

	ledger := &services.Ledger{Store: kv, DB: db, Log: sysutil.Component("ledger")}
	autoRecharge := &services.AutoRecharge{
		Store:    kv,
		Ledger:   ledger,
		Gateway:  gateway,
		Defaults: services.NewAutoRechargeDefaults(cfg.Billing.AutoRechargeTriggerEUR, cfg.Billing.AutoRechargeAmountEUR),
		Log:      sysutil.Component("auto_recharge"),
	}
	summaries := &services.Summaries{Store: kv}
	legacy := &services.LegacyMeter{
		DB:                db,
		Synth:             synthesizer,
		Schedule:          pricing.LegacyUSD,
		TrialChars:        cfg.Billing.TrialChars,
		InvoiceMinimumUSD: cfg.Billing.InvoiceMinimumUSD,
		Log:               sysutil.Component("legacy_meter"),
	}

	var meter services.Meter = legacy
	if cfg.Billing.PrepaidEnabled {
		meter = &services.PrepaidMeter{
			Ledger:       ledger,
			Summaries:    summaries,
			Idempotency:  &services.Idempotency{Store: kv},
			AutoRecharge: autoRecharge,
			Synth:        synthesizer,
			Schedule:     pricing.Prepaid,
			Log:          sysutil.Component("prepaid_meter"),
		}
	}
	logger.Info().
		Bool("prepaid", meter.Prepaid()).
		Bool("redis", cfg.Redis.Addr != "").
		Bool("stripe", gateway != nil).
		Msg("billing configured")

	deps := handlers.Deps{
		Meter:        meter,
		Wallets:      &services.Wallets{Ledger: ledger, AutoRecharge: autoRecharge},
		Ledger:       ledger,
		Summaries:    summaries,
		Legacy:       legacy,
		AutoRecharge: autoRecharge,
		Topups:       &services.Topups{Store: kv, Gateway: gateway, Log: sysutil.Component("topups")},
		Webhooks: &services.Webhooks{
			Store:        kv,
			Ledger:       ledger,
			AutoRecharge: autoRecharge,
			Gateway:      gateway,
			DB:           db,
			Log:          sysutil.Component("webhooks"),
		},
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, cfg, creds, deps)

	maint := &jobs.Maintenance{DB: db, Sweeper: sweeper, Log: sysutil.Component("maintenance")}
	scheduler, err := maint.Start(cfg.MaintenanceSchedule)
	if err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.MaintenanceSchedule).Msg("maintenance schedule")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	<-scheduler.Stop().Done()
	if err := shutdownOTel(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info().Msg("server stopped")
}
