// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, billing mode, payment provider and observability settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "prepaid-billing")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig selects the wallet KV backend. An empty Addr means the
// in-process store.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// StripeConfig holds payment provider credentials. Payments are disabled when
// SecretKey is empty.
type StripeConfig struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
}

// BillingConfig controls the billing mode and its defaults.
type BillingConfig struct {
	PrepaidEnabled               bool    // API_BILLING_PREPAID_ENABLED
	AutoRechargeTriggerEUR       float64 // API_BILLING_AUTO_RECHARGE_TRIGGER_EUR
	AutoRechargeAmountEUR        float64 // API_BILLING_AUTO_RECHARGE_AMOUNT_EUR
	TrialChars                   int64   // API_BILLING_TRIAL_CHARS
	InvoiceMinimumUSD            float64 // API_BILLING_INVOICE_MIN_USD
	DefaultMonthlyHardLimitChars int64   // API_BILLING_DEFAULT_MONTHLY_HARD_LIMIT_CHARS
	KeysJSON                     string  // API_BILLING_KEYS_JSON
	DevKey                       string  // API_BILLING_DEV_KEY
	LegacyFallbackEnabled        bool    // API_BILLING_LEGACY_FALLBACK_ENABLED
}

// SynthConfig points at the speech service. An empty URL selects the local
// synthesizer.
type SynthConfig struct {
	URL     string        // SYNTH_URL
	Timeout time.Duration // SYNTH_TIMEOUT
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // must exceed SynthConfig.Timeout
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DBPath string // SQLite path
	Redis  RedisConfig

	// Rate limiting for the non-metered routes, per client IP
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Billing
	Billing BillingConfig
	Stripe  StripeConfig
	Synth   SynthConfig

	// Maintenance
	MaintenanceSchedule string // MAINTENANCE_SCHEDULE, five-field cron spec

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 45*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath: getenv("DB_PATH", "app.db"),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Billing
		Billing: BillingConfig{
			PrepaidEnabled:               getbool("API_BILLING_PREPAID_ENABLED", false),
			AutoRechargeTriggerEUR:       getfloat("API_BILLING_AUTO_RECHARGE_TRIGGER_EUR", 2),
			AutoRechargeAmountEUR:        getfloat("API_BILLING_AUTO_RECHARGE_AMOUNT_EUR", 10),
			TrialChars:                   getint64("API_BILLING_TRIAL_CHARS", 500_000),
			InvoiceMinimumUSD:            getfloat("API_BILLING_INVOICE_MIN_USD", 5),
			DefaultMonthlyHardLimitChars: getint64("API_BILLING_DEFAULT_MONTHLY_HARD_LIMIT_CHARS", 100_000_000),
			KeysJSON:                     strings.TrimSpace(getenv("API_BILLING_KEYS_JSON", "")),
			DevKey:                       getenv("API_BILLING_DEV_KEY", "dev_api_key"),
			LegacyFallbackEnabled:        getbool("API_BILLING_LEGACY_FALLBACK_ENABLED", true),
		},
		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Synth: SynthConfig{
			URL:     strings.TrimSpace(getenv("SYNTH_URL", "")),
			Timeout: getdur("SYNTH_TIMEOUT", 30*time.Second),
		},

		MaintenanceSchedule: getenv("MAINTENANCE_SCHEDULE", "7 * * * *"),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "prepaid-billing"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, cfg.validate()
}

// Production reports whether the server runs in release mode, which disables
// the development API key.
func (c Config) Production() bool { return c.GinMode == "release" }

type rule struct {
	broken bool
	msg    string
}

// validate returns the first violated rule.
func (c Config) validate() error {
	b := c.Billing
	rules := []rule{
		{!oneOf(c.LogLevel, "debug", "info", "warn", "error", "fatal", "panic"),
			"LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"},
		{strings.TrimSpace(c.Port) == "", "PORT must not be empty"},
		{c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0,
			"timeouts must be positive durations"},
		{c.MaxHeaderBytes <= 0, "MAX_HEADER_BYTES must be > 0"},
		{strings.TrimSpace(c.DBPath) == "", "DB_PATH must not be empty"},
		{c.Redis.DB < 0, "REDIS_DB must be >= 0"},
		{c.RateRPS < 0, "RATE_RPS must be >= 0"},
		{c.RateBurst < 1, "RATE_BURST must be >= 1"},
		{c.Security.HSTSMaxAge < 0, "HSTS_MAX_AGE must be >= 0"},
		{b.AutoRechargeTriggerEUR <= 0 || b.AutoRechargeAmountEUR <= b.AutoRechargeTriggerEUR,
			"API_BILLING_AUTO_RECHARGE_TRIGGER_EUR must be > 0 and below API_BILLING_AUTO_RECHARGE_AMOUNT_EUR"},
		{b.TrialChars < 0, "API_BILLING_TRIAL_CHARS must be >= 0"},
		{b.InvoiceMinimumUSD < 0, "API_BILLING_INVOICE_MIN_USD must be >= 0"},
		{b.DefaultMonthlyHardLimitChars <= 0, "API_BILLING_DEFAULT_MONTHLY_HARD_LIMIT_CHARS must be > 0"},
		{c.Stripe.WebhookSecret != "" && c.Stripe.SecretKey == "",
			"STRIPE_WEBHOOK_SECRET requires STRIPE_SECRET_KEY"},
		{c.Synth.Timeout <= 0, "SYNTH_TIMEOUT must be > 0"},
		{c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]"},
	}
	for _, r := range rules {
		if r.broken {
			return errors.New(r.msg)
		}
	}
	if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
		return fmt.Errorf("MAINTENANCE_SCHEDULE: %w", err)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// lookup returns def when k is unset, empty or fails to parse.
func lookup[T any](k string, def T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func getenv(k, def string) string {
	return lookup(k, def, func(v string) (string, error) { return v, nil })
}

func getfloat(k string, def float64) float64 {
	return lookup(k, def, func(v string) (float64, error) { return strconv.ParseFloat(strings.TrimSpace(v), 64) })
}

func getint(k string, def int) int {
	return lookup(k, def, func(v string) (int, error) { return strconv.Atoi(strings.TrimSpace(v)) })
}

func getint64(k string, def int64) int64 {
	return lookup(k, def, func(v string) (int64, error) { return strconv.ParseInt(strings.TrimSpace(v), 10, 64) })
}

func getdur(k string, def time.Duration) time.Duration {
	return lookup(k, def, func(v string) (time.Duration, error) { return time.ParseDuration(strings.TrimSpace(v)) })
}

var errNotBool = errors.New("not a boolean")

func getbool(k string, def bool) bool {
	return lookup(k, def, func(v string) (bool, error) {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true, nil
		case "0", "false", "no", "n", "off":
			return false, nil
		}
		return false, errNotBool
	})
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath ensures a leading '/' and strips trailing ones; blank
// means root.
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return "/" + p
}
