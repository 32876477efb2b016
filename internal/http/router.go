// Package httpapi wires the HTTP transport (Gin) to the billing handlers and
// middleware. It centralizes cross-cutting concerns such as tracing,
// correlation IDs, logging/redaction, panic recovery, metrics, CORS, security
// headers, idempotency-key validation, authentication and rate limiting.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-prepaid-billing/internal/config"
	"github.com/tbourn/go-prepaid-billing/internal/http/handlers"
	"github.com/tbourn/go-prepaid-billing/internal/http/middleware"
)

// maxBodyBytes caps request bodies. Metered text is far below this.
const maxBodyBytes = 1 << 20

// defaultMeteredPerMinute sizes the metered bucket of credentials that carry
// no rate limit of their own.
const defaultMeteredPerMinute = 120

var (
	corsMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey, "Stripe-Signature"}
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// Route-level chains then add authentication, idempotency-key validation and
// the per-IP limiter where each endpoint needs them.
func RegisterRoutes(r *gin.Engine, cfg config.Config, creds middleware.CredentialResolver, deps handlers.Deps) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Api-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(maxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics("/metrics", "/health"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture and security headers
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		ExposeHeaders: middleware.BillingHeaders,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if deps.Limiter == nil {
		deps.Limiter = middleware.NewRateLimiter(defaultMeteredPerMinute/60.0, defaultMeteredPerMinute, nil)
	}
	h := handlers.New(deps)

	auth := middleware.Authenticate(creds)
	ipLimit := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAccountOrIP()).Handler()
	noStore := middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true})

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Metered endpoint; limited per credential inside the handler
		api.POST("/tts",
			auth,
			middleware.IdempotencyValidator(middleware.IdempotencyOptions{}),
			h.SynthesizeSpeech,
		)

		billing := api.Group("/billing", ipLimit, noStore, gzip.Gzip(gzip.DefaultCompression))
		billing.GET("/summary", auth, h.GetSummary)

		wallet := billing.Group("", h.RequirePrepaid(), auth)
		wallet.GET("/wallet", h.GetWallet)
		wallet.GET("/transactions", h.ListTransactions)
		wallet.GET("/auto-recharge", h.GetAutoRecharge)
		wallet.PATCH("/auto-recharge", h.PatchAutoRecharge)
		wallet.POST("/topups/checkout-session", h.CreateCheckoutSession)

		// Provider callbacks are signed, not authenticated
		api.POST("/payments/stripe/webhook", ipLimit, h.RequirePrepaid(), h.StripeWebhook)
	}
}

// corsMiddleware returns the CORS chain. With no configured origins every
// origin is allowed without credentials; otherwise the allowlist is echoed.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     corsMethods,
		AllowHeaders:     corsHeaders,
		ExposeHeaders:    append([]string{"Content-Length", "Content-Disposition"}, middleware.BillingHeaders...),
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// ACAO: * even without an Origin header, for simple health checks
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
