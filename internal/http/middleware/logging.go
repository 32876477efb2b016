// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds the correlation id injector, panic recovery and access to
// the request-scoped logger. Install RequestID, then RedactingLogger, then
// Recovery so that panics are logged with the request id and, once
// Authenticate has run, the account and key.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"

	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

// Client supplied ids end up in logs, billing headers and transaction
// metadata, so anything outside this shape is replaced.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// RequestID reuses a well-formed incoming X-Request-ID or generates a UUID,
// echoes it on the response and stores it in the Gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !requestIDPattern.MatchString(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Recovery turns a panic into a JSON 500 with the usual error envelope. When
// the handler already wrote part of a response (audio, for instance) only the
// status is recorded.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := requestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"error":      "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger attached by RedactingLogger,
// tagged with the account and key once the request is authenticated. Without
// RedactingLogger the global logger is returned, so callers never nil-check.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	base := log.Logger
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			base = *lg
		}
	}
	cred, ok := CredentialFrom(c)
	if !ok {
		if acct := AccountID(c); acct != "" {
			lg := base.With().Str("account_id", acct).Logger()
			return &lg
		}
		return &base
	}
	lg := base.With().Str("account_id", cred.AccountID).Str("key_id", cred.KeyID).Logger()
	return &lg
}

// requestIDFrom prefers the response header, which the metered handler
// overwrites with the billing request id.
func requestIDFrom(c *gin.Context) string {
	if rid := c.Writer.Header().Get(requestIDHeader); rid != "" {
		return rid
	}
	if v, ok := c.Get(requestIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return c.GetHeader(requestIDHeader)
}

// truncate caps s at max bytes plus an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
