package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures RedactingLogger. MaskHeaders adds header names
// (case-insensitive) whose values are replaced wholesale.
type RedactOptions struct {
	MaskHeaders []string
}

const masked = "[REDACTED]"

type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Applied in order to query strings and unmasked header values. Provider ids
// that tie a log line to a card holder go, our own tx_ and request ids stay.
var redactions = []redaction{
	{regexp.MustCompile(`\b(?:sk|rk)_(?:live|test)_[A-Za-z0-9]+`), "[REDACTED:secret]"},
	{regexp.MustCompile(`\bwhsec_[A-Za-z0-9]+`), "[REDACTED:secret]"},
	{regexp.MustCompile(`\bcus_[A-Za-z0-9]+`), "[REDACTED:customer]"},
	{regexp.MustCompile(`\bpm_[A-Za-z0-9]+`), "[REDACTED:payment_method]"},
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), "[REDACTED:email]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), "[REDACTED:pan]"},
}

var defaultMaskedHeaders = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
	"Stripe-Signature",
	"Idempotency-Key",
}

// Response headers worth a field of their own on the access line.
var accessLogHeaders = map[string]string{
	"X-Billable-Chars":       "billable_chars",
	"X-Estimated-Charge-Eur": "charge_eur",
	"X-Estimated-Charge-Usd": "charge_usd",
	"X-Idempotent-Replay":    "idempotent_replay",
}

func redact(s string) string {
	for _, r := range redactions {
		if s == "" {
			break
		}
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

type headerScrubber map[string]struct{}

func newHeaderScrubber(extra []string) headerScrubber {
	hs := make(headerScrubber, len(defaultMaskedHeaders)+len(extra))
	for _, h := range append(append([]string(nil), defaultMaskedHeaders...), extra...) {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hs[h] = struct{}{}
		}
	}
	return hs
}

func (hs headerScrubber) scrub(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := hs[strings.ToLower(k)]; ok {
			out[k] = masked
			continue
		}
		out[k] = redact(strings.Join(vv, ", "))
	}
	return out
}

// RedactingLogger writes one access line per request with secrets, provider
// customer and payment-method ids, emails and card-like numbers scrubbed from
// the query and headers. Bodies are never logged. It also attaches the
// request-scoped logger returned by LoggerFrom.
//
// Levels: info below 400, warn for 4xx, error for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	scrubber := newHeaderScrubber(opts.MaskHeaders)

	return func(c *gin.Context) {
		start := time.Now()
		query := truncate(redact(c.Request.URL.RawQuery), maxQueryLogLength)
		headers := scrubber.scrub(c.Request.Header)

		scoped := log.With().Str("request_id", requestIDFrom(c)).Logger()
		c.Set(loggerKey, &scoped)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		default:
			ev = log.Info()
		}
		if cred, ok := CredentialFrom(c); ok {
			ev = ev.Str("account_id", cred.AccountID).Str("key_id", cred.KeyID)
		} else if acct := AccountID(c); acct != "" {
			ev = ev.Str("account_id", acct)
		}
		resp := c.Writer.Header()
		for h, field := range accessLogHeaders {
			if v := resp.Get(h); v != "" {
				ev = ev.Str(field, v)
			}
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.
			Str("request_id", requestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", route).
			Str("query", query).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
