// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the Idempotency-Key request header of metered requests
// and stashes the trimmed key in the Gin context. Begin/Complete/Abort
// semantics (conflicts, in-progress detection and replay) belong to the
// metering services; this layer only guarantees a well-formed key.
package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header that carries the client token.
const HeaderIdempotencyKey = "Idempotency-Key"

const ctxKeyIdemKey = "idem.key"

// defaultIdemPattern accepts visible ASCII.
var defaultIdemPattern = regexp.MustCompile(`^[\x21-\x7E]+$`)

// GetIdempotencyKey returns the validated key stored by IdempotencyValidator.
// The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 255.
	MaxLen int
	// Pattern restricts allowed characters. If nil, visible ASCII is accepted.
	Pattern *regexp.Regexp
}

// IdempotencyValidator trims the Idempotency-Key header and, when present,
// validates and stashes it. A blank header is treated as absent. An invalid
// key is rejected with 400 invalid_payload before the handler runs.
func IdempotencyValidator(opts IdempotencyOptions) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 255
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultIdemPattern
	}

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"error":      "invalid_payload",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)
		c.Next()
	}
}
