// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by every endpoint. Error
// bodies always carry a stable `error` code, the correlation id and, when
// useful, a message plus code-specific fields:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "error": "quota_exceeded",
//	  "currentChars": 99999000,
//	  "monthlyHardLimitChars": 100000000
//	}
//
// 5xx responses are logged with the request-scoped logger.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-prepaid-billing/internal/http/middleware"
)

// ErrorResponse is the fixed part of every error body. Code-specific fields
// are merged in by failWith.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
}

// fail aborts the request with a structured error.
func fail(c *gin.Context, status int, code, msg string) {
	failWith(c, status, code, msg, nil)
}

// failWith aborts with an error body extended by extra. Keys in extra never
// override request_id, error or message.
func failWith(c *gin.Context, status int, code, msg string, extra gin.H) {
	body := gin.H{}
	for k, v := range extra {
		body[k] = v
	}
	if rid := c.Writer.Header().Get("X-Request-ID"); rid != "" {
		body["request_id"] = rid
	}
	body["error"] = code
	if msg != "" {
		body["message"] = msg
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, body)
}

// Fail is the exported variant of fail for the router's fallback handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// bindJSON decodes the request body into dst. It reports false after
// writing 400 invalid_json for malformed JSON, or 400 invalid_payload when
// the JSON is well formed but has the wrong shape.
func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, "field "+typeErr.Field+" has the wrong type")
		return false
	}
	fail(c, http.StatusBadRequest, ErrCodeInvalidJSON, "request body is not valid JSON")
	return false
}
