package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-prepaid-billing/internal/services"
)

const (
	ctxKeyCredential = "auth.credential"
	ctxKeyAccountID  = "accountID"
)

// CredentialResolver maps an Authorization header to a credential.
// *services.Credentials implements it.
type CredentialResolver interface {
	Resolve(ctx context.Context, authorization string) (services.Credential, error)
}

// Authenticate resolves the bearer key and stashes the credential for
// downstream handlers. Unknown or disabled keys get 401 invalid_api_key;
// resolver failures get 500 so a broken key store never admits traffic.
func Authenticate(r CredentialResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, err := r.Resolve(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			rid := c.Writer.Header().Get(requestIDHeader)
			if errors.Is(err, services.ErrInvalidAPIKey) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"request_id": rid,
					"error":      "invalid_api_key",
				})
				return
			}
			LoggerFrom(c).Error().Err(err).Msg("credential lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"error":      "internal_error",
				"message":    "credential lookup failed",
			})
			return
		}
		c.Set(ctxKeyCredential, cred)
		c.Set(ctxKeyAccountID, cred.AccountID)
		c.Next()
	}
}

// CredentialFrom returns the credential stored by Authenticate.
func CredentialFrom(c *gin.Context) (services.Credential, bool) {
	v, ok := c.Get(ctxKeyCredential)
	if !ok {
		return services.Credential{}, false
	}
	cred, ok := v.(services.Credential)
	return cred, ok
}

// AccountID returns the authenticated account id, or "".
func AccountID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyAccountID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
