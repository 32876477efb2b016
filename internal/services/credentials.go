package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/repo"
)

// Credential defaults.
const (
	DefaultRateLimitPerMinute    = 120
	DefaultMonthlyHardLimitChars = int64(100_000_000)
	DefaultDevAPIKey             = "dev_api_key"
	devAccountID                 = "acct_dev"
	devKeyID                     = "key_dev"
)

var bearerRe = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// Credential is a resolved API key.
type Credential struct {
	AccountID             string
	KeyID                 string
	KeyHash               string
	Status                string
	BillingStatus         string
	MonthlyHardLimitChars *int64
	RateLimitPerMinute    int
}

// Usable reports whether the key may be used at all.
func (c Credential) Usable() bool { return c.Status == domain.KeyStatusActive }

// RequiresPayment reports whether postpaid billing is blocked for the key.
func (c Credential) RequiresPayment() bool { return c.BillingStatus != domain.BillingStatusActive }

// ParseBearer extracts the key from an Authorization header. It returns ""
// when the header is missing or malformed.
func ParseBearer(header string) string {
	m := bearerRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// HashKey returns the lowercase hex SHA-256 of key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type rawEnvKey struct {
	AccountID             any `json:"account_id"`
	KeyID                 any `json:"key_id"`
	Key                   any `json:"key"`
	KeySHA256             any `json:"key_sha256"`
	Status                any `json:"status"`
	BillingStatus         any `json:"billing_status"`
	MonthlyHardLimitChars any `json:"monthly_hard_limit_chars"`
	RateLimitPerMinute    any `json:"rate_limit_per_minute"`
}

// EnvCredentialOptions controls LoadEnvCredentials.
type EnvCredentialOptions struct {
	Production                   bool
	DevKey                       string
	DefaultMonthlyHardLimitChars int64
}

// LoadEnvCredentials parses the static key list. Entries without an account,
// key id or key material are skipped. Malformed JSON yields no credentials.
// With no list configured outside production, a single development key is
// provisioned.
func LoadEnvCredentials(raw string, opts EnvCredentialOptions) []Credential {
	defLimit := opts.DefaultMonthlyHardLimitChars
	if defLimit <= 0 {
		defLimit = DefaultMonthlyHardLimitChars
	}

	if strings.TrimSpace(raw) == "" {
		if opts.Production {
			return nil
		}
		devKey := strings.TrimSpace(opts.DevKey)
		if devKey == "" {
			devKey = DefaultDevAPIKey
		}
		limit := defLimit
		return []Credential{{
			AccountID:             devAccountID,
			KeyID:                 devKeyID,
			KeyHash:               HashKey(devKey),
			Status:                domain.KeyStatusActive,
			BillingStatus:         domain.BillingStatusActive,
			MonthlyHardLimitChars: &limit,
			RateLimitPerMinute:    DefaultRateLimitPerMinute,
		}}
	}

	var items []rawEnvKey
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}

	out := make([]Credential, 0, len(items))
	for _, it := range items {
		acct := strings.TrimSpace(asString(it.AccountID))
		keyID := strings.TrimSpace(asString(it.KeyID))
		if acct == "" || keyID == "" {
			continue
		}
		hash := strings.ToLower(strings.TrimSpace(asString(it.KeySHA256)))
		if hash == "" {
			if plain := strings.TrimSpace(asString(it.Key)); plain != "" {
				hash = HashKey(plain)
			}
		}
		if hash == "" {
			continue
		}

		var limit *int64
		if v := asNumber(it.MonthlyHardLimitChars, float64(defLimit)); v > 0 {
			n := int64(math.Floor(v))
			limit = &n
		}
		rate := DefaultRateLimitPerMinute
		if v := asNumber(it.RateLimitPerMinute, DefaultRateLimitPerMinute); v > 0 {
			rate = int(math.Floor(v))
		}

		out = append(out, Credential{
			AccountID:             acct,
			KeyID:                 keyID,
			KeyHash:               hash,
			Status:                normalizeKeyStatus(asString(it.Status)),
			BillingStatus:         normalizeBillingStatus(asString(it.BillingStatus)),
			MonthlyHardLimitChars: limit,
			RateLimitPerMinute:    rate,
		})
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asNumber accepts JSON numbers and numeric strings; anything else, including
// a missing value, yields fallback.
func asNumber(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		var f float64
		if _, err := fmt.Sscan(strings.TrimSpace(t), &f); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f
		}
	}
	return fallback
}

func normalizeKeyStatus(s string) string {
	if strings.EqualFold(s, domain.KeyStatusDisabled) {
		return domain.KeyStatusDisabled
	}
	return domain.KeyStatusActive
}

func normalizeBillingStatus(s string) string {
	switch strings.ToLower(s) {
	case domain.BillingStatusDunning:
		return domain.BillingStatusDunning
	case domain.BillingStatusNoPaymentMethod:
		return domain.BillingStatusNoPaymentMethod
	}
	return domain.BillingStatusActive
}

// Credentials resolves bearer keys against the api_keys table first and the
// static list second.
type Credentials struct {
	DB              *gorm.DB // optional
	Static          []Credential
	FallbackEnabled bool
	Log             zerolog.Logger
	Now             func() time.Time
}

// Resolve maps an Authorization header to a usable credential. Unknown,
// malformed and disabled keys yield ErrInvalidAPIKey; database failures are
// returned as-is.
func (s *Credentials) Resolve(ctx context.Context, authorization string) (Credential, error) {
	key := ParseBearer(authorization)
	if key == "" {
		return Credential{}, ErrInvalidAPIKey
	}
	hash := HashKey(key)

	if s.DB != nil {
		row, err := repo.FindAPIKeyByHash(ctx, s.DB, hash)
		switch {
		case err == nil:
			cred := credentialFromRow(row)
			if !cred.Usable() {
				return Credential{}, ErrInvalidAPIKey
			}
			s.touch(ctx, cred.KeyID)
			return cred, nil
		case !errors.Is(err, repo.ErrNotFound):
			return Credential{}, fmt.Errorf("lookup api key: %w", err)
		}
	}

	if !s.FallbackEnabled {
		return Credential{}, ErrInvalidAPIKey
	}
	for _, c := range s.Static {
		if c.KeyHash == hash {
			if !c.Usable() {
				return Credential{}, ErrInvalidAPIKey
			}
			return c, nil
		}
	}
	return Credential{}, ErrInvalidAPIKey
}

func (s *Credentials) touch(ctx context.Context, keyID string) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	if err := repo.TouchAPIKey(ctx, s.DB, keyID, now); err != nil {
		s.Log.Warn().Err(err).Str("key_id", keyID).Msg("touch api key failed")
	}
}

func credentialFromRow(k *domain.APIKey) Credential {
	rate := k.RateLimitPerMinute
	if rate <= 0 {
		rate = DefaultRateLimitPerMinute
	}
	var limit *int64
	if k.MonthlyHardLimitChars != nil && *k.MonthlyHardLimitChars > 0 {
		n := *k.MonthlyHardLimitChars
		limit = &n
	}
	return Credential{
		AccountID:             k.AccountID,
		KeyID:                 k.KeyID,
		KeyHash:               k.KeyHash,
		Status:                normalizeKeyStatus(k.Status),
		BillingStatus:         normalizeBillingStatus(k.BillingStatus),
		MonthlyHardLimitChars: limit,
		RateLimitPerMinute:    rate,
	}
}
