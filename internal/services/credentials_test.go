package services

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/repo"
)

func TestParseBearer(t *testing.T) {
	assert.Equal(t, "abc", ParseBearer("Bearer abc"))
	assert.Equal(t, "abc", ParseBearer("bearer   abc  "))
	assert.Equal(t, "", ParseBearer("Basic abc"))
	assert.Equal(t, "", ParseBearer("Bearer    "))
	assert.Equal(t, "", ParseBearer(""))
}

func TestLoadEnvCredentials(t *testing.T) {
	raw := `[
		{"account_id":"acct_1","key_id":"k1","key":"secret-1","status":"DISABLED","billing_status":"dunning","monthly_hard_limit_chars":0,"rate_limit_per_minute":-3},
		{"account_id":"acct_2","key_id":"k2","key_sha256":"ABCDEF","monthly_hard_limit_chars":"2500"},
		{"account_id":"acct_3","key_id":"k3"},
		{"key_id":"k4","key":"x"}
	]`
	creds := LoadEnvCredentials(raw, EnvCredentialOptions{DefaultMonthlyHardLimitChars: 1_000})
	require.Len(t, creds, 2)

	c := creds[0]
	assert.Equal(t, HashKey("secret-1"), c.KeyHash)
	assert.Equal(t, domain.KeyStatusDisabled, c.Status)
	assert.Equal(t, domain.BillingStatusDunning, c.BillingStatus)
	assert.Nil(t, c.MonthlyHardLimitChars, "non-positive limit means unlimited")
	assert.Equal(t, DefaultRateLimitPerMinute, c.RateLimitPerMinute)

	c = creds[1]
	assert.Equal(t, "abcdef", c.KeyHash)
	assert.Equal(t, domain.KeyStatusActive, c.Status)
	require.NotNil(t, c.MonthlyHardLimitChars)
	assert.EqualValues(t, 2500, *c.MonthlyHardLimitChars)

	assert.Empty(t, LoadEnvCredentials("{not json", EnvCredentialOptions{}))
	assert.Empty(t, LoadEnvCredentials(`{"account_id":"a"}`, EnvCredentialOptions{}))
}

func TestLoadEnvCredentials_DevKey(t *testing.T) {
	creds := LoadEnvCredentials("", EnvCredentialOptions{})
	require.Len(t, creds, 1)
	assert.Equal(t, "acct_dev", creds[0].AccountID)
	assert.Equal(t, HashKey(DefaultDevAPIKey), creds[0].KeyHash)
	require.NotNil(t, creds[0].MonthlyHardLimitChars)
	assert.EqualValues(t, DefaultMonthlyHardLimitChars, *creds[0].MonthlyHardLimitChars)

	creds = LoadEnvCredentials(" ", EnvCredentialOptions{DevKey: "local"})
	require.Len(t, creds, 1)
	assert.Equal(t, HashKey("local"), creds[0].KeyHash)

	assert.Empty(t, LoadEnvCredentials("", EnvCredentialOptions{Production: true}))
}

func TestCredentials_Resolve(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, repo.CreateAPIKey(ctx, db, &domain.APIKey{
		AccountID: "acct_db", KeyID: "kdb", KeyHash: HashKey("db-secret"),
		Status: domain.KeyStatusActive, BillingStatus: domain.BillingStatusActive, RateLimitPerMinute: 30,
	}))
	require.NoError(t, repo.CreateAPIKey(ctx, db, &domain.APIKey{
		AccountID: "acct_off", KeyID: "koff", KeyHash: HashKey("off-secret"),
		Status: domain.KeyStatusDisabled, BillingStatus: domain.BillingStatusActive,
	}))

	s := &Credentials{
		DB:              db,
		Static:          LoadEnvCredentials(`[{"account_id":"acct_env","key_id":"kenv","key":"env-secret"}]`, EnvCredentialOptions{}),
		FallbackEnabled: true,
		Log:             zerolog.Nop(),
	}

	c, err := s.Resolve(ctx, "Bearer db-secret")
	require.NoError(t, err)
	assert.Equal(t, "acct_db", c.AccountID)
	assert.Equal(t, 30, c.RateLimitPerMinute)
	assert.Nil(t, c.MonthlyHardLimitChars)

	row, err := repo.FindAPIKeyByHash(ctx, db, HashKey("db-secret"))
	require.NoError(t, err)
	assert.NotNil(t, row.LastUsedAt, "lookup touches last_used_at")

	c, err = s.Resolve(ctx, "Bearer env-secret")
	require.NoError(t, err)
	assert.Equal(t, "acct_env", c.AccountID)

	_, err = s.Resolve(ctx, "Bearer off-secret")
	assert.True(t, errors.Is(err, ErrInvalidAPIKey))
	_, err = s.Resolve(ctx, "Bearer nope")
	assert.True(t, errors.Is(err, ErrInvalidAPIKey))
	_, err = s.Resolve(ctx, "")
	assert.True(t, errors.Is(err, ErrInvalidAPIKey))

	s.FallbackEnabled = false
	_, err = s.Resolve(ctx, "Bearer env-secret")
	assert.True(t, errors.Is(err, ErrInvalidAPIKey))
}
