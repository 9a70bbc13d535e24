package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DEFAULT_CURRENCY", "usd")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "USD", cfg.DefaultCurrency)
	require.Equal(t, 10*time.Minute, cfg.StatementCacheTTL)
	require.Equal(t, "0 2 * * *", cfg.ReconcileCron)
	require.False(t, cfg.ReconcileFixDrift)
	require.Equal(t, "30 3 * * *", cfg.IdempotencyCleanupCron)
	require.Equal(t, 7*24*time.Hour, cfg.IdempotencyRetention)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STATEMENT_CACHE_TTL", "90s")
	t.Setenv("RECONCILE_FIX_DRIFT", "true")
	t.Setenv("RECONCILE_CRON", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 90*time.Second, cfg.StatementCacheTTL)
	require.True(t, cfg.ReconcileFixDrift)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Run("currency", func(t *testing.T) {
		t.Setenv("DEFAULT_CURRENCY", "dollars")
		_, err := LoadConfig()
		require.Error(t, err)
	})
	t.Run("rate limit", func(t *testing.T) {
		t.Setenv("APP_RATE_LIMIT", "0")
		_, err := LoadConfig()
		require.Error(t, err)
	})
	t.Run("retention", func(t *testing.T) {
		t.Setenv("IDEMPOTENCY_RETENTION", "0s")
		_, err := LoadConfig()
		require.Error(t, err)
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("STATEMENT_CACHE_TTL", "soon")
		_, err := LoadConfig()
		require.Error(t, err)
	})
}
