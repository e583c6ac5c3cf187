package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("PERPD_POOL_ADMINS", "ops-1, ops-2")
	t.Setenv("PERPD_KEEPERS", "keeper-1")
	t.Setenv("PERPD_FUNDING_TICK", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"ops-1", "ops-2"}, cfg.Admins())
	assert.Equal(t, []string{"keeper-1"}, cfg.Keepers())
	assert.Equal(t, 30*time.Second, cfg.Funding.TickInterval)

	// Defaults survive the overrides.
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, ":9100", cfg.Server.MetricsAddr)
	assert.Equal(t, "perp", cfg.Nats.Subject)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRejectsMissingAdmins(t *testing.T) {
	t.Setenv("PERPD_POOL_ADMINS", "")
	t.Setenv("PERPD_KEEPERS", "keeper-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pool admins")
}

func TestLoadRejectsShortFundingTick(t *testing.T) {
	t.Setenv("PERPD_POOL_ADMINS", "ops-1")
	t.Setenv("PERPD_FUNDING_TICK", "100ms")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funding tick")
}
