package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/jackpot")
	t.Setenv("GAME_SERVICE_TOKEN", "gateway-secret")
	t.Setenv("TREASURY_ADDRESS", "Treasury1111")
	t.Setenv("PAYOUT_SERVICE_URL", "http://payout.internal:8080")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "5300", c.Port)
	assert.Equal(t, "postgres", c.DBDriver)
	assert.Equal(t, "0.05", c.EntryFee.String())
	assert.Equal(t, "0.001", c.FeeReserve.String())
	assert.Equal(t, time.Second, c.ExpiryCheckInterval)
	assert.Equal(t, 30*time.Second, c.SettleTimeout)
	assert.Equal(t, "gateway-secret", c.PayoutToken)
	assert.Equal(t, []string{"http://localhost:3000"}, c.AllowedOrigins)
}

func TestFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("FEE_RESERVE", "0.005")
	t.Setenv("EXPIRY_CHECK_INTERVAL", "2s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.DBDriver)
	assert.Contains(t, c.DBDSN, "jackpot.db")
	assert.Equal(t, "0.005", c.FeeReserve.String())
	assert.Equal(t, 2*time.Second, c.ExpiryCheckInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.AllowedOrigins)
}

func TestFromEnvReportsAllProblems(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("GAME_SERVICE_TOKEN", "")
	t.Setenv("TREASURY_ADDRESS", "")
	t.Setenv("PAYOUT_SERVICE_URL", "")
	t.Setenv("SETTLE_TIMEOUT", "soon")
	t.Setenv("FEE_RESERVE", "lots")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SETTLE_TIMEOUT")
	assert.Contains(t, err.Error(), "FEE_RESERVE")

	t.Setenv("SETTLE_TIMEOUT", "")
	t.Setenv("FEE_RESERVE", "")
	_, err = FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TreasuryAddress")
	assert.Contains(t, err.Error(), "GatewayToken")
	assert.Contains(t, err.Error(), "DBDSN")
}

func TestValidateRejectsNegativeReserve(t *testing.T) {
	setRequired(t)
	t.Setenv("FEE_RESERVE", "-1")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "FeeReserve")
}
