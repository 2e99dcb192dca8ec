package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "LENDING_CONFIG"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Store.CacheTTL)
	assert.Equal(t, "static", cfg.Oracle.Source)
	require.Len(t, cfg.Oracle.Prices, 4)
	assert.Equal(t, PriceConfig{Token: "sUSD", Price: "100000000"}, cfg.Oracle.Prices[1])

	l := cfg.Ledger
	assert.Equal(t, "ETH", l.NativeToken)
	assert.Equal(t, "sUSD", l.ReferenceToken)
	assert.Equal(t, uint8(8), l.PriceDecimals)
	assert.Equal(t, uint64(10000), l.RatioScale)
	assert.Equal(t, uint64(15000), l.MinBorrowRatio)
	assert.Equal(t, uint64(11000), l.LiquidationRatio)
	assert.Equal(t, uint64(13000), l.WarningRatio)
	assert.Equal(t, uint64(25), l.TradeFeeRate)
	assert.Equal(t, uint64(50), l.LoanFeeRate)
	assert.Equal(t, "burn", l.LiquidationMode)

	require.Len(t, cfg.Tokens, 2)
	assert.True(t, cfg.Tokens[0].Synthetic)
	assert.True(t, cfg.IsDev())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/lending")
	t.Setenv("LENDING_LEDGER_TRADE_FEE_RATE", "30")
	t.Setenv("LENDING_LEDGER_LIQUIDATION_MODE", "liquidator")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/lending", cfg.Store.DatabaseURL)
	assert.Equal(t, uint64(30), cfg.Ledger.TradeFeeRate)
	assert.Equal(t, "liquidator", cfg.Ledger.LiquidationMode)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "lending.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: test
server:
  port: 7000
ledger:
  min_borrow_ratio: 25000
  warning_ratio: 0
tokens:
  - id: sGOLD
    synthetic: true
  - id: WBTC
    decimals: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, uint64(25000), cfg.Ledger.MinBorrowRatio)
	assert.Zero(t, cfg.Ledger.WarningRatio)
	require.Len(t, cfg.Tokens, 2)
	assert.Equal(t, "WBTC", cfg.Tokens[1].ID)
	assert.Equal(t, uint8(8), cfg.Tokens[1].Decimals)
	assert.False(t, cfg.Tokens[1].Synthetic)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad env", func(c *Config) { c.Env = "staging" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad source", func(c *Config) { c.Oracle.Source = "chainlink" }},
		{"same tokens", func(c *Config) { c.Ledger.ReferenceToken = c.Ledger.NativeToken }},
		{"liquidation below scale", func(c *Config) { c.Ledger.LiquidationRatio = 9000 }},
		{"min borrow below liquidation", func(c *Config) { c.Ledger.MinBorrowRatio = 10500 }},
		{"fee above scale", func(c *Config) { c.Ledger.TradeFeeRate = 10001 }},
		{"warning outside band", func(c *Config) { c.Ledger.WarningRatio = 16000 }},
		{"unknown mode", func(c *Config) { c.Ledger.LiquidationMode = "auction" }},
		{"empty token id", func(c *Config) { c.Tokens = append(c.Tokens, TokenConfig{}) }},
		{"bad price", func(c *Config) { c.Oracle.Prices = []PriceConfig{{Token: "sUSD", Price: "one"}} }},
		{"faucet in prod", func(c *Config) { c.Env = "prod"; c.Dev.Faucet = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			c.Tokens = append([]TokenConfig(nil), base.Tokens...)
			tc.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}

	assert.NoError(t, base.Validate())
}
