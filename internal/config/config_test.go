package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "dexsentry-config-*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(body)
	require.NoError(t, err)
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTemp(t, `
general:
  instance_id: "test-node"
  mode: "paper"
  log_level: "debug"

kafka:
  enabled: true
  brokers:
    - "localhost:19092"

sources:
  priority: ["raydium", "dexscreener"]
  dexscreener:
    rate_limit_rps: 2
    confidence: 0.75

pricing:
  staleness_window_ms: 750
  min_sources: 3

risk:
  max_daily_loss_usd: 500
  blacklist: ["BadMint111"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, ModePaper, cfg.General.Mode)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:19092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"raydium", "dexscreener"}, cfg.Sources.Priority)
	assert.Equal(t, 2.0, cfg.Sources.DexScreener.RateLimitRPS)
	assert.Equal(t, 0.75, cfg.Sources.DexScreener.Confidence)
	assert.Equal(t, 750*time.Millisecond, cfg.Pricing.StalenessWindow())
	assert.Equal(t, 3, cfg.Pricing.MinSources)
	assert.Equal(t, 500.0, cfg.Risk.MaxDailyLossUSD)
	assert.Equal(t, []string{"BadMint111"}, cfg.Risk.Blacklist)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Parse([]byte("general:\n  log_format: text\n"))
	require.NoError(t, err)

	assert.Equal(t, "dexsentry-1", cfg.General.InstanceID)
	assert.Equal(t, ModeSimulation, cfg.General.Mode)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "text", cfg.General.LogFormat)
	assert.Equal(t, 500*time.Millisecond, cfg.Pricing.StalenessWindow())
	assert.Equal(t, 2, cfg.Pricing.MinSources)
	assert.Equal(t, 0.65, cfg.Risk.MinConfidence)
	assert.Equal(t, 0.8, cfg.Risk.LiveMinConfidence)
	assert.Equal(t, 64, cfg.Sources.MaxWatchedTokens)
	assert.Equal(t, 5.0, cfg.Risk.MaxPriceImpactPct)
	assert.Equal(t, 2.0, cfg.Risk.LiveMaxPriceImpactPct)
	assert.Equal(t, 10_000.0, cfg.Risk.MinLiquidityUSD)
	assert.Equal(t, 60*time.Second, cfg.Execution.ConfirmTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.Position.Tick())
	assert.Equal(t, 100, cfg.Scanner.MaxTrackedPools)
	assert.Equal(t, 2*time.Hour, cfg.Scanner.RecentWindow())
	assert.Equal(t, time.Hour, cfg.Scanner.MaxPoolAge())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_RPC_URL", "https://rpc.example.org")
	cfg, err := Parse([]byte("solana:\n  rpc_url: ${TEST_RPC_URL}\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example.org", cfg.Solana.RPCURL)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DEXSENTRY_MODE", "LIVE")
	t.Setenv("DEXSENTRY_LOG_LEVEL", "warn")
	t.Setenv("HELIUS_API_KEY", "helius-key")
	t.Setenv("WALLET_PRIVATE_KEY", "secret")

	cfg, err := Parse([]byte("general:\n  mode: paper\n"))
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.General.Mode)
	assert.True(t, cfg.IsLive())
	assert.Equal(t, "warn", cfg.General.LogLevel)
	assert.Equal(t, "helius-key", cfg.Solana.HeliusAPIKey)
	assert.Equal(t, "secret", cfg.Solana.WalletPrivateKey)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/dexsentry.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.General.Mode = "yolo" }},
		{"confidence above one", func(c *Config) { c.Risk.MinConfidence = 1.5 }},
		{"live confidence above one", func(c *Config) { c.Risk.LiveMinConfidence = 1.2 }},
		{"stop loss out of range", func(c *Config) { c.Risk.StopLossPct = 120 }},
		{"negative daily loss", func(c *Config) { c.Risk.MaxDailyLossUSD = -1 }},
		{"live without wallet", func(c *Config) { c.General.Mode = ModeLive; c.Solana.WalletPrivateKey = "" }},
		{"no sources", func(c *Config) { c.Sources.Priority = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte("{}"))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, market.ErrConfigInvalid))
		})
	}
}
