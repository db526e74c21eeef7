package scanner

import (
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scoringNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func scoredPool(liq, vol, impact float64, age time.Duration) market.PoolRecord {
	return market.PoolRecord{
		Address:       "pool-1",
		LiquidityUSD:  liq,
		Volume24hUSD:  vol,
		PriceImpact1k: impact,
		CreatedAt:     scoringNow.Add(-age),
	}
}

func TestRiskScorer_Bands(t *testing.T) {
	s := NewRiskScorer(DefaultRiskScorerConfig())

	tests := []struct {
		name      string
		liq, vol  float64
		age       time.Duration
		liqScore  float64
		volScore  float64
		ageScore  float64
		overallEq float64
	}{
		{"deep old busy", 150_000, 60_000, 48 * time.Hour, 0.9, 0.9, 0.9, (0.9 + 0.9 + 0.9 + 0.6) / 4},
		{"mid", 80_000, 30_000, 12 * time.Hour, 0.7, 0.7, 0.7, (0.7 + 0.7 + 0.7 + 0.6) / 4},
		{"small", 20_000, 5_000, 2 * time.Hour, 0.5, 0.5, 0.5, (0.5 + 0.5 + 0.5 + 0.6) / 4},
		{"fresh dust", 1_000, 100, 10 * time.Minute, 0.2, 0.2, 0.2, (0.2 + 0.2 + 0.2 + 0.6) / 4},
		{"boundaries are exclusive", 100_000, 50_000, 24 * time.Hour, 0.7, 0.7, 0.7, (0.7 + 0.7 + 0.7 + 0.6) / 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rs := s.Score(scoredPool(tc.liq, tc.vol, 1, tc.age), scoringNow)
			assert.Equal(t, tc.liqScore, rs.Liquidity)
			assert.Equal(t, tc.volScore, rs.Volume)
			assert.Equal(t, tc.ageScore, rs.TokenAge)
			assert.Equal(t, DefaultHolderDistribution, rs.HolderDistribution)
			assert.InDelta(t, tc.overallEq, rs.Overall, 1e-9)
		})
	}
}

func TestRiskScorer_RugIndicators(t *testing.T) {
	s := NewRiskScorer(DefaultRiskScorerConfig())

	rs := s.Score(scoredPool(4_000, 0, 12, time.Hour), scoringNow)
	assert.Equal(t, []string{RugLowLiquidity, RugHighPriceImpact}, rs.RugIndicators)

	rs = s.Score(scoredPool(60_000, 0, 5, time.Hour), scoringNow)
	assert.Empty(t, rs.RugIndicators)
}

func TestRiskScorer_ZeroCreatedAtUsesDetection(t *testing.T) {
	s := NewRiskScorer(DefaultRiskScorerConfig())
	pool := scoredPool(20_000, 0, 1, 0)
	pool.CreatedAt = time.Time{}
	pool.DetectedAt = scoringNow.Add(-7 * time.Hour)

	assert.Equal(t, 0.7, s.Score(pool, scoringNow).TokenAge)
}

func TestNormalize(t *testing.T) {
	raw := datasource.RawPool{
		Address:      "pool-n",
		DEX:          "raydium",
		Source:       "dexscreener",
		TokenA:       datasource.RawToken{Mint: "mint-a", Symbol: "AAA", Decimals: 6},
		TokenB:       datasource.RawToken{Mint: solana.SOLMint, Symbol: "SOL", Decimals: 9},
		PriceUSD:     0.3,
		PriceNative:  0.002,
		LiquidityUSD: 100_000,
		Volume24hUSD: 5_000,
	}

	rec, ok := Normalize(raw)
	require.True(t, ok)
	assert.Equal(t, solana.Pubkey("pool-n"), rec.Address)
	assert.Equal(t, "AAA", rec.TokenA.Symbol)
	assert.Equal(t, uint8(9), rec.TokenB.Decimals)
	assert.Equal(t, 0.3, rec.TokenA.PriceUSD)
	assert.InDelta(t, 150.0, rec.TokenB.PriceUSD, 1e-9)
	assert.InDelta(t, 1.96, rec.PriceImpact1k, 0.01, "missing impact is estimated")

	raw.PriceImpactPct = 0.4
	rec, _ = Normalize(raw)
	assert.Equal(t, 0.4, rec.PriceImpact1k)

	bad := raw
	bad.TokenB.Mint = raw.TokenA.Mint
	_, ok = Normalize(bad)
	assert.False(t, ok)

	bad = raw
	bad.Address = ""
	_, ok = Normalize(bad)
	assert.False(t, ok)

	bad = raw
	bad.LiquidityUSD = -1
	_, ok = Normalize(bad)
	assert.False(t, ok)
}
