package scanner

import (
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
)

// ---------------------------------------------------------------------------
// Pool risk scoring
// ---------------------------------------------------------------------------

// Rug indicator tags.
const (
	RugLowLiquidity    = "low_liquidity"
	RugHighPriceImpact = "high_price_impact"
)

// DefaultHolderDistribution is used until holder data is available.
const DefaultHolderDistribution = 0.6

// RiskScorerConfig sets the rug-indicator thresholds.
type RiskScorerConfig struct {
	LiquidityFloorUSD float64 `yaml:"liquidity_floor_usd"`
	MaxPriceImpactPct float64 `yaml:"max_price_impact_pct"`
}

// DefaultRiskScorerConfig tags pools under $5k or above 5% impact.
func DefaultRiskScorerConfig() RiskScorerConfig {
	return RiskScorerConfig{
		LiquidityFloorUSD: 5_000,
		MaxPriceImpactPct: 5,
	}
}

// RiskScorer derives a RiskScore from a pool's current fields. It is
// deterministic and keeps no state.
type RiskScorer struct {
	config RiskScorerConfig
}

// NewRiskScorer creates a scorer.
func NewRiskScorer(config RiskScorerConfig) *RiskScorer {
	d := DefaultRiskScorerConfig()
	if config.LiquidityFloorUSD <= 0 {
		config.LiquidityFloorUSD = d.LiquidityFloorUSD
	}
	if config.MaxPriceImpactPct <= 0 {
		config.MaxPriceImpactPct = d.MaxPriceImpactPct
	}
	return &RiskScorer{config: config}
}

// Score computes the risk of pool as seen at now. Higher is safer.
func (s *RiskScorer) Score(pool market.PoolRecord, now time.Time) market.RiskScore {
	rs := market.RiskScore{
		Liquidity:          liquidityScore(pool.LiquidityUSD),
		Volume:             volumeScore(pool.Volume24hUSD),
		TokenAge:           ageScore(pool.Age(now)),
		HolderDistribution: DefaultHolderDistribution,
	}
	rs.Overall = (rs.Liquidity + rs.Volume + rs.TokenAge + rs.HolderDistribution) / 4

	if pool.LiquidityUSD < s.config.LiquidityFloorUSD {
		rs.RugIndicators = append(rs.RugIndicators, RugLowLiquidity)
	}
	if pool.PriceImpact1k > s.config.MaxPriceImpactPct {
		rs.RugIndicators = append(rs.RugIndicators, RugHighPriceImpact)
	}
	return rs
}

func liquidityScore(usd float64) float64 {
	switch {
	case usd > 100_000:
		return 0.9
	case usd > 50_000:
		return 0.7
	case usd > 10_000:
		return 0.5
	default:
		return 0.2
	}
}

func volumeScore(usd float64) float64 {
	switch {
	case usd > 50_000:
		return 0.9
	case usd > 10_000:
		return 0.7
	case usd > 1_000:
		return 0.5
	default:
		return 0.2
	}
}

func ageScore(age time.Duration) float64 {
	switch {
	case age > 24*time.Hour:
		return 0.9
	case age > 6*time.Hour:
		return 0.7
	case age > time.Hour:
		return 0.5
	default:
		return 0.2
	}
}
