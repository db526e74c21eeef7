// Package market holds the canonical records shared by the scanner, the
// price aggregator, the admission gate and the execution path.
package market

import (
	"fmt"
	"time"

	"github.com/nexus-trading/dexsentry/internal/solana"
)

// TokenRef identifies one side of a pool.
type TokenRef struct {
	Mint     solana.Pubkey `json:"mint"`
	Symbol   string        `json:"symbol"`
	Decimals uint8         `json:"decimals"`
	PriceUSD float64       `json:"price_usd,omitempty"`
}

// RiskScore is derived from a PoolRecord's current fields. Overall is in
// [0,1] where 1 is safest.
type RiskScore struct {
	Overall            float64  `json:"overall"`
	Liquidity          float64  `json:"liquidity"`
	Volume             float64  `json:"volume"`
	TokenAge           float64  `json:"token_age"`
	HolderDistribution float64  `json:"holder_distribution"`
	RugIndicators      []string `json:"rug_indicators,omitempty"`
}

// PoolRecord is the normalized view of a DEX liquidity pool.
type PoolRecord struct {
	Address       solana.Pubkey `json:"address"`
	DEX           string        `json:"dex"`
	Source        string        `json:"source"`
	TokenA        TokenRef      `json:"token_a"`
	TokenB        TokenRef      `json:"token_b"`
	LiquidityUSD  float64       `json:"liquidity_usd"`
	Volume24hUSD  float64       `json:"volume_24h_usd"`
	PriceImpact1k float64       `json:"price_impact_1k_pct"`
	CreatedAt     time.Time     `json:"created_at"`
	DetectedAt    time.Time     `json:"detected_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Risk          RiskScore     `json:"risk"`
}

// Age returns how long ago the pool was created relative to now. A zero
// CreatedAt falls back to DetectedAt.
func (p PoolRecord) Age(now time.Time) time.Duration {
	created := p.CreatedAt
	if created.IsZero() {
		created = p.DetectedAt
	}
	return now.Sub(created)
}

// ---------------------------------------------------------------------------
// Prices
// ---------------------------------------------------------------------------

// PriceObservation is a single price report from one source.
type PriceObservation struct {
	Token      solana.Pubkey `json:"token"`
	PriceUSD   float64       `json:"price_usd"`
	Source     string        `json:"source"`
	Confidence float64       `json:"confidence"`
	ObservedAt time.Time     `json:"observed_at"`
}

// ValidatedPrice is a confidence-weighted consensus over fresh observations.
type ValidatedPrice struct {
	Token           solana.Pubkey `json:"token"`
	PriceUSD        float64       `json:"price_usd"`
	Confidence      float64       `json:"confidence"`
	Timestamp       time.Time     `json:"timestamp"`
	SourceCount     int           `json:"source_count"`
	Sources         []string      `json:"sources"`
	MaxDeviationPct float64       `json:"max_deviation_pct"`
	OldestAt        time.Time     `json:"oldest_at"`
}

// ---------------------------------------------------------------------------
// Opportunities
// ---------------------------------------------------------------------------

// OpportunityType tags the rule that produced an Opportunity.
type OpportunityType string

const (
	NewPoolSnipe       OpportunityType = "new_pool_snipe"
	PriceDiscrepancy   OpportunityType = "price_discrepancy"
	LiquidityImbalance OpportunityType = "liquidity_imbalance"
	VolumeSpike        OpportunityType = "volume_spike"
)

// SnipeDetail explains a NewPoolSnipe.
type SnipeDetail struct {
	LiquidityUSD   float64 `json:"liquidity_usd"`
	PriceImpactPct float64 `json:"price_impact_pct"`
	RiskOverall    float64 `json:"risk_overall"`
}

// DiscrepancyDetail explains a PriceDiscrepancy.
type DiscrepancyDetail struct {
	PoolRatio      float64 `json:"pool_ratio"`
	ReferenceRatio float64 `json:"reference_ratio"`
	DiffPct        float64 `json:"diff_pct"`
}

// ImbalanceDetail explains a LiquidityImbalance.
type ImbalanceDetail struct {
	PriceImpactPct float64 `json:"price_impact_pct"`
	LiquidityUSD   float64 `json:"liquidity_usd"`
}

// VolumeDetail explains a VolumeSpike.
type VolumeDetail struct {
	VolumeToLiquidity float64 `json:"volume_to_liquidity"`
}

// Opportunity is a candidate trade. Exactly one detail pointer is set,
// matching Type. Opportunities are never mutated after creation.
type Opportunity struct {
	ID                 string          `json:"id"`
	Type               OpportunityType `json:"type"`
	Pool               PoolRecord      `json:"pool"`
	ExpectedProfitUSD  float64         `json:"expected_profit_usd"`
	Confidence         float64         `json:"confidence"`
	Window             time.Duration   `json:"window"`
	RecommendedSizeUSD float64         `json:"recommended_size_usd"`
	DetectedAt         time.Time       `json:"detected_at"`

	Snipe       *SnipeDetail       `json:"snipe,omitempty"`
	Discrepancy *DiscrepancyDetail `json:"discrepancy,omitempty"`
	Imbalance   *ImbalanceDetail   `json:"imbalance,omitempty"`
	Volume      *VolumeDetail      `json:"volume,omitempty"`
}

// Expired reports whether the action window has elapsed at now.
func (o Opportunity) Expired(now time.Time) bool {
	return o.Window > 0 && now.Sub(o.DetectedAt) > o.Window
}

// ---------------------------------------------------------------------------
// Trade results
// ---------------------------------------------------------------------------

// TradeResult is produced exactly once per execution attempt.
type TradeResult struct {
	ID            string           `json:"id"`
	OpportunityID string           `json:"opportunity_id"`
	Mode          string           `json:"mode"`
	Success       bool             `json:"success"`
	State         string           `json:"state"`
	Signature     solana.Signature `json:"signature,omitempty"`
	InputMint     solana.Pubkey    `json:"input_mint"`
	OutputMint    solana.Pubkey    `json:"output_mint"`
	InputAmount   uint64           `json:"input_amount"`
	OutputAmount  uint64           `json:"output_amount"`
	SizeUSD       float64          `json:"size_usd"`
	EntryPriceUSD float64          `json:"entry_price_usd,omitempty"`
	SlippageBps   float64          `json:"slippage_bps"`
	FeeLamports   uint64           `json:"fee_lamports"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Trading mode
// ---------------------------------------------------------------------------

// TradingMode selects whether real capital is at stake.
type TradingMode string

const (
	ModeSimulation TradingMode = "simulation"
	ModePaper      TradingMode = "paper"
	ModeLive       TradingMode = "live"
)

// IsSimulated reports whether no real transaction may be sent.
func (m TradingMode) IsSimulated() bool { return m != ModeLive }

// ParseTradingMode validates s.
func ParseTradingMode(s string) (TradingMode, error) {
	switch m := TradingMode(s); m {
	case ModeSimulation, ModePaper, ModeLive:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown trading mode %q", ErrConfigInvalid, s)
}
