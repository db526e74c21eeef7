package scanner

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Opportunity detection
// ---------------------------------------------------------------------------

// ProfitModel estimates the expected profit in USD of sniping pool.
type ProfitModel func(pool market.PoolRecord) float64

// DefaultProfitModel scales liquidity by a capped volume factor and the
// pool's risk score.
func DefaultProfitModel(pool market.PoolRecord) float64 {
	volumeFactor := math.Min(pool.Volume24hUSD/10_000, 5)
	return pool.LiquidityUSD * 0.001 * volumeFactor * pool.Risk.Overall
}

// PriceReader returns validated prices.
type PriceReader interface {
	GetValidated(token solana.Pubkey) (market.ValidatedPrice, bool)
}

// DetectorConfig sets the thresholds of the detection rules.
type DetectorConfig struct {
	MinLiquidityUSD   float64       `yaml:"min_liquidity_usd"`
	MaxPriceImpactPct float64       `yaml:"max_price_impact_pct"`
	MinRiskScore      float64       `yaml:"min_risk_score"`
	MinProfitUSD      float64       `yaml:"min_profit_usd"`
	DuplicateWindow   time.Duration `yaml:"duplicate_window"`
}

// DefaultDetectorConfig returns production defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinLiquidityUSD:   10_000,
		MaxPriceImpactPct: 5,
		MinRiskScore:      0.3,
		MinProfitUSD:      50,
		DuplicateWindow:   60 * time.Second,
	}
}

type dedupKey struct {
	pool solana.Pubkey
	typ  market.OpportunityType
}

// Detector applies every rule to every pool independently. Each rule emits
// at most one opportunity per pool per call, and a (pool, type) pair is
// suppressed for DuplicateWindow after it fires.
type Detector struct {
	config DetectorConfig
	prices PriceReader
	profit ProfitModel

	mu       sync.Mutex
	lastSeen map[dedupKey]time.Time

	emitted    atomic.Int64
	suppressed atomic.Int64
}

// NewDetector creates a detector. prices may be nil, which disables the
// price discrepancy rule; a nil profit model selects DefaultProfitModel.
func NewDetector(config DetectorConfig, prices PriceReader, profit ProfitModel) *Detector {
	if config.DuplicateWindow <= 0 {
		config.DuplicateWindow = DefaultDetectorConfig().DuplicateWindow
	}
	if profit == nil {
		profit = DefaultProfitModel
	}
	return &Detector{
		config:   config,
		prices:   prices,
		profit:   profit,
		lastSeen: make(map[dedupKey]time.Time),
	}
}

// Detect returns the opportunities found in pools, in pool order and, within
// a pool, in rule order.
func (d *Detector) Detect(pools []market.PoolRecord, now time.Time) []market.Opportunity {
	var out []market.Opportunity
	for _, pool := range pools {
		for _, rule := range []func(market.PoolRecord, time.Time) (market.Opportunity, bool){
			d.newPoolSnipe,
			d.priceDiscrepancy,
			d.liquidityImbalance,
			d.volumeSpike,
		} {
			opp, ok := rule(pool, now)
			if !ok {
				continue
			}
			if d.duplicate(opp, now) {
				d.suppressed.Add(1)
				continue
			}
			d.emitted.Add(1)
			out = append(out, opp)

			log.Info().
				Str("id", opp.ID).
				Str("type", string(opp.Type)).
				Str("pool", string(pool.Address)).
				Float64("profit_usd", opp.ExpectedProfitUSD).
				Float64("confidence", opp.Confidence).
				Msg("detector: opportunity found")
		}
	}
	d.prune(now)
	return out
}

func (d *Detector) duplicate(opp market.Opportunity, now time.Time) bool {
	key := dedupKey{pool: opp.Pool.Address, typ: opp.Type}

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSeen[key]; ok && now.Sub(last) < d.config.DuplicateWindow {
		return true
	}
	d.lastSeen[key] = now
	return false
}

func (d *Detector) prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, last := range d.lastSeen {
		if now.Sub(last) >= d.config.DuplicateWindow {
			delete(d.lastSeen, k)
		}
	}
}

func newOpportunity(typ market.OpportunityType, pool market.PoolRecord, now time.Time) market.Opportunity {
	return market.Opportunity{
		ID:         uuid.NewString(),
		Type:       typ,
		Pool:       pool,
		DetectedAt: now,
	}
}

func (d *Detector) newPoolSnipe(pool market.PoolRecord, now time.Time) (market.Opportunity, bool) {
	if pool.LiquidityUSD < d.config.MinLiquidityUSD ||
		pool.PriceImpact1k > d.config.MaxPriceImpactPct ||
		pool.Risk.Overall < d.config.MinRiskScore {
		return market.Opportunity{}, false
	}
	profit := d.profit(pool)
	if profit <= d.config.MinProfitUSD {
		return market.Opportunity{}, false
	}

	opp := newOpportunity(market.NewPoolSnipe, pool, now)
	opp.ExpectedProfitUSD = profit
	opp.Confidence = pool.Risk.Overall
	opp.Window = 30 * time.Second
	opp.RecommendedSizeUSD = 1000 * math.Min(pool.LiquidityUSD/50_000, 2) * pool.Risk.Overall
	opp.Snipe = &market.SnipeDetail{
		LiquidityUSD:   pool.LiquidityUSD,
		PriceImpactPct: pool.PriceImpact1k,
		RiskOverall:    pool.Risk.Overall,
	}
	return opp, true
}

// priceDiscrepancy compares the pool's own A/B price ratio with the ratio of
// the aggregator's validated prices. Pools without reported prices, and
// tokens without a validated price, are skipped.
func (d *Detector) priceDiscrepancy(pool market.PoolRecord, now time.Time) (market.Opportunity, bool) {
	if d.prices == nil || pool.TokenA.PriceUSD <= 0 || pool.TokenB.PriceUSD <= 0 {
		return market.Opportunity{}, false
	}
	a, okA := d.prices.GetValidated(pool.TokenA.Mint)
	b, okB := d.prices.GetValidated(pool.TokenB.Mint)
	if !okA || !okB || a.PriceUSD <= 0 || b.PriceUSD <= 0 {
		return market.Opportunity{}, false
	}

	poolRatio := pool.TokenA.PriceUSD / pool.TokenB.PriceUSD
	refRatio := a.PriceUSD / b.PriceUSD
	diff := math.Abs(poolRatio-refRatio) / refRatio
	if diff <= 0.02 {
		return market.Opportunity{}, false
	}

	opp := newOpportunity(market.PriceDiscrepancy, pool, now)
	opp.ExpectedProfitUSD = diff * 1000
	opp.Confidence = 0.7
	opp.Window = 15 * time.Second
	opp.RecommendedSizeUSD = 500
	opp.Discrepancy = &market.DiscrepancyDetail{
		PoolRatio:      poolRatio,
		ReferenceRatio: refRatio,
		DiffPct:        diff * 100,
	}
	return opp, true
}

func (d *Detector) liquidityImbalance(pool market.PoolRecord, now time.Time) (market.Opportunity, bool) {
	if pool.PriceImpact1k >= 1 || pool.LiquidityUSD <= 50_000 {
		return market.Opportunity{}, false
	}

	opp := newOpportunity(market.LiquidityImbalance, pool, now)
	opp.ExpectedProfitUSD = 100
	opp.Confidence = 0.6
	opp.Window = 60 * time.Second
	opp.RecommendedSizeUSD = 5000
	opp.Imbalance = &market.ImbalanceDetail{
		PriceImpactPct: pool.PriceImpact1k,
		LiquidityUSD:   pool.LiquidityUSD,
	}
	return opp, true
}

func (d *Detector) volumeSpike(pool market.PoolRecord, now time.Time) (market.Opportunity, bool) {
	if pool.LiquidityUSD <= 0 || pool.Volume24hUSD <= 2*pool.LiquidityUSD || pool.Volume24hUSD <= 10_000 {
		return market.Opportunity{}, false
	}
	ratio := pool.Volume24hUSD / pool.LiquidityUSD

	opp := newOpportunity(market.VolumeSpike, pool, now)
	opp.ExpectedProfitUSD = ratio * 50
	opp.Confidence = 0.5
	opp.Window = 30 * time.Second
	opp.RecommendedSizeUSD = 1000
	opp.Volume = &market.VolumeDetail{VolumeToLiquidity: ratio}
	return opp, true
}

// DetectorStats reports detection counters.
type DetectorStats struct {
	Emitted    int64 `json:"emitted"`
	Suppressed int64 `json:"suppressed_duplicates"`
}

func (d *Detector) Stats() DetectorStats {
	return DetectorStats{
		Emitted:    d.emitted.Load(),
		Suppressed: d.suppressed.Load(),
	}
}
