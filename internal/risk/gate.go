package risk

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/rs/zerolog/log"
)

// Gate admits or rejects opportunities before any capital is committed.
//
// The halt flag is checked first and without locks; once set, every
// opportunity is rejected until Resume.
type Gate struct {
	config Config
	state  *RiskState

	halted     atomic.Bool
	haltReason atomic.Value // string

	// Metrics
	approved atomic.Int64
	rejected atomic.Int64
	halts    atomic.Int64
}

// Config holds admission limits.
type Config struct {
	Mode                  market.TradingMode
	MinConfidence         float64
	LiveMinConfidence     float64
	MaxPriceImpactPct     float64
	LiveMaxPriceImpactPct float64
	MinLiquidityUSD       float64
	MaxTradesPerHour      int
	MaxDailyLossUSD       float64
	MaxPositions          int
	MaxPositionUSD        float64
	StopLossPct           float64
	HardRejectScore       float64
}

// DefaultConfig returns the default limits in simulation mode.
func DefaultConfig() Config {
	return Config{
		Mode:                  market.ModeSimulation,
		MinConfidence:         0.65,
		LiveMinConfidence:     0.8,
		MaxPriceImpactPct:     5,
		LiveMaxPriceImpactPct: 2,
		MinLiquidityUSD:       10_000,
		MaxTradesPerHour:      10,
		MaxDailyLossUSD:       100,
		MaxPositions:          3,
		MaxPositionUSD:        1000,
		StopLossPct:           5,
		HardRejectScore:       70,
	}
}

// Decision is the Gate's verdict on one opportunity. A rejection always
// carries at least one reason.
type Decision struct {
	OpportunityID string   `json:"opportunity_id"`
	Approved      bool     `json:"approved"`
	SizeUSD       float64  `json:"size_usd"`
	RiskScore     float64  `json:"risk_score"`
	MaxLossUSD    float64  `json:"max_loss_usd"`
	Reasons       []string `json:"reasons,omitempty"`
	Timestamp     int64    `json:"ts"`
}

// NewGate creates a Gate over state. A nil state gets a fresh one.
func NewGate(cfg Config, state *RiskState) *Gate {
	if state == nil {
		state = NewRiskState()
	}
	return &Gate{config: cfg, state: state}
}

// State returns the counters the Gate consults.
func (g *Gate) State() *RiskState { return g.state }

// Config returns the admission limits.
func (g *Gate) Config() Config { return g.config }

func (g *Gate) maxImpact() float64 {
	if g.config.Mode == market.ModeLive && g.config.LiveMaxPriceImpactPct > 0 {
		return g.config.LiveMaxPriceImpactPct
	}
	return g.config.MaxPriceImpactPct
}

func (g *Gate) minConfidence() float64 {
	if g.config.Mode == market.ModeLive && g.config.LiveMinConfidence > g.config.MinConfidence {
		return g.config.LiveMinConfidence
	}
	return g.config.MinConfidence
}

// Evaluate runs every admission check against opp. All failing checks are
// reported, not just the first.
func (g *Gate) Evaluate(opp market.Opportunity) Decision {
	d := Decision{
		OpportunityID: opp.ID,
		Approved:      true,
		Timestamp:     time.Now().UnixMicro(),
	}

	if g.halted.Load() {
		d.Approved = false
		d.Reasons = append(d.Reasons, "HALTED:"+g.HaltReason())
		g.rejected.Add(1)
		return d
	}

	pool := opp.Pool
	impact := pool.PriceImpact1k
	snap := g.state.snapshotFor(pool.TokenA.Mint, pool.TokenB.Mint)
	blacklisted := snap.banned[pool.TokenA.Mint] || snap.banned[pool.TokenB.Mint]

	if limit := g.minConfidence(); opp.Confidence < limit {
		d.Approved = false
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("LOW_CONFIDENCE:confidence=%.2f,min=%.2f", opp.Confidence, limit))
	}

	if limit := g.maxImpact(); impact > limit {
		d.Approved = false
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("PRICE_IMPACT_TOO_HIGH:impact=%.2f%%,max=%.2f%%", impact, limit))
	}

	if pool.LiquidityUSD < g.config.MinLiquidityUSD {
		d.Approved = false
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("LOW_LIQUIDITY:liquidity=%.0f,min=%.0f", pool.LiquidityUSD, g.config.MinLiquidityUSD))
	}

	for _, tok := range []market.TokenRef{pool.TokenA, pool.TokenB} {
		if snap.banned[tok.Mint] {
			d.Approved = false
			d.Reasons = append(d.Reasons, fmt.Sprintf("TOKEN_BLACKLISTED:%s", tok.Mint))
		}
	}

	if snap.hourly >= g.config.MaxTradesPerHour {
		d.Approved = false
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("HOURLY_LIMIT:trades=%d,limit=%d", snap.hourly, g.config.MaxTradesPerHour))
	}

	if snap.dailyPnL <= -g.config.MaxDailyLossUSD {
		d.Approved = false
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("DAILY_LOSS_EXCEEDED:pnl=%.2f,limit=%.2f", snap.dailyPnL, -g.config.MaxDailyLossUSD))
	}

	if snap.positions >= g.config.MaxPositions {
		d.Approved = false
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("MAX_POSITIONS:open=%d,limit=%d", snap.positions, g.config.MaxPositions))
	}

	d.RiskScore = g.score(opp, blacklisted)
	if d.RiskScore > g.config.HardRejectScore {
		d.Approved = false
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("RISK_SCORE_TOO_HIGH:score=%.1f,limit=%.1f", d.RiskScore, g.config.HardRejectScore))
	}

	if d.Approved {
		d.SizeUSD = SizeFraction(d.RiskScore) * g.config.MaxPositionUSD
		d.MaxLossUSD = d.SizeUSD * g.config.StopLossPct / 100
		g.approved.Add(1)
		log.Info().
			Str("opportunity_id", opp.ID).
			Str("type", string(opp.Type)).
			Float64("risk_score", d.RiskScore).
			Float64("size_usd", d.SizeUSD).
			Msg("risk: approved")
	} else {
		g.rejected.Add(1)
		log.Warn().
			Str("opportunity_id", opp.ID).
			Str("type", string(opp.Type)).
			Strs("reasons", d.Reasons).
			Msg("risk: rejected")
	}

	return d
}

// score computes the composite risk score in [0,100]; higher is riskier.
// Simulated modes halve it.
func (g *Gate) score(opp market.Opportunity, blacklisted bool) float64 {
	pool := opp.Pool
	impact := pool.PriceImpact1k

	score := (1 - opp.Confidence) * 20
	if impact > 2 {
		score += 10
	}
	switch {
	case pool.LiquidityUSD < 50_000:
		score += 20
	case pool.LiquidityUSD < 100_000:
		score += 10
	}
	if impact > 0 && opp.ExpectedProfitUSD/impact < 10 {
		score += 15
	}
	if blacklisted {
		score += 50
	}

	score = math.Min(math.Max(score, 0), 100)
	if g.config.Mode.IsSimulated() {
		score /= 2
	}
	return score
}

// SizeFraction maps a risk score to the share of the maximum position.
func SizeFraction(score float64) float64 {
	switch {
	case score < 20:
		return 1.0
	case score < 40:
		return 0.7
	case score < 60:
		return 0.4
	default:
		return 0.1
	}
}

// Halt rejects all further admissions. Immediate and lock-free.
func (g *Gate) Halt(reason string) {
	g.haltReason.Store(reason)
	if g.halted.CompareAndSwap(false, true) {
		g.halts.Add(1)
		log.Error().Str("reason", reason).Msg("risk: HALTED - all admissions stopped")
	}
}

// Resume clears the halt flag.
func (g *Gate) Resume() {
	if g.halted.CompareAndSwap(true, false) {
		g.haltReason.Store("")
		log.Info().Msg("risk: admissions resumed")
	}
}

func (g *Gate) Halted() bool { return g.halted.Load() }

func (g *Gate) HaltReason() string {
	r, _ := g.haltReason.Load().(string)
	return r
}

// GateStats reports admission counts and the current rolling counters.
type GateStats struct {
	Mode     string     `json:"mode"`
	Approved int64      `json:"approved"`
	Rejected int64      `json:"rejected"`
	Halts    int64      `json:"halts"`
	Halted   bool       `json:"halted"`
	State    StateStats `json:"state"`
}

func (g *Gate) Stats() GateStats {
	return GateStats{
		Mode:     string(g.config.Mode),
		Approved: g.approved.Load(),
		Rejected: g.rejected.Load(),
		Halts:    g.halts.Load(),
		Halted:   g.halted.Load(),
		State:    g.state.Stats(),
	}
}
