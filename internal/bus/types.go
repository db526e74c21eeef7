package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/position"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/shopspring/decimal"
)

// Topics.
const (
	TopicOpportunityFound = "dexsentry.opportunity.found"
	TopicTradeAdmitted    = "dexsentry.trade.admitted"
	TopicTradeRejected    = "dexsentry.trade.rejected"
	TopicTradeResult      = "dexsentry.trade.result"
	TopicPositionClosed   = "dexsentry.position.closed"
)

// SchemaVersion is stamped on every event.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all events. CorrelationID carries the
// opportunity ID so a whole chain can be joined downstream.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewBaseEvent creates a BaseEvent with a fresh ID.
func NewBaseEvent(producer, correlationID string, ts time.Time) BaseEvent {
	if ts.IsZero() {
		ts = time.Now()
	}
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     ts,
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		CorrelationID: correlationID,
	}
}

// --- Detection ---

type OpportunityFound struct {
	BaseEvent
	OpportunityID      string                 `json:"opportunity_id"`
	Type               market.OpportunityType `json:"type"`
	Pool               solana.Pubkey          `json:"pool"`
	DEX                string                 `json:"dex"`
	Token              solana.Pubkey          `json:"token"`
	Symbol             string                 `json:"symbol"`
	ExpectedProfitUSD  float64                `json:"expected_profit_usd"`
	Confidence         float64                `json:"confidence"`
	RecommendedSizeUSD float64                `json:"recommended_size_usd"`
	LiquidityUSD       float64                `json:"liquidity_usd"`
	RiskOverall        float64                `json:"risk_overall"`
}

func NewOpportunityFound(producer string, opp market.Opportunity) OpportunityFound {
	return OpportunityFound{
		BaseEvent:          NewBaseEvent(producer, opp.ID, opp.DetectedAt),
		OpportunityID:      opp.ID,
		Type:               opp.Type,
		Pool:               opp.Pool.Address,
		DEX:                opp.Pool.DEX,
		Token:              opp.Pool.TokenA.Mint,
		Symbol:             opp.Pool.TokenA.Symbol,
		ExpectedProfitUSD:  opp.ExpectedProfitUSD,
		Confidence:         opp.Confidence,
		RecommendedSizeUSD: opp.RecommendedSizeUSD,
		LiquidityUSD:       opp.Pool.LiquidityUSD,
		RiskOverall:        opp.Pool.Risk.Overall,
	}
}

// --- Admission ---

// TradeDecision is published on TopicTradeAdmitted or TopicTradeRejected.
type TradeDecision struct {
	BaseEvent
	OpportunityID string   `json:"opportunity_id"`
	Approved      bool     `json:"approved"`
	SizeUSD       float64  `json:"size_usd"`
	RiskScore     float64  `json:"risk_score"`
	MaxLossUSD    float64  `json:"max_loss_usd"`
	ReasonCodes   []string `json:"reason_codes,omitempty"`
}

func NewTradeDecision(producer string, d risk.Decision) TradeDecision {
	return TradeDecision{
		BaseEvent:     NewBaseEvent(producer, d.OpportunityID, time.UnixMicro(d.Timestamp)),
		OpportunityID: d.OpportunityID,
		Approved:      d.Approved,
		SizeUSD:       d.SizeUSD,
		RiskScore:     d.RiskScore,
		MaxLossUSD:    d.MaxLossUSD,
		ReasonCodes:   d.Reasons,
	}
}

// Topic returns the topic matching the decision.
func (d TradeDecision) Topic() string {
	if d.Approved {
		return TopicTradeAdmitted
	}
	return TopicTradeRejected
}

// --- Execution ---

type TradeResult struct {
	BaseEvent
	market.TradeResult
}

func NewTradeResult(producer string, r market.TradeResult) TradeResult {
	return TradeResult{
		BaseEvent:   NewBaseEvent(producer, r.OpportunityID, r.CreatedAt),
		TradeResult: r,
	}
}

// --- Positions ---

type PositionClosed struct {
	BaseEvent
	PositionID    string          `json:"position_id"`
	OpportunityID string          `json:"opportunity_id"`
	Token         solana.Pubkey   `json:"token"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	EntryPriceUSD decimal.Decimal `json:"entry_price_usd"`
	ExitPriceUSD  decimal.Decimal `json:"exit_price_usd"`
	SizeUSD       decimal.Decimal `json:"size_usd"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Reason        string          `json:"reason,omitempty"`
	HeldFor       time.Duration   `json:"held_for_ns"`
}

func NewPositionClosed(producer string, p position.Position) PositionClosed {
	closedAt := time.Now()
	if p.ClosedAt != nil {
		closedAt = *p.ClosedAt
	}
	return PositionClosed{
		BaseEvent:     NewBaseEvent(producer, p.OpportunityID, closedAt),
		PositionID:    p.ID,
		OpportunityID: p.OpportunityID,
		Token:         p.Token,
		Symbol:        p.Symbol,
		Status:        string(p.Status),
		EntryPriceUSD: p.EntryPriceUSD,
		ExitPriceUSD:  p.CurrentPriceUSD,
		SizeUSD:       p.SizeUSD,
		RealizedPnL:   p.RealizedPnL,
		Reason:        p.CloseReason,
		HeldFor:       closedAt.Sub(p.OpenedAt),
	}
}
