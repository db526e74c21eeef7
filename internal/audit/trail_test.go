package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/bus"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/position"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpportunity() market.Opportunity {
	return market.Opportunity{
		ID:                "opp-1",
		Type:              market.NewPoolSnipe,
		ExpectedProfitUSD: 180,
		Confidence:        0.8,
		DetectedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Pool: market.PoolRecord{
			Address:      "pool-1",
			DEX:          "raydium",
			TokenA:       market.TokenRef{Mint: "mint-x", Symbol: "XXX"},
			LiquidityUSD: 80_000,
		},
	}
}

func TestTrail_PublishesEachChainStep(t *testing.T) {
	prod := bus.NewStubProducer()
	trail := NewTrail(prod, "test", 100)
	ctx := context.Background()

	opp := testOpportunity()
	trail.RecordOpportunity(ctx, opp)
	trail.RecordDecision(ctx, risk.Decision{OpportunityID: opp.ID, Approved: true, SizeUSD: 1000, Timestamp: time.Now().UnixMicro()})
	trail.RecordResult(ctx, market.TradeResult{ID: "t-1", OpportunityID: opp.ID, Success: true, State: "CONFIRMED"})
	closedAt := opp.DetectedAt.Add(time.Hour)
	trail.RecordPositionClosed(ctx, position.Position{
		ID:            "pos-1",
		OpportunityID: opp.ID,
		Status:        position.StatusStoppedOut,
		RealizedPnL:   decimal.NewFromInt(-50),
		OpenedAt:      opp.DetectedAt,
		ClosedAt:      &closedAt,
	})

	assert.Len(t, prod.Messages(bus.TopicOpportunityFound), 1)
	assert.Len(t, prod.Messages(bus.TopicTradeAdmitted), 1)
	assert.Len(t, prod.Messages(bus.TopicTradeRejected), 0)
	assert.Len(t, prod.Messages(bus.TopicTradeResult), 1)
	require.Len(t, prod.Messages(bus.TopicPositionClosed), 1)

	for _, m := range prod.Messages("") {
		assert.Equal(t, opp.ID, m.Key, "messages are keyed by opportunity")
	}

	var closed bus.PositionClosed
	require.NoError(t, json.Unmarshal(prod.Messages(bus.TopicPositionClosed)[0].Value, &closed))
	assert.Equal(t, "STOPPED_OUT", closed.Status)
	assert.Equal(t, time.Hour, closed.HeldFor)
	assert.Equal(t, opp.ID, closed.CorrelationID)

	chain := trail.Query(opp.ID)
	require.Len(t, chain, 4)
	assert.Equal(t, EventOpportunity, chain[0].EventType)
	assert.Equal(t, "allow", chain[1].Decision)
	assert.Equal(t, int64(4), trail.Stats().Published)
}

func TestTrail_RejectedDecisionTopic(t *testing.T) {
	prod := bus.NewStubProducer()
	trail := NewTrail(prod, "", 10)

	trail.RecordDecision(context.Background(), risk.Decision{
		OpportunityID: "opp-2",
		Reasons:       []string{"LOW_CONFIDENCE:conf=0.50,min=0.65"},
	})

	msgs := prod.Messages(bus.TopicTradeRejected)
	require.Len(t, msgs, 1)
	var ev bus.TradeDecision
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.False(t, ev.Approved)
	assert.Equal(t, []string{"LOW_CONFIDENCE:conf=0.50,min=0.65"}, ev.ReasonCodes)
	assert.Equal(t, "dexsentry", ev.Producer)
	assert.Equal(t, "deny", trail.Entries()[0].Decision)
}

func TestTrail_BufferEvictsOldestAndSurvivesPublishFailure(t *testing.T) {
	prod := bus.NewStubProducer()
	prod.SetFailNext(1)
	trail := NewTrail(prod, "test", 2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		opp := testOpportunity()
		opp.ID = id
		trail.RecordOpportunity(ctx, opp)
	}

	entries := trail.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].OpportunityID)
	assert.Equal(t, "c", entries[1].OpportunityID)

	st := trail.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(2), st.Published)
}

func TestTrail_NilProducer(t *testing.T) {
	trail := NewTrail(nil, "test", 0)
	trail.RecordOpportunity(context.Background(), testOpportunity())
	assert.Equal(t, 0, trail.Len())
	assert.Equal(t, int64(0), trail.Stats().Published)
}
