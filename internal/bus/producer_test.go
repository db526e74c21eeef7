package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubProducer(t *testing.T) {
	p := NewStubProducer()
	ctx := context.Background()

	require.NoError(t, p.PublishJSON(ctx, TopicTradeResult, "opp-1", map[string]int{"n": 1}))
	p.SetFailNext(1)
	assert.Error(t, p.PublishJSON(ctx, TopicTradeResult, "opp-2", map[string]int{"n": 2}))
	require.NoError(t, p.Publish(ctx, Message{Topic: TopicPositionClosed, Key: "opp-3"}))

	assert.Len(t, p.Messages(""), 2)
	got := p.Messages(TopicTradeResult)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Value))

	p.Close()
	assert.ErrorIs(t, p.Publish(ctx, Message{Topic: TopicTradeResult}), ErrClosed)
}

func TestNewKafkaProducer_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaProducer(nil)
	assert.Error(t, err)
}

func TestTradeDecisionTopic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	admitted := NewTradeDecision("test", risk.Decision{OpportunityID: "o", Approved: true, Timestamp: ts.UnixMicro()})
	assert.Equal(t, TopicTradeAdmitted, admitted.Topic())
	assert.True(t, admitted.Timestamp.Equal(ts))
	assert.Equal(t, "o", admitted.CorrelationID)

	rejected := NewTradeDecision("test", risk.Decision{OpportunityID: "o"})
	assert.Equal(t, TopicTradeRejected, rejected.Topic())
}

func TestTradeResultEventFlattens(t *testing.T) {
	ev := NewTradeResult("test", market.TradeResult{ID: "t-1", OpportunityID: "o-1", Success: true})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "t-1", flat["id"])
	assert.Equal(t, "o-1", flat["correlation_id"])
	assert.Equal(t, SchemaVersion, flat["schema_version"])
	assert.NotEmpty(t, flat["event_id"])
}
