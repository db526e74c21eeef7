// Package audit records every detection, admission decision, trade result
// and position close, and publishes each one to its bus topic.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/bus"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/position"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/rs/zerolog/log"
)

// Entry event types.
const (
	EventOpportunity    = "opportunity"
	EventDecision       = "decision"
	EventTradeResult    = "trade_result"
	EventPositionClosed = "position_closed"
)

// Entry is one audit record. OpportunityID links the entries of one chain.
type Entry struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Topic         string    `json:"topic"`
	Timestamp     time.Time `json:"ts"`
	OpportunityID string    `json:"opportunity_id"`
	Decision      string    `json:"decision,omitempty"` // allow|deny for decisions
	Payload       string    `json:"payload"`
}

// Trail keeps the last maxBuf entries in memory and publishes every entry
// through the producer.
type Trail struct {
	producer   bus.Producer
	producerID string
	timeout    time.Duration

	mu      sync.Mutex
	entries []Entry
	maxBuf  int

	published atomic.Int64
	failed    atomic.Int64
}

// NewTrail creates a trail. producer may be nil; a maxBuf of 0 disables the
// in-memory buffer.
func NewTrail(producer bus.Producer, producerID string, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	if producerID == "" {
		producerID = "dexsentry"
	}
	return &Trail{
		producer:   producer,
		producerID: producerID,
		timeout:    2 * time.Second,
		entries:    make([]Entry, 0, maxBuf),
		maxBuf:     maxBuf,
	}
}

// RecordOpportunity logs a detected opportunity.
func (t *Trail) RecordOpportunity(ctx context.Context, opp market.Opportunity) {
	ev := bus.NewOpportunityFound(t.producerID, opp)
	t.record(ctx, bus.TopicOpportunityFound, ev, Entry{
		EventID:       ev.EventID,
		EventType:     EventOpportunity,
		Timestamp:     ev.Timestamp,
		OpportunityID: opp.ID,
	})
}

// RecordDecision logs an admission decision on the admitted or rejected
// topic.
func (t *Trail) RecordDecision(ctx context.Context, d risk.Decision) {
	ev := bus.NewTradeDecision(t.producerID, d)
	decision := "deny"
	if d.Approved {
		decision = "allow"
	}
	t.record(ctx, ev.Topic(), ev, Entry{
		EventID:       ev.EventID,
		EventType:     EventDecision,
		Timestamp:     ev.Timestamp,
		OpportunityID: d.OpportunityID,
		Decision:      decision,
	})
}

// RecordResult logs a terminal trade result.
func (t *Trail) RecordResult(ctx context.Context, r market.TradeResult) {
	ev := bus.NewTradeResult(t.producerID, r)
	t.record(ctx, bus.TopicTradeResult, ev, Entry{
		EventID:       ev.EventID,
		EventType:     EventTradeResult,
		Timestamp:     ev.Timestamp,
		OpportunityID: r.OpportunityID,
	})
}

// RecordPositionClosed logs a position leaving the Open state.
func (t *Trail) RecordPositionClosed(ctx context.Context, p position.Position) {
	ev := bus.NewPositionClosed(t.producerID, p)
	t.record(ctx, bus.TopicPositionClosed, ev, Entry{
		EventID:       ev.EventID,
		EventType:     EventPositionClosed,
		Timestamp:     ev.Timestamp,
		OpportunityID: p.OpportunityID,
	})
}

// Query returns the buffered entries for one opportunity, oldest first.
func (t *Trail) Query(opportunityID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.OpportunityID == opportunityID {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of the buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// record buffers entry and publishes event outside the lock. Publish
// failures are logged and counted; they never fail the caller.
func (t *Trail) record(ctx context.Context, topic string, event any, entry Entry) {
	entry.Topic = topic
	entry.Payload = mustMarshal(event)

	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	if t.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	err := t.producer.Publish(ctx, bus.Message{
		Topic:     topic,
		Key:       entry.OpportunityID,
		Value:     []byte(entry.Payload),
		Headers:   map[string]string{"event_id": entry.EventID, "event_type": entry.EventType},
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		t.failed.Add(1)
		log.Error().Err(err).
			Str("topic", topic).
			Str("opportunity_id", entry.OpportunityID).
			Msg("audit: publish failed")
		return
	}
	t.published.Add(1)
}

// Stats counts publish outcomes.
type Stats struct {
	Buffered  int   `json:"buffered"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

func (t *Trail) Stats() Stats {
	return Stats{
		Buffered:  t.Len(),
		Published: t.published.Load(),
		Failed:    t.failed.Load(),
	}
}

func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload failed")
		return "{}"
	}
	return string(data)
}
