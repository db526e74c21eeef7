package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// TradeState is the lifecycle state of one execution attempt.
type TradeState string

const (
	StateQuoting        TradeState = "QUOTING"
	StatePriceValidated TradeState = "PRICE_VALIDATED"
	StateSubmitted      TradeState = "SUBMITTED"
	StateConfirmed      TradeState = "CONFIRMED"
	StateFinalized      TradeState = "FINALIZED"
	StateFailed         TradeState = "FAILED"
	// StateTimeout means confirmation was not observed in time. The
	// transaction may still land; it is never resubmitted automatically.
	StateTimeout TradeState = "TIMEOUT"
)

// TradeEvent triggers a state transition.
type TradeEvent string

const (
	EventQuoteValidated TradeEvent = "QUOTE_VALIDATED"
	EventSubmit         TradeEvent = "SUBMIT"
	EventConfirm        TradeEvent = "CONFIRM"
	EventFinalize       TradeEvent = "FINALIZE"
	EventFail           TradeEvent = "FAIL"
	EventTimeout        TradeEvent = "TIMEOUT"
)

type transition struct {
	from  TradeState
	event TradeEvent
}

// transitions is the authoritative transition table. Every valid
// (currentState, event) pair maps to exactly one target state.
var transitions = map[transition]TradeState{
	{StateQuoting, EventQuoteValidated}: StatePriceValidated,
	{StateQuoting, EventFail}:           StateFailed,
	{StatePriceValidated, EventSubmit}:  StateSubmitted,
	{StatePriceValidated, EventFail}:    StateFailed,
	{StateSubmitted, EventConfirm}:      StateConfirmed,
	{StateSubmitted, EventFinalize}:     StateFinalized,
	{StateSubmitted, EventFail}:         StateFailed,
	{StateSubmitted, EventTimeout}:      StateTimeout,
	// Finalization observed after a confirmed poll.
	{StateConfirmed, EventFinalize}: StateFinalized,
}

// Trade tracks a single execution attempt through the state machine.
// Safe for concurrent access.
type Trade struct {
	mu sync.Mutex

	ID            string
	OpportunityID string
	State         TradeState
	Signature     solana.Signature
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SubmittedAt   time.Time
	CompletedAt   time.Time
}

// NewTrade creates a Trade in the QUOTING state.
func NewTrade(id, opportunityID string, now time.Time) *Trade {
	return &Trade{
		ID:            id,
		OpportunityID: opportunityID,
		State:         StateQuoting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition advances the trade. For EventSubmit, data must be the
// solana.Signature; for EventFail and EventTimeout, an optional reason
// string.
func (t *Trade) Transition(event TradeEvent, data any, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevState := t.State
	next, ok := transitions[transition{from: t.State, event: event}]
	if !ok {
		return fmt.Errorf("invalid transition: state=%s event=%s", t.State, event)
	}

	switch event {
	case EventSubmit:
		sig, ok := data.(solana.Signature)
		if !ok || sig == "" {
			return fmt.Errorf("event %s requires a signature, got %T", event, data)
		}
		t.Signature = sig
		t.SubmittedAt = now
	case EventFail, EventTimeout:
		if reason, ok := data.(string); ok {
			t.Reason = reason
		}
	}

	t.State = next
	t.UpdatedAt = now
	if isTerminal(next) {
		t.CompletedAt = now
	}

	log.Info().
		Str("trade_id", t.ID).
		Str("opportunity_id", t.OpportunityID).
		Str("prev_state", string(prevState)).
		Str("event", string(event)).
		Str("new_state", string(t.State)).
		Str("signature", string(t.Signature)).
		Msg("trade state transition")

	return nil
}

// GetState returns the current state.
func (t *Trade) GetState() TradeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// IsTerminal reports whether the trade has reached an end state.
func (t *Trade) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return isTerminal(t.State)
}

// Confirmed is terminal for the pipeline even though the table still
// permits a later FINALIZE.
func isTerminal(s TradeState) bool {
	switch s {
	case StateConfirmed, StateFinalized, StateFailed, StateTimeout:
		return true
	}
	return false
}

// Succeeded reports whether the state represents a landed transaction.
func (s TradeState) Succeeded() bool {
	return s == StateConfirmed || s == StateFinalized
}
