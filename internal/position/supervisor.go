// Package position supervises open positions against stop-loss and
// take-profit boundaries and feeds realized P&L back to the risk state.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusClosedProfit Status = "CLOSED_PROFIT"
	StatusClosedLoss   Status = "CLOSED_LOSS"
	StatusStoppedOut   Status = "STOPPED_OUT"
	StatusEmergency    Status = "EMERGENCY"
)

// Position is a holding opened by a confirmed trade.
type Position struct {
	ID              string          `json:"id"`
	OpportunityID   string          `json:"opportunity_id"`
	TradeID         string          `json:"trade_id"`
	Token           solana.Pubkey   `json:"token"`
	Symbol          string          `json:"symbol"`
	EntryPriceUSD   decimal.Decimal `json:"entry_price_usd"`
	SizeUSD         decimal.Decimal `json:"size_usd"`
	SizeSOL         decimal.Decimal `json:"size_sol"`
	Quantity        decimal.Decimal `json:"quantity"`
	CurrentPriceUSD decimal.Decimal `json:"current_price_usd"`
	StopLossUSD     decimal.Decimal `json:"stop_loss_usd"`
	TakeProfitUSD   decimal.Decimal `json:"take_profit_usd"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Status          Status          `json:"status"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	CloseReason     string          `json:"close_reason,omitempty"`
}

// IsOpen reports whether the position is still supervised.
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// Config holds exit boundaries.
type Config struct {
	TickInterval  time.Duration
	StopLossPct   float64
	TakeProfitPct float64
}

// DefaultConfig checks every 5s with a 5% stop and a 10% target.
func DefaultConfig() Config {
	return Config{
		TickInterval:  5 * time.Second,
		StopLossPct:   5,
		TakeProfitPct: 10,
	}
}

// PriceSource supplies validated prices.
type PriceSource interface {
	GetValidated(token solana.Pubkey) (market.ValidatedPrice, bool)
}

// TradeRecorder receives realized P&L and the open-position count.
// Implemented by risk.RiskState.
type TradeRecorder interface {
	RecordTrade(ev risk.TradeEvent)
	SetOpenPositions(n int)
}

// Halter stops new admissions. Implemented by risk.Gate.
type Halter interface {
	Halt(reason string)
	Halted() bool
	HaltReason() string
}

// WalletStopper locks every wallet. Implemented by wallet.LocalManager.
type WalletStopper interface {
	EmergencyStop(reason string)
}

// Supervisor watches open positions.
type Supervisor struct {
	config   Config
	prices   PriceSource
	recorder TradeRecorder
	halter   Halter
	wallet   WalletStopper
	now      func() time.Time

	mu        sync.RWMutex
	positions map[string]*Position

	onClose func(Position)

	// Stats.
	opened      atomic.Int64
	stoppedOut  atomic.Int64
	tookProfit  atomic.Int64
	manual      atomic.Int64
	emergencies atomic.Int64
	skipped     atomic.Int64
}

// NewSupervisor creates a Supervisor. halter and wallet may be nil.
func NewSupervisor(config Config, prices PriceSource, recorder TradeRecorder, halter Halter, wallet WalletStopper) *Supervisor {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	return &Supervisor{
		config:    config,
		prices:    prices,
		recorder:  recorder,
		halter:    halter,
		wallet:    wallet,
		now:       time.Now,
		positions: make(map[string]*Position),
	}
}

// SetClock replaces the time source.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// SetOnClose registers a callback invoked after every close, outside locks.
func (s *Supervisor) SetOnClose(fn func(Position)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// Open registers a position for a successful trade. A trade that confirms
// after an emergency stop is still recorded, but directly as Emergency so
// it is never supervised as open.
func (s *Supervisor) Open(result market.TradeResult, token solana.Pubkey, symbol string) (Position, error) {
	if !result.Success {
		return Position{}, fmt.Errorf("open position: trade %s did not succeed (state=%s)", result.ID, result.State)
	}
	if result.EntryPriceUSD <= 0 || result.SizeUSD <= 0 {
		return Position{}, fmt.Errorf("open position: trade %s has no entry price or size", result.ID)
	}

	entry := decimal.NewFromFloat(result.EntryPriceUSD)
	size := decimal.NewFromFloat(result.SizeUSD)
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)

	pos := &Position{
		ID:              uuid.NewString(),
		OpportunityID:   result.OpportunityID,
		TradeID:         result.ID,
		Token:           token,
		Symbol:          symbol,
		EntryPriceUSD:   entry,
		SizeUSD:         size,
		SizeSOL:         s.sizeSOL(result),
		Quantity:        size.Div(entry),
		CurrentPriceUSD: entry,
		StopLossUSD:     entry.Mul(one.Sub(decimal.NewFromFloat(s.config.StopLossPct).Div(hundred))),
		TakeProfitUSD:   entry.Mul(one.Add(decimal.NewFromFloat(s.config.TakeProfitPct).Div(hundred))),
		UnrealizedPnL:   decimal.Zero,
		RealizedPnL:     decimal.Zero,
		Status:          StatusOpen,
		OpenedAt:        s.now(),
	}
	if s.halter != nil && s.halter.Halted() {
		pos.Status = StatusEmergency
		closedAt := pos.OpenedAt
		pos.ClosedAt = &closedAt
		pos.CloseReason = "EMERGENCY:" + s.halter.HaltReason()
	}

	s.mu.Lock()
	s.positions[pos.ID] = pos
	open := s.openCountLocked()
	cp := *pos
	s.mu.Unlock()

	s.opened.Add(1)
	if s.recorder != nil {
		s.recorder.SetOpenPositions(open)
	}
	if cp.Status == StatusEmergency {
		log.Error().
			Str("position_id", cp.ID).
			Str("token", string(token)).
			Str("size_usd", size.StringFixed(2)).
			Msg("position: trade confirmed after emergency stop, not supervised")
		return cp, nil
	}

	log.Info().
		Str("position_id", cp.ID).
		Str("token", string(token)).
		Str("symbol", symbol).
		Str("entry", entry.String()).
		Str("size_usd", size.StringFixed(2)).
		Str("stop_loss", cp.StopLossUSD.String()).
		Str("take_profit", cp.TakeProfitUSD.String()).
		Msg("position: opened")
	return cp, nil
}

// sizeSOL is the lamports spent when SOL funded the trade, otherwise the
// USD size at the validated SOL price. Zero when neither is known.
func (s *Supervisor) sizeSOL(result market.TradeResult) decimal.Decimal {
	if result.InputMint == solana.SOLMint && result.InputAmount > 0 {
		return decimal.NewFromInt(int64(result.InputAmount)).Div(decimal.NewFromInt(solana.LamportsPerSOL))
	}
	if vp, ok := s.prices.GetValidated(solana.SOLMint); ok && vp.PriceUSD > 0 {
		return decimal.NewFromFloat(result.SizeUSD).Div(decimal.NewFromFloat(vp.PriceUSD))
	}
	return decimal.Zero
}

// Start runs checkPositions on every tick until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkPositions()
		}
	}
}

// checkPositions marks every open position to its validated price and
// closes those at or beyond a boundary. Tokens without a validated price
// are skipped this tick.
func (s *Supervisor) checkPositions() {
	var closed []Position

	s.mu.Lock()
	for _, pos := range s.positions {
		if !pos.IsOpen() {
			continue
		}
		vp, ok := s.prices.GetValidated(pos.Token)
		if !ok {
			s.skipped.Add(1)
			log.Debug().Str("position_id", pos.ID).Str("token", string(pos.Token)).
				Msg("position: no validated price, skipping")
			continue
		}

		price := decimal.NewFromFloat(vp.PriceUSD)
		pos.CurrentPriceUSD = price
		pos.UnrealizedPnL = price.Sub(pos.EntryPriceUSD).Mul(pos.Quantity)

		// Boundary-inclusive so an exact touch is never missed.
		switch {
		case price.LessThanOrEqual(pos.StopLossUSD):
			s.closeLocked(pos, StatusStoppedOut, "STOP_LOSS")
			s.stoppedOut.Add(1)
			closed = append(closed, *pos)
		case price.GreaterThanOrEqual(pos.TakeProfitUSD):
			s.closeLocked(pos, StatusClosedProfit, "TAKE_PROFIT")
			s.tookProfit.Add(1)
			closed = append(closed, *pos)
		}
	}
	open := s.openCountLocked()
	onClose := s.onClose
	s.mu.Unlock()

	s.afterClose(closed, open, onClose)
}

// Close closes a position by hand at its last known price.
func (s *Supervisor) Close(id, reason string) (Position, error) {
	s.mu.Lock()
	pos, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return Position{}, fmt.Errorf("close position: %s not found", id)
	}
	if !pos.IsOpen() {
		st := pos.Status
		s.mu.Unlock()
		return Position{}, fmt.Errorf("close position: %s is %s", id, st)
	}

	if vp, ok := s.prices.GetValidated(pos.Token); ok {
		pos.CurrentPriceUSD = decimal.NewFromFloat(vp.PriceUSD)
	}
	pnl := pos.CurrentPriceUSD.Sub(pos.EntryPriceUSD).Mul(pos.Quantity)
	status := StatusClosedLoss
	if pnl.IsPositive() {
		status = StatusClosedProfit
	}
	s.closeLocked(pos, status, reason)
	cp := *pos
	open := s.openCountLocked()
	onClose := s.onClose
	s.mu.Unlock()

	s.manual.Add(1)
	s.afterClose([]Position{cp}, open, onClose)
	return cp, nil
}

func (s *Supervisor) closeLocked(pos *Position, status Status, reason string) {
	now := s.now()
	pos.RealizedPnL = pos.CurrentPriceUSD.Sub(pos.EntryPriceUSD).Mul(pos.Quantity)
	pos.UnrealizedPnL = decimal.Zero
	pos.Status = status
	pos.ClosedAt = &now
	pos.CloseReason = reason

	log.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("status", string(status)).
		Str("reason", reason).
		Str("exit", pos.CurrentPriceUSD.String()).
		Str("pnl_usd", pos.RealizedPnL.StringFixed(2)).
		Msg("position: closed")
}

// afterClose feeds realized P&L to the recorder and fires callbacks. Called
// without the lock held.
func (s *Supervisor) afterClose(closed []Position, open int, onClose func(Position)) {
	if s.recorder != nil {
		for _, p := range closed {
			s.recorder.RecordTrade(risk.TradeEvent{Kind: risk.TradeClosed, PnL: p.RealizedPnL.InexactFloat64()})
		}
		s.recorder.SetOpenPositions(open)
	}
	if onClose != nil {
		for _, p := range closed {
			onClose(p)
		}
	}
}

// EmergencyStop halts admissions, marks every open position Emergency and
// locks the wallets. The halt happens first so no new trade slips in.
func (s *Supervisor) EmergencyStop(reason string) int {
	if s.halter != nil {
		s.halter.Halt(reason)
	}

	s.mu.Lock()
	now := s.now()
	marked := 0
	for _, pos := range s.positions {
		if !pos.IsOpen() {
			continue
		}
		pos.Status = StatusEmergency
		pos.ClosedAt = &now
		pos.CloseReason = "EMERGENCY:" + reason
		marked++
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.SetOpenPositions(0)
	}
	if s.wallet != nil {
		s.wallet.EmergencyStop(reason)
	}
	s.emergencies.Add(1)

	log.Error().Str("reason", reason).Int("positions", marked).Msg("position: EMERGENCY STOP")
	return marked
}

func (s *Supervisor) openCountLocked() int {
	n := 0
	for _, p := range s.positions {
		if p.IsOpen() {
			n++
		}
	}
	return n
}

// Get returns a copy of one position.
func (s *Supervisor) Get(id string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of all positions, oldest first.
func (s *Supervisor) Positions() []Position {
	s.mu.RLock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// OpenPositions returns copies of open positions only.
func (s *Supervisor) OpenPositions() []Position {
	all := s.Positions()
	out := all[:0]
	for _, p := range all {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// SupervisorStats summarizes position activity.
type SupervisorStats struct {
	Open         int     `json:"open"`
	Opened       int64   `json:"opened"`
	StoppedOut   int64   `json:"stopped_out"`
	TookProfit   int64   `json:"took_profit"`
	ManualCloses int64   `json:"manual_closes"`
	Emergencies  int64   `json:"emergencies"`
	PriceSkips   int64   `json:"price_skips"`
	RealizedPnL  float64 `json:"realized_pnl_usd"`
}

func (s *Supervisor) Stats() SupervisorStats {
	s.mu.RLock()
	realized := decimal.Zero
	for _, p := range s.positions {
		realized = realized.Add(p.RealizedPnL)
	}
	open := s.openCountLocked()
	s.mu.RUnlock()

	return SupervisorStats{
		Open:         open,
		Opened:       s.opened.Load(),
		StoppedOut:   s.stoppedOut.Load(),
		TookProfit:   s.tookProfit.Load(),
		ManualCloses: s.manual.Load(),
		Emergencies:  s.emergencies.Load(),
		PriceSkips:   s.skipped.Load(),
		RealizedPnL:  realized.InexactFloat64(),
	}
}
