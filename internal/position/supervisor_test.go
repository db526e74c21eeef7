package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token solana.Pubkey = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

type stubPrices struct {
	mu     sync.Mutex
	prices map[solana.Pubkey]float64
}

func (p *stubPrices) set(mint solana.Pubkey, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prices == nil {
		p.prices = make(map[solana.Pubkey]float64)
	}
	p.prices[mint] = price
}

func (p *stubPrices) clear(mint solana.Pubkey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, mint)
}

func (p *stubPrices) GetValidated(mint solana.Pubkey) (market.ValidatedPrice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[mint]
	if !ok {
		return market.ValidatedPrice{}, false
	}
	return market.ValidatedPrice{Token: mint, PriceUSD: price, Confidence: 0.9, SourceCount: 2}, true
}

type stubWallet struct {
	reasons []string
}

func (w *stubWallet) EmergencyStop(reason string) { w.reasons = append(w.reasons, reason) }

func confirmedTrade(entry, size float64) market.TradeResult {
	return market.TradeResult{
		ID:            "trade-1",
		OpportunityID: "opp-1",
		Success:       true,
		State:         "CONFIRMED",
		SizeUSD:       size,
		EntryPriceUSD: entry,
	}
}

func newTestSupervisor() (*Supervisor, *stubPrices, *risk.RiskState, *risk.Gate, *stubWallet) {
	prices := &stubPrices{}
	state := risk.NewRiskState()
	gate := risk.NewGate(risk.DefaultConfig(), state)
	wallet := &stubWallet{}
	return NewSupervisor(DefaultConfig(), prices, state, gate, wallet), prices, state, gate, wallet
}

func TestSupervisor_OpenSetsBoundaries(t *testing.T) {
	s, _, state, _, _ := newTestSupervisor()

	pos, err := s.Open(confirmedTrade(2.0, 100), token, "BONK")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, pos.Status)
	assert.Equal(t, "1.9", pos.StopLossUSD.String())
	assert.Equal(t, "2.2", pos.TakeProfitUSD.String())
	assert.Equal(t, "50", pos.Quantity.String())
	assert.Equal(t, 1, state.OpenPositions())
}

func TestSupervisor_OpenRecordsSOLSize(t *testing.T) {
	s, prices, _, _, _ := newTestSupervisor()

	funded := confirmedTrade(2.0, 300)
	funded.InputMint = solana.SOLMint
	funded.InputAmount = 2_500_000_000
	pos, err := s.Open(funded, token, "BONK")
	require.NoError(t, err)
	assert.Equal(t, "2.5", pos.SizeSOL.String())

	prices.set(solana.SOLMint, 150)
	usdcFunded := confirmedTrade(2.0, 300)
	usdcFunded.InputMint = solana.USDCMint
	pos, err = s.Open(usdcFunded, token, "BONK")
	require.NoError(t, err)
	assert.Equal(t, "2", pos.SizeSOL.String())
}

func TestSupervisor_OpenAfterEmergencyStopIsNotSupervised(t *testing.T) {
	s, prices, state, gate, _ := newTestSupervisor()
	s.EmergencyStop("operator")

	pos, err := s.Open(confirmedTrade(1.0, 100), token, "BONK")
	require.NoError(t, err)
	assert.Equal(t, StatusEmergency, pos.Status)
	assert.Equal(t, "EMERGENCY:operator", pos.CloseReason)
	assert.Empty(t, s.OpenPositions())
	assert.Equal(t, 0, state.OpenPositions())

	// The tick loop leaves it alone even past a boundary.
	prices.set(token, 0.5)
	s.checkPositions()
	got, _ := s.Get(pos.ID)
	assert.Equal(t, StatusEmergency, got.Status)

	gate.Resume()
	next, err := s.Open(confirmedTrade(1.0, 100), token, "BONK")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, next.Status)
}

func TestSupervisor_OpenRejectsFailedTrade(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor()
	tr := confirmedTrade(1, 100)
	tr.Success = false

	_, err := s.Open(tr, token, "BONK")
	assert.Error(t, err)
}

func TestSupervisor_StopLossEqualityCloses(t *testing.T) {
	s, prices, state, _, _ := newTestSupervisor()
	var closed []Position
	s.SetOnClose(func(p Position) { closed = append(closed, p) })

	pos, err := s.Open(confirmedTrade(1.0, 100), token, "BONK")
	require.NoError(t, err)

	prices.set(token, 0.95)
	s.checkPositions()

	got, ok := s.Get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, StatusStoppedOut, got.Status)
	assert.Equal(t, "STOP_LOSS", got.CloseReason)
	assert.Equal(t, "-5", got.RealizedPnL.String())

	require.Len(t, closed, 1)
	assert.InDelta(t, -5.0, state.DailyPnL(), 1e-9)
	assert.Equal(t, 0, state.OpenPositions())
}

func TestSupervisor_TakeProfitEqualityCloses(t *testing.T) {
	s, prices, state, _, _ := newTestSupervisor()
	pos, err := s.Open(confirmedTrade(1.0, 100), token, "BONK")
	require.NoError(t, err)

	prices.set(token, 1.1)
	s.checkPositions()

	got, _ := s.Get(pos.ID)
	assert.Equal(t, StatusClosedProfit, got.Status)
	assert.Equal(t, "10", got.RealizedPnL.String())
	assert.InDelta(t, 10.0, state.DailyPnL(), 1e-9)
}

func TestSupervisor_InsideBandStaysOpen(t *testing.T) {
	s, prices, _, _, _ := newTestSupervisor()
	pos, _ := s.Open(confirmedTrade(1.0, 100), token, "BONK")

	prices.set(token, 1.02)
	s.checkPositions()

	got, _ := s.Get(pos.ID)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, "2", got.UnrealizedPnL.String())
}

func TestSupervisor_AbsentPriceSkipsTick(t *testing.T) {
	s, prices, _, _, _ := newTestSupervisor()
	pos, _ := s.Open(confirmedTrade(1.0, 100), token, "BONK")
	prices.clear(token)

	s.checkPositions()

	got, _ := s.Get(pos.ID)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, int64(1), s.Stats().PriceSkips)
}

func TestSupervisor_ManualCloseBySign(t *testing.T) {
	s, prices, _, _, _ := newTestSupervisor()
	up, _ := s.Open(confirmedTrade(1.0, 100), token, "BONK")
	other := solana.Pubkey("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	down, _ := s.Open(confirmedTrade(1.0, 100), other, "SRM")

	prices.set(token, 1.03)
	prices.set(other, 0.98)

	got, err := s.Close(up.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, StatusClosedProfit, got.Status)

	got, err = s.Close(down.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, StatusClosedLoss, got.Status)

	_, err = s.Close(down.ID, "again")
	assert.Error(t, err)
	_, err = s.Close("missing", "manual")
	assert.Error(t, err)
}

func TestSupervisor_EmergencyStop(t *testing.T) {
	s, _, state, gate, wallet := newTestSupervisor()
	_, _ = s.Open(confirmedTrade(1.0, 100), token, "BONK")
	_, _ = s.Open(confirmedTrade(2.0, 100), token, "BONK")

	n := s.EmergencyStop("rpc down")
	assert.Equal(t, 2, n)
	assert.True(t, gate.Halted())
	assert.Equal(t, []string{"rpc down"}, wallet.reasons)
	assert.Empty(t, s.OpenPositions())
	assert.Equal(t, 0, state.OpenPositions())

	for _, p := range s.Positions() {
		assert.Equal(t, StatusEmergency, p.Status)
	}
}

func TestSupervisor_StartStopsOnCancel(t *testing.T) {
	s, prices, _, _, _ := newTestSupervisor()
	s.config.TickInterval = 10 * time.Millisecond
	pos, _ := s.Open(confirmedTrade(1.0, 100), token, "BONK")
	prices.set(token, 0.5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, _ := s.Get(pos.ID)
		return got.Status == StatusStoppedOut
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}
