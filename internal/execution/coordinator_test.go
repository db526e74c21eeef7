package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint solana.Pubkey = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakePrices struct {
	mu     sync.Mutex
	prices map[solana.Pubkey]market.ValidatedPrice
}

func newFakePrices() *fakePrices {
	p := &fakePrices{prices: make(map[solana.Pubkey]market.ValidatedPrice)}
	p.Set(solana.SOLMint, 150, 0.9, 0.1)
	p.Set(testMint, 0.5, 0.85, 0.2)
	return p
}

func (p *fakePrices) Set(token solana.Pubkey, price, conf, deviation float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[token] = market.ValidatedPrice{
		Token:           token,
		PriceUSD:        price,
		Confidence:      conf,
		SourceCount:     2,
		MaxDeviationPct: deviation,
	}
}

func (p *fakePrices) Delete(token solana.Pubkey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, token)
}

func (p *fakePrices) GetValidated(token solana.Pubkey) (market.ValidatedPrice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vp, ok := p.prices[token]
	return vp, ok
}

type fakeWallet struct {
	available bool
}

func (w *fakeWallet) IsAvailable(string, float64) bool { return w.available }
func (w *fakeWallet) Signer(string) (Signer, error)    { return nil, nil }

type coordinatorFixture struct {
	coord   *Coordinator
	sim     *SimulatedSwapService
	prices  *fakePrices
	history *MemoryHistory
	clock   *fakeClock
}

func newCoordinatorFixture(t *testing.T, slippageBps float64) *coordinatorFixture {
	t.Helper()
	prices := newFakePrices()
	sim := NewSimulatedSwapService(prices, slippageBps)
	clock := newFakeClock()
	mcfg := DefaultMonitorConfig()
	mcfg.MaxWait = 5 * time.Second
	monitor := NewMonitor(sim, mcfg, clock)
	history := NewMemoryHistory()

	coord, err := NewCoordinator(DefaultCoordinatorConfig(), sim, prices, nil, monitor, history)
	require.NoError(t, err)
	return &coordinatorFixture{coord: coord, sim: sim, prices: prices, history: history, clock: clock}
}

func (f *coordinatorFixture) opportunity() market.Opportunity {
	return market.Opportunity{
		ID:   "opp-1",
		Type: market.NewPoolSnipe,
		Pool: market.PoolRecord{
			Address:      "pool-1",
			TokenA:       market.TokenRef{Mint: testMint, Symbol: "BONK", Decimals: 6},
			TokenB:       market.TokenRef{Mint: solana.SOLMint, Symbol: "SOL", Decimals: 9},
			LiquidityUSD: 80_000,
		},
		Confidence: 0.75,
		Window:     30 * time.Second,
		DetectedAt: f.clock.Now(),
	}
}

func approved(size float64) risk.Decision {
	return risk.Decision{OpportunityID: "opp-1", Approved: true, SizeUSD: size, MaxLossUSD: size * 0.05}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCoordinator_SimulatedTradeConfirms(t *testing.T) {
	f := newCoordinatorFixture(t, 30)

	res, err := f.coord.Execute(context.Background(), f.opportunity(), approved(100))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, string(StateConfirmed), res.State)
	assert.Equal(t, "simulation", res.Mode)
	assert.Equal(t, solana.SOLMint, res.InputMint)
	assert.Equal(t, testMint, res.OutputMint)
	assert.Equal(t, solana.Signature("sim-1"), res.Signature)
	// $100 of SOL at $150.
	assert.Equal(t, uint64(666_666_666), res.InputAmount)
	assert.InDelta(t, 30, res.SlippageBps, 0.5)
	assert.Equal(t, uint64(5000), res.FeeLamports)

	assert.Equal(t, 1, f.history.Len())
	assert.Equal(t, int64(1), f.sim.Executed())
	assert.Equal(t, int64(1), f.coord.Stats().Succeeded)
}

func TestCoordinator_RejectedDecisionNeverTrades(t *testing.T) {
	f := newCoordinatorFixture(t, 0)

	_, err := f.coord.Execute(context.Background(), f.opportunity(),
		risk.Decision{Reasons: []string{"LOW_CONFIDENCE:confidence=0.50,min=0.65"}})

	var rej *market.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, []string{"LOW_CONFIDENCE:confidence=0.50,min=0.65"}, rej.Reasons)
	assert.Equal(t, 0, f.history.Len())
	assert.Equal(t, int64(0), f.coord.Stats().Attempts)
}

func TestCoordinator_SlippageExceededDoesNotSubmit(t *testing.T) {
	f := newCoordinatorFixture(t, 250)

	res, err := f.coord.Execute(context.Background(), f.opportunity(), approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrValidationRejected))
	assert.Contains(t, res.Error, "SLIPPAGE_EXCEEDED")
	assert.Equal(t, string(StateFailed), res.State)
	assert.Equal(t, int64(0), f.sim.Executed())
	assert.Equal(t, 1, f.history.Len())
}

func TestCoordinator_StalePriceAborts(t *testing.T) {
	f := newCoordinatorFixture(t, 0)
	f.prices.Delete(testMint)

	res, err := f.coord.Execute(context.Background(), f.opportunity(), approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrStaleData))
	assert.False(t, res.Success)
	assert.Equal(t, int64(0), f.sim.Executed())
	assert.Equal(t, int64(1), f.coord.Stats().Stale)
}

func TestCoordinator_SourceDisagreementAborts(t *testing.T) {
	f := newCoordinatorFixture(t, 0)
	f.prices.Set(testMint, 0.5, 0.85, 0.8)

	res, err := f.coord.Execute(context.Background(), f.opportunity(), approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrStaleData))
	assert.Contains(t, res.Error, "PRICE_DISAGREEMENT")
	assert.Equal(t, int64(0), f.sim.Executed())
}

func TestCoordinator_LowPriceConfidenceAborts(t *testing.T) {
	f := newCoordinatorFixture(t, 0)
	f.prices.Set(testMint, 0.5, 0.3, 0.1)

	res, err := f.coord.Execute(context.Background(), f.opportunity(), approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrStaleData))
	assert.Contains(t, res.Error, "LOW_PRICE_CONFIDENCE")
}

func TestCoordinator_TimeoutRecordedOnce(t *testing.T) {
	f := newCoordinatorFixture(t, 0)
	f.sim.Outcome = solana.TxPending

	res, err := f.coord.Execute(context.Background(), f.opportunity(), approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrExecutionTimeout))
	assert.False(t, errors.Is(err, market.ErrExecutionFailed))

	assert.Equal(t, string(StateTimeout), res.State)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "CONFIRMATION_TIMEOUT")

	recent, _ := f.history.Recent(context.Background(), 0)
	require.Len(t, recent, 1)
	assert.Equal(t, string(StateTimeout), recent[0].State)
	assert.Equal(t, int64(1), f.coord.Stats().TimedOut)

	// A second result for the same signature is suppressed.
	assert.False(t, f.coord.markRecorded("another-trade", res.Signature))
}

func TestCoordinator_OnChainFailure(t *testing.T) {
	f := newCoordinatorFixture(t, 0)
	f.sim.Outcome = solana.TxFailed

	res, err := f.coord.Execute(context.Background(), f.opportunity(), approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrExecutionFailed))
	assert.Equal(t, string(StateFailed), res.State)
	assert.Contains(t, res.Error, "TX_FAILED")
	assert.Equal(t, 1, f.history.Len())
}

func TestCoordinator_ExpiredOpportunity(t *testing.T) {
	f := newCoordinatorFixture(t, 0)
	opp := f.opportunity()
	f.clock.Advance(31 * time.Second)

	res, err := f.coord.Execute(context.Background(), opp, approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrValidationRejected))
	assert.Contains(t, res.Error, "OPPORTUNITY_EXPIRED")
	assert.Equal(t, int64(0), f.sim.Executed())
}

func TestCoordinator_InsufficientFunds(t *testing.T) {
	prices := newFakePrices()
	sim := NewSimulatedSwapService(prices, 0)
	monitor := NewMonitor(sim, DefaultMonitorConfig(), newFakeClock())
	history := NewMemoryHistory()
	coord, err := NewCoordinator(DefaultCoordinatorConfig(), sim, prices, &fakeWallet{}, monitor, history)
	require.NoError(t, err)

	opp := market.Opportunity{
		ID: "opp-1",
		Pool: market.PoolRecord{
			TokenA: market.TokenRef{Mint: testMint, Decimals: 6},
			TokenB: market.TokenRef{Mint: solana.SOLMint, Decimals: 9},
		},
		DetectedAt: monitor.clock.Now(),
	}
	res, err := coord.Execute(context.Background(), opp, approved(100))
	require.Error(t, err)
	assert.Contains(t, res.Error, "INSUFFICIENT_FUNDS")
	assert.Equal(t, int64(0), sim.Executed())
}

func TestNewCoordinator_ModeGuards(t *testing.T) {
	prices := newFakePrices()
	sim := NewSimulatedSwapService(prices, 0)
	monitor := NewMonitor(sim, DefaultMonitorConfig(), newFakeClock())
	history := NewMemoryHistory()

	live := DefaultCoordinatorConfig()
	live.Mode = market.ModeLive
	_, err := NewCoordinator(live, sim, prices, &fakeWallet{available: true}, monitor, history)
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrConfigInvalid))

	paper := DefaultCoordinatorConfig()
	paper.Mode = market.ModePaper
	_, err = NewCoordinator(paper, &realSwapStub{}, prices, nil, monitor, history)
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrConfigInvalid))

	_, err = NewCoordinator(live, &realSwapStub{}, prices, nil, monitor, history)
	require.Error(t, err, "live mode without a wallet")

	_, err = NewCoordinator(live, &realSwapStub{}, prices, &fakeWallet{available: true}, monitor, history)
	require.NoError(t, err)
}

type realSwapStub struct{}

func (realSwapStub) Quote(context.Context, QuoteRequest) (Quote, error) { return Quote{}, nil }
func (realSwapStub) Execute(context.Context, Quote, Signer) (Submission, error) {
	return Submission{}, nil
}

func TestLegs(t *testing.T) {
	other := solana.Pubkey("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")

	in, out, ok := legs(market.PoolRecord{
		TokenA: market.TokenRef{Mint: solana.USDCMint},
		TokenB: market.TokenRef{Mint: testMint},
	})
	require.True(t, ok)
	assert.Equal(t, solana.USDCMint, in.Mint)
	assert.Equal(t, uint8(6), in.Decimals)
	assert.Equal(t, testMint, out.Mint)

	in, out, ok = legs(market.PoolRecord{
		TokenA: market.TokenRef{Mint: testMint},
		TokenB: market.TokenRef{Mint: other},
	})
	require.True(t, ok)
	assert.Equal(t, solana.SOLMint, in.Mint)
	assert.Equal(t, testMint, out.Mint)
}

// halfQuoter answers with half the fair output, in 6-decimal base units.
type halfQuoter struct{ prices *fakePrices }

func (q halfQuoter) Quote(_ context.Context, req QuoteRequest) (Quote, error) {
	in, _ := q.prices.GetValidated(req.InMint)
	out, _ := q.prices.GetValidated(req.OutMint)
	units := float64(req.Amount) / 1e9 * in.PriceUSD / out.PriceUSD
	return Quote{
		InMint:    req.InMint,
		OutMint:   req.OutMint,
		InAmount:  req.Amount,
		OutAmount: uint64(units / 2 * 1e6),
	}, nil
}

func newPaperFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := newCoordinatorFixture(t, 0)
	f.sim.Quoter = halfQuoter{prices: f.prices}
	cfg := DefaultCoordinatorConfig()
	cfg.Mode = market.ModePaper
	coord, err := NewCoordinator(cfg, f.sim, f.prices, nil, f.coord.monitor, f.history)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func TestCoordinator_UnknownDecimalsNeverSubmits(t *testing.T) {
	f := newPaperFixture(t)
	opp := f.opportunity()
	opp.Pool.TokenA.Decimals = 0

	res, err := f.coord.Execute(context.Background(), opp, approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrStaleData))
	assert.Equal(t, "UNKNOWN_DECIMALS:token="+string(testMint), res.Error)
	assert.False(t, res.Success)
	assert.Equal(t, int64(0), f.sim.Executed())
	assert.Equal(t, 1, f.history.Len())
}

func TestCoordinator_BadVenueQuoteRejectedOnSlippage(t *testing.T) {
	f := newPaperFixture(t)

	res, err := f.coord.Execute(context.Background(), f.opportunity(), approved(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrValidationRejected))
	assert.InDelta(t, 5000, res.SlippageBps, 1)
	assert.Contains(t, res.Error, "SLIPPAGE_EXCEEDED")
	assert.Equal(t, int64(0), f.sim.Executed())
	assert.Equal(t, int64(1), f.coord.Stats().Slippage)
}

func TestLegs_QuoteMintOutputGetsStaticDecimals(t *testing.T) {
	in, out, ok := legs(market.PoolRecord{
		TokenA: market.TokenRef{Mint: solana.SOLMint},
		TokenB: market.TokenRef{Mint: solana.USDCMint},
	})
	require.True(t, ok)
	assert.Equal(t, solana.USDCMint, in.Mint)
	assert.Equal(t, uint8(6), in.Decimals)
	assert.Equal(t, solana.SOLMint, out.Mint)
	assert.Equal(t, uint8(9), out.Decimals)
}
