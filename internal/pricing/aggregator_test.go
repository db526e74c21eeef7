package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAggregator() (*Aggregator, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := NewAggregator(DefaultConfig())
	a.SetClock(clk.Now)
	return a, clk
}

func obs(token solana.Pubkey, price float64, source string, conf float64, at time.Time) market.PriceObservation {
	return market.PriceObservation{Token: token, PriceUSD: price, Source: source, Confidence: conf, ObservedAt: at}
}

func TestGetValidated_WeightedAverage(t *testing.T) {
	a, clk := newTestAggregator()
	a.Observe(obs(solana.SOLMint, 150.00, "jupiter", 0.9, clk.Now()))
	a.Observe(obs(solana.SOLMint, 150.60, "dexscreener", 0.6, clk.Now()))
	clk.Advance(100 * time.Millisecond)

	vp, ok := a.GetValidated(solana.SOLMint)
	require.True(t, ok)
	assert.InDelta(t, 150.24, vp.PriceUSD, 0.001)
	assert.InDelta(t, 0.75, vp.Confidence, 1e-9)
	assert.Equal(t, 2, vp.SourceCount)
	assert.Equal(t, []string{"dexscreener", "jupiter"}, vp.Sources)
	assert.Equal(t, clk.Now(), vp.Timestamp)
	assert.InDelta(t, 0.24, vp.MaxDeviationPct, 0.01)
}

func TestGetValidated_TooFewSources(t *testing.T) {
	a, clk := newTestAggregator()
	_, ok := a.GetValidated(solana.SOLMint)
	assert.False(t, ok, "no observations")

	a.Observe(obs(solana.SOLMint, 150, "jupiter", 0.9, clk.Now()))
	_, ok = a.GetValidated(solana.SOLMint)
	assert.False(t, ok, "single source")

	// Same source twice is still one source.
	a.Observe(obs(solana.SOLMint, 151, "jupiter", 0.9, clk.Now()))
	_, ok = a.GetValidated(solana.SOLMint)
	assert.False(t, ok, "duplicate source")
}

func TestGetValidated_BoundaryIsExclusive(t *testing.T) {
	a, clk := newTestAggregator()
	start := clk.Now()
	a.Observe(obs(solana.SOLMint, 150, "jupiter", 0.9, start))
	a.Observe(obs(solana.SOLMint, 151, "dexscreener", 0.9, start))

	clk.Advance(499 * time.Millisecond)
	_, ok := a.GetValidated(solana.SOLMint)
	assert.True(t, ok, "just inside window")

	clk.Advance(time.Millisecond)
	_, ok = a.GetValidated(solana.SOLMint)
	assert.False(t, ok, "exactly at window edge is stale")
}

func TestGetValidated_NewestPerSourceWins(t *testing.T) {
	a, clk := newTestAggregator()
	a.Observe(obs(solana.SOLMint, 100, "jupiter", 1, clk.Now()))
	clk.Advance(10 * time.Millisecond)
	a.Observe(obs(solana.SOLMint, 200, "jupiter", 1, clk.Now()))
	a.Observe(obs(solana.SOLMint, 200, "dexscreener", 1, clk.Now()))

	vp, ok := a.GetValidated(solana.SOLMint)
	require.True(t, ok)
	assert.InDelta(t, 200, vp.PriceUSD, 1e-9)
}

func TestGetValidated_StrictlyBetweenMinAndMax(t *testing.T) {
	a, clk := newTestAggregator()
	prices := []struct {
		price float64
		conf  float64
	}{
		{10.0, 0.2}, {12.5, 0.9}, {11.1, 0.5}, {10.4, 1.0},
	}
	for i, p := range prices {
		a.Observe(obs(solana.USDCMint, p.price, string(rune('a'+i)), p.conf, clk.Now()))
	}
	vp, ok := a.GetValidated(solana.USDCMint)
	require.True(t, ok)
	assert.Greater(t, vp.PriceUSD, 10.0)
	assert.Less(t, vp.PriceUSD, 12.5)
}

func TestGetValidated_ZeroConfidenceIsAbsent(t *testing.T) {
	a, clk := newTestAggregator()
	a.Observe(obs(solana.SOLMint, 150, "jupiter", 0, clk.Now()))
	a.Observe(obs(solana.SOLMint, 151, "dexscreener", 0, clk.Now()))
	_, ok := a.GetValidated(solana.SOLMint)
	assert.False(t, ok)
}

func TestObserve_RejectsInvalid(t *testing.T) {
	a, clk := newTestAggregator()
	a.Observe(obs(solana.SOLMint, 0, "jupiter", 0.9, clk.Now()))
	a.Observe(obs(solana.SOLMint, -1, "jupiter", 0.9, clk.Now()))
	a.Observe(obs(solana.SOLMint, 150, "jupiter", 1.5, clk.Now()))

	st := a.Stats()
	assert.Equal(t, int64(3), st.Rejected)
	assert.Equal(t, 0, st.Observations)
}

func TestMarkUnavailable_NoSyntheticPrice(t *testing.T) {
	a, clk := newTestAggregator()
	a.Observe(obs(solana.SOLMint, 150, "jupiter", 0.9, clk.Now()))
	a.MarkUnavailable("dexscreener", errors.New("timeout"))

	assert.False(t, a.Available("dexscreener"))
	_, ok := a.GetValidated(solana.SOLMint)
	assert.False(t, ok)
	assert.Equal(t, []string{"dexscreener"}, a.Stats().UnavailableSources)

	a.Observe(obs(solana.SOLMint, 150.1, "dexscreener", 0.8, clk.Now()))
	assert.True(t, a.Available("dexscreener"))
	_, ok = a.GetValidated(solana.SOLMint)
	assert.True(t, ok)
}

func TestPrune_BoundsMemory(t *testing.T) {
	a, clk := newTestAggregator()
	a.Observe(obs(solana.SOLMint, 150, "jupiter", 0.9, clk.Now()))
	a.Observe(obs(solana.USDCMint, 1, "jupiter", 0.9, clk.Now()))
	clk.Advance(time.Second)
	a.Observe(obs(solana.SOLMint, 151, "dexscreener", 0.9, clk.Now()))

	removed := a.Prune()
	assert.Equal(t, 2, removed)
	assert.Equal(t, []solana.Pubkey{solana.SOLMint}, a.Tokens())
	assert.Equal(t, int64(2), a.Stats().Pruned)
}

func TestSnapshot(t *testing.T) {
	a, clk := newTestAggregator()
	a.Observe(obs(solana.SOLMint, 150, "jupiter", 0.9, clk.Now()))
	a.Observe(obs(solana.SOLMint, 151, "dexscreener", 0.9, clk.Now()))
	a.Observe(obs(solana.USDCMint, 1, "jupiter", 0.9, clk.Now()))

	snap := a.Snapshot()
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, solana.SOLMint)
}
