package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/position"
	"github.com/nexus-trading/dexsentry/internal/scanner"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Scanner-driven pipeline
// ---------------------------------------------------------------------------

type stubPoolSource struct {
	name string

	mu    sync.Mutex
	pools []datasource.RawPool
	err   error
}

func (s *stubPoolSource) Name() string { return s.name }

func (s *stubPoolSource) FetchPools(context.Context) ([]datasource.RawPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]datasource.RawPool(nil), s.pools...), nil
}

func (s *stubPoolSource) set(pools ...datasource.RawPool) {
	s.mu.Lock()
	s.pools = pools
	s.mu.Unlock()
}

func (s *stubPoolSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// dexScreenerPool is BONK/SOL as DexScreener reports it: no decimals.
func dexScreenerPool(createdAt time.Time) datasource.RawPool {
	return datasource.RawPool{
		Address:        "pool-bonk-sol",
		DEX:            "raydium",
		Source:         "dexscreener",
		TokenA:         datasource.RawToken{Mint: bonkMint, Symbol: "BONK"},
		TokenB:         datasource.RawToken{Mint: solana.SOLMint, Symbol: "SOL"},
		LiquidityUSD:   80_000,
		Volume24hUSD:   30_000,
		PriceImpactPct: 0.8,
		CreatedAt:      createdAt,
	}
}

func TestPipeline_ScannedPoolBecomesPosition(t *testing.T) {
	src := &stubPoolSource{name: "dexscreener"}
	sc := scanner.NewScanner(scanner.DefaultConfig(),
		scanner.NewDetector(scanner.DefaultDetectorConfig(), nil, nil), nil, nil, src)
	f := newFixtureWith(t, fixtureOpts{scanner: sc})
	sc.SetClock(f.clock.Now)
	src.set(dexScreenerPool(f.clock.Now().Add(-48 * time.Hour)))
	ctx := context.Background()

	batch := sc.ScanOnce(ctx)
	require.Len(t, batch, 2, "snipe and liquidity imbalance")

	out := f.session.ProcessBatch(ctx, batch)
	require.Len(t, out, 2)
	snipe := out[0]
	assert.Equal(t, market.NewPoolSnipe, snipe.Opportunity.Type)
	require.True(t, snipe.Decision.Approved, "reasons: %v", snipe.Decision.Reasons)
	assert.Equal(t, uint8(5), snipe.Opportunity.Pool.TokenA.Decimals, "decimals filled for the slippage check")
	assert.Equal(t, uint8(9), snipe.Opportunity.Pool.TokenB.Decimals)
	assert.False(t, out[1].Decision.Approved)
	f.session.Wait()

	positions := f.session.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, bonkMint, positions[0].Token)
	assert.Equal(t, "BONK", positions[0].Symbol)
	assert.Equal(t, position.StatusOpen, positions[0].Status)
	assert.True(t, positions[0].SizeSOL.IsPositive())
	assert.Equal(t, 1, f.gate.State().HourlyCount())

	// Every source down: the tracked pool must not come back as news.
	src.fail(errors.New("503"))
	f.clock.After(2 * time.Minute)
	assert.Empty(t, sc.ScanOnce(ctx))
	assert.Empty(t, sc.ScanOnce(ctx))
	assert.Equal(t, int64(2), sc.Stats().ExhaustedPasses)
	assert.Equal(t, int64(2), f.session.Stats().Detected)
}
