package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/quality"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Scanner Tests
// ---------------------------------------------------------------------------

type stubPoolSource struct {
	name string

	mu    sync.Mutex
	pools []datasource.RawPool
	err   error
	calls atomic.Int32
}

func (s *stubPoolSource) Name() string { return s.name }

func (s *stubPoolSource) FetchPools(context.Context) ([]datasource.RawPool, error) {
	s.calls.Add(1)
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

func newRawPool(address, mint string, liqUSD, volUSD float64, source string) datasource.RawPool {
	return datasource.RawPool{
		Address:        solana.Pubkey(address),
		DEX:            "raydium",
		Source:         source,
		TokenA:         datasource.RawToken{Mint: solana.Pubkey(mint), Symbol: "TST"},
		TokenB:         datasource.RawToken{Mint: solana.SOLMint, Symbol: "SOL"},
		LiquidityUSD:   liqUSD,
		Volume24hUSD:   volUSD,
		PriceImpactPct: 0.8,
	}
}

type scannerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *scannerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *scannerClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScanner(config Config, health *quality.Monitor, sources ...datasource.PoolSource) (*Scanner, *scannerClock) {
	clock := &scannerClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewScanner(config, NewDetector(DefaultDetectorConfig(), nil, nil), nil, health, sources...)
	s.SetClock(clock.Now)
	return s, clock
}

func TestScanner_MergesSourcesInPriorityOrder(t *testing.T) {
	primary := &stubPoolSource{name: "dexscreener"}
	primary.set(newRawPool("pool-1", "mint-1", 20_000, 1_000, "dexscreener"))
	secondary := &stubPoolSource{name: "raydium"}
	secondary.set(
		newRawPool("pool-1", "mint-1", 99_999, 1_000, "raydium"),
		newRawPool("pool-2", "mint-2", 30_000, 1_000, "raydium"),
	)

	s, _ := newTestScanner(DefaultConfig(), nil, primary, secondary)
	pools := s.Scan(context.Background())

	require.Len(t, pools, 2)
	p1, ok := s.Table().Get("pool-1")
	require.True(t, ok)
	assert.Equal(t, "dexscreener", p1.Source, "higher priority source wins duplicates")
	assert.Equal(t, 20_000.0, p1.LiquidityUSD)
	assert.Equal(t, 0.5, p1.Risk.Liquidity)
}

func TestScanner_SourceFailureFallsThrough(t *testing.T) {
	health := quality.NewMonitor(quality.DefaultConfig())
	broken := &stubPoolSource{name: "dexscreener", err: errors.New("503")}
	backup := &stubPoolSource{name: "raydium"}
	backup.set(newRawPool("pool-1", "mint-1", 20_000, 1_000, "raydium"))

	s, _ := newTestScanner(DefaultConfig(), health, broken, backup)
	pools := s.Scan(context.Background())

	require.Len(t, pools, 1)
	assert.Equal(t, "raydium", pools[0].Source)
	assert.Equal(t, int64(1), s.Stats().SourceErrors)
	assert.Equal(t, 1, health.Snapshot()["dexscreener"].ConsecutiveFailures)

	// After the failure threshold the source is skipped without a call.
	s.Scan(context.Background())
	s.Scan(context.Background())
	s.Scan(context.Background())
	assert.Equal(t, int32(quality.DefaultConfig().MaxConsecutiveFailures), broken.calls.Load())
	assert.False(t, health.IsAvailable("dexscreener"))
}

func TestScanner_TotalExhaustionReturnsEmpty(t *testing.T) {
	a := &stubPoolSource{name: "a", err: errors.New("down")}
	b := &stubPoolSource{name: "b", err: errors.New("down")}

	s, _ := newTestScanner(DefaultConfig(), nil, a, b)
	pools := s.Scan(context.Background())
	assert.NotNil(t, pools)
	assert.Empty(t, pools)
}

func TestScanner_ExhaustedPassDoesNotReplayTrackedPools(t *testing.T) {
	src := &stubPoolSource{name: "dexscreener"}
	src.set(newRawPool("pool-1", "mint-1", 80_000, 1_000, "dexscreener"))
	s, clock := newTestScanner(DefaultConfig(), nil, src)

	require.Len(t, s.Scan(context.Background()), 1)

	src.mu.Lock()
	src.err = errors.New("503")
	src.mu.Unlock()
	clock.Advance(2 * time.Minute)

	pools := s.Scan(context.Background())
	assert.NotNil(t, pools)
	assert.Empty(t, pools, "no source answered, nothing re-emitted")
	assert.Equal(t, 1, s.Table().Len(), "tracked pools survive until they age out")
	assert.Equal(t, int64(1), s.Stats().ExhaustedPasses)
}

func TestScanner_UpdatesInPlaceAndRescores(t *testing.T) {
	src := &stubPoolSource{name: "raydium"}
	src.set(newRawPool("pool-1", "mint-1", 20_000, 1_000, "raydium"))
	s, clock := newTestScanner(DefaultConfig(), nil, src)

	first := s.Scan(context.Background())
	require.Len(t, first, 1)
	detected := first[0].DetectedAt
	assert.Equal(t, 0.5, first[0].Risk.Liquidity)

	clock.Advance(10 * time.Second)
	src.set(newRawPool("pool-1", "mint-1", 120_000, 1_000, "raydium"))
	second := s.Scan(context.Background())
	require.Len(t, second, 1)
	assert.Equal(t, detected, second[0].DetectedAt)
	assert.Equal(t, clock.Now(), second[0].UpdatedAt)
	assert.Equal(t, 0.9, second[0].Risk.Liquidity, "risk follows current fields")
	assert.Equal(t, int64(1), s.Table().Stats().Updated)
}

func TestScanner_EvictsByAgeAndCapacity(t *testing.T) {
	src := &stubPoolSource{name: "raydium"}
	cfg := DefaultConfig()
	cfg.Table.MaxTrackedPools = 2
	s, clock := newTestScanner(cfg, nil, src)

	src.set(newRawPool("pool-1", "mint-1", 20_000, 0, "raydium"))
	s.Scan(context.Background())
	clock.Advance(time.Second)
	src.set(newRawPool("pool-2", "mint-2", 20_000, 0, "raydium"))
	s.Scan(context.Background())
	clock.Advance(time.Second)
	src.set(newRawPool("pool-3", "mint-3", 20_000, 0, "raydium"))
	s.Scan(context.Background())

	_, ok := s.Table().Get("pool-1")
	assert.False(t, ok, "oldest pool evicted at capacity")
	assert.Equal(t, 2, s.Table().Len())

	src.set()
	clock.Advance(time.Hour + time.Second)
	pools := s.Scan(context.Background())
	assert.Empty(t, pools)
	assert.Equal(t, 0, s.Table().Len())
}

func TestScanner_ResolvesMissingSymbols(t *testing.T) {
	raw := newRawPool("pool-1", "Mystery1111111", 20_000, 0, "raydium")
	raw.TokenA.Symbol = ""
	raw.TokenB.Symbol = ""
	src := &stubPoolSource{name: "raydium"}
	src.set(raw)

	s, _ := newTestScanner(DefaultConfig(), nil, src)
	pools := s.Scan(context.Background())
	require.Len(t, pools, 1)
	assert.Equal(t, "TKN-Myst", pools[0].TokenA.Symbol)
	assert.Equal(t, "SOL", pools[0].TokenB.Symbol)
}

func TestScanner_FillsMissingDecimals(t *testing.T) {
	bonk := solana.Pubkey("DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263")
	raw := newRawPool("pool-1", string(bonk), 80_000, 0, "dexscreener")
	mystery := newRawPool("pool-2", "Mystery1111111", 80_000, 0, "dexscreener")
	src := &stubPoolSource{name: "dexscreener"}
	src.set(raw, mystery)

	s, _ := newTestScanner(DefaultConfig(), nil, src)
	s.Scan(context.Background())

	p1, ok := s.Table().Get("pool-1")
	require.True(t, ok)
	assert.Equal(t, uint8(5), p1.TokenA.Decimals)
	assert.Equal(t, uint8(9), p1.TokenB.Decimals)

	p2, ok := s.Table().Get("pool-2")
	require.True(t, ok)
	assert.Equal(t, uint8(0), p2.TokenA.Decimals, "unknown mints stay at zero")
	assert.Equal(t, int64(1), s.Stats().UnknownDecimals)
}

func TestScanner_KeepsDecimalsAcrossSources(t *testing.T) {
	withDecimals := newRawPool("pool-1", "Mystery1111111", 80_000, 0, "raydium")
	withDecimals.TokenA.Decimals = 7
	src := &stubPoolSource{name: "raydium"}
	src.set(withDecimals)
	s, clock := newTestScanner(DefaultConfig(), nil, src)
	s.Scan(context.Background())

	clock.Advance(time.Second)
	src.set(newRawPool("pool-1", "Mystery1111111", 90_000, 0, "dexscreener"))
	pools := s.Scan(context.Background())
	require.Len(t, pools, 1)
	assert.Equal(t, uint8(7), pools[0].TokenA.Decimals)
	assert.Equal(t, 90_000.0, pools[0].LiquidityUSD)
}

func TestScanner_EvictHookSeesDroppedPools(t *testing.T) {
	src := &stubPoolSource{name: "raydium"}
	cfg := DefaultConfig()
	cfg.Table.MaxTrackedPools = 1
	s, clock := newTestScanner(cfg, nil, src)

	var mu sync.Mutex
	var dropped []solana.Pubkey
	s.SetEvictHook(func(rec market.PoolRecord) {
		mu.Lock()
		dropped = append(dropped, rec.TokenA.Mint)
		mu.Unlock()
	})

	src.set(newRawPool("pool-1", "mint-1", 20_000, 0, "raydium"))
	s.Scan(context.Background())
	clock.Advance(time.Second)
	src.set(newRawPool("pool-2", "mint-2", 20_000, 0, "raydium"))
	s.Scan(context.Background())
	src.set()
	clock.Advance(time.Hour + time.Second)
	s.Scan(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []solana.Pubkey{"mint-1", "mint-2"}, dropped)
}

func TestScanner_StartEmitsAndStops(t *testing.T) {
	src := &stubPoolSource{name: "raydium"}
	src.set(newRawPool("pool-1", "mint-1", 80_000, 30_000, "raydium"))

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	s := NewScanner(cfg, NewDetector(DefaultDetectorConfig(), nil, nil), nil, nil, src)

	wake := make(chan solana.PoolEvent, 4)
	s.SetWakeups(wake)

	out := make(chan []market.Opportunity, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, out) }()

	// Initial scan: the 80k pool yields a snipe and an imbalance.
	require.Eventually(t, func() bool { return len(out) > 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	wake <- solana.PoolEvent{DEX: "raydium", PoolAddress: "pool-new"}
	wake <- solana.PoolEvent{DEX: "raydium", PoolAddress: "pool-new-2"}
	require.Eventually(t, func() bool { return s.Stats().Wakeups >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, time.Millisecond)

	assert.Error(t, s.Start(ctx, out), "second Start is refused")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}

	first := <-out
	require.NotEmpty(t, first)
	assert.Equal(t, solana.Pubkey("pool-1"), first[0].Pool.Address)
}
