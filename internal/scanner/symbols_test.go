package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/stretchr/testify/assert"
)

type stubLister struct {
	tokens []datasource.TokenInfo
	err    error
	calls  atomic.Int32
}

func (l *stubLister) FetchTokens(context.Context) ([]datasource.TokenInfo, error) {
	l.calls.Add(1)
	return l.tokens, l.err
}

type stubLookup struct {
	symbols map[solana.Pubkey]string
	block   bool
	calls   atomic.Int32
}

func (l *stubLookup) LookupSymbol(ctx context.Context, mint solana.Pubkey) (string, error) {
	l.calls.Add(1)
	if l.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if sym, ok := l.symbols[mint]; ok {
		return sym, nil
	}
	return "", fmt.Errorf("lookup %s: %w", mint, datasource.ErrNotFound)
}

func TestSymbolResolver_Layers(t *testing.T) {
	lister := &stubLister{tokens: []datasource.TokenInfo{{Address: "ListedMint11111", Symbol: "LIST"}}}
	lookup := &stubLookup{symbols: map[solana.Pubkey]string{"ApiMint111111111": "API"}}
	r := NewSymbolResolver(DefaultSymbolResolverConfig(), lister, lookup)
	ctx := context.Background()

	assert.Equal(t, "USDC", r.Resolve(ctx, solana.USDCMint))
	assert.Equal(t, int32(0), lister.calls.Load(), "static hits never touch the list")

	assert.Equal(t, "LIST", r.Resolve(ctx, "ListedMint11111"))
	assert.Equal(t, "API", r.Resolve(ctx, "ApiMint111111111"))
	assert.Equal(t, "API", r.Resolve(ctx, "ApiMint111111111"))
	assert.Equal(t, int32(1), lookup.calls.Load(), "API answers are cached")

	assert.Equal(t, "TKN-Unkn", r.Resolve(ctx, "UnknownMint1111"))

	assert.Equal(t, int32(1), lister.calls.Load(), "list is fetched once per TTL")
	st := r.Stats()
	assert.Equal(t, int64(1), st.Static)
	assert.Equal(t, int64(1), st.TokenList)
	assert.Equal(t, int64(2), st.Lookup)
	assert.Equal(t, int64(1), st.Placeholder)
	assert.Equal(t, 1, st.ListSize)
}

func TestSymbolResolver_Decimals(t *testing.T) {
	lister := &stubLister{tokens: []datasource.TokenInfo{
		{Address: "ListedMint11111", Symbol: "LIST", Decimals: 8},
		{Address: "NoDecimals11111", Symbol: "NODEC"},
	}}
	r := NewSymbolResolver(DefaultSymbolResolverConfig(), lister, nil)
	ctx := context.Background()

	d, ok := r.Decimals(ctx, solana.USDCMint)
	assert.True(t, ok)
	assert.Equal(t, uint8(6), d)

	d, ok = r.Decimals(ctx, "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263")
	assert.True(t, ok)
	assert.Equal(t, uint8(5), d)

	d, ok = r.Decimals(ctx, "ListedMint11111")
	assert.True(t, ok)
	assert.Equal(t, uint8(8), d)

	_, ok = r.Decimals(ctx, "NoDecimals11111")
	assert.False(t, ok, "a zero in the list means unknown")
	_, ok = r.Decimals(ctx, "UnknownMint1111")
	assert.False(t, ok)
}

func TestSymbolResolver_ListRefreshAndRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lister := &stubLister{err: errors.New("502")}
	r := NewSymbolResolver(DefaultSymbolResolverConfig(), lister, nil)
	r.SetClock(func() time.Time { return now })
	ctx := context.Background()

	assert.Equal(t, "TKN-List", r.Resolve(ctx, "ListedMint11111"))
	assert.Equal(t, "TKN-List", r.Resolve(ctx, "ListedMint11111"))
	assert.Equal(t, int32(1), lister.calls.Load(), "failed fetch waits for the retry delay")

	lister.err = nil
	lister.tokens = []datasource.TokenInfo{{Address: "ListedMint11111", Symbol: "LIST"}}
	now = now.Add(time.Minute)
	assert.Equal(t, "LIST", r.Resolve(ctx, "ListedMint11111"))

	now = now.Add(30 * time.Minute)
	r.Resolve(ctx, "ListedMint11111")
	assert.Equal(t, int32(2), lister.calls.Load())

	now = now.Add(31 * time.Minute)
	r.Resolve(ctx, "ListedMint11111")
	assert.Equal(t, int32(3), lister.calls.Load(), "list expires after the TTL")
}

func TestSymbolResolver_TimeoutFallsBackToPlaceholder(t *testing.T) {
	lookup := &stubLookup{block: true}
	cfg := DefaultSymbolResolverConfig()
	cfg.Timeout = 20 * time.Millisecond
	r := NewSymbolResolver(cfg, nil, lookup)

	start := time.Now()
	sym := r.Resolve(context.Background(), "SlowMint1111111")
	assert.Equal(t, "TKN-Slow", sym)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "TKN-So11", Placeholder(solana.SOLMint))
	assert.Equal(t, "TKN-ab", Placeholder("ab"))
}
