package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// KnownTokens maps well-known mints to their symbols.
var KnownTokens = map[solana.Pubkey]string{
	solana.SOLMint:  "SOL",
	solana.USDCMint: "USDC",
	solana.USDTMint: "USDT",

	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": "BONK",
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  "JUP",
	"4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R": "RAY",
	"EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm": "WIF",
}

var knownDecimals = map[solana.Pubkey]uint8{
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": 5,
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  6,
	"4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R": 6,
	"EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm": 6,
}

// KnownDecimals returns the decimals of quote mints and the well-known
// tokens in KnownTokens.
func KnownDecimals(mint solana.Pubkey) (uint8, bool) {
	if d, ok := solana.QuoteDecimals(mint); ok {
		return d, true
	}
	d, ok := knownDecimals[mint]
	return d, ok
}

// TokenLister fetches a full token list.
type TokenLister interface {
	FetchTokens(ctx context.Context) ([]datasource.TokenInfo, error)
}

// SymbolResolverConfig bounds symbol resolution.
type SymbolResolverConfig struct {
	Timeout    time.Duration `yaml:"timeout"`     // whole resolution, all layers
	ListTTL    time.Duration `yaml:"list_ttl"`    // token list refresh period
	ListRetry  time.Duration `yaml:"list_retry"`  // wait after a failed list fetch
	CacheLimit int           `yaml:"cache_limit"` // API lookups remembered
}

// DefaultSymbolResolverConfig returns production defaults.
func DefaultSymbolResolverConfig() SymbolResolverConfig {
	return SymbolResolverConfig{
		Timeout:    1500 * time.Millisecond,
		ListTTL:    time.Hour,
		ListRetry:  time.Minute,
		CacheLimit: 10_000,
	}
}

// SymbolResolver names tokens, trying in order the static table, the cached
// token list, a per-token API lookup, and finally a placeholder derived from
// the mint. It always returns a symbol.
type SymbolResolver struct {
	config SymbolResolverConfig
	lister TokenLister
	lookup datasource.SymbolLookup
	now    func() time.Time

	mu         sync.Mutex
	list       map[solana.Pubkey]string
	decimals   map[solana.Pubkey]uint8
	listDue    time.Time
	refreshing bool
	cache      map[solana.Pubkey]string

	fromStatic      atomic.Int64
	fromList        atomic.Int64
	fromLookup      atomic.Int64
	fromPlaceholder atomic.Int64
}

// NewSymbolResolver creates a resolver. lister and lookup may be nil.
func NewSymbolResolver(config SymbolResolverConfig, lister TokenLister, lookup datasource.SymbolLookup) *SymbolResolver {
	d := DefaultSymbolResolverConfig()
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.ListTTL <= 0 {
		config.ListTTL = d.ListTTL
	}
	if config.ListRetry <= 0 {
		config.ListRetry = d.ListRetry
	}
	if config.CacheLimit <= 0 {
		config.CacheLimit = d.CacheLimit
	}
	return &SymbolResolver{
		config:   config,
		lister:   lister,
		lookup:   lookup,
		now:      time.Now,
		list:     make(map[solana.Pubkey]string),
		decimals: make(map[solana.Pubkey]uint8),
		cache:    make(map[solana.Pubkey]string),
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *SymbolResolver) SetClock(now func() time.Time) { r.now = now }

// Resolve returns the symbol for mint.
func (r *SymbolResolver) Resolve(ctx context.Context, mint solana.Pubkey) string {
	if sym, ok := KnownTokens[mint]; ok {
		r.fromStatic.Add(1)
		return sym
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	if sym, ok := r.fromTokenList(ctx, mint); ok {
		r.fromList.Add(1)
		return sym
	}
	if sym, ok := r.fromAPI(ctx, mint); ok {
		r.fromLookup.Add(1)
		return sym
	}

	r.fromPlaceholder.Add(1)
	return Placeholder(mint)
}

// Placeholder is the symbol used when no source knows mint.
func Placeholder(mint solana.Pubkey) string {
	return "TKN-" + mint.Short()
}

// Decimals returns the decimals of mint from the static tables or the
// token list. ok is false when neither knows it.
func (r *SymbolResolver) Decimals(ctx context.Context, mint solana.Pubkey) (uint8, bool) {
	if d, ok := KnownDecimals(mint); ok {
		return d, true
	}
	if r.lister == nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	r.ensureList(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.decimals[mint]
	return d, ok
}

func (r *SymbolResolver) fromTokenList(ctx context.Context, mint solana.Pubkey) (string, bool) {
	if r.lister == nil {
		return "", false
	}
	r.ensureList(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	sym, ok := r.list[mint]
	return sym, ok
}

// ensureList refreshes the token list when its TTL or retry delay has
// passed and no other refresh is running.
func (r *SymbolResolver) ensureList(ctx context.Context) {
	r.mu.Lock()
	due := !r.refreshing && !r.now().Before(r.listDue)
	if due {
		r.refreshing = true
	}
	r.mu.Unlock()

	if due {
		r.refreshList(ctx)
	}
}

func (r *SymbolResolver) refreshList(ctx context.Context) {
	tokens, err := r.lister.FetchTokens(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshing = false

	if err != nil {
		r.listDue = r.now().Add(r.config.ListRetry)
		log.Warn().Err(err).Msg("symbols: token list refresh failed")
		return
	}

	list := make(map[solana.Pubkey]string, len(tokens))
	decimals := make(map[solana.Pubkey]uint8, len(tokens))
	for _, t := range tokens {
		if t.Address == "" {
			continue
		}
		if t.Symbol != "" {
			list[solana.Pubkey(t.Address)] = t.Symbol
		}
		if t.Decimals > 0 {
			decimals[solana.Pubkey(t.Address)] = t.Decimals
		}
	}
	r.list = list
	r.decimals = decimals
	r.listDue = r.now().Add(r.config.ListTTL)
	log.Info().Int("tokens", len(list)).Msg("symbols: token list refreshed")
}

func (r *SymbolResolver) fromAPI(ctx context.Context, mint solana.Pubkey) (string, bool) {
	r.mu.Lock()
	sym, ok := r.cache[mint]
	r.mu.Unlock()
	if ok {
		return sym, true
	}
	if r.lookup == nil || ctx.Err() != nil {
		return "", false
	}

	sym, err := r.lookup.LookupSymbol(ctx, mint)
	if err != nil {
		if !errors.Is(err, datasource.ErrNotFound) {
			log.Debug().Err(err).Str("mint", string(mint)).Msg("symbols: lookup failed")
		}
		return "", false
	}
	if sym == "" {
		return "", false
	}

	r.mu.Lock()
	if len(r.cache) < r.config.CacheLimit {
		r.cache[mint] = sym
	}
	r.mu.Unlock()
	return sym, true
}

// SymbolStats counts which layer answered.
type SymbolStats struct {
	Static      int64 `json:"static"`
	TokenList   int64 `json:"token_list"`
	Lookup      int64 `json:"lookup"`
	Placeholder int64 `json:"placeholder"`
	ListSize    int   `json:"list_size"`
}

func (r *SymbolResolver) Stats() SymbolStats {
	r.mu.Lock()
	size := len(r.list)
	r.mu.Unlock()
	return SymbolStats{
		Static:      r.fromStatic.Load(),
		TokenList:   r.fromList.Load(),
		Lookup:      r.fromLookup.Load(),
		Placeholder: r.fromPlaceholder.Load(),
		ListSize:    size,
	}
}
