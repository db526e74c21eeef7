package datasource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// DexScreener batch endpoints accept up to 30 addresses.
const dexScreenerBatch = 30

// DexScreener reads the public DexScreener API.
type DexScreener struct {
	client     *HTTPClient
	confidence float64
	maxTokens  int
}

// NewDexScreener creates a DexScreener source.
func NewDexScreener(client *HTTPClient, confidence float64) *DexScreener {
	if confidence <= 0 {
		confidence = 0.8
	}
	return &DexScreener{client: client, confidence: confidence, maxTokens: dexScreenerBatch}
}

func (d *DexScreener) Name() string { return "dexscreener" }

type dsTokenProfile struct {
	ChainID      string `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
}

type dsToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type dsPair struct {
	ChainID     string    `json:"chainId"`
	DexID       string    `json:"dexId"`
	PairAddress string    `json:"pairAddress"`
	BaseToken   dsToken   `json:"baseToken"`
	QuoteToken  dsToken   `json:"quoteToken"`
	PriceNative FlexFloat `json:"priceNative"`
	PriceUSD    FlexFloat `json:"priceUsd"`
	Liquidity   struct {
		USD   FlexFloat `json:"usd"`
		Base  FlexFloat `json:"base"`
		Quote FlexFloat `json:"quote"`
	} `json:"liquidity"`
	Volume struct {
		H24 FlexFloat `json:"h24"`
	} `json:"volume"`
	PairCreatedAt int64 `json:"pairCreatedAt"` // unix ms
}

// FetchPools lists pairs for the most recently profiled Solana tokens.
func (d *DexScreener) FetchPools(ctx context.Context) ([]RawPool, error) {
	var profiles []dsTokenProfile
	if err := d.client.GetJSON(ctx, "/token-profiles/latest/v1", &profiles); err != nil {
		return nil, fmt.Errorf("dexscreener profiles: %w", err)
	}

	seen := make(map[string]bool)
	var addrs []string
	for _, p := range profiles {
		if p.ChainID != "solana" || p.TokenAddress == "" || seen[p.TokenAddress] {
			continue
		}
		seen[p.TokenAddress] = true
		addrs = append(addrs, p.TokenAddress)
		if len(addrs) == d.maxTokens {
			break
		}
	}
	if len(addrs) == 0 {
		return nil, nil
	}

	pairs, err := d.pairs(ctx, addrs)
	if err != nil {
		return nil, err
	}

	pools := make([]RawPool, 0, len(pairs))
	for _, p := range pairs {
		if pool, ok := d.toRawPool(p); ok {
			pools = append(pools, pool)
		}
	}
	log.Debug().Int("profiles", len(profiles)).Int("pools", len(pools)).Msg("dexscreener: pools fetched")
	return pools, nil
}

func (d *DexScreener) pairs(ctx context.Context, addrs []string) ([]dsPair, error) {
	var pairs []dsPair
	path := "/tokens/v1/solana/" + strings.Join(addrs, ",")
	if err := d.client.GetJSON(ctx, path, &pairs); err != nil {
		return nil, fmt.Errorf("dexscreener pairs: %w", err)
	}
	return pairs, nil
}

func (d *DexScreener) toRawPool(p dsPair) (RawPool, bool) {
	if p.ChainID != "" && p.ChainID != "solana" {
		return RawPool{}, false
	}
	if p.PairAddress == "" || p.BaseToken.Address == "" || p.QuoteToken.Address == "" {
		return RawPool{}, false
	}
	pool := RawPool{
		Address:      solana.Pubkey(p.PairAddress),
		DEX:          p.DexID,
		Source:       d.Name(),
		TokenA:       RawToken{Mint: solana.Pubkey(p.BaseToken.Address), Symbol: p.BaseToken.Symbol, Name: p.BaseToken.Name},
		TokenB:       RawToken{Mint: solana.Pubkey(p.QuoteToken.Address), Symbol: p.QuoteToken.Symbol, Name: p.QuoteToken.Name},
		PriceUSD:     p.PriceUSD.Float(),
		PriceNative:  p.PriceNative.Float(),
		LiquidityUSD: p.Liquidity.USD.Float(),
		Volume24hUSD: p.Volume.H24.Float(),
	}
	if p.PairCreatedAt > 0 {
		pool.CreatedAt = time.UnixMilli(p.PairCreatedAt)
	}
	return pool, true
}

// FetchPrice returns the USD price from the deepest pair quoting mint as
// its base token.
func (d *DexScreener) FetchPrice(ctx context.Context, mint solana.Pubkey) (float64, float64, bool, error) {
	best, ok, err := d.deepestPair(ctx, mint)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	price := best.PriceUSD.Float()
	if price <= 0 {
		return 0, 0, false, nil
	}
	return price, d.confidence, true, nil
}

// LookupSymbol resolves mint through its deepest pair.
func (d *DexScreener) LookupSymbol(ctx context.Context, mint solana.Pubkey) (string, error) {
	best, ok, err := d.deepestPair(ctx, mint)
	if err != nil {
		return "", err
	}
	if !ok || best.BaseToken.Symbol == "" {
		return "", fmt.Errorf("dexscreener symbol %s: %w", mint, ErrNotFound)
	}
	return best.BaseToken.Symbol, nil
}

func (d *DexScreener) deepestPair(ctx context.Context, mint solana.Pubkey) (dsPair, bool, error) {
	pairs, err := d.pairs(ctx, []string{string(mint)})
	if err != nil {
		return dsPair{}, false, err
	}
	var best dsPair
	found := false
	for _, p := range pairs {
		if solana.Pubkey(p.BaseToken.Address) != mint {
			continue
		}
		if !found || p.Liquidity.USD > best.Liquidity.USD {
			best, found = p, true
		}
	}
	return best, found, nil
}
