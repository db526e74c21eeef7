package scanner

import (
	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/market"
)

// Normalize converts a source's raw pool into the canonical record. It
// returns false for pools that cannot be traded: missing addresses, a pool
// quoting a token against itself, or negative liquidity or volume.
//
// A missing price impact is estimated from liquidity. TokenB's USD price is
// derived from TokenA's USD and native prices when both are known.
func Normalize(raw datasource.RawPool) (market.PoolRecord, bool) {
	if raw.Address == "" || raw.TokenA.Mint == "" || raw.TokenB.Mint == "" {
		return market.PoolRecord{}, false
	}
	if raw.TokenA.Mint == raw.TokenB.Mint {
		return market.PoolRecord{}, false
	}
	if raw.LiquidityUSD < 0 || raw.Volume24hUSD < 0 {
		return market.PoolRecord{}, false
	}

	rec := market.PoolRecord{
		Address:       raw.Address,
		DEX:           raw.DEX,
		Source:        raw.Source,
		TokenA:        market.TokenRef{Mint: raw.TokenA.Mint, Symbol: raw.TokenA.Symbol, Decimals: raw.TokenA.Decimals},
		TokenB:        market.TokenRef{Mint: raw.TokenB.Mint, Symbol: raw.TokenB.Symbol, Decimals: raw.TokenB.Decimals},
		LiquidityUSD:  raw.LiquidityUSD,
		Volume24hUSD:  raw.Volume24hUSD,
		PriceImpact1k: raw.PriceImpactPct,
		CreatedAt:     raw.CreatedAt,
	}
	if rec.PriceImpact1k <= 0 {
		rec.PriceImpact1k = datasource.EstimatePriceImpact(rec.LiquidityUSD)
	}
	if raw.PriceUSD > 0 {
		rec.TokenA.PriceUSD = raw.PriceUSD
		if raw.PriceNative > 0 {
			rec.TokenB.PriceUSD = raw.PriceUSD / raw.PriceNative
		}
	}
	return rec, true
}
