// Package datasource fetches pools and prices from public Solana market-data
// APIs and feeds them into the scanner and the price aggregator.
package datasource

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-trading/dexsentry/internal/solana"
)

// ErrNotFound is returned when an API has no data for the requested token.
var ErrNotFound = errors.New("not found")

// RawToken is one side of a pool as reported by a source.
type RawToken struct {
	Mint     solana.Pubkey
	Symbol   string
	Name     string
	Decimals uint8
}

// RawPool is a pool as reported by a source, before normalization.
type RawPool struct {
	Address      solana.Pubkey
	DEX          string
	Source       string
	TokenA       RawToken
	TokenB       RawToken
	PriceUSD     float64 // price of TokenA in USD, 0 if unknown
	PriceNative  float64 // price of TokenA in TokenB, 0 if unknown
	LiquidityUSD float64
	Volume24hUSD float64
	// PriceImpactPct is the impact of a $1000 trade; 0 means the source
	// does not report it.
	PriceImpactPct float64
	CreatedAt      time.Time
}

// PoolSource lists pools.
type PoolSource interface {
	Name() string
	FetchPools(ctx context.Context) ([]RawPool, error)
}

// PriceSource quotes a USD price with the source's confidence in [0,1].
// ok is false when the source has no price for mint.
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context, mint solana.Pubkey) (price, confidence float64, ok bool, err error)
}

// Source provides both pools and prices.
type Source interface {
	PoolSource
	PriceSource
}

// SymbolLookup resolves a mint to its ticker symbol.
type SymbolLookup interface {
	LookupSymbol(ctx context.Context, mint solana.Pubkey) (string, error)
}

// ReferenceTradeUSD is the trade size price impact is quoted for.
const ReferenceTradeUSD = 1000.0

// EstimatePriceImpact approximates the impact of a ReferenceTradeUSD trade
// against a constant-product pool holding liquidityUSD in total.
func EstimatePriceImpact(liquidityUSD float64) float64 {
	if liquidityUSD <= 0 {
		return 100
	}
	return ReferenceTradeUSD / (liquidityUSD/2 + ReferenceTradeUSD) * 100
}
