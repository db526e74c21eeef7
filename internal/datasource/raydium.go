package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-trading/dexsentry/internal/solana"
)

const raydiumPoolsPath = "/pools/info/list?poolType=all&poolSortField=default&sortType=desc&pageSize=100&page=1"

// Raydium reads the Raydium v3 API.
type Raydium struct {
	client     *HTTPClient
	confidence float64
}

// NewRaydium creates a Raydium source.
func NewRaydium(client *HTTPClient, confidence float64) *Raydium {
	if confidence <= 0 {
		confidence = 0.7
	}
	return &Raydium{client: client, confidence: confidence}
}

func (r *Raydium) Name() string { return "raydium" }

type rayMint struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

type rayPool struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ProgramID string    `json:"programId"`
	MintA     rayMint   `json:"mintA"`
	MintB     rayMint   `json:"mintB"`
	Price     FlexFloat `json:"price"` // MintA in MintB
	TVL       FlexFloat `json:"tvl"`
	Day       struct {
		Volume FlexFloat `json:"volume"`
	} `json:"day"`
	OpenTime FlexFloat `json:"openTime"` // unix seconds
}

type rayPoolList struct {
	Success bool `json:"success"`
	Data    struct {
		Count int       `json:"count"`
		Data  []rayPool `json:"data"`
	} `json:"data"`
}

// FetchPools lists the first page of Raydium pools.
func (r *Raydium) FetchPools(ctx context.Context) ([]RawPool, error) {
	var resp rayPoolList
	if err := r.client.GetJSON(ctx, raydiumPoolsPath, &resp); err != nil {
		return nil, fmt.Errorf("raydium pools: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("raydium pools: api reported failure")
	}

	pools := make([]RawPool, 0, len(resp.Data.Data))
	for _, p := range resp.Data.Data {
		if p.ID == "" || p.MintA.Address == "" || p.MintB.Address == "" {
			continue
		}
		pool := RawPool{
			Address:      solana.Pubkey(p.ID),
			DEX:          raydiumDEX(p),
			Source:       r.Name(),
			TokenA:       RawToken{Mint: solana.Pubkey(p.MintA.Address), Symbol: p.MintA.Symbol, Name: p.MintA.Name, Decimals: p.MintA.Decimals},
			TokenB:       RawToken{Mint: solana.Pubkey(p.MintB.Address), Symbol: p.MintB.Symbol, Name: p.MintB.Name, Decimals: p.MintB.Decimals},
			PriceNative:  p.Price.Float(),
			LiquidityUSD: p.TVL.Float(),
			Volume24hUSD: p.Day.Volume.Float(),
		}
		if ts := int64(p.OpenTime.Float()); ts > 0 {
			pool.CreatedAt = time.Unix(ts, 0)
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func raydiumDEX(p rayPool) string {
	if p.Type == "" {
		return "raydium"
	}
	return "raydium-" + p.Type
}

type rayPriceResponse struct {
	Success bool                 `json:"success"`
	Data    map[string]FlexFloat `json:"data"`
}

// FetchPrice reads the Raydium mint price endpoint.
func (r *Raydium) FetchPrice(ctx context.Context, mint solana.Pubkey) (float64, float64, bool, error) {
	var resp rayPriceResponse
	if err := r.client.GetJSON(ctx, "/mint/price?mints="+string(mint), &resp); err != nil {
		return 0, 0, false, fmt.Errorf("raydium price: %w", err)
	}
	price, ok := resp.Data[string(mint)]
	if !ok || price <= 0 {
		return 0, 0, false, nil
	}
	return price.Float(), r.confidence, true, nil
}
