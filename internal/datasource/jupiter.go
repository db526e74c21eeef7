package datasource

import (
	"context"
	"fmt"

	"github.com/nexus-trading/dexsentry/internal/solana"
)

// JupiterPrice reads the Jupiter price API. It has no pool listing.
type JupiterPrice struct {
	client     *HTTPClient
	confidence float64
}

// NewJupiterPrice creates a price-only source. client's base URL is the
// full price endpoint, e.g. https://api.jup.ag/price/v2.
func NewJupiterPrice(client *HTTPClient, confidence float64) *JupiterPrice {
	if confidence <= 0 {
		confidence = 0.9
	}
	return &JupiterPrice{client: client, confidence: confidence}
}

func (j *JupiterPrice) Name() string { return "jupiter" }

type jupPriceResponse struct {
	Data map[string]*struct {
		ID    string    `json:"id"`
		Price FlexFloat `json:"price"`
	} `json:"data"`
}

func (j *JupiterPrice) FetchPrice(ctx context.Context, mint solana.Pubkey) (float64, float64, bool, error) {
	var resp jupPriceResponse
	if err := j.client.GetJSON(ctx, "?ids="+string(mint), &resp); err != nil {
		return 0, 0, false, fmt.Errorf("jupiter price: %w", err)
	}
	entry := resp.Data[string(mint)]
	if entry == nil || entry.Price <= 0 {
		return 0, 0, false, nil
	}
	return entry.Price.Float(), j.confidence, true, nil
}

// TokenInfo is an entry of the Jupiter token list.
type TokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// JupiterTokenList fetches the verified token list.
type JupiterTokenList struct {
	client *HTTPClient
	path   string
}

// NewJupiterTokenList creates a token-list reader. client's base URL is
// the list endpoint, e.g. https://tokens.jup.ag/tokens.
func NewJupiterTokenList(client *HTTPClient) *JupiterTokenList {
	return &JupiterTokenList{client: client, path: "?tags=verified"}
}

func (l *JupiterTokenList) FetchTokens(ctx context.Context) ([]TokenInfo, error) {
	var tokens []TokenInfo
	if err := l.client.GetJSON(ctx, l.path, &tokens); err != nil {
		return nil, fmt.Errorf("jupiter token list: %w", err)
	}
	return tokens, nil
}
