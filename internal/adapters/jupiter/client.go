// Package jupiter implements execution.SwapService over the Jupiter v6
// quote and swap API.
package jupiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/execution"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("jupiter: circuit breaker open")

// Config configures the client.
type Config struct {
	BaseURL                  string        `yaml:"base_url"`
	RateLimitRPS             float64       `yaml:"rate_limit_rps"`
	Timeout                  time.Duration `yaml:"timeout"`
	MaxRetries               int           `yaml:"max_retries"`
	PriorityFeeMicroLamports uint64        `yaml:"priority_fee_micro_lamports"`
	OnlyDirectRoutes         bool          `yaml:"only_direct_routes"`
	BreakerThreshold         int           `yaml:"breaker_threshold"`
	BreakerCooldown          time.Duration `yaml:"breaker_cooldown"`
}

// DefaultConfig targets the public v6 endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "https://quote-api.jup.ag/v6",
		RateLimitRPS:     10,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Client quotes through Jupiter, builds the swap transaction with Jupiter,
// signs it with the caller's signer and submits it over RPC.
type Client struct {
	config Config
	http   *datasource.HTTPClient
	rpc    solana.RPCClient
	now    func() time.Time

	mu            sync.Mutex
	consecutive   int
	openUntil     time.Time
	breakerTrips  int64
	lastLatencyMs int64

	quotes atomic.Int64
	swaps  atomic.Int64
	errors atomic.Int64
}

var _ execution.SwapService = (*Client)(nil)

// NewClient creates a client. rpc is only needed for Execute.
func NewClient(config Config, rpc solana.RPCClient) *Client {
	d := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = d.BaseURL
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = d.BreakerThreshold
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = d.BreakerCooldown
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	return &Client{
		config: config,
		http: datasource.NewHTTPClient("jupiter-swap", datasource.HTTPConfig{
			BaseURL:      config.BaseURL,
			RateLimitRPS: config.RateLimitRPS,
			Timeout:      config.Timeout,
			MaxRetries:   config.MaxRetries,
		}),
		rpc: rpc,
		now: time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *Client) SetClock(now func() time.Time) { c.now = now }

// ---------------------------------------------------------------------------
// Quote API
// ---------------------------------------------------------------------------

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
	SlippageBps          int    `json:"slippageBps"`
	RoutePlan            []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey string `json:"ammKey"`
			Label  string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
	ContextSlot uint64 `json:"contextSlot"`
}

// Quote fetches the best route. The raw Jupiter response is kept on the
// quote for Execute.
func (c *Client) Quote(ctx context.Context, req execution.QuoteRequest) (execution.Quote, error) {
	if err := c.allow(); err != nil {
		return execution.Quote{}, err
	}
	if req.Amount == 0 {
		return execution.Quote{}, fmt.Errorf("jupiter: quote amount is zero")
	}

	q := url.Values{}
	q.Set("inputMint", string(req.InMint))
	q.Set("outputMint", string(req.OutMint))
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.MaxSlippageBps))
	q.Set("onlyDirectRoutes", strconv.FormatBool(c.config.OnlyDirectRoutes))

	start := c.now()
	var raw json.RawMessage
	if err := c.http.GetJSON(ctx, "/quote?"+q.Encode(), &raw); err != nil {
		c.recordError()
		return execution.Quote{}, fmt.Errorf("jupiter quote %s->%s: %w", req.InMint.Short(), req.OutMint.Short(), err)
	}

	var resp quoteResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return execution.Quote{}, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	quote, err := toQuote(resp, raw)
	if err != nil {
		return execution.Quote{}, err
	}
	quote.ReceivedAt = c.now()
	c.recordSuccess(quote.ReceivedAt.Sub(start))
	c.quotes.Add(1)

	log.Debug().
		Str("in", req.InMint.Short()).
		Str("out", req.OutMint.Short()).
		Uint64("in_amount", quote.InAmount).
		Uint64("out_amount", quote.OutAmount).
		Float64("price_impact_pct", quote.PriceImpactPct).
		Msg("jupiter: quote received")
	return quote, nil
}

func toQuote(resp quoteResponse, raw []byte) (execution.Quote, error) {
	in, err := strconv.ParseUint(resp.InAmount, 10, 64)
	if err != nil {
		return execution.Quote{}, fmt.Errorf("jupiter: inAmount %q: %w", resp.InAmount, err)
	}
	out, err := strconv.ParseUint(resp.OutAmount, 10, 64)
	if err != nil {
		return execution.Quote{}, fmt.Errorf("jupiter: outAmount %q: %w", resp.OutAmount, err)
	}
	minOut, _ := strconv.ParseUint(resp.OtherAmountThreshold, 10, 64)
	impact, _ := strconv.ParseFloat(resp.PriceImpactPct, 64)

	route := make([]string, 0, len(resp.RoutePlan))
	for _, step := range resp.RoutePlan {
		route = append(route, step.SwapInfo.Label)
	}

	return execution.Quote{
		InMint:       solana.Pubkey(resp.InputMint),
		OutMint:      solana.Pubkey(resp.OutputMint),
		InAmount:     in,
		OutAmount:    out,
		MinOutAmount: minOut,
		// Jupiter reports impact as a fraction.
		PriceImpactPct: impact * 100,
		SlippageBps:    resp.SlippageBps,
		Route:          route,
		Raw:            raw,
	}, nil
}

// ---------------------------------------------------------------------------
// Swap API
// ---------------------------------------------------------------------------

type swapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
	DynamicComputeUnitLimit       bool            `json:"dynamicComputeUnitLimit"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Execute builds the swap transaction for quote, signs it and sends it.
func (c *Client) Execute(ctx context.Context, quote execution.Quote, signer execution.Signer) (execution.Submission, error) {
	if len(quote.Raw) == 0 {
		return execution.Submission{}, fmt.Errorf("jupiter: quote has no route payload")
	}
	if signer == nil {
		return execution.Submission{}, fmt.Errorf("jupiter: no signer")
	}
	if c.rpc == nil {
		return execution.Submission{}, fmt.Errorf("jupiter: no rpc client for submission")
	}
	if err := c.allow(); err != nil {
		return execution.Submission{}, err
	}

	var resp swapResponse
	err := c.http.PostJSON(ctx, "/swap", swapRequest{
		QuoteResponse:                 json.RawMessage(quote.Raw),
		UserPublicKey:                 string(signer.PublicKey()),
		WrapAndUnwrapSOL:              true,
		UseSharedAccounts:             true,
		ComputeUnitPriceMicroLamports: c.config.PriorityFeeMicroLamports,
		DynamicComputeUnitLimit:       true,
	}, &resp)
	if err != nil {
		c.recordError()
		return execution.Submission{}, fmt.Errorf("jupiter swap: %w", err)
	}
	if resp.SwapTransaction == "" {
		c.recordError()
		return execution.Submission{}, fmt.Errorf("jupiter: empty swap transaction")
	}

	signed, err := signer.SignTransaction(ctx, resp.SwapTransaction)
	if err != nil {
		return execution.Submission{}, fmt.Errorf("jupiter: sign: %w", err)
	}
	sig, err := c.rpc.SendTransaction(ctx, signed)
	if err != nil {
		return execution.Submission{}, fmt.Errorf("jupiter: send: %w", err)
	}
	c.swaps.Add(1)

	log.Info().
		Str("signature", string(sig)).
		Str("wallet", signer.PublicKey().Short()).
		Uint64("last_valid_block_height", resp.LastValidBlockHeight).
		Msg("jupiter: swap submitted")

	return execution.Submission{
		Signature:            sig,
		SubmittedAt:          c.now(),
		LastValidBlockHeight: resp.LastValidBlockHeight,
	}, nil
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

func (c *Client) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openUntil.IsZero() {
		return nil
	}
	if c.now().Before(c.openUntil) {
		return ErrCircuitOpen
	}
	c.openUntil = time.Time{}
	c.consecutive = 0
	log.Info().Msg("jupiter: circuit breaker reset")
	return nil
}

func (c *Client) recordError() {
	c.errors.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive++
	if c.consecutive >= c.config.BreakerThreshold && c.openUntil.IsZero() {
		c.openUntil = c.now().Add(c.config.BreakerCooldown)
		c.breakerTrips++
		log.Error().Int("errors", c.consecutive).Dur("cooldown", c.config.BreakerCooldown).Msg("jupiter: CIRCUIT BREAKER OPEN")
	}
}

func (c *Client) recordSuccess(latency time.Duration) {
	c.mu.Lock()
	c.consecutive = 0
	c.lastLatencyMs = latency.Milliseconds()
	c.mu.Unlock()
}

// Stats reports client counters.
type Stats struct {
	Quotes        int64                `json:"quotes"`
	Swaps         int64                `json:"swaps"`
	Errors        int64                `json:"errors"`
	LastLatencyMs int64                `json:"last_latency_ms"`
	CircuitOpen   bool                 `json:"circuit_open"`
	BreakerTrips  int64                `json:"breaker_trips"`
	HTTP          datasource.HTTPStats `json:"http"`
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	open := !c.openUntil.IsZero() && c.now().Before(c.openUntil)
	st := Stats{
		LastLatencyMs: c.lastLatencyMs,
		CircuitOpen:   open,
		BreakerTrips:  c.breakerTrips,
	}
	c.mu.Unlock()
	st.Quotes = c.quotes.Load()
	st.Swaps = c.swaps.Load()
	st.Errors = c.errors.Load()
	st.HTTP = c.http.Stats()
	return st
}
