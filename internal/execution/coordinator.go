package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// Wallet supplies signers and balance checks for the coordinator.
type Wallet interface {
	IsAvailable(name string, amountSOL float64) bool
	Signer(name string) (Signer, error)
}

// CoordinatorConfig tunes pre-submit validation.
type CoordinatorConfig struct {
	Mode               market.TradingMode
	WalletName         string
	MaxSlippageBps     float64
	MinPriceConfidence float64
	// MaxDeviationPct is the largest disagreement between price sources
	// tolerated at execution time.
	MaxDeviationPct float64
	QuoteTimeout    time.Duration
	SubmitTimeout   time.Duration
	FeeReserveSOL   float64
}

// DefaultCoordinatorConfig returns simulation-mode defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Mode:               market.ModeSimulation,
		WalletName:         "main",
		MaxSlippageBps:     100,
		MinPriceConfidence: 0.5,
		MaxDeviationPct:    0.5,
		QuoteTimeout:       3 * time.Second,
		SubmitTimeout:      10 * time.Second,
		FeeReserveSOL:      0.01,
	}
}

// Coordinator drives one admitted opportunity through quote, price
// re-validation, submission and confirmation. Every attempt that reaches
// the state machine yields exactly one TradeResult in History.
type Coordinator struct {
	config  CoordinatorConfig
	swap    SwapService
	prices  PriceLookup
	wallet  Wallet
	monitor *Monitor
	history History
	clock   Clock

	mu       sync.Mutex
	recorded map[string]struct{} // trade IDs and signatures with a result

	attempts  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	stale     atomic.Int64
	slipped   atomic.Int64
}

// NewCoordinator wires a coordinator. Simulated swap services are accepted
// only in simulation and paper modes, and those modes accept nothing else.
func NewCoordinator(
	config CoordinatorConfig,
	swap SwapService,
	prices PriceLookup,
	wallet Wallet,
	monitor *Monitor,
	history History,
) (*Coordinator, error) {
	if swap == nil || prices == nil || monitor == nil || history == nil {
		return nil, fmt.Errorf("%w: coordinator requires swap, prices, monitor and history", market.ErrConfigInvalid)
	}
	_, simulated := swap.(*SimulatedSwapService)
	switch {
	case config.Mode == market.ModeLive && simulated:
		return nil, fmt.Errorf("%w: simulated swap service in live mode", market.ErrConfigInvalid)
	case config.Mode.IsSimulated() && !simulated:
		return nil, fmt.Errorf("%w: %s mode requires the simulated swap service", market.ErrConfigInvalid, config.Mode)
	case config.Mode == market.ModeLive && wallet == nil:
		return nil, fmt.Errorf("%w: live mode requires a wallet", market.ErrConfigInvalid)
	}

	d := DefaultCoordinatorConfig()
	if config.WalletName == "" {
		config.WalletName = d.WalletName
	}
	if config.MaxSlippageBps <= 0 {
		config.MaxSlippageBps = d.MaxSlippageBps
	}
	if config.MaxDeviationPct <= 0 {
		config.MaxDeviationPct = d.MaxDeviationPct
	}
	if config.QuoteTimeout <= 0 {
		config.QuoteTimeout = d.QuoteTimeout
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = d.SubmitTimeout
	}

	return &Coordinator{
		config:   config,
		swap:     swap,
		prices:   prices,
		wallet:   wallet,
		monitor:  monitor,
		history:  history,
		clock:    monitor.clock,
		recorded: make(map[string]struct{}),
	}, nil
}

// Mode returns the trading mode.
func (c *Coordinator) Mode() market.TradingMode { return c.config.Mode }

// legs picks the funding token and the token to buy. Quote-side mints get
// their decimals from the static table; the bought token otherwise keeps
// whatever the pool record carries, which is zero when no source reported
// it.
func legs(pool market.PoolRecord) (in, out market.TokenRef, ok bool) {
	switch {
	case isQuote(pool.TokenB.Mint):
		in, out, ok = pool.TokenB, pool.TokenA, pool.TokenA.Mint != pool.TokenB.Mint
	case isQuote(pool.TokenA.Mint):
		in, out, ok = pool.TokenA, pool.TokenB, true
	default:
		// Neither side is a quote token; fund from SOL.
		in, out, ok = market.TokenRef{Mint: solana.SOLMint, Symbol: "SOL"}, pool.TokenA, true
	}
	in.Decimals, _ = solana.QuoteDecimals(in.Mint)
	if d, quote := solana.QuoteDecimals(out.Mint); quote {
		out.Decimals = d
	}
	return in, out, ok
}

func isQuote(mint solana.Pubkey) bool {
	_, ok := solana.QuoteDecimals(mint)
	return ok
}

// Execute runs the trade lifecycle for an approved opportunity. The
// returned error wraps market.ErrStaleData, ErrValidationRejected,
// ErrExecutionFailed or ErrExecutionTimeout; the TradeResult is returned
// in every case where the attempt entered the state machine.
func (c *Coordinator) Execute(ctx context.Context, opp market.Opportunity, decision risk.Decision) (market.TradeResult, error) {
	if !decision.Approved {
		return market.TradeResult{}, market.Reject(decision.Reasons...)
	}
	c.attempts.Add(1)

	now := c.clock.Now()
	trade := NewTrade(uuid.NewString(), opp.ID, now)
	result := market.TradeResult{
		ID:            trade.ID,
		OpportunityID: opp.ID,
		Mode:          string(c.config.Mode),
		SizeUSD:       decision.SizeUSD,
		CreatedAt:     now,
	}

	if opp.Expired(now) {
		return c.fail(ctx, trade, result, market.ErrValidationRejected, "OPPORTUNITY_EXPIRED:age=%s", now.Sub(opp.DetectedAt))
	}

	inTok, outTok, ok := legs(opp.Pool)
	if !ok {
		return c.fail(ctx, trade, result, market.ErrValidationRejected, "NO_FUNDING_LEG:pool=%s", opp.Pool.Address)
	}
	result.InputMint, result.OutputMint = inTok.Mint, outTok.Mint
	// The slippage check reads the quote in the bought token's base units.
	if outTok.Decimals == 0 {
		c.stale.Add(1)
		return c.fail(ctx, trade, result, market.ErrStaleData, "UNKNOWN_DECIMALS:token=%s", outTok.Mint)
	}

	// Quoting.
	inPrice, ok := c.prices.GetValidated(inTok.Mint)
	if !ok {
		c.stale.Add(1)
		return c.fail(ctx, trade, result, market.ErrStaleData, "STALE_PRICE:token=%s", inTok.Mint)
	}
	amountIn := uint64(decision.SizeUSD / inPrice.PriceUSD * math.Pow10(int(inTok.Decimals)))
	if amountIn == 0 {
		return c.fail(ctx, trade, result, market.ErrValidationRejected, "ZERO_AMOUNT:size_usd=%.2f", decision.SizeUSD)
	}
	result.InputAmount = amountIn

	if c.wallet != nil {
		need := c.config.FeeReserveSOL
		if inTok.Mint == solana.SOLMint {
			need += float64(amountIn) / solana.LamportsPerSOL
		}
		if !c.wallet.IsAvailable(c.config.WalletName, need) {
			return c.fail(ctx, trade, result, market.ErrValidationRejected, "INSUFFICIENT_FUNDS:need_sol=%.4f", need)
		}
	}

	qctx, cancel := context.WithTimeout(ctx, c.config.QuoteTimeout)
	quote, err := c.swap.Quote(qctx, QuoteRequest{
		InMint:         inTok.Mint,
		OutMint:        outTok.Mint,
		Amount:         amountIn,
		InDecimals:     inTok.Decimals,
		OutDecimals:    outTok.Decimals,
		MaxSlippageBps: int(c.config.MaxSlippageBps),
	})
	cancel()
	if err != nil {
		if errors.Is(err, market.ErrStaleData) {
			c.stale.Add(1)
			return c.fail(ctx, trade, result, market.ErrStaleData, "QUOTE_FAILED:%v", err)
		}
		return c.fail(ctx, trade, result, market.ErrExecutionFailed, "QUOTE_FAILED:%v", err)
	}

	// Re-validate prices after the quote; nothing older than the staleness
	// window may back the submission.
	inVP, outVP, reason := c.validatePrices(inTok.Mint, outTok.Mint)
	if reason != "" {
		c.stale.Add(1)
		return c.fail(ctx, trade, result, market.ErrStaleData, "%s", reason)
	}

	slippage := slippageBps(quote, inTok.Decimals, outTok.Decimals, inVP.PriceUSD, outVP.PriceUSD)
	result.SlippageBps = slippage
	result.EntryPriceUSD = outVP.PriceUSD
	result.OutputAmount = quote.OutAmount
	if slippage > c.config.MaxSlippageBps {
		c.slipped.Add(1)
		return c.fail(ctx, trade, result, market.ErrValidationRejected,
			"SLIPPAGE_EXCEEDED:bps=%.1f,max=%.1f", slippage, c.config.MaxSlippageBps)
	}
	if err := trade.Transition(EventQuoteValidated, nil, c.clock.Now()); err != nil {
		return result, err
	}

	// Sign and submit.
	var signer Signer
	if c.wallet != nil {
		signer, err = c.wallet.Signer(c.config.WalletName)
		if err != nil {
			return c.fail(ctx, trade, result, market.ErrExecutionFailed, "SIGNER_UNAVAILABLE:%v", err)
		}
	}
	sctx, cancel := context.WithTimeout(ctx, c.config.SubmitTimeout)
	sub, err := c.swap.Execute(sctx, quote, signer)
	cancel()
	if err != nil {
		return c.fail(ctx, trade, result, market.ErrExecutionFailed, "SUBMIT_FAILED:%v", err)
	}
	if err := trade.Transition(EventSubmit, sub.Signature, c.clock.Now()); err != nil {
		return result, err
	}
	result.Signature = sub.Signature

	// Confirmation.
	outcome, err := c.monitor.Await(ctx, sub.Signature)
	if err != nil {
		// Fate unknown. Treated like a timeout so it is never resubmitted.
		c.timedOut.Add(1)
		return c.finish(ctx, trade, result, EventTimeout,
			fmt.Errorf("%w: status unknown for %s: %w", market.ErrExecutionTimeout, sub.Signature, err),
			fmt.Sprintf("STATUS_UNKNOWN:%v", err))
	}
	result.FeeLamports = outcome.Status.FeeLamports

	switch outcome.State {
	case StateConfirmed:
		c.succeeded.Add(1)
		return c.finish(ctx, trade, result, EventConfirm, nil, "")
	case StateFinalized:
		c.succeeded.Add(1)
		return c.finish(ctx, trade, result, EventFinalize, nil, "")
	case StateTimeout:
		c.timedOut.Add(1)
		return c.finish(ctx, trade, result, EventTimeout,
			fmt.Errorf("%w: %s after %s", market.ErrExecutionTimeout, sub.Signature, outcome.Elapsed),
			fmt.Sprintf("CONFIRMATION_TIMEOUT:elapsed=%s", outcome.Elapsed))
	default:
		c.failed.Add(1)
		reason := fmt.Sprintf("TX_FAILED:%s", outcome.Status.Err)
		return c.finish(ctx, trade, result, EventFail,
			fmt.Errorf("%w: %s", market.ErrExecutionFailed, reason), reason)
	}
}

// validatePrices re-pulls both legs and applies the confidence and
// consensus checks. A non-empty reason means the trade must not proceed.
func (c *Coordinator) validatePrices(in, out solana.Pubkey) (market.ValidatedPrice, market.ValidatedPrice, string) {
	var vps [2]market.ValidatedPrice
	for i, token := range []solana.Pubkey{in, out} {
		vp, ok := c.prices.GetValidated(token)
		if !ok {
			return vps[0], vps[1], fmt.Sprintf("STALE_PRICE:token=%s", token)
		}
		if vp.Confidence < c.config.MinPriceConfidence {
			return vps[0], vps[1], fmt.Sprintf("LOW_PRICE_CONFIDENCE:token=%s,conf=%.2f,min=%.2f",
				token, vp.Confidence, c.config.MinPriceConfidence)
		}
		if vp.MaxDeviationPct > c.config.MaxDeviationPct {
			return vps[0], vps[1], fmt.Sprintf("PRICE_DISAGREEMENT:token=%s,dev=%.3f%%,max=%.3f%%",
				token, vp.MaxDeviationPct, c.config.MaxDeviationPct)
		}
		vps[i] = vp
	}
	return vps[0], vps[1], ""
}

// slippageBps compares the quoted output against the output implied by
// validated prices. Positive means the quote is worse than fair value.
func slippageBps(q Quote, inDec, outDec uint8, inPrice, outPrice float64) float64 {
	if outPrice <= 0 {
		return math.Inf(1)
	}
	inUnits := float64(q.InAmount) / math.Pow10(int(inDec))
	expected := inUnits * inPrice / outPrice
	if expected <= 0 {
		return math.Inf(1)
	}
	quoted := float64(q.OutAmount) / math.Pow10(int(outDec))
	return (expected - quoted) / expected * 10_000
}

func (c *Coordinator) fail(ctx context.Context, trade *Trade, result market.TradeResult, kind error, format string, args ...any) (market.TradeResult, error) {
	reason := fmt.Sprintf(format, args...)
	c.failed.Add(1)
	var err error
	if errors.Is(kind, market.ErrValidationRejected) {
		err = market.Reject(reason)
	} else {
		err = fmt.Errorf("%w: %s", kind, reason)
	}
	return c.finish(ctx, trade, result, EventFail, err, reason)
}

// finish drives the terminal transition and appends the result once.
func (c *Coordinator) finish(ctx context.Context, trade *Trade, result market.TradeResult, event TradeEvent, cause error, reason string) (market.TradeResult, error) {
	var data any
	if reason != "" {
		data = reason
	}
	if err := trade.Transition(event, data, c.clock.Now()); err != nil {
		return result, fmt.Errorf("terminal transition: %w", err)
	}

	result.State = string(trade.GetState())
	result.Success = trade.GetState().Succeeded()
	result.Error = reason

	if !c.markRecorded(trade.ID, result.Signature) {
		log.Warn().Str("trade_id", trade.ID).Str("signature", string(result.Signature)).
			Msg("coordinator: duplicate result suppressed")
		return result, cause
	}
	if err := c.history.Append(ctx, result); err != nil {
		log.Error().Err(err).Str("trade_id", trade.ID).Msg("coordinator: history append failed")
	}

	ev := log.Info()
	if !result.Success {
		ev = log.Warn()
	}
	ev.Str("trade_id", trade.ID).
		Str("opportunity_id", result.OpportunityID).
		Str("mode", result.Mode).
		Str("state", result.State).
		Str("signature", string(result.Signature)).
		Float64("size_usd", result.SizeUSD).
		Float64("slippage_bps", result.SlippageBps).
		Str("reason", reason).
		Msg("coordinator: trade finished")

	return result, cause
}

// markRecorded reports whether this is the first result for the trade and
// its signature.
func (c *Coordinator) markRecorded(tradeID string, sig solana.Signature) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.recorded[tradeID]; dup {
		return false
	}
	if sig != "" {
		key := "sig:" + string(sig)
		if _, dup := c.recorded[key]; dup {
			return false
		}
		c.recorded[key] = struct{}{}
	}
	c.recorded[tradeID] = struct{}{}
	return true
}

// CoordinatorStats reports execution outcomes.
type CoordinatorStats struct {
	Mode      string `json:"mode"`
	Attempts  int64  `json:"attempts"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	TimedOut  int64  `json:"timed_out"`
	Stale     int64  `json:"stale_price_aborts"`
	Slippage  int64  `json:"slippage_aborts"`
}

func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Mode:      string(c.config.Mode),
		Attempts:  c.attempts.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		TimedOut:  c.timedOut.Load(),
		Stale:     c.stale.Load(),
		Slippage:  c.slipped.Load(),
	}
}
