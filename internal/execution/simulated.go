package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// Quoter is the quote half of a SwapService.
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// PriceLookup returns a validated price for a token.
type PriceLookup interface {
	GetValidated(token solana.Pubkey) (market.ValidatedPrice, bool)
}

// SimulatedSwapService is a TEST DOUBLE. It never touches the network for
// execution: Execute returns a synthetic signature whose status is
// answered by GetSignatureStatus. The coordinator accepts it only in
// simulation and paper modes.
//
// Quotes come from Quoter when set (paper mode: real routes, fake fills)
// or are synthesized from validated prices with SlippageBps applied.
type SimulatedSwapService struct {
	Prices      PriceLookup
	Quoter      Quoter
	SlippageBps float64
	FeeLamports uint64
	// Outcome is the status reported for every simulated submission.
	Outcome solana.TxStatus

	mu       sync.Mutex
	statuses map[solana.Signature]solana.SignatureStatus
	seq      atomic.Int64
	executed atomic.Int64
}

// NewSimulatedSwapService creates a double that confirms every swap.
func NewSimulatedSwapService(prices PriceLookup, slippageBps float64) *SimulatedSwapService {
	log.Warn().
		Float64("slippage_bps", slippageBps).
		Msg("simulated swap service in use: no transaction will reach the network")
	return &SimulatedSwapService{
		Prices:      prices,
		SlippageBps: slippageBps,
		FeeLamports: 5000,
		Outcome:     solana.TxConfirmed,
		statuses:    make(map[solana.Signature]solana.SignatureStatus),
	}
}

// Quote returns a route from Quoter, or a synthetic one priced off the
// validated prices of both legs.
func (s *SimulatedSwapService) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if s.Quoter != nil {
		return s.Quoter.Quote(ctx, req)
	}
	if s.Prices == nil {
		return Quote{}, fmt.Errorf("simulated quote: no price lookup")
	}
	in, ok := s.Prices.GetValidated(req.InMint)
	if !ok {
		return Quote{}, fmt.Errorf("simulated quote: %w: %s", market.ErrStaleData, req.InMint)
	}
	out, ok := s.Prices.GetValidated(req.OutMint)
	if !ok {
		return Quote{}, fmt.Errorf("simulated quote: %w: %s", market.ErrStaleData, req.OutMint)
	}

	inUnits := float64(req.Amount) / math.Pow10(int(req.InDecimals))
	outUnits := inUnits * in.PriceUSD / out.PriceUSD * (1 - s.SlippageBps/10_000)
	outAmount := uint64(outUnits * math.Pow10(int(req.OutDecimals)))
	minOut := uint64(float64(outAmount) * (1 - float64(req.MaxSlippageBps)/10_000))

	return Quote{
		InMint:       req.InMint,
		OutMint:      req.OutMint,
		InAmount:     req.Amount,
		OutAmount:    outAmount,
		MinOutAmount: minOut,
		SlippageBps:  req.MaxSlippageBps,
		Route:        []string{"simulated"},
		ReceivedAt:   time.Now(),
	}, nil
}

// Execute records a synthetic submission. The signer is not used.
func (s *SimulatedSwapService) Execute(_ context.Context, quote Quote, _ Signer) (Submission, error) {
	if quote.InAmount == 0 {
		return Submission{}, fmt.Errorf("simulated execute: empty quote")
	}
	sig := solana.Signature(fmt.Sprintf("sim-%d", s.seq.Add(1)))
	status := solana.SignatureStatus{
		Signature:   sig,
		Status:      s.Outcome,
		FeeLamports: s.FeeLamports,
	}
	if s.Outcome == solana.TxFailed {
		status.Err = "simulated failure"
	}

	s.mu.Lock()
	s.statuses[sig] = status
	s.mu.Unlock()
	s.executed.Add(1)

	return Submission{Signature: sig, SubmittedAt: time.Now()}, nil
}

// GetSignatureStatus answers for signatures issued by Execute. Unknown
// signatures stay pending.
func (s *SimulatedSwapService) GetSignatureStatus(_ context.Context, sig solana.Signature) (solana.SignatureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[sig]; ok {
		return st, nil
	}
	return solana.SignatureStatus{Signature: sig, Status: solana.TxPending}, nil
}

// Executed returns the number of simulated submissions.
func (s *SimulatedSwapService) Executed() int64 { return s.executed.Load() }
