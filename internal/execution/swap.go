package execution

import (
	"context"
	"time"

	"github.com/nexus-trading/dexsentry/internal/solana"
)

// QuoteRequest asks a swap venue for a route.
type QuoteRequest struct {
	InMint         solana.Pubkey
	OutMint        solana.Pubkey
	Amount         uint64 // smallest unit of InMint
	InDecimals     uint8
	OutDecimals    uint8
	MaxSlippageBps int
}

// Quote is a venue's answer to a QuoteRequest.
type Quote struct {
	InMint         solana.Pubkey
	OutMint        solana.Pubkey
	InAmount       uint64
	OutAmount      uint64
	MinOutAmount   uint64
	PriceImpactPct float64
	SlippageBps    int
	Route          []string
	ReceivedAt     time.Time

	// Raw is the venue payload needed to build the transaction.
	Raw []byte
}

// Submission is the handle returned once a transaction is on the wire.
type Submission struct {
	Signature            solana.Signature
	SubmittedAt          time.Time
	LastValidBlockHeight uint64
}

// Signer signs serialized transactions for one wallet.
type Signer interface {
	PublicKey() solana.Pubkey
	// SignTransaction takes a base64 unsigned transaction and returns it
	// base64-encoded with the wallet signature applied.
	SignTransaction(ctx context.Context, txBase64 string) (string, error)
}

// SwapService quotes and executes swaps.
type SwapService interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	Execute(ctx context.Context, quote Quote, signer Signer) (Submission, error)
}

// StatusSource reports the on-chain status of a submitted signature.
type StatusSource interface {
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (solana.SignatureStatus, error)
}
