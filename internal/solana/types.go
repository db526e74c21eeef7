package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// PubkeyLen is the decoded length of an ed25519 public key.
const PubkeyLen = 32

// ParsePubkey validates s as a base58-encoded 32-byte key.
func ParsePubkey(s string) (Pubkey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode pubkey %q: %w", s, err)
	}
	if len(raw) != PubkeyLen {
		return "", fmt.Errorf("pubkey %q: want %d bytes, got %d", s, PubkeyLen, len(raw))
	}
	return Pubkey(s), nil
}

// IsValid reports whether p decodes to a 32-byte key.
func (p Pubkey) IsValid() bool {
	_, err := ParsePubkey(string(p))
	return err == nil
}

// Short returns the first four characters, used for placeholder symbols.
func (p Pubkey) Short() string {
	if len(p) <= 4 {
		return string(p)
	}
	return string(p[:4])
}

// ---------------------------------------------------------------------------
// Transaction status
// ---------------------------------------------------------------------------

// TxStatus is the commitment state reported for a signature.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFinalized TxStatus = "finalized"
	TxFailed    TxStatus = "failed"
)

// IsTerminal reports whether no further polling is needed.
func (s TxStatus) IsTerminal() bool {
	return s == TxConfirmed || s == TxFinalized || s == TxFailed
}

// SignatureStatus is the result of a single status query.
type SignatureStatus struct {
	Signature   Signature `json:"signature"`
	Status      TxStatus  `json:"status"`
	Slot        uint64    `json:"slot,omitempty"`
	FeeLamports uint64    `json:"fee_lamports,omitempty"`
	Err         string    `json:"err,omitempty"`
}

// Well-known mints.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint Pubkey = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// DEX program IDs watched for pool initialization.
const (
	RaydiumAMMProgram    Pubkey = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	OrcaWhirlpoolProgram Pubkey = "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"
)

// LamportsPerSOL converts between lamports and SOL.
const LamportsPerSOL = 1_000_000_000

var quoteDecimals = map[Pubkey]uint8{
	SOLMint:  9,
	USDCMint: 6,
	USDTMint: 6,
}

// QuoteDecimals returns the decimals of a quote-side mint (SOL, USDC,
// USDT). ok is false for any other mint.
func QuoteDecimals(mint Pubkey) (uint8, bool) {
	d, ok := quoteDecimals[mint]
	return d, ok
}
