package solana

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the subset of Solana JSON-RPC the engine needs.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// SendTransaction submits a signed, base64-encoded transaction.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// GetSignatureStatus reports the commitment state of a signature.
	GetSignatureStatus(ctx context.Context, sig Signature) (SignatureStatus, error)

	// GetBalance returns the lamport balance of an account.
	GetBalance(ctx context.Context, account Pubkey) (uint64, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	WSEndpoint   string        `yaml:"ws_endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		WSEndpoint:   "wss://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is a scripted RPC client. Each signature walks through the
// statuses queued for it; once the queue is drained the last status repeats.
type StubRPCClient struct {
	mu        sync.Mutex
	statuses  map[Signature][]TxStatus
	balances  map[Pubkey]uint64
	sent      []string
	failNext  int
	nextSig   int
	queries   int
	defStatus TxStatus
}

// NewStubRPCClient creates a stub RPC client whose transactions confirm
// on the first status query unless scripted otherwise.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		statuses:  make(map[Signature][]TxStatus),
		balances:  make(map[Pubkey]uint64),
		defStatus: TxConfirmed,
	}
}

// ScriptStatus queues the statuses returned for sig, in order.
func (s *StubRPCClient) ScriptStatus(sig Signature, statuses ...TxStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sig] = append(s.statuses[sig], statuses...)
}

// SetDefaultStatus sets the status reported for unscripted signatures.
func (s *StubRPCClient) SetDefaultStatus(st TxStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defStatus = st
}

// SetBalance sets the lamport balance for an account.
func (s *StubRPCClient) SetBalance(account Pubkey, lamports uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = lamports
}

// SetFailNext makes the next n calls return a transport error.
func (s *StubRPCClient) SetFailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Queries returns how many status queries were served.
func (s *StubRPCClient) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Sent returns the transactions submitted so far.
func (s *StubRPCClient) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *StubRPCClient) shouldFail() bool {
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string) (Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return "", fmt.Errorf("stub: send transaction failed")
	}
	s.nextSig++
	s.sent = append(s.sent, txBase64)
	return Signature(fmt.Sprintf("stub-sig-%d", s.nextSig)), nil
}

func (s *StubRPCClient) GetSignatureStatus(_ context.Context, sig Signature) (SignatureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.shouldFail() {
		return SignatureStatus{}, fmt.Errorf("stub: status query failed")
	}

	status := s.defStatus
	if queue, ok := s.statuses[sig]; ok && len(queue) > 0 {
		status = queue[0]
		if len(queue) > 1 {
			s.statuses[sig] = queue[1:]
		}
	}

	out := SignatureStatus{Signature: sig, Status: status, FeeLamports: 5000}
	if status == TxFailed {
		out.Err = "InstructionError"
	}
	return out, nil
}

func (s *StubRPCClient) GetBalance(_ context.Context, account Pubkey) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return 0, fmt.Errorf("stub: balance query failed")
	}
	return s.balances[account], nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	return nil
}
