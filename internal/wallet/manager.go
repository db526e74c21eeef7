// Package wallet holds signing keys and tracks their SOL balances.
package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/dexsentry/internal/execution"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownWallet = errors.New("unknown wallet")
	ErrWalletLocked  = errors.New("wallet locked")
	ErrStopped       = errors.New("wallets emergency stopped")
)

const emergencyPrefix = "EMERGENCY:"

// Manager is the key-management surface used by the execution path.
type Manager interface {
	Balance(ctx context.Context, name string) (decimal.Decimal, error)
	IsAvailable(name string, amountSOL float64) bool
	Sign(ctx context.Context, name, txBase64 string) (string, error)
	Signer(name string) (execution.Signer, error)
	Lock(name, reason string) error
	Unlock(name string) error
	EmergencyStop(reason string)
}

// Config tunes balance checks.
type Config struct {
	// ReserveSOL stays untouched in every wallet to pay fees.
	ReserveSOL      float64       `yaml:"reserve_sol"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
}

// DefaultConfig keeps 0.01 SOL in reserve and refreshes balances every 10s.
func DefaultConfig() Config {
	return Config{
		ReserveSOL:      0.01,
		RefreshInterval: 10 * time.Second,
		RPCTimeout:      5 * time.Second,
	}
}

type entry struct {
	name       string
	key        ed25519.PrivateKey
	pub        solana.Pubkey
	locked     bool
	lockReason string
	balance    decimal.Decimal
	balanceAt  time.Time
}

// LocalManager keeps ed25519 keys in memory.
type LocalManager struct {
	config Config
	rpc    solana.RPCClient
	now    func() time.Time

	mu      sync.RWMutex
	wallets map[string]*entry

	stopped    atomic.Bool
	stopReason atomic.Value // string

	signatures atomic.Int64
	refused    atomic.Int64
}

var _ Manager = (*LocalManager)(nil)

// NewLocalManager creates a manager that reads balances through rpc.
func NewLocalManager(config Config, rpc solana.RPCClient) *LocalManager {
	d := DefaultConfig()
	if config.ReserveSOL < 0 {
		config.ReserveSOL = 0
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = d.RefreshInterval
	}
	if config.RPCTimeout <= 0 {
		config.RPCTimeout = d.RPCTimeout
	}
	m := &LocalManager{
		config:  config,
		rpc:     rpc,
		now:     time.Now,
		wallets: make(map[string]*entry),
	}
	m.stopReason.Store("")
	return m
}

// SetClock overrides the time source. Intended for tests.
func (m *LocalManager) SetClock(now func() time.Time) { m.now = now }

// AddKey registers a wallet from a base58 secret: either a 64-byte keypair
// (secret followed by public key, the Solana CLI format) or a 32-byte seed.
func (m *LocalManager) AddKey(name, secretBase58 string) (solana.Pubkey, error) {
	raw, err := base58.Decode(secretBase58)
	if err != nil {
		return "", fmt.Errorf("wallet %s: decode key: %w", name, err)
	}

	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		key = ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !key.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(raw[32:])) {
			return "", fmt.Errorf("wallet %s: keypair public half does not match secret", name)
		}
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	default:
		return "", fmt.Errorf("wallet %s: key must be 32 or 64 bytes, got %d", name, len(raw))
	}

	pub := solana.Pubkey(base58.Encode(key.Public().(ed25519.PublicKey)))

	m.mu.Lock()
	m.wallets[name] = &entry{name: name, key: key, pub: pub}
	m.mu.Unlock()

	log.Info().Str("wallet", name).Str("pubkey", string(pub)).Msg("wallet: key loaded")
	return pub, nil
}

// PublicKey returns the address of wallet name.
func (m *LocalManager) PublicKey(name string) (solana.Pubkey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWallet, name)
	}
	return w.pub, nil
}

// Balance fetches the SOL balance of wallet name and caches it.
func (m *LocalManager) Balance(ctx context.Context, name string) (decimal.Decimal, error) {
	pub, err := m.PublicKey(name)
	if err != nil {
		return decimal.Zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.RPCTimeout)
	defer cancel()
	lamports, err := m.rpc.GetBalance(ctx, pub)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallet %s balance: %w", name, err)
	}
	sol := decimal.NewFromInt(int64(lamports)).Div(decimal.NewFromInt(solana.LamportsPerSOL))

	m.mu.Lock()
	if w, ok := m.wallets[name]; ok {
		w.balance = sol
		w.balanceAt = m.now()
	}
	m.mu.Unlock()
	return sol, nil
}

// RefreshBalances updates every cached balance. Errors are logged.
func (m *LocalManager) RefreshBalances(ctx context.Context) {
	for _, name := range m.Names() {
		if _, err := m.Balance(ctx, name); err != nil {
			log.Warn().Err(err).Str("wallet", name).Msg("wallet: balance refresh failed")
		}
	}
}

// Start refreshes balances on an interval until ctx is cancelled.
func (m *LocalManager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()

	m.RefreshBalances(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshBalances(ctx)
		}
	}
}

// IsAvailable reports whether wallet name can spend amountSOL on top of the
// fee reserve, using the last fetched balance. An unknown balance is never
// available.
func (m *LocalManager) IsAvailable(name string, amountSOL float64) bool {
	if m.stopped.Load() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[name]
	if !ok || w.locked || w.balanceAt.IsZero() {
		return false
	}
	need := decimal.NewFromFloat(amountSOL).Add(decimal.NewFromFloat(m.config.ReserveSOL))
	return w.balance.GreaterThanOrEqual(need)
}

// Sign applies wallet name's signature to a base64 serialized transaction.
func (m *LocalManager) Sign(_ context.Context, name, txBase64 string) (string, error) {
	if m.stopped.Load() {
		m.refused.Add(1)
		return "", fmt.Errorf("%w: %s", ErrStopped, m.StopReason())
	}

	m.mu.RLock()
	w, ok := m.wallets[name]
	var key ed25519.PrivateKey
	var pub solana.Pubkey
	locked := false
	if ok {
		key, pub, locked = w.key, w.pub, w.locked
	}
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWallet, name)
	}
	if locked {
		m.refused.Add(1)
		return "", fmt.Errorf("%w: %s", ErrWalletLocked, name)
	}

	tx, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("wallet %s: decode transaction: %w", name, err)
	}
	signed, err := signTransaction(tx, key, pub)
	if err != nil {
		return "", fmt.Errorf("wallet %s: %w", name, err)
	}
	m.signatures.Add(1)
	return base64.StdEncoding.EncodeToString(signed), nil
}

// Signer returns an execution.Signer bound to wallet name.
func (m *LocalManager) Signer(name string) (execution.Signer, error) {
	pub, err := m.PublicKey(name)
	if err != nil {
		return nil, err
	}
	return &signer{m: m, name: name, pub: pub}, nil
}

type signer struct {
	m    *LocalManager
	name string
	pub  solana.Pubkey
}

func (s *signer) PublicKey() solana.Pubkey { return s.pub }

func (s *signer) SignTransaction(ctx context.Context, txBase64 string) (string, error) {
	return s.m.Sign(ctx, s.name, txBase64)
}

// Lock stops wallet name from signing.
func (m *LocalManager) Lock(name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, name)
	}
	w.locked = true
	w.lockReason = reason
	log.Warn().Str("wallet", name).Str("reason", reason).Msg("wallet: locked")
	return nil
}

// Unlock re-enables wallet name. It fails while an emergency stop is in
// force.
func (m *LocalManager) Unlock(name string) error {
	if m.stopped.Load() {
		return fmt.Errorf("%w: %s", ErrStopped, m.StopReason())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, name)
	}
	w.locked = false
	w.lockReason = ""
	log.Info().Str("wallet", name).Msg("wallet: unlocked")
	return nil
}

// EmergencyStop locks every wallet and refuses all signing until Resume.
func (m *LocalManager) EmergencyStop(reason string) {
	m.stopReason.Store(reason)
	m.stopped.Store(true)

	m.mu.Lock()
	for _, w := range m.wallets {
		if !w.locked {
			w.locked = true
			w.lockReason = emergencyPrefix + reason
		}
	}
	n := len(m.wallets)
	m.mu.Unlock()

	log.Error().Str("reason", reason).Int("wallets", n).Msg("wallet: EMERGENCY STOP, all wallets locked")
}

// Resume lifts an emergency stop and unlocks the wallets it locked.
// Wallets locked individually stay locked.
func (m *LocalManager) Resume() {
	if !m.stopped.CompareAndSwap(true, false) {
		return
	}
	m.stopReason.Store("")

	m.mu.Lock()
	for _, w := range m.wallets {
		if strings.HasPrefix(w.lockReason, emergencyPrefix) {
			w.locked = false
			w.lockReason = ""
		}
	}
	m.mu.Unlock()
	log.Info().Msg("wallet: emergency stop lifted")
}

// Stopped reports whether an emergency stop is in force.
func (m *LocalManager) Stopped() bool { return m.stopped.Load() }

// StopReason returns the reason of the current emergency stop.
func (m *LocalManager) StopReason() string { return m.stopReason.Load().(string) }

// Names lists the registered wallets in sorted order.
func (m *LocalManager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.wallets))
	for name := range m.wallets {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// WalletInfo is the public view of one wallet.
type WalletInfo struct {
	Name       string    `json:"name"`
	PublicKey  string    `json:"public_key"`
	BalanceSOL string    `json:"balance_sol"`
	BalanceAt  time.Time `json:"balance_at"`
	Locked     bool      `json:"locked"`
	LockReason string    `json:"lock_reason,omitempty"`
}

// Stats reports wallet state. Keys are never included.
type Stats struct {
	Wallets    []WalletInfo `json:"wallets"`
	Stopped    bool         `json:"stopped"`
	StopReason string       `json:"stop_reason,omitempty"`
	Signatures int64        `json:"signatures"`
	Refused    int64        `json:"refused"`
}

func (m *LocalManager) Stats() Stats {
	st := Stats{
		Stopped:    m.stopped.Load(),
		StopReason: m.StopReason(),
		Signatures: m.signatures.Load(),
		Refused:    m.refused.Load(),
	}
	m.mu.RLock()
	for _, w := range m.wallets {
		st.Wallets = append(st.Wallets, WalletInfo{
			Name:       w.name,
			PublicKey:  string(w.pub),
			BalanceSOL: w.balance.String(),
			BalanceAt:  w.balanceAt,
			Locked:     w.locked,
			LockReason: w.lockReason,
		})
	}
	m.mu.RUnlock()
	sort.Slice(st.Wallets, func(i, j int) bool { return st.Wallets[i].Name < st.Wallets[j].Name })
	return st
}
