package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed(b byte) []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	return seed
}

// buildTx serializes an unsigned transaction whose required signers are
// signers, followed by one read-only account.
func buildTx(v0 bool, signers ...ed25519.PublicKey) []byte {
	var msg []byte
	if v0 {
		msg = append(msg, 0x80)
	}
	msg = append(msg, byte(len(signers)), 0, 1)
	msg = append(msg, encodeCompactU16(len(signers)+1)...)
	for _, s := range signers {
		msg = append(msg, s...)
	}
	msg = append(msg, make([]byte, 32)...) // program account
	msg = append(msg, make([]byte, 32)...) // recent blockhash
	msg = append(msg, 0)                   // no instructions

	tx := encodeCompactU16(len(signers))
	tx = append(tx, make([]byte, len(signers)*ed25519.SignatureSize)...)
	return append(tx, msg...)
}

func newManager(t *testing.T) (*LocalManager, *solana.StubRPCClient, solana.Pubkey) {
	t.Helper()
	rpc := solana.NewStubRPCClient()
	m := NewLocalManager(DefaultConfig(), rpc)
	pub, err := m.AddKey("main", base58.Encode(testSeed(7)))
	require.NoError(t, err)
	return m, rpc, pub
}

func TestAddKey_SeedAndKeypair(t *testing.T) {
	m := NewLocalManager(DefaultConfig(), solana.NewStubRPCClient())

	key := ed25519.NewKeyFromSeed(testSeed(1))
	want := solana.Pubkey(base58.Encode(key.Public().(ed25519.PublicKey)))

	fromSeed, err := m.AddKey("seed", base58.Encode(testSeed(1)))
	require.NoError(t, err)
	assert.Equal(t, want, fromSeed)

	fromPair, err := m.AddKey("pair", base58.Encode(key))
	require.NoError(t, err)
	assert.Equal(t, want, fromPair)

	bad := append([]byte(nil), key...)
	bad[40] ^= 0xff
	_, err = m.AddKey("bad", base58.Encode(bad))
	assert.Error(t, err)

	_, err = m.AddKey("short", base58.Encode([]byte{1, 2, 3}))
	assert.Error(t, err)

	assert.Equal(t, []string{"pair", "seed"}, m.Names())
}

func TestBalanceAndAvailability(t *testing.T) {
	m, rpc, pub := newManager(t)

	assert.False(t, m.IsAvailable("main", 0.1), "unknown balance is never available")

	rpc.SetBalance(pub, 1_500_000_000)
	bal, err := m.Balance(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal.String())

	assert.True(t, m.IsAvailable("main", 1.0))
	assert.True(t, m.IsAvailable("main", 1.49))
	assert.False(t, m.IsAvailable("main", 1.495), "fee reserve is kept")
	assert.False(t, m.IsAvailable("other", 0.1))

	_, err = m.Balance(context.Background(), "other")
	assert.ErrorIs(t, err, ErrUnknownWallet)
}

func TestRefreshBalancesOnStart(t *testing.T) {
	m, rpc, pub := newManager(t)
	rpc.SetBalance(pub, 2*solana.LamportsPerSOL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.IsAvailable("main", 1) }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestSign_LegacyTransaction(t *testing.T) {
	m, _, pub := newManager(t)
	key := ed25519.NewKeyFromSeed(testSeed(7))
	other := ed25519.NewKeyFromSeed(testSeed(9))

	tx := buildTx(false, other.Public().(ed25519.PublicKey), key.Public().(ed25519.PublicKey))
	signedB64, err := m.Sign(context.Background(), "main", base64.StdEncoding.EncodeToString(tx))
	require.NoError(t, err)

	signed, err := base64.StdEncoding.DecodeString(signedB64)
	require.NoError(t, err)
	require.Len(t, signed, len(tx))

	msg := signed[1+2*ed25519.SignatureSize:]
	slot0 := signed[1 : 1+ed25519.SignatureSize]
	slot1 := signed[1+ed25519.SignatureSize : 1+2*ed25519.SignatureSize]

	assert.Equal(t, make([]byte, ed25519.SignatureSize), slot0, "other signer's slot untouched")
	assert.True(t, ed25519.Verify(key.Public().(ed25519.PublicKey), msg, slot1))
	assert.Equal(t, int64(1), m.Stats().Signatures)

	signer, err := m.Signer("main")
	require.NoError(t, err)
	assert.Equal(t, pub, signer.PublicKey())
}

func TestSign_VersionedTransaction(t *testing.T) {
	m, _, _ := newManager(t)
	key := ed25519.NewKeyFromSeed(testSeed(7))

	tx := buildTx(true, key.Public().(ed25519.PublicKey))
	signer, err := m.Signer("main")
	require.NoError(t, err)
	signedB64, err := signer.SignTransaction(context.Background(), base64.StdEncoding.EncodeToString(tx))
	require.NoError(t, err)

	signed, _ := base64.StdEncoding.DecodeString(signedB64)
	msg := signed[1+ed25519.SignatureSize:]
	assert.True(t, ed25519.Verify(key.Public().(ed25519.PublicKey), msg, signed[1:1+ed25519.SignatureSize]))
}

func TestSign_Rejects(t *testing.T) {
	m, _, _ := newManager(t)
	stranger := ed25519.NewKeyFromSeed(testSeed(3))

	tx := buildTx(false, stranger.Public().(ed25519.PublicKey))
	_, err := m.Sign(context.Background(), "main", base64.StdEncoding.EncodeToString(tx))
	assert.ErrorContains(t, err, "not a required signer")

	_, err = m.Sign(context.Background(), "main", "!!not base64")
	assert.Error(t, err)

	_, err = m.Sign(context.Background(), "main", base64.StdEncoding.EncodeToString([]byte{1, 0, 0}))
	assert.ErrorIs(t, err, errMalformedTx)

	_, err = m.Sign(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrUnknownWallet)
}

func TestLockUnlock(t *testing.T) {
	m, rpc, pub := newManager(t)
	rpc.SetBalance(pub, solana.LamportsPerSOL)
	_, err := m.Balance(context.Background(), "main")
	require.NoError(t, err)
	key := ed25519.NewKeyFromSeed(testSeed(7))
	tx := base64.StdEncoding.EncodeToString(buildTx(false, key.Public().(ed25519.PublicKey)))

	require.NoError(t, m.Lock("main", "manual review"))
	assert.False(t, m.IsAvailable("main", 0.1))
	_, err = m.Sign(context.Background(), "main", tx)
	assert.ErrorIs(t, err, ErrWalletLocked)

	require.NoError(t, m.Unlock("main"))
	assert.True(t, m.IsAvailable("main", 0.1))
	_, err = m.Sign(context.Background(), "main", tx)
	assert.NoError(t, err)

	assert.ErrorIs(t, m.Lock("ghost", "x"), ErrUnknownWallet)
}

func TestEmergencyStopAndResume(t *testing.T) {
	m, rpc, pub := newManager(t)
	_, err := m.AddKey("side", base58.Encode(testSeed(8)))
	require.NoError(t, err)
	rpc.SetBalance(pub, solana.LamportsPerSOL)
	m.RefreshBalances(context.Background())

	require.NoError(t, m.Lock("side", "manual review"))
	m.EmergencyStop("drawdown limit")

	assert.True(t, m.Stopped())
	assert.Equal(t, "drawdown limit", m.StopReason())
	assert.False(t, m.IsAvailable("main", 0.1))
	_, err = m.Sign(context.Background(), "main", "")
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, m.Unlock("main"), ErrStopped)
	assert.Equal(t, int64(1), m.Stats().Refused)

	m.Resume()
	assert.False(t, m.Stopped())
	assert.True(t, m.IsAvailable("main", 0.1))

	st := m.Stats()
	require.Len(t, st.Wallets, 2)
	assert.False(t, st.Wallets[0].Locked, "main unlocked by resume")
	assert.True(t, st.Wallets[1].Locked, "side was locked before the stop and stays locked")
	assert.Equal(t, "manual review", st.Wallets[1].LockReason)
	assert.Empty(t, st.StopReason)
}
