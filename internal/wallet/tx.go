package wallet

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/dexsentry/internal/solana"
)

// Serialized transaction layout:
//
//	compact-u16 signature count, then 64 bytes per signature
//	message: [version prefix] header(3) compact-u16 key count, 32 bytes per key, ...
//
// A v0 message starts with a byte whose high bit is set; legacy messages
// start directly with the header. The first header byte is the number of
// required signatures, and signer i signs into slot i.

var errMalformedTx = errors.New("malformed transaction")

// decodeCompactU16 reads Solana's shortvec length encoding.
func decodeCompactU16(b []byte) (value, size int, err error) {
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated length prefix", errMalformedTx)
		}
		value |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: length prefix too long", errMalformedTx)
}

// encodeCompactU16 is the inverse of decodeCompactU16.
func encodeCompactU16(v int) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// signTransaction signs the message of tx with key and writes the signature
// into the slot belonging to pub. tx is not modified.
func signTransaction(tx []byte, key ed25519.PrivateKey, pub solana.Pubkey) ([]byte, error) {
	numSigs, prefix, err := decodeCompactU16(tx)
	if err != nil {
		return nil, err
	}
	msgStart := prefix + numSigs*ed25519.SignatureSize
	if numSigs == 0 || len(tx) <= msgStart {
		return nil, fmt.Errorf("%w: %d signature slots, %d bytes", errMalformedTx, numSigs, len(tx))
	}
	msg := tx[msgStart:]

	slot, err := signerSlot(msg, pub)
	if err != nil {
		return nil, err
	}
	if slot >= numSigs {
		return nil, fmt.Errorf("%w: signer slot %d beyond %d signatures", errMalformedTx, slot, numSigs)
	}

	sig := ed25519.Sign(key, msg)
	out := bytes.Clone(tx)
	copy(out[prefix+slot*ed25519.SignatureSize:], sig)
	return out, nil
}

// signerSlot finds pub among the message's required signers.
func signerSlot(msg []byte, pub solana.Pubkey) (int, error) {
	want, err := base58.Decode(string(pub))
	if err != nil {
		return 0, fmt.Errorf("decode signer pubkey: %w", err)
	}

	p := 0
	if len(msg) > 0 && msg[0]&0x80 != 0 {
		p = 1
	}
	if len(msg) < p+3 {
		return 0, fmt.Errorf("%w: short message header", errMalformedTx)
	}
	required := int(msg[p])
	p += 3

	numKeys, size, err := decodeCompactU16(msg[p:])
	if err != nil {
		return 0, err
	}
	p += size
	if required > numKeys || len(msg) < p+numKeys*solana.PubkeyLen {
		return 0, fmt.Errorf("%w: account keys truncated", errMalformedTx)
	}

	for i := 0; i < required; i++ {
		k := msg[p+i*solana.PubkeyLen : p+(i+1)*solana.PubkeyLen]
		if bytes.Equal(k, want) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%s is not a required signer of this transaction", pub)
}
