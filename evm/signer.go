package evm

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the canonical r‖s‖v signature size.
const SignatureLength = 65

// RecoverPersonalSign recovers the address that produced sig over digest
// using EIP-191 personal-sign prefixing. The signed material is
// "\x19Ethereum Signed Message:\n<len>" ‖ digest; callers pass the raw
// 32-byte digest, never a pre-prefixed hash.
func RecoverPersonalSign(digest []byte, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}

	// Wallets emit v as 27/28; crypto.SigToPub wants 0/1.
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}

	pub, err := crypto.SigToPub(accounts.TextHash(digest), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PersonalSign signs digest with key using EIP-191 personal-sign prefixing
// and returns a 65-byte r‖s‖v signature with v in {27,28}, the form wallets
// produce. Used by the examples and tests to build payment payloads.
func PersonalSign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest), key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
