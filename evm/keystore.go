package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// Operator key loading for the channel close transaction. The recipient's
// key never touches the request path; it is only needed when the operator
// settles a channel on-chain.

// KeyFromHex parses a private key from a hex string with or without a 0x
// prefix.
func KeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// KeyFromKeystore loads a private key from an encrypted geth keystore file.
func KeyFromKeystore(path, password string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var keyJSON struct {
		Crypto keystore.CryptoJSON `json:"crypto"`
	}
	if err := json.Unmarshal(data, &keyJSON); err != nil {
		return nil, fmt.Errorf("invalid keystore JSON: %w", err)
	}

	keyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}

	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid decrypted key: %w", err)
	}
	return key, nil
}

// KeyFromMnemonic derives a private key from a BIP-39 mnemonic phrase at
// the standard Ethereum path m/44'/60'/0'/0/{accountIndex}.
func KeyFromMnemonic(mnemonic string, accountIndex uint32) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	for _, step := range []uint32{
		bip32.FirstHardenedChild + 44, // BIP-44 purpose
		bip32.FirstHardenedChild + 60, // Ethereum coin type
		bip32.FirstHardenedChild + 0,  // account 0
		0,                             // external chain
		accountIndex,
	} {
		if key, err = key.NewChildKey(step); err != nil {
			return nil, fmt.Errorf("derive child key: %w", err)
		}
	}

	privateKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid derived key: %w", err)
	}
	return privateKey, nil
}
