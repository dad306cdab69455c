// Package encoding provides wire codecs for the gateway's payment data:
// hex-encoded addresses, 32-byte hashes, 65-byte signatures, and decimal
// string u256 values as they appear in X-PAYMENT headers.
package encoding

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SignatureLength is the canonical r‖s‖v signature size.
const SignatureLength = 65

// strip0x removes an optional 0x/0X prefix.
func strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// ParseAddress decodes a 20-byte EVM address from hex with or without a 0x
// prefix.
func ParseAddress(s string) (common.Address, error) {
	raw, err := hex.DecodeString(strip0x(strings.TrimSpace(s)))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != common.AddressLength {
		return common.Address{}, fmt.Errorf("invalid address %q: got %d bytes, want %d", s, len(raw), common.AddressLength)
	}
	return common.BytesToAddress(raw), nil
}

// ParseHash decodes a 32-byte hash from hex with or without a 0x prefix.
func ParseHash(s string) (common.Hash, error) {
	raw, err := hex.DecodeString(strip0x(strings.TrimSpace(s)))
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q: got %d bytes, want %d", s, len(raw), common.HashLength)
	}
	return common.BytesToHash(raw), nil
}

// ParseSignature decodes a 65-byte r‖s‖v signature from hex with or without
// a 0x prefix. The recovery byte is left untouched; verification code
// normalizes 27/28 as needed.
func ParseSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strip0x(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if len(raw) != SignatureLength {
		return nil, fmt.Errorf("invalid signature: got %d bytes, want %d", len(raw), SignatureLength)
	}
	return raw, nil
}

// ParseBytes decodes arbitrary hex bytes with or without a 0x prefix. An
// empty string decodes to nil.
func ParseBytes(s string) ([]byte, error) {
	s = strip0x(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex bytes: %w", err)
	}
	return raw, nil
}

// FormatBytes renders bytes as 0x-prefixed lowercase hex.
func FormatBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// ParseU256 decodes a non-negative integer from its decimal string form.
// Decimal strings are used for all u256 values in JSON to avoid precision
// loss in consumers that parse numbers as floats.
func ParseU256(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("invalid uint256 %q", s)
	}
	return v, nil
}

// FormatU256 renders an integer in the decimal string form used on the wire.
func FormatU256(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
