// Package onetime verifies one-time ERC-20 payments: the caller references
// a completed on-chain transfer, signs its hash, and may redeem it a bounded
// number of times within a time window.
package onetime

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Payload is the scheme-specific part of the X-PAYMENT header: a signature
// over keccak256(tx_hash) and the referenced transaction hash.
type Payload struct {
	// Signature is the hex-encoded 65-byte signature over the keccak hash
	// of the transaction hash, EIP-191 personal-sign prefixed.
	Signature string `json:"signature"`

	// TxHash is the hex-encoded hash of the ERC-20 transfer transaction.
	TxHash string `json:"tx_hash"`
}

// Payment is the stored redemption state for one verified transfer.
type Payment struct {
	// TxHash identifies the on-chain transfer.
	TxHash common.Hash

	// Sender is the address that made and signed the transfer.
	Sender common.Address

	// PaymentTimestamp is the transfer's block timestamp (unix seconds).
	PaymentTimestamp uint64

	// FirstRedeemed is when the first redemption happened; zero until then.
	FirstRedeemed uint64

	// Redemptions counts authorized uses of this payment.
	Redemptions uint32
}

// Config holds the per-acceptance verification parameters in base units.
type Config struct {
	// Token is the ERC-20 contract the transfer must have gone through.
	Token common.Address

	// Recipient is the address the transfer must have paid.
	Recipient common.Address

	// Amount is the exact transfer value in base units.
	Amount *big.Int

	// AbsWindow is how long after the transfer the payment stays
	// redeemable.
	AbsWindow time.Duration

	// SessionTTL bounds the redemption session beginning at the first
	// redemption.
	SessionTTL time.Duration

	// MaxRedemptions caps authorized uses per payment.
	MaxRedemptions uint32
}
