// Package stream verifies Superfluid continuous payment streams: the caller
// proves control of a sender address that streams tokens to the operator at
// the configured flow rate, and verifications are cached until the TTL
// lapses or a FlowUpdated event invalidates them.
package stream

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Payload is the scheme-specific part of the X-PAYMENT header.
type Payload struct {
	// Signature is the hex-encoded 65-byte signature over
	// keccak256(sender), EIP-191 personal-sign prefixed.
	Signature string `json:"signature"`

	// Sender is the hex-encoded streaming address.
	Sender string `json:"sender"`
}

// Record is one verified stream held in the cache.
type Record struct {
	// Sender is the streaming address.
	Sender common.Address

	// Recipient is the operator's receiving address.
	Recipient common.Address

	// Token is the Superfluid super token being streamed.
	Token common.Address

	// FlowRate is the verified rate in base units per second.
	FlowRate *big.Int

	// LastVerified is when the on-chain flow was last checked
	// (unix seconds).
	LastVerified uint64
}

// Config holds the per-acceptance verification parameters.
type Config struct {
	// Forwarder is the chain's CFAv1Forwarder contract, the periphery
	// surface getFlowInfo is called on.
	Forwarder common.Address

	// CFA is the chain's ConstantFlowAgreementV1 agreement contract. It is
	// the contract that emits FlowUpdated, so the listener filters on it,
	// not on the forwarder.
	CFA common.Address

	// Token is the super token the flow must stream.
	Token common.Address

	// Recipient is the address the flow must pay.
	Recipient common.Address

	// FlowRate is the required rate in base units per second (int96 range).
	FlowRate *big.Int

	// CacheTTL bounds how long a verification is trusted without a fresh
	// contract call.
	CacheTTL time.Duration
}
