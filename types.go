// Package paygate provides shared types, errors, and chain metadata for a
// pay-per-request payment gateway on EVM chains. The gateway authorizes HTTP
// requests against one of three on-chain settlement schemes: one-time ERC-20
// payments, off-chain payment channels, and Superfluid-style token streams.
package paygate

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Scheme identifies a settlement scheme carried in the X-PAYMENT header.
type Scheme string

const (
	// SchemeOneTime references a completed ERC-20 transfer that may be
	// redeemed a bounded number of times within a time window.
	SchemeOneTime Scheme = "one-time"

	// SchemeChannel is an off-chain signed state between sender and
	// recipient backed by an on-chain escrow contract.
	SchemeChannel Scheme = "channel"

	// SchemeStream proves a live per-second token flow from the sender to
	// the recipient at a contracted flow rate.
	SchemeStream Scheme = "stream"
)

// Valid reports whether s is one of the known schemes.
func (s Scheme) Valid() bool {
	switch s {
	case SchemeOneTime, SchemeChannel, SchemeStream:
		return true
	}
	return false
}

// Default per-scheme tunables. All overridable per acceptance.
const (
	// DefaultAbsWindow is how long after the on-chain transfer a one-time
	// payment stays redeemable.
	DefaultAbsWindow = 48 * time.Hour

	// DefaultSessionTTL bounds the redemption session that starts at the
	// first redemption of a one-time payment.
	DefaultSessionTTL = time.Hour

	// DefaultMaxRedemptions is how many requests a single one-time payment
	// entitles the caller to.
	DefaultMaxRedemptions = 3

	// DefaultStreamCacheTTL is how long a verified stream is trusted
	// without another on-chain lookup.
	DefaultStreamCacheTTL = 15 * time.Minute

	// ChannelTimestampSkew is the maximum accepted age of a payment
	// channel request timestamp.
	ChannelTimestampSkew = 300 * time.Second
)

// X402Version is the protocol version carried in headers and 402 bodies.
const X402Version = 1

// PaymentHeader is the decoded X-PAYMENT request header.
type PaymentHeader struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Network is the chain name the payment settles on (e.g. "base-sepolia").
	Network string `json:"network"`

	// Scheme selects the settlement scheme for this request.
	Scheme Scheme `json:"scheme"`

	// Payload is the scheme-specific signed payment data, decoded by the
	// verifier selected by Scheme.
	Payload json.RawMessage `json:"payload"`
}

// SchemeAcceptance declares one payment option for a route. Acceptances are
// built at startup and never mutated afterwards.
type SchemeAcceptance struct {
	// Route is the request path this acceptance applies to.
	Route string

	// Scheme is the settlement scheme this acceptance covers.
	Scheme Scheme

	// Network is the chain name (e.g. "base-sepolia").
	Network string

	// ChainID is the EVM chain id of Network.
	ChainID uint64

	// RPCURL is the JSON-RPC endpoint used for on-chain reads.
	RPCURL string

	// WSSURL is the WebSocket endpoint for event subscriptions. Optional;
	// resolved from the chain table when empty (streams only).
	WSSURL string

	// CFAAddress is the chain's ConstantFlowAgreementV1 agreement contract,
	// the emitter the stream listener subscribes to. Optional; resolved
	// from the chain table or the Superfluid networks list when empty
	// (streams only).
	CFAAddress common.Address

	// Token is the ERC-20 (or super token) contract address.
	Token common.Address

	// Recipient is the address payments must be made to.
	Recipient common.Address

	// Amount is the human-readable decimal amount. Its meaning is
	// per-scheme: transfer value (one-time), price per request (channel),
	// or monthly streamed amount (stream).
	Amount string

	// Decimals is the token's decimal count used to convert Amount to
	// base units.
	Decimals int

	// Description is an optional human-readable description surfaced in
	// 402 responses.
	Description string

	// MaxTimeoutSeconds is the payment validity window advertised in 402
	// responses. Defaults to 300.
	MaxTimeoutSeconds int

	// AbsWindow overrides DefaultAbsWindow (one-time only).
	AbsWindow time.Duration

	// SessionTTL overrides DefaultSessionTTL (one-time only).
	SessionTTL time.Duration

	// MaxRedemptions overrides DefaultMaxRedemptions (one-time only).
	MaxRedemptions uint32

	// CacheTTL overrides DefaultStreamCacheTTL (stream only).
	CacheTTL time.Duration

	// BindBody, when set, binds the request body bytes into the signed
	// channel message digest (channel only).
	BindBody bool

	// RateLimit enables the per-sender fixed-window rate limiter
	// (channel only).
	RateLimit bool
}

// AbsWindowOrDefault returns the configured absolute redemption window.
func (a *SchemeAcceptance) AbsWindowOrDefault() time.Duration {
	if a.AbsWindow > 0 {
		return a.AbsWindow
	}
	return DefaultAbsWindow
}

// SessionTTLOrDefault returns the configured redemption session TTL.
func (a *SchemeAcceptance) SessionTTLOrDefault() time.Duration {
	if a.SessionTTL > 0 {
		return a.SessionTTL
	}
	return DefaultSessionTTL
}

// MaxRedemptionsOrDefault returns the configured redemption cap.
func (a *SchemeAcceptance) MaxRedemptionsOrDefault() uint32 {
	if a.MaxRedemptions > 0 {
		return a.MaxRedemptions
	}
	return DefaultMaxRedemptions
}

// CacheTTLOrDefault returns the configured stream cache TTL.
func (a *SchemeAcceptance) CacheTTLOrDefault() time.Duration {
	if a.CacheTTL > 0 {
		return a.CacheTTL
	}
	return DefaultStreamCacheTTL
}

// PaymentRequirement is a single accepted payment option in a 402 body.
type PaymentRequirement struct {
	// Scheme is the settlement scheme identifier.
	Scheme Scheme `json:"scheme"`

	// Network is the chain name the payment must settle on.
	Network string `json:"network"`

	// Amount is the required amount in base units.
	Amount string `json:"amount"`

	// PayTo is the recipient address.
	PayTo string `json:"payTo"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable description.
	Description string `json:"description"`

	// MaxTimeoutSeconds is the validity period for the payment.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra carries scheme-specific data: redemption tunables for
	// one-time payments, the string "paymentChannelState" for channels,
	// absent for streams.
	Extra interface{} `json:"extra,omitempty"`
}

// OneTimeExtra is the Extra object advertised for one-time acceptances.
type OneTimeExtra struct {
	AbsWindowSeconds  int    `json:"absWindowSeconds"`
	SessionTTLSeconds int    `json:"sessionTTLSeconds"`
	MaxRedemptions    uint32 `json:"maxRedemptions"`
}

// ChannelExtra is the Extra value advertised for channel acceptances.
const ChannelExtra = "paymentChannelState"

// PaymentRequiredResponse is the complete 402 response body.
type PaymentRequiredResponse struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Accepts lists the payment options the route will accept.
	Accepts []PaymentRequirement `json:"accepts"`

	// Error is a human-readable reason the request was rejected.
	Error string `json:"error"`
}

// secondsPerMonth is the stream billing month: (365/12) days of 86400 seconds.
const secondsPerMonth = 365 * 86400 / 12

// maxInt96 bounds stream flow rates to the contract's signed 96-bit range.
var maxInt96 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 95), big.NewInt(1))

// AmountToBaseUnits converts a decimal amount string to base units using
// exact integer arithmetic. "1.5" with 6 decimals becomes 1500000. Amounts
// with more fractional digits than the token carries are rejected rather
// than rounded.
func AmountToBaseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" || decimals < 0 || decimals > 77 {
		return nil, ErrInvalidAmount
	}

	whole, frac := amount, ""
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		whole, frac = amount[:i], amount[i+1:]
	}
	if whole == "" && frac == "" {
		return nil, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, ErrInvalidAmount
	}
	// Right-pad the fractional part to exactly `decimals` digits so the
	// concatenation is the base-unit integer.
	frac += strings.Repeat("0", decimals-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || units.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return units, nil
}

// MonthlyAmountToFlowRate converts a human-readable monthly amount to a
// per-second flow rate in base units, truncated toward zero. The result must
// fit the contract's signed 96-bit flow-rate type.
func MonthlyAmountToFlowRate(amount string, decimals int) (*big.Int, error) {
	units, err := AmountToBaseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}
	rate := new(big.Int).Quo(units, big.NewInt(secondsPerMonth))
	if rate.Cmp(maxInt96) > 0 {
		return nil, ErrInvalidAmount
	}
	return rate, nil
}

// NormalizeAddress renders an EVM address in the canonical lowercase hex
// form used on the wire.
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
