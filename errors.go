package paygate

import "errors"

// Gateway error taxonomy. Every rejection surfaced to a caller maps onto one
// of these sentinels; detail is attached by wrapping with fmt.Errorf("%w: …").

var (
	// ErrMissingHeaders indicates the X-PAYMENT header is absent.
	ErrMissingHeaders = errors.New("missing required headers")

	// ErrInvalidHeaders indicates the X-PAYMENT header could not be decoded.
	ErrInvalidHeaders = errors.New("invalid payment header")

	// ErrSchemeNotAccepted indicates the route accepts no matching scheme.
	ErrSchemeNotAccepted = errors.New("payment scheme not accepted")

	// ErrTimestamp indicates the request timestamp is outside the skew window.
	ErrTimestamp = errors.New("timestamp out of allowed range")

	// ErrInvalidSignature indicates signature recovery disagrees with the
	// expected signer.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidMessage indicates the submitted channel message does not
	// match the reconstructed digest.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidNonce indicates the channel nonce rule was violated.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrInvalidChannel indicates submitted channel state disagrees with
	// the stored or on-chain state.
	ErrInvalidChannel = errors.New("invalid payment channel")

	// ErrExpired indicates the payment channel expiration has passed.
	ErrExpired = errors.New("payment channel expired")

	// ErrInsufficientBalance indicates the submitted channel balance is
	// below the contract-reported balance on first sight.
	ErrInsufficientBalance = errors.New("insufficient payment channel balance")

	// ErrChannelNotFound indicates no stored state exists for a channel id.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrTransactionNotFound indicates no receipt exists for the
	// referenced transaction.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidTransaction indicates the referenced transaction does not
	// satisfy the payment requirements.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInvalidStream indicates the token flow is missing or its rate
	// does not match the acceptance.
	ErrInvalidStream = errors.New("invalid stream")

	// ErrInvalidSender indicates an address failed to parse.
	ErrInvalidSender = errors.New("invalid sender address")

	// ErrRateLimited indicates the sender exceeded the request window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrContract indicates an on-chain call failed.
	ErrContract = errors.New("contract interaction failed")

	// ErrNetwork indicates a transport-level RPC failure.
	ErrNetwork = errors.New("network error")

	// ErrInvalidAmount indicates a malformed or out-of-range amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidConfig indicates a malformed acceptance declaration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInternal indicates a should-not-happen condition.
	ErrInternal = errors.New("internal error")
)
