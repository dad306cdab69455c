package channel

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/encoding"
	"github.com/paygate-labs/paygate-go/evm"
)

// ContractCaller is the chain access the verifier needs on the request path.
type ContractCaller interface {
	CallContract(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
}

// TxSender submits signed contract transactions. Only the close operation
// needs it.
type TxSender interface {
	SendContractTx(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, data []byte) (common.Hash, error)
}

// Verifier authorizes requests against signed payment channel states.
type Verifier struct {
	Client  ContractCaller
	Table   *Table
	Config  Config
	Limiter *RateLimiter // nil disables rate limiting

	// Now overrides the clock in tests; nil means time.Now.
	Now func() time.Time
}

func (v *Verifier) now() uint64 {
	if v.Now != nil {
		return uint64(v.Now().Unix())
	}
	return uint64(time.Now().Unix())
}

func (v *Verifier) skew() uint64 {
	if v.Config.Skew > 0 {
		return uint64(v.Config.Skew.Seconds())
	}
	return uint64(paygate.ChannelTimestampSkew.Seconds())
}

// Verify checks the payload against the tracked channel state, validating
// untracked channels on-chain, and commits the price deduction. The returned
// channel is the updated state the caller must sign next.
func (v *Verifier) Verify(ctx context.Context, payload Payload, body []byte) (PaymentChannel, error) {
	submitted := payload.PaymentChannel
	if submitted.Balance == nil || submitted.Nonce == nil || submitted.Expiration == nil || submitted.ChannelID == nil {
		return PaymentChannel{}, fmt.Errorf("%w: missing channel fields", paygate.ErrInvalidChannel)
	}

	now := v.now()

	if v.Limiter != nil && !v.Limiter.Allow(submitted.Sender, now) {
		return PaymentChannel{}, fmt.Errorf("%w: sender %s", paygate.ErrRateLimited, submitted.Sender.Hex())
	}

	if payload.Timestamp+v.skew() < now {
		return PaymentChannel{}, fmt.Errorf("%w: timestamp %d is older than %ds", paygate.ErrTimestamp, payload.Timestamp, v.skew())
	}

	sig, err := encoding.ParseSignature(payload.Signature)
	if err != nil {
		return PaymentChannel{}, fmt.Errorf("%w: %v", paygate.ErrInvalidHeaders, err)
	}
	message, err := encoding.ParseBytes(payload.Message)
	if err != nil {
		return PaymentChannel{}, fmt.Errorf("%w: %v", paygate.ErrInvalidMessage, err)
	}

	if !v.Config.BindBody {
		body = nil
	}
	digest := Digest(submitted.ChannelID, submitted.Balance, submitted.Nonce, body)
	if !bytes.Equal(message, digest) {
		return PaymentChannel{}, fmt.Errorf("%w: digest mismatch", paygate.ErrInvalidMessage)
	}

	signer, err := evm.RecoverPersonalSign(digest, sig)
	if err != nil {
		return PaymentChannel{}, fmt.Errorf("%w: %v", paygate.ErrInvalidSignature, err)
	}
	if signer != submitted.Sender {
		return PaymentChannel{}, paygate.ErrInvalidSignature
	}

	if submitted.Expiration.Cmp(new(big.Int).SetUint64(now)) < 0 {
		return PaymentChannel{}, paygate.ErrExpired
	}

	// The invariants are checked twice: once here with the lock released
	// across the chain call, and again inside Commit.
	known, err := v.Table.Precheck(submitted)
	if err != nil {
		return PaymentChannel{}, err
	}
	if !known {
		if err := v.validateOnChain(ctx, submitted); err != nil {
			return PaymentChannel{}, err
		}
	}

	updated, err := v.Table.Commit(submitted, sig, v.Config.Amount)
	if err != nil {
		return PaymentChannel{}, err
	}

	slog.Debug("channel state advanced",
		"channel_id", updated.ChannelID.String(),
		"nonce", updated.Nonce.String(),
		"balance", updated.Balance.String())
	return updated, nil
}

// validateOnChain cross-checks a first-seen channel against the escrow
// contract it names.
func (v *Verifier) validateOnChain(ctx context.Context, submitted PaymentChannel) error {
	raw, err := v.Client.CallContract(ctx, submitted.Address, evm.PackGetChannelInfo())
	if err != nil {
		return chainErr(err)
	}
	info, err := evm.UnpackChannelInfo(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", paygate.ErrContract, err)
	}

	if submitted.Balance.Cmp(info.Balance) < 0 {
		return fmt.Errorf("%w: submitted %s, escrow holds %s", paygate.ErrInsufficientBalance, submitted.Balance, info.Balance)
	}
	if submitted.Expiration.Cmp(info.Expiration) != 0 {
		return fmt.Errorf("%w: expiration mismatch", paygate.ErrInvalidChannel)
	}
	if submitted.ChannelID.Cmp(info.ChannelID) != 0 {
		return fmt.Errorf("%w: channel id mismatch", paygate.ErrInvalidChannel)
	}
	if submitted.Sender != info.Sender {
		return fmt.Errorf("%w: sender mismatch", paygate.ErrInvalidChannel)
	}
	if submitted.Recipient != info.Recipient || info.Recipient != v.Config.Recipient {
		return fmt.Errorf("%w: recipient mismatch", paygate.ErrInvalidChannel)
	}
	if info.PricePerRequest.Cmp(v.Config.Amount) != 0 {
		return fmt.Errorf("%w: price per request mismatch", paygate.ErrInvalidChannel)
	}

	raw, err = v.Client.CallContract(ctx, submitted.Address, evm.PackToken())
	if err != nil {
		return chainErr(err)
	}
	token, err := evm.UnpackToken(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", paygate.ErrContract, err)
	}
	if token != v.Config.Token {
		return fmt.Errorf("%w: token mismatch", paygate.ErrInvalidChannel)
	}
	return nil
}

// Close submits the escrow close call for a tracked channel at its latest
// accepted state, signed by the operator key.
func (v *Verifier) Close(ctx context.Context, sender TxSender, key *ecdsa.PrivateKey, channelID *big.Int, body []byte) (common.Hash, error) {
	record, ok := v.Table.Get(channelID)
	if !ok || record.LatestSignature == nil {
		return common.Hash{}, fmt.Errorf("%w: no tracked state for channel %s", paygate.ErrChannelNotFound, channelID)
	}

	data, err := evm.PackClose(record.Channel.Balance, record.Channel.Nonce, body, record.LatestSignature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", paygate.ErrContract, err)
	}
	txHash, err := sender.SendContractTx(ctx, key, record.Channel.Address, data)
	if err != nil {
		return common.Hash{}, chainErr(err)
	}

	slog.Info("channel close submitted",
		"channel_id", channelID.String(),
		"balance", record.Channel.Balance.String(),
		"nonce", record.Channel.Nonce.String(),
		"tx", txHash.Hex())
	return txHash, nil
}

func chainErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", paygate.ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", paygate.ErrContract, err)
}
