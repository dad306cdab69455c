package onetime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/encoding"
	"github.com/paygate-labs/paygate-go/evm"
)

// ReceiptReader is the chain access the verifier needs.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*evm.Receipt, error)
}

// Verifier authorizes requests against redeemed one-time payments.
type Verifier struct {
	Client ReceiptReader
	Table  *Table
	Config Config

	// Now overrides the clock in tests; nil means time.Now.
	Now func() time.Time
}

func (v *Verifier) now() uint64 {
	if v.Now != nil {
		return uint64(v.Now().Unix())
	}
	return uint64(time.Now().Unix())
}

// Verify checks the payload against the redemption table and, on first
// sight of a transaction, against the chain. On success the redemption is
// consumed and the updated record returned.
func (v *Verifier) Verify(ctx context.Context, payload Payload) (Payment, error) {
	sig, err := encoding.ParseSignature(payload.Signature)
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %v", paygate.ErrInvalidHeaders, err)
	}
	txHash, err := encoding.ParseHash(payload.TxHash)
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %v", paygate.ErrInvalidHeaders, err)
	}

	now := v.now()

	// Fast path: the payment was verified before; only the redemption
	// rules apply. Check and increment are one atomic step.
	payment, status := v.Table.Redeem(txHash, now, v.Config)
	switch status {
	case RedeemOK:
		return payment, nil
	case RedeemExhausted:
		return Payment{}, fmt.Errorf("%w: Payment session expired or max redemptions reached", paygate.ErrInvalidTransaction)
	}

	// First sight: re-verify the transfer on-chain.
	digest := crypto.Keccak256(txHash.Bytes())
	signer, err := evm.RecoverPersonalSign(digest, sig)
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %v", paygate.ErrInvalidSignature, err)
	}

	receipt, err := v.Client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, evm.ErrReceiptNotFound) {
			return Payment{}, paygate.ErrTransactionNotFound
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Payment{}, fmt.Errorf("%w: %v", paygate.ErrNetwork, err)
		}
		return Payment{}, fmt.Errorf("%w: %v", paygate.ErrContract, err)
	}

	if signer != receipt.From {
		slog.Debug("one-time payment signer mismatch", "recovered", signer.Hex(), "from", receipt.From.Hex())
		return Payment{}, paygate.ErrInvalidSignature
	}
	if receipt.To == nil || *receipt.To != v.Config.Token {
		return Payment{}, fmt.Errorf("%w: invalid token contract address", paygate.ErrInvalidTransaction)
	}

	if len(receipt.Logs) == 0 {
		return Payment{}, fmt.Errorf("%w: transfer log not found", paygate.ErrInvalidTransaction)
	}
	transferLog := receipt.Logs[0]
	if transferLog.Address != v.Config.Token {
		return Payment{}, fmt.Errorf("%w: transfer log not emitted by token", paygate.ErrInvalidTransaction)
	}
	if len(transferLog.Topics) < 3 || transferLog.Topics[0] != evm.TransferTopic {
		return Payment{}, fmt.Errorf("%w: first log is not an ERC-20 transfer", paygate.ErrInvalidTransaction)
	}

	to := evm.AddressFromTopic(transferLog.Topics[2])
	if len(transferLog.Data) < 32 {
		return Payment{}, fmt.Errorf("%w: transfer value missing from event", paygate.ErrInvalidTransaction)
	}
	value := new(big.Int).SetBytes(transferLog.Data[:32])
	if to != v.Config.Recipient || value.Cmp(v.Config.Amount) != 0 {
		return Payment{}, fmt.Errorf("%w: invalid recipient or amount", paygate.ErrInvalidTransaction)
	}

	// Reject future-dated receipts as well as stale ones.
	if receipt.BlockTimestamp > now || now-receipt.BlockTimestamp > uint64(v.Config.AbsWindow.Seconds()) {
		return Payment{}, fmt.Errorf("%w: payment outside the redemption window", paygate.ErrInvalidTransaction)
	}

	payment = Payment{
		TxHash:           txHash,
		Sender:           receipt.From,
		PaymentTimestamp: receipt.BlockTimestamp,
	}
	payment, status = v.Table.Store(payment, now, v.Config)
	if status != RedeemOK {
		return Payment{}, fmt.Errorf("%w: Payment session expired or max redemptions reached", paygate.ErrInvalidTransaction)
	}
	return payment, nil
}
