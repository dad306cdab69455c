package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/encoding"
	"github.com/paygate-labs/paygate-go/evm"
)

// ContractCaller is the chain access the verifier needs on the request path.
type ContractCaller interface {
	CallContract(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
}

// Verifier authorizes requests against live payment streams, caching
// verifications for the configured TTL.
type Verifier struct {
	Client ContractCaller
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

// Verify checks the payload against the cache and, on a miss or stale entry,
// against the CFAv1Forwarder contract.
func (v *Verifier) Verify(ctx context.Context, payload Payload) (Record, error) {
	sender, err := encoding.ParseAddress(payload.Sender)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", paygate.ErrInvalidHeaders, err)
	}

	now := v.now()

	if r, ok := v.Table.Get(sender); ok && now-r.LastVerified < uint64(v.Config.CacheTTL.Seconds()) {
		return r, nil
	}

	sig, err := encoding.ParseSignature(payload.Signature)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", paygate.ErrInvalidHeaders, err)
	}

	digest := crypto.Keccak256(sender.Bytes())
	signer, err := evm.RecoverPersonalSign(digest, sig)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", paygate.ErrInvalidSignature, err)
	}
	if signer != sender {
		return Record{}, paygate.ErrInvalidSignature
	}

	data, err := evm.PackGetFlowInfo(v.Config.Token, sender, v.Config.Recipient)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", paygate.ErrContract, err)
	}
	raw, err := v.Client.CallContract(ctx, v.Config.Forwarder, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Record{}, fmt.Errorf("%w: %v", paygate.ErrNetwork, err)
		}
		return Record{}, fmt.Errorf("%w: %v", paygate.ErrContract, err)
	}
	info, err := evm.UnpackFlowInfo(raw)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", paygate.ErrContract, err)
	}

	if info.FlowRate.Sign() == 0 {
		return Record{}, fmt.Errorf("%w: no flow", paygate.ErrInvalidStream)
	}
	if info.FlowRate.Cmp(v.Config.FlowRate) != 0 {
		return Record{}, fmt.Errorf("%w: rate mismatch", paygate.ErrInvalidStream)
	}

	record := Record{
		Sender:       sender,
		Recipient:    v.Config.Recipient,
		Token:        v.Config.Token,
		FlowRate:     v.Config.FlowRate,
		LastVerified: now,
	}
	v.Table.Set(record)

	slog.Debug("stream verified",
		"sender", sender.Hex(),
		"flow_rate", v.Config.FlowRate.String())
	return record, nil
}
