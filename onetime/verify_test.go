package onetime

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/evm"
)

type receiptStub struct {
	receipt *evm.Receipt
	err     error
	calls   int
}

func (s *receiptStub) TransactionReceipt(ctx context.Context, txHash common.Hash) (*evm.Receipt, error) {
	s.calls++
	return s.receipt, s.err
}

type fixture struct {
	key      *ecdsa.PrivateKey
	sender   common.Address
	txHash   common.Hash
	now      time.Time
	cfg      Config
	stub     *receiptStub
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	txHash := common.HexToHash("0x715e376e7165af9ddd85014e4bcbb23bcdca6aa9c9f91944c2cb28fa78a60da4")

	cfg := testConfig()
	cfg.Amount = big.NewInt(1_000_000)

	now := time.Unix(1_700_000_000, 0)

	data := make([]byte, 32)
	cfg.Amount.FillBytes(data)
	stub := &receiptStub{
		receipt: &evm.Receipt{
			TxHash: txHash,
			From:   sender,
			To:     &cfg.Token,
			Status: 1,
			Logs: []*types.Log{{
				Address: cfg.Token,
				Topics: []common.Hash{
					evm.TransferTopic,
					evm.AddressTopic(sender),
					evm.AddressTopic(cfg.Recipient),
				},
				Data: data,
			}},
			BlockNumber:    big.NewInt(100),
			BlockTimestamp: uint64(now.Unix()) - 60,
		},
	}

	return &fixture{
		key:    key,
		sender: sender,
		txHash: txHash,
		now:    now,
		cfg:    cfg,
		stub:   stub,
		verifier: &Verifier{
			Client: stub,
			Table:  NewTable(),
			Config: cfg,
			Now:    func() time.Time { return now },
		},
	}
}

func (f *fixture) payload(t *testing.T) Payload {
	t.Helper()
	sig, err := evm.PersonalSign(crypto.Keccak256(f.txHash.Bytes()), f.key)
	if err != nil {
		t.Fatalf("PersonalSign: %v", err)
	}
	return Payload{
		Signature: "0x" + common.Bytes2Hex(sig),
		TxHash:    f.txHash.Hex(),
	}
}

func TestVerifyFirstSight(t *testing.T) {
	f := newFixture(t)

	payment, err := f.verifier.Verify(context.Background(), f.payload(t))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if payment.Sender != f.sender {
		t.Errorf("Sender = %s, want %s", payment.Sender.Hex(), f.sender.Hex())
	}
	if payment.Redemptions != 1 {
		t.Errorf("Redemptions = %d, want 1", payment.Redemptions)
	}
	if f.stub.calls != 1 {
		t.Errorf("receipt calls = %d, want 1", f.stub.calls)
	}
}

func TestVerifyFastPathSkipsChain(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)

	if _, err := f.verifier.Verify(context.Background(), payload); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	payment, err := f.verifier.Verify(context.Background(), payload)
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if payment.Redemptions != 2 {
		t.Errorf("Redemptions = %d, want 2", payment.Redemptions)
	}
	if f.stub.calls != 1 {
		t.Errorf("receipt calls = %d, want 1 (fast path hit the chain)", f.stub.calls)
	}
}

func TestVerifyExhaustsAfterMaxRedemptions(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)

	for i := uint32(0); i < f.cfg.MaxRedemptions; i++ {
		if _, err := f.verifier.Verify(context.Background(), payload); err != nil {
			t.Fatalf("redemption %d: %v", i+1, err)
		}
	}

	_, err := f.verifier.Verify(context.Background(), payload)
	if !errors.Is(err, paygate.ErrInvalidTransaction) {
		t.Errorf("over-cap err = %v, want ErrInvalidTransaction", err)
	}
	// Clients match on the literal message.
	if !strings.Contains(err.Error(), "Payment session expired or max redemptions reached") {
		t.Errorf("over-cap message = %q", err.Error())
	}
}

func TestVerifyRejectsExpiredSession(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)

	if _, err := f.verifier.Verify(context.Background(), payload); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	f.verifier.Now = func() time.Time { return f.now.Add(f.cfg.SessionTTL + time.Second) }
	_, err := f.verifier.Verify(context.Background(), payload)
	if !errors.Is(err, paygate.ErrInvalidTransaction) {
		t.Errorf("post-session err = %v, want ErrInvalidTransaction", err)
	}
}

func TestVerifyUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	f.stub.receipt = nil
	f.stub.err = evm.ErrReceiptNotFound

	_, err := f.verifier.Verify(context.Background(), f.payload(t))
	if !errors.Is(err, paygate.ErrTransactionNotFound) {
		t.Errorf("err = %v, want ErrTransactionNotFound", err)
	}
}

func TestVerifySignerMismatch(t *testing.T) {
	f := newFixture(t)
	other, _ := crypto.GenerateKey()
	f.key = other // sign with a key that is not the payer

	_, err := f.verifier.Verify(context.Background(), f.payload(t))
	if !errors.Is(err, paygate.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyWrongTokenContract(t *testing.T) {
	f := newFixture(t)
	wrong := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	f.stub.receipt.To = &wrong

	_, err := f.verifier.Verify(context.Background(), f.payload(t))
	if !errors.Is(err, paygate.ErrInvalidTransaction) {
		t.Errorf("err = %v, want ErrInvalidTransaction", err)
	}
}

func TestVerifyWrongRecipient(t *testing.T) {
	f := newFixture(t)
	f.stub.receipt.Logs[0].Topics[2] = evm.AddressTopic(common.HexToAddress("0x000000000000000000000000000000000000dEaD"))

	_, err := f.verifier.Verify(context.Background(), f.payload(t))
	if !errors.Is(err, paygate.ErrInvalidTransaction) {
		t.Errorf("err = %v, want ErrInvalidTransaction", err)
	}
}

func TestVerifyWrongAmount(t *testing.T) {
	f := newFixture(t)
	short := make([]byte, 32)
	big.NewInt(999_999).FillBytes(short)
	f.stub.receipt.Logs[0].Data = short

	_, err := f.verifier.Verify(context.Background(), f.payload(t))
	if !errors.Is(err, paygate.ErrInvalidTransaction) {
		t.Errorf("err = %v, want ErrInvalidTransaction", err)
	}
}

func TestVerifyStalePayment(t *testing.T) {
	f := newFixture(t)
	f.stub.receipt.BlockTimestamp = uint64(f.now.Unix()) - uint64(f.cfg.AbsWindow.Seconds()) - 1

	_, err := f.verifier.Verify(context.Background(), f.payload(t))
	if !errors.Is(err, paygate.ErrInvalidTransaction) {
		t.Errorf("stale err = %v, want ErrInvalidTransaction", err)
	}
}

func TestVerifyFutureDatedPayment(t *testing.T) {
	f := newFixture(t)
	f.stub.receipt.BlockTimestamp = uint64(f.now.Unix()) + 600

	_, err := f.verifier.Verify(context.Background(), f.payload(t))
	if !errors.Is(err, paygate.ErrInvalidTransaction) {
		t.Errorf("future err = %v, want ErrInvalidTransaction", err)
	}
}

func TestVerifyMalformedPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.verifier.Verify(context.Background(), Payload{Signature: "0x1234", TxHash: f.txHash.Hex()})
	if !errors.Is(err, paygate.ErrInvalidHeaders) {
		t.Errorf("bad signature err = %v, want ErrInvalidHeaders", err)
	}

	_, err = f.verifier.Verify(context.Background(), Payload{Signature: f.payload(t).Signature, TxHash: "not-a-hash"})
	if !errors.Is(err, paygate.ErrInvalidHeaders) {
		t.Errorf("bad hash err = %v, want ErrInvalidHeaders", err)
	}
}
