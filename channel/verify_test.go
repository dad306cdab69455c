package channel

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/encoding"
	"github.com/paygate-labs/paygate-go/evm"
)

// callerStub answers getChannelInfo and token calls with hand-packed words.
type callerStub struct {
	info  evm.ChannelInfo
	token common.Address
	err   error
	calls int
}

func (s *callerStub) CallContract(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if bytes.Equal(data[:4], evm.PackToken()[:4]) {
		return common.LeftPadBytes(s.token.Bytes(), 32), nil
	}

	out := make([]byte, 0, 6*32)
	out = append(out, math.U256Bytes(new(big.Int).Set(s.info.Balance))...)
	out = append(out, math.U256Bytes(new(big.Int).Set(s.info.Expiration))...)
	out = append(out, math.U256Bytes(new(big.Int).Set(s.info.ChannelID))...)
	out = append(out, common.LeftPadBytes(s.info.Sender.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(s.info.Recipient.Bytes(), 32)...)
	out = append(out, math.U256Bytes(new(big.Int).Set(s.info.PricePerRequest))...)
	return out, nil
}

type channelFixture struct {
	key      *ecdsa.PrivateKey
	sender   common.Address
	now      time.Time
	cfg      Config
	stub     *callerStub
	verifier *Verifier
}

func newChannelFixture(t *testing.T) *channelFixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)

	cfg := Config{
		Token:     common.HexToAddress("0x036cbd53842c5426634e7929541ec2318f3dcf7e"),
		Recipient: common.HexToAddress("0x62c43323447899acb61c18181e34168903e033bf"),
		Amount:    big.NewInt(1000),
	}
	now := time.Unix(1_700_000_000, 0)

	stub := &callerStub{
		info: evm.ChannelInfo{
			Balance:         big.NewInt(1_000_000),
			Expiration:      big.NewInt(now.Unix() + 3600),
			ChannelID:       big.NewInt(1),
			Sender:          sender,
			Recipient:       cfg.Recipient,
			PricePerRequest: cfg.Amount,
		},
		token: cfg.Token,
	}

	return &channelFixture{
		key:    key,
		sender: sender,
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

func (f *channelFixture) channel(nonce, balance int64) PaymentChannel {
	return PaymentChannel{
		Address:    common.HexToAddress("0x4cf93d3b7cd9d50ecfba2082d92534e578fe46f6"),
		Sender:     f.sender,
		Recipient:  f.cfg.Recipient,
		Balance:    big.NewInt(balance),
		Nonce:      big.NewInt(nonce),
		Expiration: big.NewInt(f.now.Unix() + 3600),
		ChannelID:  big.NewInt(1),
	}
}

func (f *channelFixture) payload(t *testing.T, ch PaymentChannel, body []byte) Payload {
	t.Helper()
	digest := Digest(ch.ChannelID, ch.Balance, ch.Nonce, body)
	sig, err := evm.PersonalSign(digest, f.key)
	if err != nil {
		t.Fatalf("PersonalSign: %v", err)
	}
	return Payload{
		Signature:      encoding.FormatBytes(sig),
		Message:        encoding.FormatBytes(digest),
		PaymentChannel: ch,
		Timestamp:      uint64(f.now.Unix()),
	}
}

func TestVerifyFirstSight(t *testing.T) {
	f := newChannelFixture(t)

	updated, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(0, 1_000_000), nil), nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if updated.Balance.Cmp(big.NewInt(999_000)) != 0 {
		t.Errorf("Balance = %s, want 999000", updated.Balance)
	}
	if updated.Nonce.Sign() != 0 {
		t.Errorf("Nonce = %s, want 0", updated.Nonce)
	}
	if f.stub.calls != 2 {
		t.Errorf("contract calls = %d, want 2 (getChannelInfo + token)", f.stub.calls)
	}
}

func TestVerifyReplayRejected(t *testing.T) {
	f := newChannelFixture(t)
	payload := f.payload(t, f.channel(0, 1_000_000), nil)

	if _, err := f.verifier.Verify(context.Background(), payload, nil); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	_, err := f.verifier.Verify(context.Background(), payload, nil)
	if !errors.Is(err, paygate.ErrInvalidNonce) {
		t.Errorf("replay err = %v, want ErrInvalidNonce", err)
	}
}

func TestVerifyAdvanceSkipsChain(t *testing.T) {
	f := newChannelFixture(t)

	if _, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(0, 1_000_000), nil), nil); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	callsAfterFirst := f.stub.calls

	updated, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(1, 999_000), nil), nil)
	if err != nil {
		t.Fatalf("advance Verify: %v", err)
	}
	if updated.Balance.Cmp(big.NewInt(998_000)) != 0 || updated.Nonce.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("updated = {balance:%s nonce:%s}, want {998000 1}", updated.Balance, updated.Nonce)
	}
	if f.stub.calls != callsAfterFirst {
		t.Error("tracked channel hit the chain again")
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	f := newChannelFixture(t)
	payload := f.payload(t, f.channel(0, 1_000_000), nil)
	payload.Timestamp = uint64(f.now.Unix()) - 301

	_, err := f.verifier.Verify(context.Background(), payload, nil)
	if !errors.Is(err, paygate.ErrTimestamp) {
		t.Errorf("err = %v, want ErrTimestamp", err)
	}
}

func TestVerifyDigestMismatch(t *testing.T) {
	f := newChannelFixture(t)
	ch := f.channel(0, 1_000_000)
	payload := f.payload(t, ch, nil)
	payload.Message = encoding.FormatBytes(crypto.Keccak256([]byte("other")))

	_, err := f.verifier.Verify(context.Background(), payload, nil)
	if !errors.Is(err, paygate.ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestVerifyWrongSigner(t *testing.T) {
	f := newChannelFixture(t)
	other, _ := crypto.GenerateKey()
	f.key = other // sender field still names the real payer

	_, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(0, 1_000_000), nil), nil)
	if !errors.Is(err, paygate.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyExpiredChannel(t *testing.T) {
	f := newChannelFixture(t)
	ch := f.channel(0, 1_000_000)
	ch.Expiration = big.NewInt(f.now.Unix() - 1)

	_, err := f.verifier.Verify(context.Background(), f.payload(t, ch, nil), nil)
	if !errors.Is(err, paygate.ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyInsufficientBalance(t *testing.T) {
	f := newChannelFixture(t)
	f.stub.info.Balance = big.NewInt(2_000_000) // escrow backs more than submitted

	_, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(0, 1_000_000), nil), nil)
	if !errors.Is(err, paygate.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestVerifyOnChainFieldMismatch(t *testing.T) {
	f := newChannelFixture(t)
	f.stub.info.Sender = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	_, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(0, 1_000_000), nil), nil)
	if !errors.Is(err, paygate.ErrInvalidChannel) {
		t.Errorf("err = %v, want ErrInvalidChannel", err)
	}
}

func TestVerifyTokenMismatch(t *testing.T) {
	f := newChannelFixture(t)
	f.stub.token = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	_, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(0, 1_000_000), nil), nil)
	if !errors.Is(err, paygate.ErrInvalidChannel) {
		t.Errorf("err = %v, want ErrInvalidChannel", err)
	}
}

func TestVerifyRateLimit(t *testing.T) {
	f := newChannelFixture(t)
	f.verifier.Limiter = NewRateLimiter(2, time.Minute)

	if _, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(0, 1_000_000), nil), nil); err != nil {
		t.Fatalf("request 1: %v", err)
	}
	if _, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(1, 999_000), nil), nil); err != nil {
		t.Fatalf("request 2: %v", err)
	}

	_, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(2, 998_000), nil), nil)
	if !errors.Is(err, paygate.ErrRateLimited) {
		t.Errorf("request 3 err = %v, want ErrRateLimited", err)
	}
}

func TestVerifyBindBody(t *testing.T) {
	f := newChannelFixture(t)
	f.verifier.Config.BindBody = true
	body := []byte(`{"query":"data"}`)

	updated, err := f.verifier.Verify(context.Background(), f.payload(t, f.channel(0, 1_000_000), body), body)
	if err != nil {
		t.Fatalf("Verify with bound body: %v", err)
	}
	if updated.Balance.Cmp(big.NewInt(999_000)) != 0 {
		t.Errorf("Balance = %s, want 999000", updated.Balance)
	}

	// A signature over the empty body must not authorize a bound request.
	_, err = f.verifier.Verify(context.Background(), f.payload(t, f.channel(1, 999_000), nil), body)
	if !errors.Is(err, paygate.ErrInvalidMessage) {
		t.Errorf("unbound digest err = %v, want ErrInvalidMessage", err)
	}
}

type txSenderStub struct {
	contract common.Address
	data     []byte
	hash     common.Hash
}

func (s *txSenderStub) SendContractTx(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, data []byte) (common.Hash, error) {
	s.contract = contract
	s.data = data
	return s.hash, nil
}

func TestClose(t *testing.T) {
	f := newChannelFixture(t)
	ch := f.channel(0, 1_000_000)

	if _, err := f.verifier.Verify(context.Background(), f.payload(t, ch, nil), nil); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	stub := &txSenderStub{hash: common.HexToHash("0xabcdef")}
	key, _ := crypto.GenerateKey()

	txHash, err := f.verifier.Close(context.Background(), stub, key, big.NewInt(1), nil)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if txHash != stub.hash {
		t.Errorf("tx hash = %s, want %s", txHash.Hex(), stub.hash.Hex())
	}
	if stub.contract != ch.Address {
		t.Errorf("close sent to %s, want escrow %s", stub.contract.Hex(), ch.Address.Hex())
	}
	if len(stub.data) == 0 {
		t.Error("close calldata is empty")
	}
}

func TestCloseUnknownChannel(t *testing.T) {
	f := newChannelFixture(t)
	key, _ := crypto.GenerateKey()

	_, err := f.verifier.Close(context.Background(), &txSenderStub{}, key, big.NewInt(42), nil)
	if !errors.Is(err, paygate.ErrChannelNotFound) {
		t.Errorf("err = %v, want ErrChannelNotFound", err)
	}
}
