package channel

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestPaymentChannelWireForm(t *testing.T) {
	ch := testChannel(7, 999_000)

	data, err := json.Marshal(ch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// u256 fields travel as decimal strings so float-parsing consumers
	// cannot corrupt them.
	for _, want := range []string{`"balance":"999000"`, `"nonce":"7"`, `"channel_id":"1"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("wire form %s missing %s", data, want)
		}
	}

	var back PaymentChannel
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Sender != ch.Sender || back.Balance.Cmp(ch.Balance) != 0 || back.Nonce.Cmp(ch.Nonce) != 0 {
		t.Errorf("round trip = %+v, want %+v", back, ch)
	}
}

func TestPaymentChannelUnmarshalRejectsBadFields(t *testing.T) {
	cases := map[string]string{
		"bad address": `{"address":"xyz","sender":"0x898d0dbd5850e086e6c09d2c83a26bb5f1ff8c33","recipient":"0x62c43323447899acb61c18181e34168903e033bf","balance":"1","nonce":"0","expiration":"1","channel_id":"1"}`,
		"bad balance": `{"address":"0x4cf93d3b7cd9d50ecfba2082d92534e578fe46f6","sender":"0x898d0dbd5850e086e6c09d2c83a26bb5f1ff8c33","recipient":"0x62c43323447899acb61c18181e34168903e033bf","balance":"1.5","nonce":"0","expiration":"1","channel_id":"1"}`,
		"negative":    `{"address":"0x4cf93d3b7cd9d50ecfba2082d92534e578fe46f6","sender":"0x898d0dbd5850e086e6c09d2c83a26bb5f1ff8c33","recipient":"0x62c43323447899acb61c18181e34168903e033bf","balance":"-1","nonce":"0","expiration":"1","channel_id":"1"}`,
	}
	for name, raw := range cases {
		var ch PaymentChannel
		if err := json.Unmarshal([]byte(raw), &ch); err == nil {
			t.Errorf("%s: expected unmarshal error", name)
		}
	}
}

func TestDigestBindsEveryField(t *testing.T) {
	base := Digest(big.NewInt(1), big.NewInt(1_000_000), big.NewInt(0), nil)

	variants := [][]byte{
		Digest(big.NewInt(2), big.NewInt(1_000_000), big.NewInt(0), nil),
		Digest(big.NewInt(1), big.NewInt(999_000), big.NewInt(0), nil),
		Digest(big.NewInt(1), big.NewInt(1_000_000), big.NewInt(1), nil),
		Digest(big.NewInt(1), big.NewInt(1_000_000), big.NewInt(0), []byte("body")),
	}
	for i, v := range variants {
		if string(v) == string(base) {
			t.Errorf("variant %d collided with the base digest", i)
		}
	}

	if len(base) != 32 {
		t.Errorf("digest length = %d, want 32", len(base))
	}
}

func TestRateLimiterFixedWindow(t *testing.T) {
	l := NewRateLimiter(3, time.Minute)
	sender := testChannel(0, 0).Sender
	now := uint64(1_700_000_000)

	for i := 0; i < 3; i++ {
		if !l.Allow(sender, now) {
			t.Fatalf("request %d denied inside the window", i+1)
		}
	}
	if l.Allow(sender, now+59) {
		t.Error("request over the limit allowed inside the window")
	}
	if !l.Allow(sender, now+60) {
		t.Error("request denied after the window reset")
	}

	other := testChannel(0, 0).Recipient
	if !l.Allow(other, now) {
		t.Error("unrelated sender shares the window")
	}
}
