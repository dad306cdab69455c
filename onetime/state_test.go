package onetime

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func testConfig() Config {
	return Config{
		Token:          common.HexToAddress("0x036cbd53842c5426634e7929541ec2318f3dcf7e"),
		Recipient:      common.HexToAddress("0x62c43323447899acb61c18181e34168903e033bf"),
		AbsWindow:      48 * time.Hour,
		SessionTTL:     time.Hour,
		MaxRedemptions: 3,
	}
}

func TestTableRedeemUnknownHash(t *testing.T) {
	tbl := NewTable()
	_, status := tbl.Redeem(common.Hash{1}, 1000, testConfig())
	if status != RedeemNotFound {
		t.Errorf("status = %v, want RedeemNotFound", status)
	}
}

func TestTableStoreThenRedeemUpToCap(t *testing.T) {
	cfg := testConfig()
	tbl := NewTable()
	now := uint64(1_700_000_000)

	p, status := tbl.Store(Payment{TxHash: common.Hash{1}, PaymentTimestamp: now - 10}, now, cfg)
	if status != RedeemOK {
		t.Fatalf("Store status = %v, want RedeemOK", status)
	}
	if p.Redemptions != 1 || p.FirstRedeemed != now {
		t.Fatalf("stored payment = %+v, want Redemptions=1 FirstRedeemed=%d", p, now)
	}

	for i := uint32(2); i <= cfg.MaxRedemptions; i++ {
		p, status = tbl.Redeem(common.Hash{1}, now+uint64(i), cfg)
		if status != RedeemOK {
			t.Fatalf("redemption %d status = %v, want RedeemOK", i, status)
		}
		if p.Redemptions != i {
			t.Errorf("redemption %d count = %d", i, p.Redemptions)
		}
	}

	if _, status = tbl.Redeem(common.Hash{1}, now+10, cfg); status != RedeemExhausted {
		t.Errorf("over-cap status = %v, want RedeemExhausted", status)
	}
}

func TestTableRedeemSessionExpiry(t *testing.T) {
	cfg := testConfig()
	tbl := NewTable()
	now := uint64(1_700_000_000)

	tbl.Store(Payment{TxHash: common.Hash{1}, PaymentTimestamp: now}, now, cfg)

	late := now + uint64(cfg.SessionTTL.Seconds()) + 1
	if _, status := tbl.Redeem(common.Hash{1}, late, cfg); status != RedeemExhausted {
		t.Errorf("post-session status = %v, want RedeemExhausted", status)
	}
}

func TestTableRedeemAbsoluteWindowExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTTL = 100 * 24 * time.Hour // keep the session open past the window
	tbl := NewTable()
	paid := uint64(1_700_000_000)

	tbl.Store(Payment{TxHash: common.Hash{1}, PaymentTimestamp: paid}, paid, cfg)

	late := paid + uint64(cfg.AbsWindow.Seconds()) + 1
	if _, status := tbl.Redeem(common.Hash{1}, late, cfg); status != RedeemExhausted {
		t.Errorf("post-window status = %v, want RedeemExhausted", status)
	}
}

func TestTableStoreRedeemsExistingOnRace(t *testing.T) {
	cfg := testConfig()
	tbl := NewTable()
	now := uint64(1_700_000_000)

	tbl.Store(Payment{TxHash: common.Hash{1}, PaymentTimestamp: now}, now, cfg)
	p, status := tbl.Store(Payment{TxHash: common.Hash{1}, PaymentTimestamp: now}, now, cfg)
	if status != RedeemOK {
		t.Fatalf("second Store status = %v, want RedeemOK", status)
	}
	if p.Redemptions != 2 {
		t.Errorf("Redemptions = %d, want 2", p.Redemptions)
	}
}

func TestTableConcurrentRedemptionsNeverExceedCap(t *testing.T) {
	cfg := testConfig()
	tbl := NewTable()
	now := uint64(1_700_000_000)
	tbl.Store(Payment{TxHash: common.Hash{1}, PaymentTimestamp: now}, now, cfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 1 // the Store above consumed one

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, status := tbl.Redeem(common.Hash{1}, now, cfg); status == RedeemOK {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != int(cfg.MaxRedemptions) {
		t.Errorf("granted = %d, want %d", granted, cfg.MaxRedemptions)
	}
}

func TestTableInvalidate(t *testing.T) {
	tbl := NewTable()
	tbl.Set(common.Hash{1}, Payment{TxHash: common.Hash{1}})
	tbl.Invalidate(common.Hash{1})
	if _, ok := tbl.Get(common.Hash{1}); ok {
		t.Error("record survived Invalidate")
	}
}
