package onetime

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// RedeemStatus is the outcome of an atomic redemption attempt.
type RedeemStatus int

const (
	// RedeemOK means the payment was valid and its count was incremented.
	RedeemOK RedeemStatus = iota

	// RedeemNotFound means no record exists for the transaction hash.
	RedeemNotFound

	// RedeemExhausted means the record exists but is no longer redeemable:
	// the session or absolute window has passed, or the redemption cap
	// was reached.
	RedeemExhausted
)

// Table is the concurrent tx-hash → payment record map. Records are shared
// by value; all mutation happens under the table's exclusive lock.
type Table struct {
	mu       sync.RWMutex
	payments map[common.Hash]Payment
}

// NewTable creates an empty payment table.
func NewTable() *Table {
	return &Table{payments: make(map[common.Hash]Payment)}
}

// Get returns a copy of the record for txHash.
func (t *Table) Get(txHash common.Hash) (Payment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.payments[txHash]
	return p, ok
}

// Set inserts or replaces the record for txHash.
func (t *Table) Set(txHash common.Hash, p Payment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.payments[txHash] = p
}

// Invalidate removes the record for txHash.
func (t *Table) Invalidate(txHash common.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.payments, txHash)
}

// IncrementRedemptions bumps the redemption counter and returns the new
// count. Reports false when no record exists.
func (t *Table) IncrementRedemptions(txHash common.Hash) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.payments[txHash]
	if !ok {
		return 0, false
	}
	p.Redemptions++
	t.payments[txHash] = p
	return p.Redemptions, true
}

// SetFirstRedeemed records the start of the redemption session if it has
// not started yet. Reports whether the timestamp was set.
func (t *Table) SetFirstRedeemed(txHash common.Hash, ts uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.payments[txHash]
	if !ok || p.FirstRedeemed != 0 {
		return false
	}
	p.FirstRedeemed = ts
	t.payments[txHash] = p
	return true
}

// Redeem atomically checks redemption validity and increments the counter.
// The check and increment happen under one critical section so concurrent
// redemptions can never exceed the cap.
func (t *Table) Redeem(txHash common.Hash, now uint64, cfg Config) (Payment, RedeemStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.payments[txHash]
	if !ok {
		return Payment{}, RedeemNotFound
	}
	if !redeemable(p, now, cfg) {
		return p, RedeemExhausted
	}
	if p.FirstRedeemed == 0 {
		p.FirstRedeemed = now
	}
	p.Redemptions++
	t.payments[txHash] = p
	return p, RedeemOK
}

// Store inserts a freshly verified payment with its first redemption
// consumed. If a concurrent verification won the race, the existing record
// is redeemed instead so no increment is lost.
func (t *Table) Store(p Payment, now uint64, cfg Config) (Payment, RedeemStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.payments[p.TxHash]; ok {
		if !redeemable(existing, now, cfg) {
			return existing, RedeemExhausted
		}
		existing.Redemptions++
		t.payments[p.TxHash] = existing
		return existing, RedeemOK
	}

	p.FirstRedeemed = now
	p.Redemptions = 1
	t.payments[p.TxHash] = p
	return p, RedeemOK
}

// redeemable applies the redemption invariant: within the absolute window
// of the on-chain payment, within the session begun at first redemption,
// and under the redemption cap.
func redeemable(p Payment, now uint64, cfg Config) bool {
	if p.Redemptions >= cfg.MaxRedemptions {
		return false
	}
	if now > p.PaymentTimestamp+uint64(cfg.AbsWindow.Seconds()) {
		return false
	}
	if p.FirstRedeemed != 0 && now > p.FirstRedeemed+uint64(cfg.SessionTTL.Seconds()) {
		return false
	}
	return true
}
