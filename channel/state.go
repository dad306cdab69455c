package channel

import (
	"fmt"
	"math/big"
	"sync"

	paygate "github.com/paygate-labs/paygate-go"
)

// Record is a tracked channel plus the most recent accepted signature, kept
// so the operator can later close the channel on-chain at its final state.
type Record struct {
	Channel         PaymentChannel
	LatestSignature []byte
}

// Table is the concurrent channel-id → record map.
type Table struct {
	mu       sync.RWMutex
	channels map[string]Record
}

// NewTable creates an empty channel table.
func NewTable() *Table {
	return &Table{channels: make(map[string]Record)}
}

func key(channelID *big.Int) string {
	return channelID.String()
}

// Get returns a deep copy of the record for channelID.
func (t *Table) Get(channelID *big.Int) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.channels[key(channelID)]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(r), true
}

// Set inserts or replaces the record for the channel.
func (t *Table) Set(channel PaymentChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.channels[key(channel.ChannelID)]
	r.Channel = channel.Clone()
	t.channels[key(channel.ChannelID)] = r
}

// Invalidate removes the record for channelID.
func (t *Table) Invalidate(channelID *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, key(channelID))
}

// SetLatestSignature replaces the stored signature for channelID. Reports
// false when the channel is unknown.
func (t *Table) SetLatestSignature(channelID *big.Int, sig []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.channels[key(channelID)]
	if !ok {
		return false
	}
	r.LatestSignature = append([]byte(nil), sig...)
	t.channels[key(channelID)] = r
	return true
}

// GetLatestSignature returns a copy of the stored signature for channelID.
func (t *Table) GetLatestSignature(channelID *big.Int) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.channels[key(channelID)]
	if !ok || r.LatestSignature == nil {
		return nil, false
	}
	return append([]byte(nil), r.LatestSignature...), true
}

// Precheck applies the nonce and balance invariants against the current
// state without committing anything. It reports whether the channel is
// already tracked; an untracked channel still needs on-chain validation
// before Commit.
func (t *Table) Precheck(submitted PaymentChannel) (known bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.channels[key(submitted.ChannelID)]
	if !ok {
		return false, firstSightCheck(submitted)
	}
	return true, trackedCheck(submitted, r.Channel)
}

// Commit re-applies the invariants under the exclusive lock, deducts the
// per-request price from the submitted balance, and stores the new state
// together with its signature. The re-check makes concurrent requests on one
// channel linearize: at most one commit wins per nonce.
func (t *Table) Commit(submitted PaymentChannel, sig []byte, price *big.Int) (PaymentChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.channels[key(submitted.ChannelID)]; ok {
		if err := trackedCheck(submitted, r.Channel); err != nil {
			return PaymentChannel{}, err
		}
	} else if err := firstSightCheck(submitted); err != nil {
		return PaymentChannel{}, err
	}

	updated := submitted.Clone()
	updated.Balance.Sub(updated.Balance, price)

	t.channels[key(submitted.ChannelID)] = Record{
		Channel:         updated,
		LatestSignature: append([]byte(nil), sig...),
	}
	return updated.Clone(), nil
}

func trackedCheck(submitted, stored PaymentChannel) error {
	if submitted.Nonce.Cmp(stored.Nonce) <= 0 {
		return fmt.Errorf("%w: got %s, want greater than %s", paygate.ErrInvalidNonce, submitted.Nonce, stored.Nonce)
	}
	if submitted.Balance.Cmp(stored.Balance) != 0 {
		return fmt.Errorf("%w: balance %s does not match tracked balance %s", paygate.ErrInvalidChannel, submitted.Balance, stored.Balance)
	}
	return nil
}

func firstSightCheck(submitted PaymentChannel) error {
	if submitted.Nonce.Sign() != 0 {
		return fmt.Errorf("%w: first submission must carry nonce 0, got %s", paygate.ErrInvalidNonce, submitted.Nonce)
	}
	return nil
}

func cloneRecord(r Record) Record {
	out := Record{Channel: r.Channel.Clone()}
	if r.LatestSignature != nil {
		out.LatestSignature = append([]byte(nil), r.LatestSignature...)
	}
	return out
}
