package stream

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Table is the concurrent sender → verified-stream cache. The request path
// reads and inserts; the listener only invalidates.
type Table struct {
	mu      sync.RWMutex
	streams map[common.Address]Record
}

// NewTable creates an empty stream cache.
func NewTable() *Table {
	return &Table{streams: make(map[common.Address]Record)}
}

// Get returns a copy of the record for sender.
func (t *Table) Get(sender common.Address) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.streams[sender]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(r), true
}

// Set inserts or replaces the record for its sender.
func (t *Table) Set(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[r.Sender] = cloneRecord(r)
}

// Invalidate removes the record for sender.
func (t *Table) Invalidate(sender common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, sender)
}

func cloneRecord(r Record) Record {
	out := r
	if r.FlowRate != nil {
		out.FlowRate = new(big.Int).Set(r.FlowRate)
	}
	return out
}
