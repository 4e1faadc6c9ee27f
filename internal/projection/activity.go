package projection

import (
	"sync"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
)

// DefaultActivityCapacity bounds the in-memory activity feed.
const DefaultActivityCapacity = 10_000

// ActivityEntry is one notification as seen by a holder.
type ActivityEntry struct {
	event.Notification
	CommandType    string `json:"command_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Timestamp      uint64 `json:"timestamp"`

	parties []ledger.Address
}

// ActivityProjection keeps the most recent notifications in memory for
// the per-holder activity feed. Oldest entries are overwritten first.
type ActivityProjection struct {
	mu       sync.RWMutex
	entries  []ActivityEntry
	next     int
	full     bool
	capacity int
}

func NewActivityProjection(capacity int) *ActivityProjection {
	if capacity <= 0 {
		capacity = DefaultActivityCapacity
	}
	return &ActivityProjection{
		entries:  make([]ActivityEntry, capacity),
		capacity: capacity,
	}
}

// Record appends every notification of an applied command.
func (p *ActivityProjection) Record(out core.CoreOutput) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range out.Notifications {
		p.entries[p.next] = ActivityEntry{
			Notification:   n,
			CommandType:    out.Envelope.CommandType.String(),
			IdempotencyKey: out.Envelope.IdempotencyKey,
			Timestamp:      out.Envelope.Timestamp,
			parties:        parties(out, n),
		}
		p.next = (p.next + 1) % p.capacity
		if p.next == 0 {
			p.full = true
		}
	}
}

// parties lists every address an entry concerns: the caller, the named
// holder and spender, and the policy holder of a claim.
func parties(out core.CoreOutput, n event.Notification) []ledger.Address {
	addrs := []ledger.Address{out.Envelope.Caller}
	if n.Holder != nil {
		addrs = append(addrs, *n.Holder)
	}
	if n.Spender != nil {
		addrs = append(addrs, *n.Spender)
	}
	if n.PolicyID != nil && out.Policy != nil {
		addrs = append(addrs, out.Policy.Holder)
	}
	return addrs
}

func (e ActivityEntry) involves(holder ledger.Address) bool {
	for _, a := range e.parties {
		if a == holder {
			return true
		}
	}
	return false
}

// QueryByHolder returns up to limit entries involving holder, newest first.
func (p *ActivityProjection) QueryByHolder(holder ledger.Address, limit int) []ActivityEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]ActivityEntry, 0)
	n := p.next
	if p.full {
		n = p.capacity
	}
	for i := 0; i < n && len(result) < limit; i++ {
		idx := (p.next - 1 - i + p.capacity) % p.capacity
		e := p.entries[idx]
		if e.involves(holder) {
			result = append(result, e)
		}
	}
	return result
}

// Len is the number of retained entries.
func (p *ActivityProjection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.full {
		return p.capacity
	}
	return p.next
}
