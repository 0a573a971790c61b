// Package ledger maintains the local mirror of one client's hourly boop
// entries in the store. The mirror is pure state: store subscriptions,
// removal timers and the append schedule are driven by the owning session,
// which serializes all access.
package ledger

import (
	"github.com/boopnet/boopd/internal/domain"
)

// Mirror shadows the client's bph subtree plus the count of admitted boops
// not yet appended as an entry.
type Mirror struct {
	entries  map[string]domain.LedgerEntry
	sum      int64
	unsynced int64
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{entries: make(map[string]domain.LedgerEntry)}
}

// Added applies a child-added store event. Malformed payloads return ok=false
// and leave the mirror untouched; the caller is expected to schedule a store
// removal for the key. A key seen before is replaced, keeping the running sum
// consistent.
func (m *Mirror) Added(key string, value any) (domain.LedgerEntry, bool) {
	e, ok := domain.DecodeLedgerEntry(value)
	if !ok {
		return domain.LedgerEntry{}, false
	}
	if prev, exists := m.entries[key]; exists {
		m.sum -= prev.Change
	}
	m.entries[key] = e
	m.sum += e.Change
	return e, true
}

// Removed applies a child-removed store event. Unknown keys return false so
// the caller can log the anomaly.
func (m *Mirror) Removed(key string) bool {
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	m.sum -= e.Change
	return true
}

// Record counts one admitted boop that has not yet been appended to the store.
func (m *Mirror) Record() {
	m.unsynced++
}

// Sum returns the total Change across mirrored entries.
func (m *Mirror) Sum() int64 {
	return m.sum
}

// Unsynced returns the count of admitted boops awaiting an append.
func (m *Mirror) Unsynced() int64 {
	return m.unsynced
}

// Total is the hourly usage the rate limiter checks against the cap.
func (m *Mirror) Total() int64 {
	return m.sum + m.unsynced
}

// Len returns the number of mirrored entries.
func (m *Mirror) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the mirrored entries for cooldown computation.
func (m *Mirror) Entries() []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// BeginSync snapshots and zeroes the unsynced count for an append. A zero
// return means there is nothing to sync. On append failure the caller must
// hand the snapshot back via FailSync so the next scheduled sync retries it.
func (m *Mirror) BeginSync() int64 {
	c := m.unsynced
	m.unsynced = 0
	return c
}

// FailSync restores a snapshot whose append failed.
func (m *Mirror) FailSync(change int64) {
	m.unsynced += change
}
