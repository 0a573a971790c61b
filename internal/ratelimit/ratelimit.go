// Package ratelimit implements the two-window admission control for boops:
// a short per-minute window tracked locally and a long per-hour window backed
// by the client's persisted ledger. All times are epoch milliseconds supplied
// by the caller, so the package is deterministic under test.
package ratelimit

import (
	"sort"

	"github.com/boopnet/boopd/internal/domain"
)

// Window is the short-term record of admitted boop timestamps. Entries are
// appended in admission order. Stale entries are dropped only when Prune is
// called; the Limiter does so when the window is full and its oldest
// timestamp has left the minute.
type Window struct {
	stamps []int64
	head   int
}

// Prune drops timestamps that have left the window.
func (w *Window) Prune(now int64) {
	for w.head < len(w.stamps) && now-w.stamps[w.head] >= domain.BPMWindowMs {
		w.head++
	}
	// Reclaim the backing array once the dead prefix dominates.
	if w.head > 0 && w.head*2 >= len(w.stamps) {
		w.stamps = append(w.stamps[:0], w.stamps[w.head:]...)
		w.head = 0
	}
}

// Add records an admitted boop.
func (w *Window) Add(now int64) {
	w.stamps = append(w.stamps, now)
}

// Len returns the number of live timestamps.
func (w *Window) Len() int {
	return len(w.stamps) - w.head
}

// Oldest returns the earliest live timestamp.
func (w *Window) Oldest() (int64, bool) {
	if w.head >= len(w.stamps) {
		return 0, false
	}
	return w.stamps[w.head], true
}

// Limiter holds one session's admission state: the minute window plus the
// active cooldown and its consecutive-failure count. It is not safe for
// concurrent use; the owning session serializes access.
type Limiter struct {
	window        Window
	cooldownUntil int64
	cooldownFails int
}

// New returns a Limiter with no admitted boops and no active cooldown.
func New() *Limiter {
	return &Limiter{}
}

// cooldown computes the time until a new boop would be admitted, in
// milliseconds; zero means admit. hourlyTotal is the ledger sum plus unsynced
// admissions, entries the mirrored ledger records.
func (l *Limiter) cooldown(now, hourlyTotal int64, entries []domain.LedgerEntry) int64 {
	if hourlyTotal >= domain.BPHLimit {
		sorted := make([]domain.LedgerEntry, len(entries))
		copy(sorted, entries)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ValidUntil < sorted[j].ValidUntil })

		// Walk the entries in expiry order until enough budget frees up.
		// Unsynced admissions have no entry yet, so the walk can exhaust
		// without dropping below the cap; the full window applies then.
		soonest := now + domain.BPHWindowMs
		virtual := hourlyTotal
		for _, e := range sorted {
			virtual -= e.Change
			if virtual < domain.BPHLimit {
				soonest = e.ValidUntil
				break
			}
		}
		if d := soonest - now; d > 0 {
			return d
		}
		return 0
	}

	if l.window.Len() >= domain.BPMLimit {
		oldest, ok := l.window.Oldest()
		if !ok {
			return 0
		}
		if now-oldest >= domain.BPMWindowMs {
			l.window.Prune(now)
			return 0
		}
		return domain.BPMWindowMs - (now - oldest)
	}

	return 0
}

// Admit decides one boop request. A zero cooldown with kicked=false means the
// boop was admitted and recorded in the minute window. A nonzero cooldown
// means rejected; the value is the remaining wait the reject frame should
// carry. kicked=true means the client kept booping through an active
// cooldown past the failure limit and the connection must be closed.
func (l *Limiter) Admit(now, hourlyTotal int64, entries []domain.LedgerEntry) (cooldownMs int64, kicked bool) {
	if l.cooldownUntil != 0 && now < l.cooldownUntil {
		l.cooldownFails++
		if l.cooldownFails > domain.CooldownFailLimit {
			return 0, true
		}
		return l.cooldownUntil - now, false
	}
	l.cooldownUntil = 0

	cd := l.cooldown(now, hourlyTotal, entries)
	if cd > 0 {
		l.cooldownUntil = now + cd
		return cd, false
	}

	l.cooldownFails = 0
	l.window.Add(now)
	return 0, false
}

// Query returns the current cooldown without mutating admission state, for
// answering cooldown queries.
func (l *Limiter) Query(now, hourlyTotal int64, entries []domain.LedgerEntry) int64 {
	if l.cooldownUntil != 0 && now < l.cooldownUntil {
		return l.cooldownUntil - now
	}
	return l.cooldown(now, hourlyTotal, entries)
}
