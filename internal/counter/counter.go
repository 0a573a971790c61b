// Package counter schedules writes of local boop increments against the
// shared global count. Increments are coalesced: at most one atomic add is in
// flight per session, and successive adds are spaced by the sync interval so
// a booping burst costs the store a bounded write rate. The displayed count
// is optimistic (last observed store value plus unsynced increments), which
// hides sync latency from the client.
//
// The scheduler is pure state; the owning session drives it from its event
// loop and performs the store IO.
package counter

import (
	"github.com/boopnet/boopd/internal/domain"
)

// Scheduler tracks the session's view of the shared counter.
type Scheduler struct {
	last     int64 // most recent value observed from the store
	unsynced int64 // admitted boops not yet added to the store
	lastSync int64 // wall-clock of the last attempted add, epoch ms
	inFlight bool
}

// New returns a Scheduler with no observed value and nothing unsynced.
func New() *Scheduler {
	return &Scheduler{}
}

// Seed installs the initial store value read during session initialization.
func (s *Scheduler) Seed(v int64) {
	s.last = v
}

// Start marks the session's accept time, so the first add waits out a full
// interval instead of firing on the first boop.
func (s *Scheduler) Start(now int64) {
	s.lastSync = now
}

// Record counts one admitted boop.
func (s *Scheduler) Record() {
	s.unsynced++
}

// Display returns the count shown to the client.
func (s *Scheduler) Display() int64 {
	return s.last + s.unsynced
}

// Unsynced returns the increments not yet written to the store.
func (s *Scheduler) Unsynced() int64 {
	return s.unsynced
}

// ObserveRemote applies an external store update. It reports whether the
// value changed; an unchanged value (typically the echo of this session's own
// add) is ignored.
func (s *Scheduler) ObserveRemote(v int64) bool {
	if v == s.last {
		return false
	}
	s.last = v
	return true
}

// Begin decides whether an atomic add should be issued now. It returns the
// delta to add and ok=true when a write is due: there are unsynced
// increments, no add is in flight, and either final is set or a full interval
// has passed since the last attempt. The delta is moved into the observed
// value optimistically so Display stays put while the write is in flight.
func (s *Scheduler) Begin(now int64, final bool) (delta int64, ok bool) {
	if s.inFlight || s.unsynced == 0 {
		return 0, false
	}
	if !final && now-s.lastSync < domain.GBCSyncIntervalMs {
		return 0, false
	}
	s.lastSync = now
	delta = s.unsynced
	s.unsynced = 0
	s.last += delta
	s.inFlight = true
	return delta, true
}

// Complete records the outcome of an add started by Begin. On failure the
// delta is handed back to the unsynced pool (and backed out of the observed
// value, keeping Display steady) so the next sync retries it. The return
// value reports whether another full interval has already elapsed with more
// increments pending, in which case the caller should re-enter immediately.
func (s *Scheduler) Complete(now, delta int64, failed, final bool) (resync bool) {
	s.inFlight = false
	if failed {
		s.last -= delta
		s.unsynced += delta
	}
	if final {
		return false
	}
	return s.unsynced != 0 && now-s.lastSync >= domain.GBCSyncIntervalMs
}

// InFlight reports whether an add is currently outstanding.
func (s *Scheduler) InFlight() bool {
	return s.inFlight
}
