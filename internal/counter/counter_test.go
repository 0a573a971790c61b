package counter

import (
	"testing"

	"github.com/boopnet/boopd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayIsOptimistic(t *testing.T) {
	s := New()
	s.Seed(42)
	assert.Equal(t, int64(42), s.Display())

	s.Record()
	assert.Equal(t, int64(43), s.Display())
}

func TestBeginCoalescesWithinInterval(t *testing.T) {
	s := New()
	s.Seed(10)
	s.Record()
	s.Record()

	delta, ok := s.Begin(1000, false)
	require.True(t, ok)
	assert.Equal(t, int64(2), delta)
	assert.Equal(t, int64(12), s.Display())

	// More increments inside the same interval do not start a second add.
	s.Record()
	_, ok = s.Begin(1000+domain.GBCSyncIntervalMs-1, false)
	assert.False(t, ok)

	// Nor while the first add is still in flight, even past the interval.
	_, ok = s.Begin(1000+domain.GBCSyncIntervalMs, false)
	assert.False(t, ok)

	resync := s.Complete(1000+domain.GBCSyncIntervalMs, delta, false, false)
	assert.True(t, resync, "an interval elapsed with increments pending")

	delta, ok = s.Begin(1000+domain.GBCSyncIntervalMs, false)
	require.True(t, ok)
	assert.Equal(t, int64(1), delta)
}

func TestStartDelaysFirstSync(t *testing.T) {
	s := New()
	s.Start(5000)
	s.Record()

	// Within the first interval after start, nothing is due yet.
	_, ok := s.Begin(5000+domain.GBCSyncIntervalMs-1, false)
	assert.False(t, ok)

	delta, ok := s.Begin(5000+domain.GBCSyncIntervalMs, false)
	require.True(t, ok)
	assert.Equal(t, int64(1), delta)
}

func TestBeginNothingToSync(t *testing.T) {
	s := New()
	_, ok := s.Begin(1000, false)
	assert.False(t, ok)
	_, ok = s.Begin(1000, true)
	assert.False(t, ok, "final sync with nothing unsynced is a no-op")
}

func TestFinalBypassesInterval(t *testing.T) {
	s := New()
	s.Record()
	delta, ok := s.Begin(domain.GBCSyncIntervalMs, false)
	require.True(t, ok)
	require.False(t, s.Complete(domain.GBCSyncIntervalMs, delta, false, false))

	// A final sync right after ignores the interval gate.
	s.Record()
	delta, ok = s.Begin(domain.GBCSyncIntervalMs+1, true)
	require.True(t, ok)
	assert.Equal(t, int64(1), delta)
	assert.False(t, s.Complete(domain.GBCSyncIntervalMs+1, delta, false, true))
}

func TestFailureRestoresUnsynced(t *testing.T) {
	s := New()
	s.Seed(100)
	s.Record()

	delta, ok := s.Begin(domain.GBCSyncIntervalMs, false)
	require.True(t, ok)
	display := s.Display()

	s.Complete(domain.GBCSyncIntervalMs+5, delta, true, false)
	assert.Equal(t, int64(1), s.Unsynced())
	assert.Equal(t, display, s.Display(), "display must not move on a failed add")

	// The next interval retries the same delta.
	delta, ok = s.Begin(2*domain.GBCSyncIntervalMs, false)
	require.True(t, ok)
	assert.Equal(t, int64(1), delta)
}

func TestObserveRemote(t *testing.T) {
	s := New()
	s.Seed(42)

	assert.False(t, s.ObserveRemote(42), "unchanged value is ignored")
	assert.True(t, s.ObserveRemote(50))
	assert.Equal(t, int64(50), s.Display())

	// The echo of this session's own add lands as unchanged.
	s.Record()
	delta, ok := s.Begin(domain.GBCSyncIntervalMs, false)
	require.True(t, ok)
	s.Complete(domain.GBCSyncIntervalMs, delta, false, false)
	assert.False(t, s.ObserveRemote(51))
}
