package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boopnet/boopd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLocker scripts advisory-lock outcomes and counts attempts.
type fakeLocker struct {
	attempts atomic.Int64
	grantAt  int64 // attempt number that succeeds; 0 grants immediately
	err      error // returned until grantAt is reached
}

func (l *fakeLocker) TryAdvisoryLock(_ context.Context, _ int64) (bool, error) {
	n := l.attempts.Add(1)
	if n < l.grantAt {
		return false, l.err
	}
	return true, nil
}

func newElectorJanitor() *Janitor {
	return New(store.NewMemory(), staticTokens{}, "")
}

func TestElectorAcquiresAndStops(t *testing.T) {
	jan := newElectorJanitor()
	e := NewElector(jan, &fakeLocker{}, time.Hour)

	e.Start(context.Background())
	require.Eventually(t, e.Leading, time.Second, time.Millisecond)
	assert.NotNil(t, jan.cron, "winning the lock starts the sweep schedule")

	e.Stop()
	assert.False(t, e.Leading())
}

func TestElectorRetriesUntilAcquired(t *testing.T) {
	locks := &fakeLocker{grantAt: 3}
	e := NewElector(newElectorJanitor(), locks, 5*time.Millisecond)

	e.Start(context.Background())
	defer e.Stop()

	require.Eventually(t, e.Leading, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, locks.attempts.Load(), int64(3))
}

func TestElectorSurvivesLockErrors(t *testing.T) {
	locks := &fakeLocker{grantAt: 2, err: errors.New("connection reset")}
	e := NewElector(newElectorJanitor(), locks, 5*time.Millisecond)

	e.Start(context.Background())
	defer e.Stop()

	require.Eventually(t, e.Leading, time.Second, time.Millisecond)
}

func TestElectorDoesNotReacquire(t *testing.T) {
	locks := &fakeLocker{}
	e := NewElector(newElectorJanitor(), locks, time.Millisecond)

	e.Start(context.Background())
	defer e.Stop()

	require.Eventually(t, e.Leading, time.Second, time.Millisecond)
	settled := locks.attempts.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, locks.attempts.Load(), "a sitting leader must not retry the lock")
}

func TestElectorWithBadScheduleKeepsLeadership(t *testing.T) {
	jan := New(store.NewMemory(), staticTokens{}, "every now and then")
	e := NewElector(jan, &fakeLocker{}, time.Hour)

	e.Start(context.Background())
	require.Eventually(t, e.Leading, time.Second, time.Millisecond)
	assert.Nil(t, jan.cron, "a rejected schedule leaves no sweep running")

	// Stop must not try to stop a janitor that never started.
	e.Stop()
}
