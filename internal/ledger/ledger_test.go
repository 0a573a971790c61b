package ledger

import (
	"testing"

	"github.com/boopnet/boopd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddedAndRemoved(t *testing.T) {
	m := NewMirror()

	e, ok := m.Added("k1", []any{int64(1000), int64(3)})
	require.True(t, ok)
	assert.Equal(t, domain.LedgerEntry{ValidUntil: 1000, Change: 3}, e)
	assert.Equal(t, int64(3), m.Sum())

	_, ok = m.Added("k2", []any{float64(2000), float64(4)})
	require.True(t, ok)
	assert.Equal(t, int64(7), m.Sum())
	assert.Equal(t, 2, m.Len())

	assert.True(t, m.Removed("k1"))
	assert.Equal(t, int64(4), m.Sum())

	// Removing an unknown key reports false and changes nothing.
	assert.False(t, m.Removed("k1"))
	assert.Equal(t, int64(4), m.Sum())
}

func TestAddedMalformed(t *testing.T) {
	m := NewMirror()

	for _, v := range []any{
		nil,
		"boop",
		[]any{int64(1000)},
		[]any{int64(1000), int64(1), int64(2)},
		[]any{"soon", int64(1)},
		[]any{int64(0), int64(1)},
		[]any{int64(-5), int64(1)},
		map[string]any{"validUntil": int64(1000)},
	} {
		_, ok := m.Added("k", v)
		assert.False(t, ok, "value %#v should be malformed", v)
	}
	assert.Zero(t, m.Sum())
	assert.Zero(t, m.Len())
}

func TestAddedReplacesExistingKey(t *testing.T) {
	m := NewMirror()
	_, ok := m.Added("k", []any{int64(1000), int64(5)})
	require.True(t, ok)
	_, ok = m.Added("k", []any{int64(2000), int64(2)})
	require.True(t, ok)

	assert.Equal(t, int64(2), m.Sum())
	assert.Equal(t, 1, m.Len())
}

func TestSyncSnapshot(t *testing.T) {
	m := NewMirror()
	// Nothing to sync is a no-op.
	assert.Zero(t, m.BeginSync())

	m.Record()
	m.Record()
	m.Record()
	assert.Equal(t, int64(3), m.Unsynced())
	assert.Equal(t, int64(3), m.Total())

	c := m.BeginSync()
	assert.Equal(t, int64(3), c)
	assert.Zero(t, m.Unsynced())

	// A failed append hands the snapshot back for the next retry.
	m.Record()
	m.FailSync(c)
	assert.Equal(t, int64(4), m.Unsynced())
}

func TestTotalCombinesSumAndUnsynced(t *testing.T) {
	m := NewMirror()
	_, ok := m.Added("k", []any{int64(1000), int64(10)})
	require.True(t, ok)
	m.Record()
	assert.Equal(t, int64(11), m.Total())
}
