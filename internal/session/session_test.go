package session

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boopnet/boopd/internal/domain"
	"github.com/boopnet/boopd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is a scriptable Channel: tests feed inbound frames and inspect
// the ordered outbound writes and the close call.
type fakeChannel struct {
	in chan []byte

	mu          sync.Mutex
	writes      []string
	closed      bool
	closeCode   int
	closeReason string

	peerClosed chan struct{}
	once       sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:         make(chan []byte, 64),
		peerClosed: make(chan struct{}),
	}
}

func (c *fakeChannel) Read(ctx context.Context) ([]byte, bool, error) {
	select {
	case payload := <-c.in:
		return payload, true, nil
	case <-c.peerClosed:
		return nil, false, io.EOF
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *fakeChannel) Write(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(payload))
	return nil
}

func (c *fakeChannel) Close(code int, reason string) error {
	c.mu.Lock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	c.once.Do(func() { close(c.peerClosed) })
	return nil
}

// closeFromPeer simulates the client dropping the connection.
func (c *fakeChannel) closeFromPeer() {
	c.once.Do(func() { close(c.peerClosed) })
}

func (c *fakeChannel) send(frame string) {
	c.in <- []byte(frame)
}

func (c *fakeChannel) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeChannel) closeInfo() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

type staticTokens struct{}

func (staticTokens) Token(_ context.Context, _ string) (string, error) {
	return "test-token", nil
}

type failingTokens struct{}

func (failingTokens) Token(_ context.Context, _ string) (string, error) {
	return "", io.ErrUnexpectedEOF
}

// harness bundles one running session against the in-memory store.
type harness struct {
	ch    *fakeChannel
	mem   *store.Memory
	root  store.Handle
	id    domain.ClientID
	now   *atomic.Int64
	done  chan struct{}
	start int64
}

func newHarness(t *testing.T, prepare func(h store.Handle, now int64)) *harness {
	t.Helper()

	mem := store.NewMemory()
	root, err := mem.Signin(context.Background(), "setup")
	require.NoError(t, err)

	start := int64(10_000_000)
	var now atomic.Int64
	now.Store(start)

	if prepare != nil {
		prepare(root, start)
	}

	h := &harness{
		ch:    newFakeChannel(),
		mem:   mem,
		root:  root,
		id:    domain.ClientIDFromAddr("203.0.113.9:4242"),
		now:   &now,
		done:  make(chan struct{}),
		start: start,
	}

	cfg := Config{
		ClientID:         h.id,
		Connector:        mem,
		Tokens:           staticTokens{},
		FlushTimeout:     2 * time.Second,
		HeartbeatTimeout: time.Hour, // keep the watchdog out of most tests
		Now:              func() int64 { return now.Load() },
	}
	go func() {
		Run(context.Background(), h.ch, cfg)
		close(h.done)
	}()
	return h
}

// waitWrites blocks until at least n frames have been written.
func (h *harness) waitWrites(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.ch.snapshot()) >= n
	}, 2*time.Second, time.Millisecond, "waiting for %d writes, have %v", n, h.ch.snapshot())
	return h.ch.snapshot()
}

func (h *harness) finish(t *testing.T) {
	t.Helper()
	h.ch.closeFromPeer()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func b36(v int64) string {
	return strconv.FormatInt(v, 36)
}

func TestColdOpen(t *testing.T) {
	h := newHarness(t, func(root store.Handle, _ int64) {
		require.NoError(t, root.Set(context.Background(), domain.GBCPath, int64(42)))
	})

	writes := h.waitWrites(t, 1)
	assert.Equal(t, "c16", writes[0], "initial count frame is 42 in base-36")

	h.ch.send("d1")
	writes = h.waitWrites(t, 2)
	assert.Equal(t, "d1", writes[1], "no cooldown omits the field")

	h.ch.send("b1")
	writes = h.waitWrites(t, 4)
	assert.Equal(t, "b1", writes[2])
	assert.Equal(t, "c17", writes[3], "count reflects the accepted boop")

	h.finish(t)

	// The flush carried the single boop into the store.
	v, err := h.root.Get(context.Background(), domain.GBCPath)
	require.NoError(t, err)
	assert.Equal(t, int64(43), v)
}

func TestHeartbeatEcho(t *testing.T) {
	h := newHarness(t, nil)
	h.waitWrites(t, 1)

	h.ch.send("h")
	writes := h.waitWrites(t, 2)
	assert.Equal(t, "h", writes[1])

	h.finish(t)
}

func TestInvalidFrameAnswersAndContinues(t *testing.T) {
	h := newHarness(t, nil)
	h.waitWrites(t, 1)

	h.ch.send("frogs")
	writes := h.waitWrites(t, 2)
	assert.Equal(t, "i", writes[1])

	// The connection is still usable.
	h.ch.send("b1")
	writes = h.waitWrites(t, 4)
	assert.Equal(t, "b1", writes[2])

	h.finish(t)
}

func TestBPHSaturationFromExistingLedger(t *testing.T) {
	var wait int64 = 1_800_000
	h := newHarness(t, func(root store.Handle, now int64) {
		_, err := root.Push(context.Background(),
			domain.BPHPath(domain.ClientIDFromAddr("203.0.113.9:4242")),
			domain.LedgerEntry{ValidUntil: now + wait, Change: domain.BPHLimit}.Encode())
		require.NoError(t, err)
	})

	h.waitWrites(t, 1)

	h.ch.send("b1")
	writes := h.waitWrites(t, 2)
	assert.Equal(t, "r1,"+b36(wait), writes[1])

	h.ch.send("d1")
	writes = h.waitWrites(t, 3)
	assert.Equal(t, "d1,"+b36(wait), writes[2])

	h.finish(t)
}

func TestCooldownAbuseCloses(t *testing.T) {
	h := newHarness(t, func(root store.Handle, now int64) {
		_, err := root.Push(context.Background(),
			domain.BPHPath(domain.ClientIDFromAddr("203.0.113.9:4242")),
			domain.LedgerEntry{ValidUntil: now + 600_000, Change: domain.BPHLimit}.Encode())
		require.NoError(t, err)
	})

	h.waitWrites(t, 1)

	// First boop starts the cooldown; five more burn through the failure
	// allowance; the seventh trips it.
	for i := 1; i <= 7; i++ {
		h.ch.send("b" + b36(int64(i)))
	}

	require.Eventually(t, func() bool {
		closed, code := h.ch.closeInfo()
		return closed && code == domain.CloseCooldownAbuse
	}, 2*time.Second, time.Millisecond)

	writes := h.ch.snapshot()
	rejects := 0
	for _, w := range writes[1:] {
		if w[0] == 'r' {
			rejects++
		}
	}
	assert.Equal(t, 6, rejects)

	<-h.done
}

func TestHeartbeatWatchdog(t *testing.T) {
	mem := store.NewMemory()
	ch := newFakeChannel()
	done := make(chan struct{})
	go func() {
		Run(context.Background(), ch, Config{
			ClientID:         "watchdog-client",
			Connector:        mem,
			Tokens:           staticTokens{},
			FlushTimeout:     time.Second,
			HeartbeatTimeout: 80 * time.Millisecond,
		})
		close(done)
	}()

	// Heartbeats inside the timeout keep the session alive.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		ch.send("h")
	}
	closed, _ := ch.closeInfo()
	assert.False(t, closed)

	// Silence trips the watchdog.
	require.Eventually(t, func() bool {
		closed, code := ch.closeInfo()
		return closed && code == domain.CloseNoHeartbeat
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down after watchdog close")
	}
}

func TestExternalCountUpdateEmitsFrame(t *testing.T) {
	h := newHarness(t, func(root store.Handle, _ int64) {
		require.NoError(t, root.Set(context.Background(), domain.GBCPath, int64(42)))
	})
	h.waitWrites(t, 1)

	// Another client boops elsewhere.
	require.NoError(t, h.root.AtomicAdd(context.Background(), domain.GBCPath, 5))

	writes := h.waitWrites(t, 2)
	assert.Equal(t, "c"+b36(47), writes[1])

	h.finish(t)
}

func TestShutdownFlush(t *testing.T) {
	h := newHarness(t, nil)
	h.waitWrites(t, 1)

	for i := 1; i <= 7; i++ {
		h.ch.send("b" + b36(int64(i)))
	}
	// 1 initial count + 7 accepts + 7 counts.
	h.waitWrites(t, 15)

	h.finish(t)

	ctx := context.Background()
	v, err := h.root.Get(ctx, domain.GBCPath)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v, "exactly one atomic add carrying all boops")

	subtree, err := h.root.Get(ctx, domain.BPHPath(h.id))
	require.NoError(t, err)
	entries, ok := subtree.(map[string]any)
	require.True(t, ok)
	require.Len(t, entries, 1, "exactly one ledger append")
	for _, raw := range entries {
		e, ok := domain.DecodeLedgerEntry(raw)
		require.True(t, ok)
		assert.Equal(t, int64(7), e.Change)
		assert.Equal(t, h.start+domain.BPHWindowMs, e.ValidUntil)
	}
}

func TestMalformedLedgerEntryIsRemoved(t *testing.T) {
	h := newHarness(t, nil)
	h.waitWrites(t, 1)

	// A corrupt datum lands in this client's subtree.
	require.NoError(t, h.root.Set(context.Background(),
		domain.BPHPath(h.id)+"/bogus", "not an entry"))

	require.Eventually(t, func() bool {
		v, err := h.root.Get(context.Background(), domain.BPHPath(h.id)+"/bogus")
		return err == nil && v == nil
	}, 2*time.Second, time.Millisecond, "session should schedule removal of the malformed entry")

	// Boops still admit normally afterwards.
	h.ch.send("b1")
	writes := h.waitWrites(t, 3)
	assert.Equal(t, "b1", writes[1])

	h.finish(t)
}

func TestTransientAddFailureRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.waitWrites(t, 1)

	// All adds fail while the client boops.
	h.mem.SetHook(func(op, _ string) error {
		if op == "add" {
			return io.ErrUnexpectedEOF
		}
		return nil
	})
	h.ch.send("b1")
	h.waitWrites(t, 3)

	// Let a sync interval elapse so the periodic add fires and fails; the
	// delta goes back to the unsynced pool.
	h.now.Add(domain.GBCSyncIntervalMs + 1)
	time.Sleep(600 * time.Millisecond)

	// Restore the store before shutdown; the flush retries the delta.
	h.mem.SetHook(nil)
	h.finish(t)

	v, err := h.root.Get(context.Background(), domain.GBCPath)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestInitFailureClosesInternal(t *testing.T) {
	ch := newFakeChannel()
	done := make(chan struct{})
	go func() {
		Run(context.Background(), ch, Config{
			ClientID:  "init-fail",
			Connector: store.NewMemory(),
			Tokens:    failingTokens{},
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		closed, code := ch.closeInfo()
		return closed && code == domain.CloseInternalError
	}, 2*time.Second, time.Millisecond)
	<-done
}

func TestLedgerEntriesSurviveReconnect(t *testing.T) {
	// First connection boops, disconnects; the flush persists the hourly
	// usage. A second connection for the same client sees it.
	h := newHarness(t, nil)
	h.waitWrites(t, 1)
	h.ch.send("b1")
	h.waitWrites(t, 3)
	h.finish(t)

	h2 := &harness{
		ch:   newFakeChannel(),
		id:   h.id,
		now:  h.now,
		done: make(chan struct{}),
	}
	go func() {
		Run(context.Background(), h2.ch, Config{
			ClientID:         h.id,
			Connector:        h.mem,
			Tokens:           staticTokens{},
			FlushTimeout:     time.Second,
			HeartbeatTimeout: time.Hour,
			Now:              func() int64 { return h.now.Load() },
		})
		close(h2.done)
	}()

	writes := h2.waitWrites(t, 1)
	assert.Equal(t, "c1", writes[0], "reconnect sees the persisted count")

	h2.ch.send("d1")
	writes = h2.waitWrites(t, 2)
	assert.Equal(t, "d1", writes[1], "one prior boop leaves plenty of budget")

	h2.ch.closeFromPeer()
	<-h2.done
}
