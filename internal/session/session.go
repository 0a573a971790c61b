// Package session implements the per-connection state machine: a long-lived
// handler that speaks the framed boop protocol over a bidirectional channel,
// enforces the two-window rate limit, mirrors the client's hourly ledger,
// coalesces counter increments into periodic atomic adds, runs the heartbeat
// watchdog, and flushes best-effort on shutdown.
//
// Concurrency model: one goroutine owns all session state and consumes a
// single event channel. The read pump, the write pump, timers, store
// subscription callbacks and sync completions all post events into it, so no
// field needs a lock. Store operations run in short-lived goroutines and
// report back as events; the loop re-checks state when a completion arrives
// rather than assuming nothing moved during the await.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/boopnet/boopd/internal/counter"
	"github.com/boopnet/boopd/internal/domain"
	"github.com/boopnet/boopd/internal/ledger"
	"github.com/boopnet/boopd/internal/metrics"
	"github.com/boopnet/boopd/internal/protocol"
	"github.com/boopnet/boopd/internal/ratelimit"
	"github.com/boopnet/boopd/internal/store"
)

// Channel is the established bidirectional message transport for one client.
// The transport adapter (websocket) implements it; the session owns it from
// accept to close.
type Channel interface {
	// Read blocks for the next inbound message. text reports whether the
	// frame was a text frame; binary frames are ignored with a warning.
	Read(ctx context.Context) (payload []byte, text bool, err error)

	// Write sends one outbound frame.
	Write(ctx context.Context, payload []byte) error

	// Close closes the channel with a close code and reason.
	Close(code int, reason string) error
}

// TokenSource supplies store session tokens. Satisfied by auth.TokenSource.
type TokenSource interface {
	Token(ctx context.Context, uid string) (string, error)
}

// Config carries the session's collaborators and tunables.
type Config struct {
	ClientID  domain.ClientID
	Connector store.Connector
	Tokens    TokenSource
	Logger    *slog.Logger

	// FlushTimeout bounds the shutdown flush. Zero means 10s.
	FlushTimeout time.Duration

	// HeartbeatTimeout overrides the watchdog timeout. Zero means the
	// protocol default of 30s.
	HeartbeatTimeout time.Duration

	// Now overrides the clock (epoch ms) for tests. Nil means wall clock.
	Now func() int64
}

const (
	defaultFlushTimeout = 10 * time.Second
	ioTimeout           = 15 * time.Second
	writeTimeout        = 10 * time.Second
	eventBuffer         = 256
	outBuffer           = 256
)

// event is anything the session loop consumes.
type event interface{ sessionEvent() }

type frameEvent struct {
	payload []byte
	text    bool
}
type closedEvent struct{ err error }
type heartbeatTimeoutEvent struct{}
type ledgerAddedEvent struct {
	key   string
	value any
}
type ledgerRemovedEvent struct{ key string }
type entryExpiredEvent struct{ key string }
type gbcValueEvent struct{ value any }
type gbcTickEvent struct{}
type bphTickEvent struct{}
type gbcSyncDoneEvent struct {
	delta int64
	err   error
}
type bphSyncDoneEvent struct {
	change int64
	err    error
}

func (frameEvent) sessionEvent()            {}
func (closedEvent) sessionEvent()           {}
func (heartbeatTimeoutEvent) sessionEvent() {}
func (ledgerAddedEvent) sessionEvent()      {}
func (ledgerRemovedEvent) sessionEvent()    {}
func (entryExpiredEvent) sessionEvent()     {}
func (gbcValueEvent) sessionEvent()         {}
func (gbcTickEvent) sessionEvent()          {}
func (bphTickEvent) sessionEvent()          {}
func (gbcSyncDoneEvent) sessionEvent()      {}
func (bphSyncDoneEvent) sessionEvent()      {}

// Session is the live server-side state for one connected client.
type Session struct {
	cfg Config
	log *slog.Logger
	ch  Channel

	handle  store.Handle
	limiter *ratelimit.Limiter
	mirror  *ledger.Mirror
	gbc     *counter.Scheduler

	events chan event
	out    chan []byte
	done   chan struct{} // closed when the loop stops consuming events

	heartbeat *time.Timer
	gbcTicker *time.Ticker
	bphTicker *time.Ticker
	expiry    map[string]*time.Timer

	bphCancel func() // ledger child subscription
	gbcCancel func() // shared count value subscription

	closing     bool
	closeCode   int // 0 when the peer closed first
	closeReason string
	closeLabel  string

	readCancel context.CancelFunc
	writeDone  chan struct{}

	hbTimeout time.Duration
	now       func() int64
}

// Run drives one connection to completion: initialize against the store,
// serve the protocol, and flush on close. It returns when the session is
// fully torn down.
func Run(ctx context.Context, ch Channel, cfg Config) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("client_id", string(cfg.ClientID))

	s := &Session{
		cfg:       cfg,
		log:       log,
		ch:        ch,
		limiter:   ratelimit.New(),
		mirror:    ledger.NewMirror(),
		gbc:       counter.New(),
		events:    make(chan event, eventBuffer),
		out:       make(chan []byte, outBuffer),
		done:      make(chan struct{}),
		expiry:    make(map[string]*time.Timer),
		writeDone: make(chan struct{}),
		now:       cfg.Now,
	}
	if s.now == nil {
		s.now = func() int64 { return time.Now().UnixMilli() }
	}
	s.hbTimeout = cfg.HeartbeatTimeout
	if s.hbTimeout <= 0 {
		s.hbTimeout = msToDur(domain.HeartbeatTimeoutMs)
	}

	if err := s.init(ctx); err != nil {
		s.log.Error("session: initialization failed", "error", err)
		metrics.SessionsClosed.WithLabelValues("init_error").Inc()
		_ = ch.Close(domain.CloseInternalError, "Internal Server Error")
		if s.handle != nil {
			_ = s.handle.Close(context.Background())
		}
		close(s.done)
		return
	}

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	s.start(ctx)
	s.loop(ctx)
	s.shutdown()
}

// init signs in to the store and brings the ledger mirror and counter
// scheduler up in parallel. Any failure closes the channel with 1000.
func (s *Session) init(ctx context.Context) error {
	token, err := s.cfg.Tokens.Token(ctx, domain.StoreUserID)
	if err != nil {
		return fmt.Errorf("obtain store token: %w", err)
	}
	handle, err := s.cfg.Connector.Signin(ctx, token)
	if err != nil {
		return fmt.Errorf("store signin: %w", err)
	}
	s.handle = handle

	var wg sync.WaitGroup
	var ledgerErr, counterErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		ledgerErr = s.initLedger(ctx)
	}()
	go func() {
		defer wg.Done()
		counterErr = s.initCounter(ctx)
	}()
	wg.Wait()

	if ledgerErr != nil {
		return fmt.Errorf("init ledger: %w", ledgerErr)
	}
	if counterErr != nil {
		return fmt.Errorf("init counter: %w", counterErr)
	}
	return nil
}

// initLedger subscribes to the client's bph subtree, repairs a malformed
// root or subtree, and seeds the mirror from the initial snapshot.
func (s *Session) initLedger(ctx context.Context) error {
	path := domain.BPHPath(s.cfg.ClientID)
	cancel, err := s.handle.Subscribe(path,
		func(key string, value any) { s.post(ledgerAddedEvent{key: key, value: value}) },
		func(key string) { s.post(ledgerRemovedEvent{key: key}) },
	)
	if err != nil {
		return err
	}
	s.bphCancel = cancel

	root, err := s.handle.Get(ctx, domain.BPHRoot)
	if err != nil {
		return err
	}
	if _, ok := root.(map[string]any); root != nil && !ok {
		if err := s.handle.Set(ctx, domain.BPHRoot, map[string]any{}); err != nil {
			return err
		}
	}

	subtree, err := s.handle.Get(ctx, path)
	if err != nil {
		return err
	}
	entries, ok := subtree.(map[string]any)
	if !ok {
		return s.handle.Set(ctx, path, map[string]any{})
	}
	// Seed the mirror directly; the loop is not running yet and the
	// counter init touches disjoint state.
	for key, value := range entries {
		s.handleLedgerAdded(key, value)
	}
	return nil
}

// initCounter subscribes to the shared count and seeds the scheduler with
// the initial value. A missing leaf seeds zero.
func (s *Session) initCounter(ctx context.Context) error {
	cancel, err := s.handle.SubscribeValue(domain.GBCPath,
		func(value any) { s.post(gbcValueEvent{value: value}) },
	)
	if err != nil {
		return err
	}
	s.gbcCancel = cancel

	v, err := s.handle.Get(ctx, domain.GBCPath)
	if err != nil {
		return err
	}
	if v != nil {
		n, ok := domain.AsInt64(v)
		if !ok {
			return fmt.Errorf("shared count at %q is not numeric: %v", domain.GBCPath, v)
		}
		s.gbc.Seed(n)
	}
	return nil
}

// start arms the watchdog and tickers, launches the pumps, and emits the
// initial count frame.
func (s *Session) start(ctx context.Context) {
	s.gbc.Start(s.now())
	s.heartbeat = time.AfterFunc(s.hbTimeout, func() {
		s.post(heartbeatTimeoutEvent{})
	})
	s.gbcTicker = time.NewTicker(msToDur(domain.GBCSyncIntervalMs))
	s.bphTicker = time.NewTicker(msToDur(domain.BPHSyncIntervalMs))
	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.gbcTicker.C:
				s.post(gbcTickEvent{})
			case <-s.bphTicker.C:
				s.post(bphTickEvent{})
			}
		}
	}()

	readCtx, cancel := context.WithCancel(ctx)
	s.readCancel = cancel
	go s.readPump(readCtx)
	go s.writePump()

	s.send(protocol.EncodeCount(s.gbc.Display()))
}

func (s *Session) loop(ctx context.Context) {
	for !s.closing {
		select {
		case <-ctx.Done():
			s.beginClose(domain.CloseInternalError, "Server shutting down", "server_shutdown")
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev event) {
	switch e := ev.(type) {
	case frameEvent:
		s.handleFrame(e)
	case closedEvent:
		if e.err != nil && !errors.Is(e.err, context.Canceled) {
			s.log.Debug("session: channel closed", "error", e.err)
		}
		s.closing = true
		s.closeLabel = "client"
	case heartbeatTimeoutEvent:
		s.beginClose(domain.CloseNoHeartbeat, "No heartbeat received within the timeout period", "heartbeat")
	case ledgerAddedEvent:
		s.handleLedgerAdded(e.key, e.value)
	case ledgerRemovedEvent:
		s.handleLedgerRemoved(e.key)
	case entryExpiredEvent:
		s.handleEntryExpired(e.key)
	case gbcValueEvent:
		s.handleGBCValue(e.value)
	case gbcTickEvent:
		s.maybeSyncGBC()
	case bphTickEvent:
		s.syncBPH()
	case gbcSyncDoneEvent:
		s.handleGBCSyncDone(e.delta, e.err)
	case bphSyncDoneEvent:
		s.handleBPHSyncDone(e.change, e.err)
	}
}

func (s *Session) handleFrame(e frameEvent) {
	if !e.text {
		s.log.Warn("session: ignoring binary frame", "size", len(e.payload))
		return
	}
	msg, err := protocol.DecodeClient(e.payload)
	if err != nil {
		s.log.Warn("session: malformed frame", "frame", string(e.payload))
		metrics.InvalidFrames.Inc()
		s.send(protocol.EncodeInvalid())
		return
	}
	switch m := msg.(type) {
	case protocol.Heartbeat:
		s.heartbeat.Reset(s.hbTimeout)
		s.send(protocol.EncodeHeartbeat())
	case protocol.Boop:
		s.handleBoop(m.BoopID)
	case protocol.CooldownQuery:
		cd := s.limiter.Query(s.now(), s.mirror.Total(), s.mirror.Entries())
		s.send(protocol.EncodeCooldownReply(m.QueryID, cd))
	}
}

func (s *Session) handleBoop(boopID int64) {
	now := s.now()
	cd, kicked := s.limiter.Admit(now, s.mirror.Total(), s.mirror.Entries())
	if kicked {
		s.log.Warn("session: closing after repeated boops during cooldown")
		s.beginClose(domain.CloseCooldownAbuse, "Too many boop requests during cooldown", "cooldown_abuse")
		return
	}
	if cd > 0 {
		metrics.BoopsRejected.Inc()
		s.send(protocol.EncodeBoopRejected(boopID, cd))
		return
	}

	metrics.BoopsAdmitted.Inc()
	s.mirror.Record()
	s.gbc.Record()
	s.maybeSyncGBC()
	s.send(protocol.EncodeBoopAccepted(boopID))
	s.send(protocol.EncodeCount(s.gbc.Display()))
}

func (s *Session) handleLedgerAdded(key string, value any) {
	path := domain.BPHPath(s.cfg.ClientID) + "/" + key
	entry, ok := s.mirror.Added(key, value)
	if !ok {
		s.log.Warn("session: malformed ledger entry, scheduling removal", "key", key)
		s.removeStorePath(path)
		return
	}

	if t, exists := s.expiry[key]; exists {
		t.Stop()
	}
	delay := entry.ValidUntil - s.now()
	if delay < 0 {
		delay = 0
	}
	s.expiry[key] = time.AfterFunc(msToDur(delay), func() {
		s.post(entryExpiredEvent{key: key})
	})
}

func (s *Session) handleLedgerRemoved(key string) {
	if t, exists := s.expiry[key]; exists {
		t.Stop()
		delete(s.expiry, key)
	}
	if !s.mirror.Removed(key) {
		s.log.Warn("session: removal of unknown ledger entry", "key", key)
	}
}

// handleEntryExpired issues the store removal for an entry whose validUntil
// has passed. The mirror itself is updated by the resulting child-removed
// event, keeping the mirror a faithful shadow of the store.
func (s *Session) handleEntryExpired(key string) {
	delete(s.expiry, key)
	s.removeStorePath(domain.BPHPath(s.cfg.ClientID) + "/" + key)
}

func (s *Session) removeStorePath(path string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		if err := s.handle.Remove(ctx, path); err != nil {
			s.log.Warn("session: store removal failed", "path", path, "error", err)
		}
	}()
}

func (s *Session) handleGBCValue(value any) {
	n, ok := domain.AsInt64(value)
	if !ok {
		s.log.Warn("session: non-numeric shared count update", "value", value)
		return
	}
	if s.gbc.ObserveRemote(n) {
		s.send(protocol.EncodeCount(s.gbc.Display()))
	}
}

// maybeSyncGBC issues an atomic add when the scheduler says one is due.
// Calls while an add is in flight coalesce: the scheduler refuses a second
// begin and the completion handler re-enters if an interval has passed.
func (s *Session) maybeSyncGBC() {
	delta, ok := s.gbc.Begin(s.now(), false)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		err := s.handle.AtomicAdd(ctx, domain.GBCPath, delta)
		s.post(gbcSyncDoneEvent{delta: delta, err: err})
	}()
}

func (s *Session) handleGBCSyncDone(delta int64, err error) {
	if err != nil {
		s.log.Warn("session: shared count sync failed, will retry", "delta", delta, "error", err)
		metrics.StoreSyncFailures.WithLabelValues("gbc").Inc()
	}
	if s.gbc.Complete(s.now(), delta, err != nil, false) {
		s.log.Debug("session: count sync fell behind, re-entering")
		s.maybeSyncGBC()
	}
}

// syncBPH appends the unsynced admissions as one ledger entry valid for an
// hour. Nothing unsynced is a no-op.
func (s *Session) syncBPH() {
	change := s.mirror.BeginSync()
	if change == 0 {
		return
	}
	entry := domain.LedgerEntry{ValidUntil: s.now() + domain.BPHWindowMs, Change: change}
	path := domain.BPHPath(s.cfg.ClientID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		_, err := s.handle.Push(ctx, path, entry.Encode())
		s.post(bphSyncDoneEvent{change: change, err: err})
	}()
}

func (s *Session) handleBPHSyncDone(change int64, err error) {
	if err != nil {
		s.log.Warn("session: ledger append failed, restoring", "change", change, "error", err)
		metrics.StoreSyncFailures.WithLabelValues("bph").Inc()
		s.mirror.FailSync(change)
	}
}

// beginClose marks the session for teardown with a server-initiated close.
func (s *Session) beginClose(code int, reason, label string) {
	if s.closing {
		return
	}
	s.closing = true
	s.closeCode = code
	s.closeReason = reason
	s.closeLabel = label
}

// shutdown tears the session down in order: first every subscription and
// timer, so nothing new arrives during the flush, then the final flush under
// the extension window, then the store handle.
func (s *Session) shutdown() {
	metrics.SessionsClosed.WithLabelValues(s.closeLabel).Inc()

	if s.closeCode != 0 {
		_ = s.ch.Close(s.closeCode, s.closeReason)
	}
	s.readCancel()

	s.gbcCancel()
	s.bphCancel()
	s.heartbeat.Stop()
	s.gbcTicker.Stop()
	s.bphTicker.Stop()
	for _, t := range s.expiry {
		t.Stop()
	}

	s.flush()

	close(s.done)
	close(s.out)
	<-s.writeDone

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := s.handle.Close(ctx); err != nil {
		s.log.Warn("session: store handle close failed", "error", err)
	}
}

// flush performs the final best-effort reconciliation: wait out any in-flight
// count sync, then issue the final atomic add and the ledger append in
// parallel, all bounded by the flush timeout.
func (s *Session) flush() {
	timeout := s.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Subscriptions are already cancelled, so the only events still arriving
	// are completions of syncs issued before teardown. Wait out any in-flight
	// count sync; its outcome decides whether the final add still has
	// anything to carry.
	for s.gbc.InFlight() {
		select {
		case ev := <-s.events:
			switch ev.(type) {
			case gbcSyncDoneEvent, bphSyncDoneEvent:
				s.handleEvent(ev)
			}
		case <-ctx.Done():
			s.log.Warn("session: flush window expired waiting for in-flight sync")
			return
		}
	}

	var wg sync.WaitGroup

	if delta, ok := s.gbc.Begin(s.now(), true); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.handle.AtomicAdd(ctx, domain.GBCPath, delta); err != nil {
				s.log.Warn("session: final count sync failed", "delta", delta, "error", err)
				metrics.StoreSyncFailures.WithLabelValues("gbc").Inc()
			}
		}()
	}

	if change := s.mirror.BeginSync(); change != 0 {
		entry := domain.LedgerEntry{ValidUntil: s.now() + domain.BPHWindowMs, Change: change}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.handle.Push(ctx, domain.BPHPath(s.cfg.ClientID), entry.Encode()); err != nil {
				s.log.Warn("session: final ledger append failed", "change", change, "error", err)
				metrics.StoreSyncFailures.WithLabelValues("bph").Inc()
			}
		}()
	}

	flushDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(flushDone)
	}()
	select {
	case <-flushDone:
	case <-ctx.Done():
		s.log.Warn("session: flush window expired")
	}
}

func (s *Session) readPump(ctx context.Context) {
	for {
		payload, text, err := s.ch.Read(ctx)
		if err != nil {
			s.post(closedEvent{err: err})
			return
		}
		s.post(frameEvent{payload: payload, text: text})
	}
}

func (s *Session) writePump() {
	defer close(s.writeDone)
	for frame := range s.out {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.ch.Write(ctx, frame)
		cancel()
		if err != nil {
			s.post(closedEvent{err: err})
			// Keep draining so senders never block, but stop writing.
			for range s.out {
			}
			return
		}
	}
}

// send enqueues one outbound frame. Sends never block the loop: a client too
// slow to drain its queue is closed.
func (s *Session) send(frame []byte) {
	select {
	case s.out <- frame:
	default:
		s.log.Warn("session: outbound queue full, closing")
		s.beginClose(domain.CloseInternalError, "Outbound queue overflow", "slow_client")
	}
}

// post delivers an event to the loop unless the session is already done.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func msToDur(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
