// Package janitor sweeps stale hourly-ledger entries across all clients. A
// session removes its own entries as they expire, but entries orphaned by a
// dead session would otherwise count against the client's hourly budget
// forever; the janitor is the belt-and-suspenders cleanup. Each entry gets an
// extra hour of grace past its validUntil so the sweep never races an owning
// session that is still flushing.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/boopnet/boopd/internal/domain"
	"github.com/boopnet/boopd/internal/metrics"
	"github.com/boopnet/boopd/internal/store"
)

// DefaultSchedule runs the sweep hourly.
const DefaultSchedule = "@every 1h"

// sweepTimeout bounds one full sweep including all removals.
const sweepTimeout = 5 * time.Minute

// TokenSource supplies the janitor's own store credentials.
type TokenSource interface {
	Token(ctx context.Context, uid string) (string, error)
}

// Janitor owns the cron schedule and runs each sweep as its own store
// session.
type Janitor struct {
	connector store.Connector
	tokens    TokenSource
	schedule  string
	cron      *cron.Cron
	now       func() int64
}

// New creates a Janitor. An empty schedule uses DefaultSchedule.
func New(connector store.Connector, tokens TokenSource, schedule string) *Janitor {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Janitor{
		connector: connector,
		tokens:    tokens,
		schedule:  schedule,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Start registers the cron entry and begins firing sweeps. Retries are
// deliberately absent: a failed sweep waits for the next scheduled one.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := j.Sweep(ctx); err != nil {
			slog.Error("janitor: sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register janitor schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	slog.Info("janitor: started", "schedule", j.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep reads the whole ledger tree and removes every stale or malformed
// entry. It returns the number of removals issued successfully. Individual
// removal failures are logged and swallowed; the next sweep retries them.
func (j *Janitor) Sweep(ctx context.Context) (removed int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("janitor: sweep panicked", "panic", rec)
			err = fmt.Errorf("janitor sweep panicked: %v", rec)
		}
	}()

	started := time.Now()
	defer func() {
		metrics.JanitorSweepSeconds.Observe(time.Since(started).Seconds())
	}()

	token, err := j.tokens.Token(ctx, domain.StoreUserID)
	if err != nil {
		return 0, fmt.Errorf("obtain store token: %w", err)
	}
	handle, err := j.connector.Signin(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("store signin: %w", err)
	}
	defer func() {
		if cerr := handle.Close(context.Background()); cerr != nil {
			slog.Warn("janitor: store handle close failed", "error", cerr)
		}
	}()

	root, err := handle.Get(ctx, domain.BPHRoot)
	if err != nil {
		return 0, fmt.Errorf("read ledger tree: %w", err)
	}
	clients, ok := root.(map[string]any)
	if !ok {
		if err := handle.Set(ctx, domain.BPHRoot, map[string]any{}); err != nil {
			return 0, fmt.Errorf("reset ledger tree: %w", err)
		}
		return 0, nil
	}

	now := j.now()
	var stale []string
	for clientKey, subtree := range clients {
		entries, ok := subtree.(map[string]any)
		if !ok {
			slog.Warn("janitor: ledger subtree is not a map, scheduling removal", "client", clientKey)
			stale = append(stale, domain.BPHRoot+"/"+clientKey)
			continue
		}
		for entryKey, raw := range entries {
			path := domain.BPHRoot + "/" + clientKey + "/" + entryKey
			entry, ok := domain.DecodeLedgerEntry(raw)
			if !ok {
				slog.Warn("janitor: malformed ledger entry, scheduling removal", "path", path)
				stale = append(stale, path)
				continue
			}
			if entry.ValidUntil+domain.JanitorGraceMs < now {
				stale = append(stale, path)
			}
		}
	}

	if len(stale) == 0 {
		slog.Info("janitor: sweep complete, nothing stale")
		return 0, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, path := range stale {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := handle.Remove(ctx, path); err != nil {
				slog.Warn("janitor: removal failed", "path", path, "error", err)
				return
			}
			mu.Lock()
			removed++
			mu.Unlock()
		}(path)
	}
	wg.Wait()

	metrics.JanitorEntriesRemoved.Add(float64(removed))
	slog.Info("janitor: sweep complete", "scheduled", len(stale), "removed", removed)
	return removed, nil
}
