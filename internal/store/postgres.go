package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the Postgres channel every tree mutation announces on.
const notifyChannel = "boop_tree_events"

// listenRetryDelay spaces reconnect attempts of the notification listener.
const listenRetryDelay = time.Second

const schemaSQL = `
CREATE TABLE IF NOT EXISTS boop_tree (
	path  text PRIMARY KEY,
	value jsonb NOT NULL
)`

// Postgres adapts the Tree contract onto a single jsonb table: one row per
// leaf, keyed by the full slash path. Mutations pg_notify a change feed; a
// dedicated listener connection dispatches notifications to in-process
// subscribers, so sessions on this instance observe writes from any instance.
//
// Values cross the JSON boundary, so numbers come back as float64.
type Postgres struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	nextSubID int
	childSubs map[int]*childSub
	valueSubs map[int]*valueSub

	cancel context.CancelFunc
	done   chan struct{}
}

// treeEvent is the NOTIFY payload.
type treeEvent struct {
	Op    string          `json:"op"` // "set" or "remove"
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// OpenPostgres connects the pool, ensures the schema, and starts the
// notification listener.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure boop_tree schema: %w", err)
	}

	p := &Postgres{
		pool:      pool,
		childSubs: make(map[int]*childSub),
		valueSubs: make(map[int]*valueSub),
		done:      make(chan struct{}),
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.listen(listenCtx)

	return p, nil
}

// Close stops the listener and releases the pool.
func (p *Postgres) Close() {
	p.cancel()
	<-p.done
	p.pool.Close()
}

// HealthCheck pings the database. Used by the readiness endpoint.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// TryAdvisoryLock attempts a session-level advisory lock, reporting whether
// it was acquired. Leader election uses it to pick the janitor replica.
func (p *Postgres) TryAdvisoryLock(ctx context.Context, id int64) (bool, error) {
	var acquired bool
	err := p.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired)
	return acquired, err
}

// Signin implements Connector. Token verification is the credential
// collaborator's concern; the adapter only refuses the absence of one.
func (p *Postgres) Signin(_ context.Context, token string) (Handle, error) {
	if token == "" {
		return nil, ErrBadToken
	}
	return &pgHandle{pg: p}, nil
}

// listen consumes the change feed on a dedicated connection, re-acquiring
// with a delay after any failure.
func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)
	for ctx.Err() == nil {
		if err := p.listenOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("store: notification listener failed, reconnecting", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(listenRetryDelay):
			}
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev treeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			slog.Warn("store: undecodable notification", "payload", n.Payload, "error", err)
			continue
		}
		p.dispatch(ctx, ev)
	}
}

// dispatch fans one change event out to matching subscribers.
func (p *Postgres) dispatch(ctx context.Context, ev treeEvent) {
	p.mu.Lock()
	childSubs := make([]*childSub, 0, len(p.childSubs))
	for _, s := range p.childSubs {
		childSubs = append(childSubs, s)
	}
	valueSubs := make([]*valueSub, 0, len(p.valueSubs))
	for _, s := range p.valueSubs {
		valueSubs = append(valueSubs, s)
	}
	p.mu.Unlock()

	for _, sub := range childSubs {
		key, ok := childKey(sub.path, ev.Path)
		if !ok {
			continue
		}
		switch ev.Op {
		case "set":
			sub.onAdded(key, decodeJSONValue(ev.Value))
		case "remove":
			sub.onRemoved(key)
		}
	}
	for _, sub := range valueSubs {
		if ev.Path == sub.path {
			if ev.Op == "remove" {
				sub.onChange(nil)
			} else {
				sub.onChange(decodeJSONValue(ev.Value))
			}
			continue
		}
		// A mutation elsewhere in the watched subtree: re-read the value.
		if underneath(ev.Path, sub.path) || underneath(sub.path, ev.Path) {
			v, err := p.get(ctx, sub.path)
			if err != nil {
				slog.Warn("store: re-read after notification failed", "path", sub.path, "error", err)
				continue
			}
			sub.onChange(v)
		}
	}
}

func decodeJSONValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// pgHandle is one authenticated session against the shared adapter.
type pgHandle struct {
	pg *Postgres

	mu      sync.Mutex
	cancels []func()
	closed  bool
}

func (h *pgHandle) Get(ctx context.Context, path string) (any, error) {
	return h.pg.get(ctx, path)
}

func (h *pgHandle) Set(ctx context.Context, path string, value any) error {
	return h.pg.set(ctx, path, value)
}

func (h *pgHandle) Push(ctx context.Context, path string, value any) (string, error) {
	key := NewPushID()
	if err := h.pg.setLeaf(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (h *pgHandle) Remove(ctx context.Context, path string) error {
	return h.pg.remove(ctx, path)
}

func (h *pgHandle) AtomicAdd(ctx context.Context, path string, delta int64) error {
	return h.pg.atomicAdd(ctx, path, delta)
}

func (h *pgHandle) Subscribe(path string, onAdded func(string, any), onRemoved func(string)) (func(), error) {
	cancel := h.pg.addChildSub(path, onAdded, onRemoved)
	h.track(cancel)
	return cancel, nil
}

func (h *pgHandle) SubscribeValue(path string, onChange func(any)) (func(), error) {
	cancel := h.pg.addValueSub(path, onChange)
	h.track(cancel)
	return cancel, nil
}

func (h *pgHandle) Close(_ context.Context) error {
	h.mu.Lock()
	cancels := h.cancels
	h.cancels = nil
	h.closed = true
	h.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}

func (h *pgHandle) track(cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		cancel()
		return
	}
	h.cancels = append(h.cancels, cancel)
}

func (p *Postgres) addChildSub(path string, onAdded func(string, any), onRemoved func(string)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.childSubs[id] = &childSub{path: path, onAdded: onAdded, onRemoved: onRemoved}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.childSubs, id)
	}
}

func (p *Postgres) addValueSub(path string, onChange func(any)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.valueSubs[id] = &valueSub{path: path, onChange: onChange}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.valueSubs, id)
	}
}

func (p *Postgres) get(ctx context.Context, path string) (any, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT path, value FROM boop_tree WHERE path = $1 OR path LIKE $2 ORDER BY path`,
		path, likePrefix(path))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	defer rows.Close()

	var tree any
	for rows.Next() {
		var rowPath string
		var raw []byte
		if err := rows.Scan(&rowPath, &raw); err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		value := decodeJSONValue(raw)
		if rowPath == path {
			tree = value
			continue
		}
		branch, ok := tree.(map[string]any)
		if !ok {
			branch = make(map[string]any)
			tree = branch
		}
		setAt(branch, strings.TrimPrefix(rowPath, path+"/"), value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return tree, nil
}

// set replaces the subtree at path: everything under it (and any leaf
// blocking an ancestor position) is deleted, the new value is flattened into
// leaf rows, and one event per affected row goes onto the change feed.
func (p *Postgres) set(ctx context.Context, path string, value any) error {
	leaves := flatten(path, value)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	defer tx.Rollback(ctx)

	removed, err := deleteSubtree(ctx, tx, path)
	if err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	for _, leafPath := range removed {
		if _, stillSet := leaves[leafPath]; !stillSet {
			if err := notify(ctx, tx, treeEvent{Op: "remove", Path: leafPath}); err != nil {
				return fmt.Errorf("write %q: %w", path, err)
			}
		}
	}
	for leafPath, leafValue := range leaves {
		raw, err := json.Marshal(leafValue)
		if err != nil {
			return fmt.Errorf("write %q: %w", path, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO boop_tree (path, value) VALUES ($1, $2)
			 ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value`,
			leafPath, raw); err != nil {
			return fmt.Errorf("write %q: %w", path, err)
		}
		if err := notify(ctx, tx, treeEvent{Op: "set", Path: leafPath, Value: raw}); err != nil {
			return fmt.Errorf("write %q: %w", path, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

// setLeaf writes a single leaf without touching siblings. Push uses it.
func (p *Postgres) setLeaf(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx,
		`INSERT INTO boop_tree (path, value) VALUES ($1, $2)
		 ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value`,
		path, raw); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := notify(ctx, tx, treeEvent{Op: "set", Path: path, Value: raw}); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

func (p *Postgres) remove(ctx context.Context, path string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	defer tx.Rollback(ctx)

	removed, err := deleteSubtree(ctx, tx, path)
	if err != nil {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	for _, leafPath := range removed {
		if err := notify(ctx, tx, treeEvent{Op: "remove", Path: leafPath}); err != nil {
			return fmt.Errorf("remove %q: %w", path, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	return nil
}

func (p *Postgres) atomicAdd(ctx context.Context, path string, delta int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("atomic add %q: %w", path, err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`INSERT INTO boop_tree (path, value) VALUES ($1, to_jsonb($2::bigint))
		 ON CONFLICT (path) DO UPDATE
		 SET value = to_jsonb((boop_tree.value #>> '{}')::numeric + $2)
		 RETURNING value`,
		path, delta).Scan(&raw)
	if err != nil {
		return fmt.Errorf("atomic add %q: %w", path, err)
	}
	if err := notify(ctx, tx, treeEvent{Op: "set", Path: path, Value: raw}); err != nil {
		return fmt.Errorf("atomic add %q: %w", path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("atomic add %q: %w", path, err)
	}
	return nil
}

// deleteSubtree removes the row at path, every row under it, and any leaf
// occupying an ancestor position, returning the removed paths.
func deleteSubtree(ctx context.Context, tx pgx.Tx, path string) ([]string, error) {
	ancestors := ancestorPaths(path)
	rows, err := tx.Query(ctx,
		`DELETE FROM boop_tree
		 WHERE path = $1 OR path LIKE $2 OR path = ANY($3)
		 RETURNING path`,
		path, likePrefix(path), ancestors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var rp string
		if err := rows.Scan(&rp); err != nil {
			return nil, err
		}
		removed = append(removed, rp)
	}
	return removed, rows.Err()
}

func notify(ctx context.Context, tx pgx.Tx, ev treeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

// flatten turns a value into leaf rows keyed by full path.
func flatten(path string, value any) map[string]any {
	out := make(map[string]any)
	var walk func(p string, v any)
	walk = func(p string, v any) {
		if branch, ok := v.(map[string]any); ok && len(branch) > 0 {
			for k, child := range branch {
				walk(p+"/"+k, child)
			}
			return
		}
		out[p] = v
	}
	walk(path, value)
	return out
}

// likePrefix escapes path for use as a LIKE subtree pattern.
func likePrefix(path string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(path)
	return escaped + "/%"
}

// ancestorPaths lists the proper ancestors of path ("a/b/c" -> ["a", "a/b"]).
func ancestorPaths(path string) []string {
	var out []string
	for i, c := range path {
		if c == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}
