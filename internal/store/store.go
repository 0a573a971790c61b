// Package store defines the contract over the reactive document database
// holding the shared counter and the per-client hourly ledgers, plus two
// implementations: an in-process tree used by tests and dev mode, and a
// Postgres adapter (jsonb leaf rows with LISTEN/NOTIFY fan-out).
//
// The tree is JSON-shaped: branches are map[string]any, leaves are numbers,
// strings, booleans or []any. Paths are slash-separated segments with no
// leading slash ("bph/<clientId>/<key>"). All operations are asynchronous
// from the caller's point of view and may fail; failures are non-fatal to a
// session and handled per call site.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrBadToken is returned by Signin when the presented token is unusable.
var ErrBadToken = errors.New("store: invalid session token")

// Tree is the capability set the core requires from the database.
type Tree interface {
	// Get reads the value at path; nil when absent. Subtrees come back as
	// nested map[string]any.
	Get(ctx context.Context, path string) (any, error)

	// Set replaces the value at path, creating parents as needed.
	Set(ctx context.Context, path string, value any) error

	// Push appends value under path with a store-assigned key that is
	// unique and roughly time-ordered, and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Remove deletes the value or subtree at path. Removing an absent path
	// is not an error.
	Remove(ctx context.Context, path string) error

	// AtomicAdd increments the numeric leaf at path by delta, treating an
	// absent leaf as zero. The increment is atomic with respect to all
	// other writers.
	AtomicAdd(ctx context.Context, path string, delta int64) error

	// Subscribe watches the direct children of path. onAdded fires for new
	// or replaced children with the current value, onRemoved for deleted
	// ones. Events begin after the subscription is installed; existing
	// children are not replayed.
	Subscribe(path string, onAdded func(key string, value any), onRemoved func(key string)) (cancel func(), err error)

	// SubscribeValue watches the value at path and fires onChange with the
	// new value after mutations that touch it. The in-memory tree skips
	// mutations that leave the value unchanged.
	SubscribeValue(path string, onChange func(value any)) (cancel func(), err error)
}

// Handle is one authenticated store session. Closing it tears down every
// subscription installed through it.
type Handle interface {
	Tree

	// Close releases the session's store resources.
	Close(ctx context.Context) error
}

// Connector mints store sessions from credential-collaborator tokens.
type Connector interface {
	Signin(ctx context.Context, token string) (Handle, error)
}

// splitPath breaks a path into its segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// childKey reports whether candidate is a direct child of parent and returns
// the child segment.
func childKey(parent, candidate string) (string, bool) {
	if parent == "" {
		if candidate == "" || strings.ContainsRune(candidate, '/') {
			return "", false
		}
		return candidate, true
	}
	rest, ok := strings.CutPrefix(candidate, parent+"/")
	if !ok || rest == "" || strings.ContainsRune(rest, '/') {
		return "", false
	}
	return rest, true
}

// underneath reports whether candidate is path itself or inside path's
// subtree.
func underneath(candidate, path string) bool {
	return candidate == path || strings.HasPrefix(candidate, path+"/")
}
