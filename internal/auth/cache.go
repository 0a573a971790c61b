package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// tokensBucket is the bbolt bucket holding cached tokens.
var tokensBucket = []byte("tokens")

// TokenCache layers a fast in-memory map over a durable bbolt bucket. The
// memory tier answers the common case without IO; the bbolt tier survives
// restarts so a freshly started server reuses still-valid tokens instead of
// stampeding the token service. Durable-tier failures degrade to the memory
// tier with a log line rather than failing the lookup.
type TokenCache struct {
	mu  sync.Mutex
	mem map[string]Token
	db  *bolt.DB
}

// OpenTokenCache opens (or creates) the durable tier at path. An empty path
// yields a memory-only cache.
func OpenTokenCache(path string) (*TokenCache, error) {
	c := &TokenCache{mem: make(map[string]Token)}
	if path == "" {
		return c, nil
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open token cache %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init token cache %s: %w", path, err)
	}
	c.db = db
	return c, nil
}

// Close releases the durable tier.
func (c *TokenCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// get returns a cached token that has not expired at now. An expired entry is
// dropped from both tiers on the way out.
func (c *TokenCache) get(key string, now int64) (Token, bool) {
	c.mu.Lock()
	tok, ok := c.mem[key]
	c.mu.Unlock()

	if !ok && c.db != nil {
		if err := c.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket(tokensBucket).Get([]byte(key))
			if raw == nil {
				return nil
			}
			if err := json.Unmarshal(raw, &tok); err != nil {
				return err
			}
			ok = tok.Value != ""
			return nil
		}); err != nil {
			slog.Warn("auth: durable token cache read failed", "key", key, "error", err)
		}
		if ok {
			c.mu.Lock()
			c.mem[key] = tok
			c.mu.Unlock()
		}
	}

	if !ok {
		return Token{}, false
	}
	if tok.remaining(now) <= 0 {
		c.drop(key)
		return Token{}, false
	}
	return tok, true
}

// put stores a token in both tiers.
func (c *TokenCache) put(key string, tok Token) {
	c.mu.Lock()
	c.mem[key] = tok
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		slog.Warn("auth: encode token for durable cache failed", "key", key, "error", err)
		return
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(key), raw)
	}); err != nil {
		slog.Warn("auth: durable token cache write failed", "key", key, "error", err)
	}
}

func (c *TokenCache) drop(key string) {
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(key))
	}); err != nil {
		slog.Warn("auth: durable token cache delete failed", "key", key, "error", err)
	}
}
