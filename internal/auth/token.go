// Package auth implements the credential collaborator: minting store session
// tokens from the external token service and caching them through two tiers,
// a fast in-memory map and a durable bbolt bucket, so a server restart does
// not stampede the token service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boopnet/boopd/internal/domain"
)

// Token is one minted store credential.
type Token struct {
	Value     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // epoch ms
}

// remaining returns the token's remaining life at now.
func (t Token) remaining(now int64) int64 {
	return t.ExpiresAt - now
}

// Minter mints a store token for a uid. Implementations are the HTTP client
// against the token service and a static minter for dev mode.
type Minter interface {
	MintToken(ctx context.Context, uid string) (Token, error)
}

// HTTPMinter calls the external token service.
type HTTPMinter struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPMinter returns a minter against endpoint with a bounded-timeout
// client.
func NewHTTPMinter(endpoint string) *HTTPMinter {
	return &HTTPMinter{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *HTTPMinter) MintToken(ctx context.Context, uid string) (Token, error) {
	body, err := json.Marshal(map[string]string{"uid": uid})
	if err != nil {
		return Token{}, fmt.Errorf("mint token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint+"/token", bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("mint token: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("mint token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Token{}, fmt.Errorf("mint token: token service returned %d: %s", resp.StatusCode, snippet)
	}

	var tok Token
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&tok); err != nil {
		return Token{}, fmt.Errorf("mint token: decode response: %w", err)
	}
	if tok.Value == "" || tok.ExpiresAt <= 0 {
		return Token{}, fmt.Errorf("mint token: token service returned malformed token data")
	}
	return tok, nil
}

// StaticMinter hands out a fixed token. Dev mode only; the in-memory store
// accepts any non-empty token.
type StaticMinter struct {
	Token string
}

func (m StaticMinter) MintToken(_ context.Context, _ string) (Token, error) {
	return Token{
		Value:     m.Token,
		ExpiresAt: time.Now().UnixMilli() + domain.TokenTTLMs,
	}, nil
}

// TokenSource resolves uids to usable tokens through the cache tiers.
type TokenSource struct {
	minter Minter
	cache  *TokenCache
	prefix string
	now    func() int64
}

// NewTokenSource builds a source over minter with the given cache (nil for
// mint-every-time) and cache key prefix.
func NewTokenSource(minter Minter, cache *TokenCache, prefix string) *TokenSource {
	return &TokenSource{
		minter: minter,
		cache:  cache,
		prefix: prefix,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Token returns a token for uid with at least the minimum remaining life,
// minting and caching a fresh one when the cached tiers miss or are about to
// expire.
func (s *TokenSource) Token(ctx context.Context, uid string) (string, error) {
	key := s.prefix + "/" + uid
	now := s.now()

	if s.cache != nil {
		if tok, ok := s.cache.get(key, now); ok && tok.remaining(now) >= domain.TokenMinLifeMs {
			return tok.Value, nil
		}
	}

	tok, err := s.minter.MintToken(ctx, uid)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		s.cache.put(key, tok)
	}
	return tok.Value, nil
}
