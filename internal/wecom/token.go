package wecom

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// tokenRefreshMargin is how far before nominal expiry a cached token is
// treated as stale.
const tokenRefreshMargin = 5 * time.Minute

type tokenFetcher interface {
	FetchAccessToken(ctx context.Context, corpID, secret string) (AccessToken, error)
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache memoizes one bearer token per (corp id, secret) pair.
// Concurrent callers hitting an expired key may each trigger a fetch;
// the vendor tolerates the occasional duplicate and a stale token is
// never returned.
type TokenCache struct {
	fetcher tokenFetcher
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]tokenEntry
}

// NewTokenCache creates a cache backed by the given fetcher.
func NewTokenCache(log *slog.Logger, fetcher tokenFetcher) *TokenCache {
	if log == nil {
		log = slog.Default()
	}
	return &TokenCache{
		fetcher: fetcher,
		logger:  log.With(slog.String("component", "token_cache")),
		now:     time.Now,
		entries: map[string]tokenEntry{},
	}
}

// Token returns a cached token whose expiry is more than five minutes
// away, fetching and replacing the entry otherwise.
func (c *TokenCache) Token(ctx context.Context, corpID, secret string) (string, error) {
	key := corpID + ":" + secret
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && entry.expiresAt.After(c.now().Add(tokenRefreshMargin)) {
		return entry.token, nil
	}

	fetched, err := c.fetcher.FetchAccessToken(ctx, corpID, secret)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[key] = tokenEntry{
		token:     fetched.Token,
		expiresAt: c.now().Add(time.Duration(fetched.ExpiresIn) * time.Second),
	}
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Debug("access token refreshed", slog.String("corp_id", corpID), slog.Int("expires_in", fetched.ExpiresIn))
	}
	return fetched.Token, nil
}

// Reset drops every cached entry. Used for test isolation.
func (c *TokenCache) Reset() {
	c.mu.Lock()
	c.entries = map[string]tokenEntry{}
	c.mu.Unlock()
}
