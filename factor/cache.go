package factor

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CachedCredentials wraps a CredentialStore with a short-lived in-process
// read cache, keeping the credential backend off the hot path of every
// withdrawal. Entries are best-effort: a miss just reads through.
type CachedCredentials struct {
	inner CredentialStore
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedCredentials returns a caching wrapper with the given entry TTL.
func NewCachedCredentials(inner CredentialStore, ttl time.Duration) (*CachedCredentials, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedCredentials{inner: inner, cache: c, ttl: ttl}, nil
}

// SecondFactorSecret implements CredentialStore.SecondFactorSecret.
func (c *CachedCredentials) SecondFactorSecret(ctx context.Context, account string) (string, error) {
	return c.lookup(ctx, "secret:"+account, func() (string, error) {
		return c.inner.SecondFactorSecret(ctx, account)
	})
}

// PINHash implements CredentialStore.PINHash.
func (c *CachedCredentials) PINHash(ctx context.Context, account string) (string, error) {
	return c.lookup(ctx, "pin:"+account, func() (string, error) {
		return c.inner.PINHash(ctx, account)
	})
}

func (c *CachedCredentials) lookup(ctx context.Context, key string, load func() (string, error)) (string, error) {
	if v, ok := c.cache.Get(key); ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	s, err := load()
	if err != nil {
		return "", err
	}
	c.cache.SetWithTTL(key, s, 1, c.ttl)
	return s, nil
}

// Invalidate drops the cached entries for one account, for use when its
// credentials are rotated.
func (c *CachedCredentials) Invalidate(account string) {
	c.cache.Del("secret:" + account)
	c.cache.Del("pin:" + account)
}

// Close releases the cache's internal resources.
func (c *CachedCredentials) Close() {
	c.cache.Close()
}

var _ CredentialStore = (*CachedCredentials)(nil)
