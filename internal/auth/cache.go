package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache remembers verified principals for a TTL so bcrypt runs once per
// key per TTL window. Entries are keyed by the SHA-256 of the key; raw keys
// are never retained.
//
// An expired entry is still served. The first reader to see it expired is
// told to revalidate in the background; later readers are not.
type AuthCache struct {
	entries sync.Map // [sha256.Size]byte -> *cachedPrincipal
	ttl     time.Duration
}

type cachedPrincipal struct {
	principal   *Principal
	validUntil  time.Time
	revalidates atomic.Bool
}

// NewAuthCache creates a cache whose entries stay fresh for ttl.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult is the outcome of a cache lookup. A miss leaves every field zero.
type GetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool // expired, and this caller won the revalidation
}

func cacheKey(apiKey string) [sha256.Size]byte {
	return sha256.Sum256([]byte(apiKey))
}

// Get returns the cached principal for apiKey.
func (c *AuthCache) Get(apiKey string) GetResult {
	v, ok := c.entries.Load(cacheKey(apiKey))
	if !ok {
		return GetResult{}
	}
	e := v.(*cachedPrincipal)
	res := GetResult{Principal: e.principal, Hit: true}
	if time.Now().After(e.validUntil) {
		res.NeedsRefresh = e.revalidates.CompareAndSwap(false, true)
	}
	return res
}

// Set caches principal for apiKey, replacing any earlier entry.
func (c *AuthCache) Set(apiKey string, principal *Principal) {
	c.entries.Store(cacheKey(apiKey), &cachedPrincipal{
		principal:  principal,
		validUntil: time.Now().Add(c.ttl),
	})
}

// Delete drops apiKey, e.g. after revocation.
func (c *AuthCache) Delete(apiKey string) {
	c.entries.Delete(cacheKey(apiKey))
}
