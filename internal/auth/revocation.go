package auth

import (
	"context"
	"sync"
	"time"
)

const (
	revocationPrefixLen   = 12
	revocationSweepPeriod = time.Minute
)

// RevocationCache front-loads token checks so the request path does not pay
// full verification per poll. Revocations are keyed by a short token prefix,
// verified identities by the full token. Both sides expire on sweep.
type RevocationCache struct {
	mu         sync.Mutex
	revoked    map[string]time.Time // prefix -> revoked at
	identities map[string]cachedIdentity

	revokedTTL  time.Duration
	identityTTL time.Duration
}

type cachedIdentity struct {
	session  Session
	cachedAt time.Time
}

func NewRevocationCache(revokedTTL, identityTTL time.Duration) *RevocationCache {
	return &RevocationCache{
		revoked:     make(map[string]time.Time),
		identities:  make(map[string]cachedIdentity),
		revokedTTL:  revokedTTL,
		identityTTL: identityTTL,
	}
}

func tokenPrefix(token string) string {
	if len(token) <= revocationPrefixLen {
		return token
	}
	return token[:revocationPrefixLen]
}

// Revoke records the token's prefix and drops any cached identity so the
// next validation fast-fails.
func (c *RevocationCache) Revoke(token string, now time.Time) {
	c.mu.Lock()
	c.revoked[tokenPrefix(token)] = now
	delete(c.identities, token)
	c.mu.Unlock()
}

func (c *RevocationCache) IsRevoked(token string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.revoked[tokenPrefix(token)]
	if !ok {
		return false
	}
	if now.Sub(at) > c.revokedTTL {
		delete(c.revoked, tokenPrefix(token))
		return false
	}
	return true
}

func (c *RevocationCache) CacheIdentity(token string, session Session, now time.Time) {
	c.mu.Lock()
	c.identities[token] = cachedIdentity{session: session, cachedAt: now}
	c.mu.Unlock()
}

func (c *RevocationCache) LookupIdentity(token string, now time.Time) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.identities[token]
	if !ok {
		return Session{}, false
	}
	if now.Sub(entry.cachedAt) > c.identityTTL {
		delete(c.identities, token)
		return Session{}, false
	}
	return entry.session, true
}

func (c *RevocationCache) Len() (revoked, identities int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.revoked), len(c.identities)
}

// Run sweeps expired entries on a fixed period until the context ends.
func (c *RevocationCache) Run(ctx context.Context) {
	ticker := time.NewTicker(revocationSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *RevocationCache) sweep(now time.Time) (evicted int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for prefix, at := range c.revoked {
		if now.Sub(at) > c.revokedTTL {
			delete(c.revoked, prefix)
			evicted++
		}
	}
	for token, entry := range c.identities {
		if now.Sub(entry.cachedAt) > c.identityTTL {
			delete(c.identities, token)
			evicted++
		}
	}
	return evicted
}
