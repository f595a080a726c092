package auth

import (
	"testing"
	"time"
)

func TestRevocationUsesPrefix(t *testing.T) {
	c := NewRevocationCache(time.Hour, time.Minute)
	now := time.Now()

	c.Revoke("abcdefghijkl-rest-of-token", now)

	// Any token sharing the prefix is treated as revoked.
	if !c.IsRevoked("abcdefghijkl-other-suffix", now) {
		t.Fatal("token sharing the revoked prefix must be rejected")
	}
	if c.IsRevoked("zzzzzzzzzzzz-token", now) {
		t.Fatal("unrelated token must not be revoked")
	}
}

func TestRevocationExpires(t *testing.T) {
	c := NewRevocationCache(time.Hour, time.Minute)
	now := time.Now()

	c.Revoke("abcdefghijkl-token", now)
	if c.IsRevoked("abcdefghijkl-token", now.Add(2*time.Hour)) {
		t.Fatal("revocation must expire after its TTL")
	}
}

func TestIdentityCacheExpires(t *testing.T) {
	c := NewRevocationCache(time.Hour, time.Minute)
	now := time.Now()

	c.CacheIdentity("tok", Session{Username: "alice"}, now)
	if _, ok := c.LookupIdentity("tok", now); !ok {
		t.Fatal("fresh identity must be cached")
	}
	if _, ok := c.LookupIdentity("tok", now.Add(2*time.Minute)); ok {
		t.Fatal("stale identity must miss")
	}
}

func TestRevokeDropsCachedIdentity(t *testing.T) {
	c := NewRevocationCache(time.Hour, time.Minute)
	now := time.Now()

	c.CacheIdentity("abcdefghijkl-token", Session{Username: "alice"}, now)
	c.Revoke("abcdefghijkl-token", now)
	if _, ok := c.LookupIdentity("abcdefghijkl-token", now); ok {
		t.Fatal("revoked token must not keep a cached identity")
	}
}

func TestRevocationSweep(t *testing.T) {
	c := NewRevocationCache(time.Hour, time.Minute)
	now := time.Now()

	c.Revoke("abcdefghijkl-token", now)
	c.CacheIdentity("tok", Session{Username: "alice"}, now)

	if evicted := c.sweep(now); evicted != 0 {
		t.Fatalf("fresh entries evicted: %d", evicted)
	}
	if evicted := c.sweep(now.Add(2 * time.Hour)); evicted != 2 {
		t.Fatalf("sweep evicted %d, want 2", evicted)
	}
	revoked, identities := c.Len()
	if revoked != 0 || identities != 0 {
		t.Fatalf("Len() = %d, %d, want empty", revoked, identities)
	}
}
