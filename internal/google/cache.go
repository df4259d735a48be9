package google

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/replyflow/internal/store"
)

// credentialCache is a TTL cache of stored credentials, invalidated on every
// write. It is owned by the Authenticator, not package state.
type credentialCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uuid.UUID]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	cred    *store.Credential
	expires time.Time
}

func newCredentialCache(ttl time.Duration) *credentialCache {
	return &credentialCache{
		ttl:     ttl,
		entries: make(map[uuid.UUID]cacheEntry),
		now:     time.Now,
	}
}

func (c *credentialCache) get(userID uuid.UUID) (*store.Credential, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, userID)
		return nil, false
	}
	return entry.cred, true
}

func (c *credentialCache) set(userID uuid.UUID, cred *store.Credential) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{cred: cred, expires: c.now().Add(c.ttl)}
}

func (c *credentialCache) invalidate(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
