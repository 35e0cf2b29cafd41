package sendgrid

import (
	"sync"
	"time"
)

// defaultScopeTTL bounds how long a scope lookup is reused. A settings form
// triggers several checks against the same key within one request.
const defaultScopeTTL = 5 * time.Minute

// RequiredScopes are the permissions a key needs for sending and statistics.
var RequiredScopes = []string{"mail.send", "stats.read", "categories.stats.read", "categories.stats.sums.read"}

// UnsubscribeScopes are the permissions needed to list suppression groups.
var UnsubscribeScopes = []string{"asm.groups.read"}

type scopeEntry struct {
	scopes    []string
	expiresAt time.Time
}

// scopeCache holds /v3/scopes results per API key with thread-safe
// expiry. Failed lookups are never cached.
type scopeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]scopeEntry
}

func newScopeCache(ttl time.Duration) *scopeCache {
	return &scopeCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]scopeEntry),
	}
}

func (sc *scopeCache) get(key string) ([]string, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	entry, ok := sc.entries[key]
	if !ok {
		return nil, false
	}
	if !sc.now().Before(entry.expiresAt) {
		delete(sc.entries, key)
		return nil, false
	}
	return entry.scopes, true
}

func (sc *scopeCache) put(key string, scopes []string) {
	if sc.ttl <= 0 {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.entries[key] = scopeEntry{scopes: scopes, expiresAt: sc.now().Add(sc.ttl)}
}

// forget drops the cached scopes of key.
func (sc *scopeCache) forget(key string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.entries, key)
}

func hasScopes(granted, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
