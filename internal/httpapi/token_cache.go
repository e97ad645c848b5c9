package httpapi

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// maxCacheSize is the number of verified tokens kept before LRU eviction
	maxCacheSize = 1000
	// cleanupInterval is how often expired entries are swept
	cleanupInterval = time.Minute
	// cacheSafetyMargin expires an entry this long before the token itself
	cacheSafetyMargin = 30 * time.Second
)

// TokenCache remembers the subjects of recently verified tokens so the
// provider is not consulted on every request. Keys are token hashes.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front is most recently used
	now     func() time.Time
	stopCh  chan struct{}
	stopped bool
}

type cacheEntry struct {
	hash       string
	subject    string
	validUntil time.Time
}

// NewTokenCache creates a token cache and starts its cleanup goroutine.
func NewTokenCache() *TokenCache {
	tc := newTokenCache(time.Now)
	go tc.cleanupLoop()
	return tc
}

func newTokenCache(now func() time.Time) *TokenCache {
	return &TokenCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

// Get returns the subject cached for tokenHash if the entry is still valid.
func (tc *TokenCache) Get(tokenHash string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	el, ok := tc.entries[tokenHash]
	if !ok {
		return "", false
	}
	e := el.Value.(*cacheEntry)
	if !tc.now().Before(e.validUntil) {
		tc.removeElement(el)
		return "", false
	}
	tc.lru.MoveToFront(el)
	return e.subject, true
}

// Set caches subject until tokenExp minus the safety margin. Tokens that
// are already inside the margin are not cached.
func (tc *TokenCache) Set(tokenHash, subject string, tokenExp time.Time) {
	validUntil := tokenExp.Add(-cacheSafetyMargin)

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !tc.now().Before(validUntil) {
		return
	}
	if el, ok := tc.entries[tokenHash]; ok {
		e := el.Value.(*cacheEntry)
		e.subject, e.validUntil = subject, validUntil
		tc.lru.MoveToFront(el)
		return
	}
	for tc.lru.Len() >= maxCacheSize {
		tc.removeElement(tc.lru.Back())
	}
	tc.entries[tokenHash] = tc.lru.PushFront(&cacheEntry{hash: tokenHash, subject: subject, validUntil: validUntil})
}

// Invalidate drops tokenHash from the cache.
func (tc *TokenCache) Invalidate(tokenHash string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if el, ok := tc.entries[tokenHash]; ok {
		tc.removeElement(el)
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (tc *TokenCache) Stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if !tc.stopped {
		close(tc.stopCh)
		tc.stopped = true
	}
}

// Size returns the number of cached tokens
func (tc *TokenCache) Size() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.lru.Len()
}

// must hold mu
func (tc *TokenCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	e := tc.lru.Remove(el).(*cacheEntry)
	delete(tc.entries, e.hash)
}

func (tc *TokenCache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tc.cleanup()
		case <-tc.stopCh:
			return
		}
	}
}

func (tc *TokenCache) cleanup() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := tc.now()
	for el := tc.lru.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*cacheEntry).validUntil) {
			tc.removeElement(el)
		}
		el = next
	}
}

// HashToken returns the SHA-256 hex digest used as the cache key, so raw
// tokens are never held in memory longer than a request.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
