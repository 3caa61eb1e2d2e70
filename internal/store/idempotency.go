package store

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Idempotency scopes.
const (
	ScopeSessionCreate = "session_create"
	ScopeTurnSubmit    = "turn_submit"
)

type idempotencyRecord struct {
	response  any
	expiresAt time.Time
}

// IdempotencyIndex caches the first successful response per (scope, key)
// for a TTL. Concurrent duplicates are collapsed so the loser waits for
// the winner's result. Failed calls are never cached.
type IdempotencyIndex struct {
	ttl   time.Duration
	group singleflight.Group
	mu    sync.Mutex
	byKey map[string]idempotencyRecord
	nowFn func() time.Time
}

// NewIdempotencyIndex creates an index with the given record TTL.
func NewIdempotencyIndex(ttl time.Duration) *IdempotencyIndex {
	return &IdempotencyIndex{
		ttl:   ttl,
		byKey: make(map[string]idempotencyRecord),
		nowFn: time.Now,
	}
}

// Do returns the cached response for (scope, key) when present, otherwise
// runs fn once (even under concurrent duplicates) and caches its result on
// success. The bool reports whether the response was served from cache.
func (i *IdempotencyIndex) Do(scope, key string, fn func() (any, error)) (any, bool, error) {
	if key == "" {
		resp, err := fn()
		return resp, false, err
	}

	full := scope + "\x00" + key
	if resp, ok := i.lookup(full); ok {
		return resp, true, nil
	}

	resp, err, shared := i.group.Do(full, func() (any, error) {
		// Re-check under the flight: a racing duplicate may have
		// populated the cache between lookup and Do.
		if resp, ok := i.lookup(full); ok {
			return resp, nil
		}
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		i.put(full, resp)
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	return resp, shared, nil
}

func (i *IdempotencyIndex) lookup(full string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.byKey[full]
	if !ok {
		return nil, false
	}
	if i.nowFn().After(rec.expiresAt) {
		delete(i.byKey, full)
		return nil, false
	}
	return rec.response, true
}

func (i *IdempotencyIndex) put(full string, resp any) {
	now := i.nowFn()
	i.mu.Lock()
	defer i.mu.Unlock()
	// Piggyback expiry sweeping on writes to keep the map bounded.
	for k, rec := range i.byKey {
		if now.After(rec.expiresAt) {
			delete(i.byKey, k)
		}
	}
	i.byKey[full] = idempotencyRecord{response: resp, expiresAt: now.Add(i.ttl)}
}
