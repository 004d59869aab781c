package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/casafind/marketplace/internal/platform/observability"
)

// FetchFunc produces the value for a cache key. It is treated as opaque:
// usually a document-store query closed over its filter parameters.
type FetchFunc func(ctx context.Context) (interface{}, error)

// Store is the single source of truth for "is this data fresh enough to
// reuse, and if not, fetch it exactly once even if multiple callers ask
// concurrently". It layers request coalescing and event-based
// invalidation on top of a Cache backend.
//
// Construct one Store at the composition root and inject it; the store
// holds no global state.
type Store struct {
	backend Cache
	rules   Rules
	logger  *observability.Logger
	metrics *observability.Metrics

	// mu guards pending and index, and is additionally held across
	// backend writes on the commit and invalidation paths. That keeps
	// "invalidate, then read" linearizable: once InvalidateOnChange
	// returns, no settling fetch can re-insert an entry the event
	// covered.
	mu      sync.Mutex
	pending map[string]*pendingFetch
	index   map[string]indexEntry
}

// pendingFetch is an in-flight fetch other callers attach to. value and
// err are written before done is closed and never after.
type pendingFetch struct {
	key   Key
	done  chan struct{}
	value interface{}
	err   error
	// stale is set by invalidation while the fetch is in flight: the
	// result is still delivered to attached callers but never cached.
	stale bool
}

type indexEntry struct {
	key       Key
	createdAt time.Time
}

// StoreConfig configures a fetch store.
type StoreConfig struct {
	// Backend stores the cached values. Defaults to an in-memory cache.
	Backend Cache
	// Rules is the invalidation table. Defaults to DefaultRules.
	Rules   Rules
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewStore creates a fetch store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Backend == nil {
		cfg.Backend = NewMemoryCache(0)
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.Metrics{}
	}

	return &Store{
		backend: cfg.Backend,
		rules:   cfg.Rules,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		pending: make(map[string]*pendingFetch),
		index:   make(map[string]indexEntry),
	}
}

// GetOrFetch returns the cached value for key if it is fresh, attaches to
// an in-flight fetch for the same key if one exists, and otherwise invokes
// fetch and caches the result for ttl.
//
// Guarantees:
//   - at most one underlying fetch is in flight per key, no matter how
//     many callers ask concurrently; all of them receive the same value
//     or the same error
//   - a failed fetch is never cached, so the next call retries
//   - the fetch itself is not cancelled when one caller's ctx is; the
//     result still lands in the cache for the next caller
//
// A non-positive ttl disables caching for this call (the fetch still
// coalesces).
func (s *Store) GetOrFetch(ctx context.Context, key Key, fetch FetchFunc, ttl time.Duration) (interface{}, error) {
	k := key.String()

	if v, err := s.backend.Get(ctx, k); err == nil {
		s.metrics.RecordCacheHit(ctx, key.Kind)
		s.adopt(key, k)
		return v, nil
	} else if !errors.Is(err, ErrNotFound) {
		// Degraded backend reads fall through to a fetch.
		if s.logger != nil {
			s.logger.LogWarn(ctx, "cache backend read failed", "key", k, "error", err)
		}
	}

	s.mu.Lock()
	if p, ok := s.pending[k]; ok {
		s.mu.Unlock()
		s.metrics.RecordCoalescedFetch(ctx, key.Kind)
		select {
		case <-p.done:
			return p.value, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p := &pendingFetch{key: key, done: make(chan struct{})}
	s.pending[k] = p
	s.mu.Unlock()

	// Only the fetch-initiating caller counts as a miss; attached
	// waiters count as coalesced fetches above.
	s.metrics.RecordCacheMiss(ctx, key.Kind)

	start := time.Now()
	// Detach from the caller's cancellation: once started, a fetch runs
	// to completion so attached callers and the cache still benefit. The
	// commit below uses the same detached context so a context-honoring
	// backend cannot reject the write after the caller gave up.
	fetchCtx := context.WithoutCancel(ctx)
	value, err := fetch(fetchCtx)

	s.mu.Lock()
	delete(s.pending, k)
	if err == nil && !p.stale && ttl > 0 {
		if setErr := s.backend.Set(fetchCtx, k, value, ttl); setErr != nil {
			if s.logger != nil {
				s.logger.LogWarn(ctx, "cache backend write failed", "key", k, "error", setErr)
			}
		} else {
			s.index[k] = indexEntry{key: key, createdAt: time.Now()}
		}
	}
	p.value, p.err = value, err
	close(p.done)
	s.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordFetchDuration(ctx, key.Kind, status, time.Since(start))

	return value, err
}

// adopt registers a backend entry this instance did not write itself, so
// invalidation covers entries committed by another instance through a
// shared backend or before a restart.
func (s *Store) adopt(key Key, k string) {
	s.mu.Lock()
	if _, ok := s.index[k]; !ok {
		s.index[k] = indexEntry{key: key, createdAt: time.Now()}
	}
	s.mu.Unlock()
}

// InvalidateOnChange removes every cached entry the named mutation event
// makes stale, scoped to relatedID where the rule says so. In-flight
// fetches for affected keys are detached: their result is still delivered
// to waiting callers but not cached. Unknown events are a no-op.
//
// Once this returns, a GetOrFetch for an affected key is guaranteed to
// miss.
func (s *Store) InvalidateOnChange(ctx context.Context, event, relatedID string) {
	rule, ok := s.rules[event]
	if !ok {
		return
	}
	evicted := s.evict(ctx, rule, relatedID)
	s.metrics.RecordInvalidation(ctx, event, int64(evicted))
	if s.logger != nil && evicted > 0 {
		s.logger.LogDebug(ctx, "cache invalidated",
			"event", event,
			"related_id", relatedID,
			"entries", evicted,
		)
	}
}

// RefreshUserData evicts every cached query tied to the given user: the
// saved-property list, the user's own listings, and profile-derived
// queries. Used when returning to a user-scoped view after a potential
// external change.
func (s *Store) RefreshUserData(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	evicted := s.evict(ctx, userTargets, userID)
	s.metrics.RecordInvalidation(ctx, "user_refresh", int64(evicted))
}

// Len returns the number of live index entries, for diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *Store) evict(ctx context.Context, rule Rule, relatedID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for k, ent := range s.index {
		if !rule.covers(ent.key, relatedID) {
			continue
		}
		delete(s.index, k)
		if err := s.backend.Delete(ctx, k); err != nil && s.logger != nil {
			s.logger.LogWarn(ctx, "cache backend delete failed", "key", k, "error", err)
		}
		evicted++
	}

	for _, p := range s.pending {
		if rule.covers(p.key, relatedID) {
			p.stale = true
		}
	}

	return evicted
}

// covers reports whether the rule evicts the given key for the related id.
func (r Rule) covers(key Key, relatedID string) bool {
	for _, t := range r {
		if t.Kind != key.Kind {
			continue
		}
		if t.Scoped && relatedID != "" && !key.references(relatedID) {
			continue
		}
		return true
	}
	return false
}
