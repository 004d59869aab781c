package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/casafind/marketplace/internal/platform/observability"
)

func savedKey(userID string) Key {
	return NewKey(KindSavedProperties, userID, map[string]string{"sort": "newest"})
}

// TestGetOrFetch_HitAvoidsRefetch verifies a fresh entry is served without
// invoking the fetch function again
func TestGetOrFetch_HitAvoidsRefetch(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	var calls atomic.Int32
	fetch := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return "value-1", nil
	}

	key := NewKey(KindProperty, "p1", nil)

	first, err := store.GetOrFetch(ctx, key, fetch, time.Minute)
	if err != nil {
		t.Fatalf("First GetOrFetch failed: %v", err)
	}

	second, err := store.GetOrFetch(ctx, key, fetch, time.Minute)
	if err != nil {
		t.Fatalf("Second GetOrFetch failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected 1 fetch invocation, got %d", calls.Load())
	}
	if first != "value-1" || second != "value-1" {
		t.Errorf("Expected both calls to return value-1, got %v and %v", first, second)
	}

	t.Log("✓ Cache hit served without re-fetch")
}

// TestGetOrFetch_ExpiryTriggersRefetch verifies an expired entry is fetched
// again
func TestGetOrFetch_ExpiryTriggersRefetch(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	var calls atomic.Int32
	fetch := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return calls.Load(), nil
	}

	key := NewKey(KindProperty, "p1", nil)

	if _, err := store.GetOrFetch(ctx, key, fetch, 40*time.Millisecond); err != nil {
		t.Fatalf("First GetOrFetch failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	v, err := store.GetOrFetch(ctx, key, fetch, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Second GetOrFetch failed: %v", err)
	}

	if calls.Load() != 2 {
		t.Errorf("Expected 2 fetch invocations after expiry, got %d", calls.Load())
	}
	if v != int32(2) {
		t.Errorf("Expected refreshed value 2, got %v", v)
	}

	t.Log("✓ Expired entry triggered re-fetch")
}

// TestGetOrFetch_CoalescesConcurrentCallers verifies N concurrent callers
// for the same key share a single fetch
func TestGetOrFetch_CoalescesConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	const callers = 8

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		close(entered)
		<-release
		return "shared", nil
	}

	key := NewKey(KindSearch, "", map[string]string{"city": "porto"})

	results := make(chan interface{}, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := store.GetOrFetch(ctx, key, fetch, time.Minute)
		results <- v
		errs <- err
	}()

	// The first caller is inside the fetch before the rest start, so every
	// other caller deterministically attaches to the pending fetch.
	<-entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := store.GetOrFetch(ctx, key, fetch, time.Minute)
			results <- v
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Caller failed: %v", err)
		}
	}
	for v := range results {
		if v != "shared" {
			t.Errorf("Expected every caller to get 'shared', got %v", v)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected exactly 1 underlying fetch, got %d", calls.Load())
	}

	t.Log("✓ Concurrent callers coalesced into one fetch")
}

// TestGetOrFetch_CoalescedCallersShareFailure verifies attached callers all
// receive the same error when the shared fetch fails
func TestGetOrFetch_CoalescedCallersShareFailure(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	fetchErr := errors.New("document store unavailable")

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		close(entered)
		<-release
		return nil, fetchErr
	}

	key := savedKey("u1")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := store.GetOrFetch(ctx, key, fetch, time.Minute)
		errs <- err
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := store.GetOrFetch(ctx, key, fetch, time.Minute)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, fetchErr) {
			t.Errorf("Expected shared fetch error, got %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected exactly 1 underlying fetch, got %d", calls.Load())
	}

	t.Log("✓ Coalesced callers received the same failure")
}

// TestGetOrFetch_FailedFetchNotCached verifies a failed fetch leaves no
// entry behind
func TestGetOrFetch_FailedFetchNotCached(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	key := NewKey(KindProperty, "p9", nil)

	fetchErr := errors.New("boom")
	if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return nil, fetchErr
	}, time.Minute); !errors.Is(err, fetchErr) {
		t.Fatalf("Expected fetch error to propagate verbatim, got %v", err)
	}

	var retried bool
	v, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		retried = true
		return "recovered", nil
	}, time.Minute)
	if err != nil {
		t.Fatalf("Retry fetch failed: %v", err)
	}
	if !retried {
		t.Error("Expected second fetch to run; failure must not be cached")
	}
	if v != "recovered" {
		t.Errorf("Expected 'recovered', got %v", v)
	}

	t.Log("✓ Failed fetch was not cached")
}

// TestInvalidateOnChange_ForcesMiss verifies a covered key misses right
// after invalidation, without waiting for TTL
func TestInvalidateOnChange_ForcesMiss(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	key := savedKey("u1")

	if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return []string{"p1"}, nil
	}, time.Hour); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	store.InvalidateOnChange(ctx, EventSavedProperties, "u1")

	var refetched bool
	v, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		refetched = true
		return []string{"p1", "p123"}, nil
	}, time.Hour)
	if err != nil {
		t.Fatalf("GetOrFetch after invalidation failed: %v", err)
	}
	if !refetched {
		t.Fatal("Expected a re-fetch after invalidation")
	}
	if list := v.([]string); len(list) != 2 || list[1] != "p123" {
		t.Errorf("Expected fresh list with p123, got %v", v)
	}

	t.Log("✓ Invalidation forced a cache miss")
}

// TestInvalidateOnChange_UnrelatedKeysUntouched verifies scoped invalidation
// leaves other kinds and other users alone
func TestInvalidateOnChange_UnrelatedKeysUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	searchKey := NewKey(KindSearch, "", map[string]string{"city": "lisbon"})
	otherUserKey := savedKey("u2")

	populate := func(key Key, val string) {
		t.Helper()
		if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
			return val, nil
		}, time.Hour); err != nil {
			t.Fatalf("Populate %s failed: %v", key.String(), err)
		}
	}
	populate(searchKey, "search-results")
	populate(otherUserKey, "u2-saved")

	store.InvalidateOnChange(ctx, EventSavedProperties, "u1")

	mustHit := func(key Key, want string) {
		t.Helper()
		v, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
			t.Errorf("Unexpected re-fetch for %s", key.String())
			return nil, nil
		}, time.Hour)
		if err != nil {
			t.Fatalf("GetOrFetch %s failed: %v", key.String(), err)
		}
		if v != want {
			t.Errorf("Expected cached %q for %s, got %v", want, key.String(), v)
		}
	}
	mustHit(searchKey, "search-results")
	mustHit(otherUserKey, "u2-saved")

	t.Log("✓ Unrelated keys survived scoped invalidation")
}

// TestInvalidateOnChange_UnknownEventIsNoop verifies unknown events never
// fail or evict
func TestInvalidateOnChange_UnknownEventIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	key := NewKey(KindProperty, "p1", nil)
	if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return "v", nil
	}, time.Hour); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	store.InvalidateOnChange(ctx, "no_such_event", "p1")

	if store.Len() != 1 {
		t.Errorf("Expected entry to survive unknown event, index len %d", store.Len())
	}

	t.Log("✓ Unknown event was a no-op")
}

// TestInvalidateOnChange_DetachesInFlightFetch verifies a fetch in flight
// during invalidation still resolves its callers but is not cached
func TestInvalidateOnChange_DetachesInFlightFetch(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	key := savedKey("u1")

	entered := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	var got interface{}
	var gotErr error
	go func() {
		defer close(done)
		got, gotErr = store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
			close(entered)
			<-release
			return "pre-mutation", nil
		}, time.Hour)
	}()

	<-entered
	// The save lands while the list fetch is still in flight.
	store.InvalidateOnChange(ctx, EventSavedProperties, "u1")
	close(release)
	<-done

	if gotErr != nil {
		t.Fatalf("In-flight fetch failed: %v", gotErr)
	}
	if got != "pre-mutation" {
		t.Errorf("Expected in-flight result delivered to caller, got %v", got)
	}

	var refetched bool
	if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		refetched = true
		return "post-mutation", nil
	}, time.Hour); err != nil {
		t.Fatalf("GetOrFetch after detach failed: %v", err)
	}
	if !refetched {
		t.Error("Expected detached fetch result to stay uncached")
	}

	t.Log("✓ In-flight fetch detached by invalidation")
}

// TestRefreshUserData_EvictsOnlyUserKeys verifies all user-scoped kinds go
// and everything else stays
func TestRefreshUserData_EvictsOnlyUserKeys(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	userKeys := []Key{
		savedKey("u1"),
		NewKey(KindUserListings, "u1", nil),
		NewKey(KindUserProfile, "u1", nil),
	}
	keepKeys := []Key{
		NewKey(KindProperty, "p1", nil),
		savedKey("u2"),
	}

	for _, key := range append(append([]Key{}, userKeys...), keepKeys...) {
		if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
			return "v", nil
		}, time.Hour); err != nil {
			t.Fatalf("Populate %s failed: %v", key.String(), err)
		}
	}

	store.RefreshUserData(ctx, "u1")

	for _, key := range userKeys {
		refetched := false
		if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
			refetched = true
			return "v2", nil
		}, time.Hour); err != nil {
			t.Fatalf("GetOrFetch %s failed: %v", key.String(), err)
		}
		if !refetched {
			t.Errorf("Expected %s to be evicted by RefreshUserData", key.String())
		}
	}
	for _, key := range keepKeys {
		if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
			t.Errorf("Unexpected re-fetch for %s", key.String())
			return nil, nil
		}, time.Hour); err != nil {
			t.Fatalf("GetOrFetch %s failed: %v", key.String(), err)
		}
	}

	t.Log("✓ RefreshUserData evicted exactly the user's keys")
}

// TestGetOrFetch_FetchOutlivesCallerCancellation verifies a started fetch
// completes and caches even when the originating caller gives up
func TestGetOrFetch_FetchOutlivesCallerCancellation(t *testing.T) {
	store := NewStore(StoreConfig{})

	key := NewKey(KindProperty, "p1", nil)

	callerCtx, cancel := context.WithCancel(context.Background())

	entered := make(chan struct{})
	release := make(chan struct{})
	fetched := make(chan struct{})

	go func() {
		_, _ = store.GetOrFetch(callerCtx, key, func(ctx context.Context) (interface{}, error) {
			close(entered)
			<-release
			if ctx.Err() != nil {
				t.Error("Expected fetch context to survive caller cancellation")
			}
			defer close(fetched)
			return "late-result", nil
		}, time.Hour)
	}()

	<-entered
	cancel()
	close(release)
	<-fetched

	// Give the fetching goroutine time to commit the entry.
	time.Sleep(20 * time.Millisecond)

	v, err := store.GetOrFetch(context.Background(), key, func(ctx context.Context) (interface{}, error) {
		t.Error("Unexpected re-fetch; late result should have been cached")
		return nil, nil
	}, time.Hour)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if v != "late-result" {
		t.Errorf("Expected cached late result, got %v", v)
	}

	t.Log("✓ Fetch ran to completion after caller cancelled")
}

// TestInvalidateOnChange_CoversEntriesWrittenByOthers verifies eviction
// reaches entries another instance committed through a shared backend
func TestInvalidateOnChange_CoversEntriesWrittenByOthers(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryCache(0)
	store := NewStore(StoreConfig{Backend: backend})

	key := savedKey("u1")

	// The entry arrives through the shared backend, not through this
	// store instance.
	if err := backend.Set(ctx, key.String(), []string{"p1"}, time.Hour); err != nil {
		t.Fatalf("Seeding backend failed: %v", err)
	}

	v, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		t.Error("Unexpected fetch; seeded entry should be a hit")
		return nil, nil
	}, time.Hour)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if list := v.([]string); len(list) != 1 || list[0] != "p1" {
		t.Errorf("Expected seeded list, got %v", v)
	}

	store.InvalidateOnChange(ctx, EventSavedProperties, "u1")

	var refetched bool
	if _, err := store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		refetched = true
		return []string{"p1", "p2"}, nil
	}, time.Hour); err != nil {
		t.Fatalf("GetOrFetch after invalidation failed: %v", err)
	}
	if !refetched {
		t.Fatal("Expected invalidation to evict the seeded entry")
	}

	t.Log("✓ Invalidation covered an entry written outside this instance")
}

// strictCache wraps MemoryCache and honors context cancellation the way a
// remote backend does.
type strictCache struct {
	inner *MemoryCache
}

func (c *strictCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.inner.Get(ctx, key)
}

func (c *strictCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.inner.Set(ctx, key, value, ttl)
}

func (c *strictCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.inner.Delete(ctx, key)
}

func (c *strictCache) Close() error { return c.inner.Close() }

// TestGetOrFetch_LateResultCachedOnStrictBackend verifies the commit of a
// detached fetch is not rejected by a backend that honors cancellation
func TestGetOrFetch_LateResultCachedOnStrictBackend(t *testing.T) {
	store := NewStore(StoreConfig{Backend: &strictCache{inner: NewMemoryCache(0)}})

	key := NewKey(KindProperty, "p1", nil)

	callerCtx, cancel := context.WithCancel(context.Background())

	entered := make(chan struct{})
	release := make(chan struct{})
	settled := make(chan struct{})

	go func() {
		defer close(settled)
		_, _ = store.GetOrFetch(callerCtx, key, func(ctx context.Context) (interface{}, error) {
			close(entered)
			<-release
			return "late-result", nil
		}, time.Hour)
	}()

	<-entered
	cancel()
	close(release)
	<-settled

	v, err := store.GetOrFetch(context.Background(), key, func(ctx context.Context) (interface{}, error) {
		t.Error("Unexpected re-fetch; late result should have been cached")
		return nil, nil
	}, time.Hour)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if v != "late-result" {
		t.Errorf("Expected cached late result, got %v", v)
	}

	t.Log("✓ Late result committed despite caller cancellation")
}

// TestGetOrFetch_MissCountedOncePerFetch verifies attached waiters count as
// coalesced fetches, not additional misses
func TestGetOrFetch_MissCountedOncePerFetch(t *testing.T) {
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("cache-test")

	misses, err := meter.Int64Counter("cache.misses")
	if err != nil {
		t.Fatalf("Counter setup failed: %v", err)
	}
	coalesced, err := meter.Int64Counter("cache.coalesced")
	if err != nil {
		t.Fatalf("Counter setup failed: %v", err)
	}

	store := NewStore(StoreConfig{
		Metrics: &observability.Metrics{CacheMisses: misses, CoalescedFetches: coalesced},
	})

	key := savedKey("u1")

	entered := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
			close(entered)
			<-release
			return "v", nil
		}, time.Minute)
	}()
	<-entered

	const waiters = 3
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
				t.Error("Waiter must attach to the in-flight fetch")
				return nil, nil
			}, time.Minute)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if got := counterTotal(t, rm, "cache.misses"); got != 1 {
		t.Errorf("Expected 1 recorded miss, got %d", got)
	}
	if got := counterTotal(t, rm, "cache.coalesced"); got != waiters {
		t.Errorf("Expected %d coalesced fetches, got %d", waiters, got)
	}

	t.Log("✓ Miss recorded only by the fetch-initiating caller")
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("Unexpected data type for %s: %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// TestGetOrFetch_NonPositiveTTLSkipsCaching verifies ttl<=0 degrades to a
// coalescing pass-through
func TestGetOrFetch_NonPositiveTTLSkipsCaching(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{})

	key := NewKey(KindSearch, "", map[string]string{"city": "faro"})

	var calls atomic.Int32
	fetch := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return "v", nil
	}

	for i := 0; i < 2; i++ {
		if _, err := store.GetOrFetch(ctx, key, fetch, 0); err != nil {
			t.Fatalf("GetOrFetch failed: %v", err)
		}
	}

	if calls.Load() != 2 {
		t.Errorf("Expected 2 fetches with ttl=0, got %d", calls.Load())
	}

	t.Log("✓ Non-positive TTL skipped caching")
}
