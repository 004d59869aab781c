package listing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/casafind/marketplace/internal/docstore"
	"github.com/casafind/marketplace/internal/notification"
	"github.com/casafind/marketplace/internal/platform/cache"
	"github.com/casafind/marketplace/internal/platform/worker"
	"github.com/casafind/marketplace/internal/realtime"
)

// fakeDocstore is an in-memory docstore.Store that counts reads so tests
// can tell cache hits from refetches.
type fakeDocstore struct {
	mu         sync.Mutex
	properties map[string]docstore.Property
	saved      map[string][]docstore.SavedRef
	profiles   map[string]docstore.UserProfile
	reads      map[string]int
}

func newFakeDocstore() *fakeDocstore {
	return &fakeDocstore{
		properties: make(map[string]docstore.Property),
		saved:      make(map[string][]docstore.SavedRef),
		profiles:   make(map[string]docstore.UserProfile),
		reads:      make(map[string]int),
	}
}

func (f *fakeDocstore) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[op]++
}

func (f *fakeDocstore) readCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[op]
}

func (f *fakeDocstore) GetProperty(_ context.Context, id string) (*docstore.Property, error) {
	f.count("get_property")
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.properties[id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return &p, nil
}

func (f *fakeDocstore) QueryProperties(_ context.Context, filter docstore.SearchFilter) ([]docstore.Property, error) {
	f.count("query_properties")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docstore.Property
	for _, p := range f.properties {
		if filter.City != "" && p.City != filter.City {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeDocstore) BatchGetProperties(_ context.Context, ids []string) ([]docstore.Property, error) {
	f.count("batch_get_properties")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docstore.Property
	for _, id := range ids {
		if p, ok := f.properties[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeDocstore) CreateProperty(_ context.Context, p *docstore.Property) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.properties[p.ID] = *p
	return nil
}

func (f *fakeDocstore) UpdateProperty(_ context.Context, p *docstore.Property) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.properties[p.ID]; !ok {
		return docstore.ErrNotFound
	}
	f.properties[p.ID] = *p
	return nil
}

func (f *fakeDocstore) DeleteProperty(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.properties, id)
	return nil
}

func (f *fakeDocstore) UserListings(_ context.Context, ownerID string) ([]docstore.Property, error) {
	f.count("user_listings")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docstore.Property
	for _, p := range f.properties {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeDocstore) SavedProperties(_ context.Context, userID string) ([]docstore.SavedRef, error) {
	f.count("saved_properties")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]docstore.SavedRef(nil), f.saved[userID]...), nil
}

func (f *fakeDocstore) SaveProperty(_ context.Context, userID, propertyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[userID] = append(f.saved[userID], docstore.SavedRef{
		UserID:     userID,
		PropertyID: propertyID,
		SavedAt:    time.Now(),
	})
	return nil
}

func (f *fakeDocstore) UnsaveProperty(_ context.Context, userID, propertyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := f.saved[userID][:0]
	for _, ref := range f.saved[userID] {
		if ref.PropertyID != propertyID {
			refs = append(refs, ref)
		}
	}
	f.saved[userID] = refs
	return nil
}

func (f *fakeDocstore) GetUserProfile(_ context.Context, userID string) (*docstore.UserProfile, error) {
	f.count("get_user_profile")
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[userID]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return &profile, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notification.ChangeNotice
}

func (r *recordingNotifier) PublishChange(_ context.Context, notice notification.ChangeNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
	return nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, name, relatedID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name+":"+relatedID)
	return nil
}

func newTestService(t *testing.T, docs docstore.Store) (*Service, *realtime.Bus) {
	t.Helper()
	bus := realtime.NewBus()
	svc, err := NewService(ServiceConfig{
		Docstore: docs,
		Cache:    cache.NewStore(cache.StoreConfig{}),
		Bus:      bus,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, bus
}

func TestGetProperty_SecondReadServedFromCache(t *testing.T) {
	docs := newFakeDocstore()
	docs.properties["p1"] = docstore.Property{ID: "p1", Title: "Cottage", City: "Austin"}
	svc, _ := newTestService(t, docs)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p, err := svc.GetProperty(ctx, "p1")
		if err != nil {
			t.Fatalf("GetProperty failed: %v", err)
		}
		if p.Title != "Cottage" {
			t.Errorf("Unexpected property: %+v", p)
		}
	}

	if n := docs.readCount("get_property"); n != 1 {
		t.Errorf("Expected 1 docstore read, got %d", n)
	}

	t.Log("✓ Repeated reads hit the cache")
}

func TestSaveProperty_SavedListFreshWithoutTTLWait(t *testing.T) {
	docs := newFakeDocstore()
	docs.properties["p123"] = docstore.Property{ID: "p123", Title: "Bungalow"}
	svc, _ := newTestService(t, docs)

	ctx := context.Background()

	saved, err := svc.SavedProperties(ctx, "u1")
	if err != nil {
		t.Fatalf("SavedProperties failed: %v", err)
	}
	if len(saved) != 0 {
		t.Fatalf("Expected empty saved list, got %d entries", len(saved))
	}

	if err := svc.SaveProperty(ctx, "u1", "p123"); err != nil {
		t.Fatalf("SaveProperty failed: %v", err)
	}

	// No TTL wait: the mutation invalidated the saved list entry.
	saved, err = svc.SavedProperties(ctx, "u1")
	if err != nil {
		t.Fatalf("SavedProperties failed: %v", err)
	}
	if len(saved) != 1 || saved[0].ID != "p123" {
		t.Fatalf("Expected saved list [p123], got %+v", saved)
	}

	if n := docs.readCount("saved_properties"); n != 2 {
		t.Errorf("Expected 2 saved-list fetches (before and after save), got %d", n)
	}

	t.Log("✓ Save shows up immediately, no TTL wait")
}

func TestUpdateProperty_InvalidatesDetailAndSearch(t *testing.T) {
	docs := newFakeDocstore()
	docs.properties["p1"] = docstore.Property{ID: "p1", Title: "Old title", City: "Austin"}
	svc, _ := newTestService(t, docs)

	ctx := context.Background()

	if _, err := svc.GetProperty(ctx, "p1"); err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if _, err := svc.Search(ctx, docstore.SearchFilter{City: "Austin"}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	updated := docstore.Property{ID: "p1", Title: "New title", City: "Austin"}
	if err := svc.UpdateProperty(ctx, &updated); err != nil {
		t.Fatalf("UpdateProperty failed: %v", err)
	}

	p, err := svc.GetProperty(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if p.Title != "New title" {
		t.Errorf("Expected refreshed detail, got %q", p.Title)
	}

	results, err := svc.Search(ctx, docstore.SearchFilter{City: "Austin"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Title != "New title" {
		t.Errorf("Expected refreshed search results, got %+v", results)
	}

	if n := docs.readCount("get_property"); n != 2 {
		t.Errorf("Expected detail refetch after update, got %d reads", n)
	}
	if n := docs.readCount("query_properties"); n != 2 {
		t.Errorf("Expected search refetch after update, got %d reads", n)
	}

	t.Log("✓ Update evicts the detail entry and search results")
}

func TestSearch_DistinctFiltersCacheSeparately(t *testing.T) {
	docs := newFakeDocstore()
	docs.properties["p1"] = docstore.Property{ID: "p1", City: "Austin"}
	docs.properties["p2"] = docstore.Property{ID: "p2", City: "Denver"}
	svc, _ := newTestService(t, docs)

	ctx := context.Background()

	austin, err := svc.Search(ctx, docstore.SearchFilter{City: "Austin"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	denver, err := svc.Search(ctx, docstore.SearchFilter{City: "Denver"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(austin) != 1 || austin[0].ID != "p1" {
		t.Errorf("Unexpected Austin results: %+v", austin)
	}
	if len(denver) != 1 || denver[0].ID != "p2" {
		t.Errorf("Unexpected Denver results: %+v", denver)
	}
	if n := docs.readCount("query_properties"); n != 2 {
		t.Errorf("Expected 2 distinct fetches, got %d", n)
	}

	// Repeats of both hit their own entries.
	_, _ = svc.Search(ctx, docstore.SearchFilter{City: "Austin"})
	_, _ = svc.Search(ctx, docstore.SearchFilter{City: "Denver"})
	if n := docs.readCount("query_properties"); n != 2 {
		t.Errorf("Expected cached repeats, got %d fetches", n)
	}

	t.Log("✓ Each filter combination caches under its own key")
}

func TestMutation_SignalsBusBroadcasterAndNotifier(t *testing.T) {
	docs := newFakeDocstore()
	bus := realtime.NewBus()
	notifier := &recordingNotifier{}
	broadcaster := &recordingBroadcaster{}
	svc, err := NewService(ServiceConfig{
		Docstore:    docs,
		Cache:       cache.NewStore(cache.StoreConfig{}),
		Bus:         bus,
		Broadcaster: broadcaster,
		Notifier:    notifier,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	var busEvents []realtime.Event
	cancel := bus.Subscribe(realtime.TopicMutation, func(ev realtime.Event) {
		busEvents = append(busEvents, ev)
	})
	defer cancel()

	ctx := context.Background()
	created, err := svc.CreateProperty(ctx, &docstore.Property{OwnerID: "u1", Title: "Loft"})
	if err != nil {
		t.Fatalf("CreateProperty failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Expected a generated property id")
	}

	if len(busEvents) != 1 || busEvents[0].Name != cache.EventPropertyCreate || busEvents[0].RelatedID != "u1" {
		t.Errorf("Unexpected bus events: %+v", busEvents)
	}
	if len(broadcaster.events) != 1 || broadcaster.events[0] != cache.EventPropertyCreate+":u1" {
		t.Errorf("Unexpected broadcasts: %v", broadcaster.events)
	}
	if len(notifier.notices) != 1 || notifier.notices[0].PropertyID != created.ID {
		t.Errorf("Unexpected notices: %+v", notifier.notices)
	}

	t.Log("✓ Mutations fan out to bus, broadcaster, and notifier")
}

func TestRecommendations_UseProfilePreferences(t *testing.T) {
	docs := newFakeDocstore()
	docs.properties["p1"] = docstore.Property{ID: "p1", City: "Austin"}
	docs.properties["p2"] = docstore.Property{ID: "p2", City: "Denver"}
	docs.profiles["u1"] = docstore.UserProfile{ID: "u1", Prefs: map[string]string{"city": "Denver"}}
	svc, _ := newTestService(t, docs)

	recs, err := svc.Recommendations(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Recommendations failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "p2" {
		t.Errorf("Expected preference-filtered recommendations, got %+v", recs)
	}

	t.Log("✓ Recommendations honor profile preferences")
}

func TestWarmup_PrefetchesDetailEntries(t *testing.T) {
	docs := newFakeDocstore()
	docs.properties["p1"] = docstore.Property{ID: "p1", City: "Austin"}
	docs.properties["p2"] = docstore.Property{ID: "p2", City: "Austin"}
	svc, _ := newTestService(t, docs)

	pool := worker.NewPool(context.Background(), 2, 10)
	defer pool.Close()

	warmup := NewWarmup(svc, pool, 10, nil)
	if warmup.Name() != "listing" {
		t.Errorf("Unexpected provider name: %s", warmup.Name())
	}
	if err := warmup.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	// Details are warm: reads hit the cache without docstore traffic.
	before := docs.readCount("get_property")
	if _, err := svc.GetProperty(context.Background(), "p1"); err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if _, err := svc.GetProperty(context.Background(), "p2"); err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if after := docs.readCount("get_property"); after != before {
		t.Errorf("Expected warm detail entries, got %d extra reads", after-before)
	}

	t.Log("✓ Warmup fills search and detail entries")
}
