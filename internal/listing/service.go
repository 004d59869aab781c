// Package listing is the marketplace's application layer: reads go
// through the cache store, mutations write to the docstore and then
// drive invalidation, local and cross-instance refresh signals, and
// best-effort change notices.
package listing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/casafind/marketplace/internal/docstore"
	"github.com/casafind/marketplace/internal/notification"
	"github.com/casafind/marketplace/internal/platform/cache"
	"github.com/casafind/marketplace/internal/platform/observability"
	"github.com/casafind/marketplace/internal/realtime"
	"github.com/google/uuid"
)

// TTLs holds the cache TTL per data class.
type TTLs struct {
	PropertyDetails time.Duration
	Search          time.Duration
	SavedProperties time.Duration
	UserListings    time.Duration
	UserProfile     time.Duration
	Recommendations time.Duration
}

// DefaultTTLs returns the TTLs used when none are configured. User-curated
// data caches briefly, listing details longer.
func DefaultTTLs() TTLs {
	return TTLs{
		PropertyDetails: 2 * time.Minute,
		Search:          time.Minute,
		SavedProperties: 30 * time.Second,
		UserListings:    30 * time.Second,
		UserProfile:     time.Minute,
		Recommendations: 5 * time.Minute,
	}
}

// Notifier publishes change notices to downstream consumers.
type Notifier interface {
	PublishChange(ctx context.Context, notice notification.ChangeNotice) error
}

// Broadcaster forwards mutation events to other service instances.
type Broadcaster interface {
	Broadcast(ctx context.Context, name, relatedID string) error
}

// Service serves marketplace reads and writes.
type Service struct {
	docs        docstore.Store
	cache       *cache.Store
	bus         *realtime.Bus
	broadcaster Broadcaster
	notifier    Notifier
	ttls        TTLs
	logger      *observability.Logger
	tracer      observability.Tracer
}

// ServiceConfig holds service configuration. Broadcaster and Notifier are
// optional; everything else is required.
type ServiceConfig struct {
	Docstore    docstore.Store
	Cache       *cache.Store
	Bus         *realtime.Bus
	Broadcaster Broadcaster
	Notifier    Notifier
	TTLs        *TTLs
	Logger      *observability.Logger
	Tracer      observability.Tracer
}

// NewService creates the listing service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Docstore == nil {
		return nil, fmt.Errorf("docstore is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	ttls := DefaultTTLs()
	if cfg.TTLs != nil {
		ttls = *cfg.TTLs
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Service{
		docs:        cfg.Docstore,
		cache:       cfg.Cache,
		bus:         cfg.Bus,
		broadcaster: cfg.Broadcaster,
		notifier:    cfg.Notifier,
		ttls:        ttls,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
	}, nil
}

// GetProperty returns one property, from cache when fresh.
func (s *Service) GetProperty(ctx context.Context, id string) (*docstore.Property, error) {
	key := cache.NewKey(cache.KindProperty, id, nil)
	v, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.docs.GetProperty(ctx, id)
	}, s.ttls.PropertyDetails)
	if err != nil {
		return nil, err
	}
	return decode[*docstore.Property](v)
}

// Search returns active properties matching the filter. Each distinct
// filter combination caches under its own key.
func (s *Service) Search(ctx context.Context, filter docstore.SearchFilter) ([]docstore.Property, error) {
	key := cache.NewKey(cache.KindSearch, "", searchParams(filter))
	v, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.docs.QueryProperties(ctx, filter)
	}, s.ttls.Search)
	if err != nil {
		return nil, err
	}
	return decode[[]docstore.Property](v)
}

// searchParams canonicalizes a filter into cache key params.
func searchParams(filter docstore.SearchFilter) map[string]string {
	params := make(map[string]string)
	if filter.City != "" {
		params["city"] = filter.City
	}
	if filter.Type != "" {
		params["type"] = filter.Type
	}
	if filter.MinPrice > 0 {
		params["min_price"] = strconv.FormatInt(filter.MinPrice, 10)
	}
	if filter.MaxPrice > 0 {
		params["max_price"] = strconv.FormatInt(filter.MaxPrice, 10)
	}
	if filter.MinBedrooms > 0 {
		params["min_bedrooms"] = strconv.Itoa(filter.MinBedrooms)
	}
	if filter.Limit > 0 {
		params["limit"] = strconv.Itoa(filter.Limit)
	}
	return params
}

// SavedProperties returns the full property records the user has saved.
func (s *Service) SavedProperties(ctx context.Context, userID string) ([]docstore.Property, error) {
	key := cache.NewKey(cache.KindSavedProperties, userID, nil)
	v, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		refs, err := s.docs.SavedProperties(ctx, userID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(refs))
		for _, ref := range refs {
			ids = append(ids, ref.PropertyID)
		}
		return s.docs.BatchGetProperties(ctx, ids)
	}, s.ttls.SavedProperties)
	if err != nil {
		return nil, err
	}
	return decode[[]docstore.Property](v)
}

// UserListings returns the properties the user owns.
func (s *Service) UserListings(ctx context.Context, userID string) ([]docstore.Property, error) {
	key := cache.NewKey(cache.KindUserListings, userID, nil)
	v, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.docs.UserListings(ctx, userID)
	}, s.ttls.UserListings)
	if err != nil {
		return nil, err
	}
	return decode[[]docstore.Property](v)
}

// GetUserProfile returns one user profile.
func (s *Service) GetUserProfile(ctx context.Context, userID string) (*docstore.UserProfile, error) {
	key := cache.NewKey(cache.KindUserProfile, userID, nil)
	v, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.docs.GetUserProfile(ctx, userID)
	}, s.ttls.UserProfile)
	if err != nil {
		return nil, err
	}
	return decode[*docstore.UserProfile](v)
}

// Recommendations returns properties matching the user's stated
// preferences, falling back to featured listings for users without any.
func (s *Service) Recommendations(ctx context.Context, userID string) ([]docstore.Property, error) {
	key := cache.NewKey(cache.KindRecommendations, userID, nil)
	v, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		filter := docstore.SearchFilter{Limit: 10}
		if profile, err := s.docs.GetUserProfile(ctx, userID); err == nil {
			filter.City = profile.Prefs["city"]
			filter.Type = profile.Prefs["type"]
		}
		return s.docs.QueryProperties(ctx, filter)
	}, s.ttls.Recommendations)
	if err != nil {
		return nil, err
	}
	return decode[[]docstore.Property](v)
}

// CreateProperty persists a new listing and signals the change. The
// caller's view of their own listings is consistent immediately: cache
// invalidation happens before this returns.
func (s *Service) CreateProperty(ctx context.Context, p *docstore.Property) (*docstore.Property, error) {
	ctx, span := s.tracer.StartSpan(ctx, "Service.CreateProperty")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.docs.CreateProperty(ctx, p); err != nil {
		span.NoticeError(err)
		return nil, err
	}

	s.emitChange(ctx, cache.EventPropertyCreate, p.OwnerID, notification.ChangeNotice{
		Event:      cache.EventPropertyCreate,
		PropertyID: p.ID,
		UserID:     p.OwnerID,
	})
	return p, nil
}

// UpdateProperty persists listing changes and signals the change.
func (s *Service) UpdateProperty(ctx context.Context, p *docstore.Property) error {
	ctx, span := s.tracer.StartSpan(ctx, "Service.UpdateProperty")
	defer span.End()

	if err := s.docs.UpdateProperty(ctx, p); err != nil {
		span.NoticeError(err)
		return err
	}

	s.emitChange(ctx, cache.EventPropertyUpdate, p.ID, notification.ChangeNotice{
		Event:      cache.EventPropertyUpdate,
		PropertyID: p.ID,
		UserID:     p.OwnerID,
	})
	return nil
}

// DeleteProperty removes a listing and signals the change.
func (s *Service) DeleteProperty(ctx context.Context, id string) error {
	ctx, span := s.tracer.StartSpan(ctx, "Service.DeleteProperty")
	defer span.End()

	if err := s.docs.DeleteProperty(ctx, id); err != nil {
		span.NoticeError(err)
		return err
	}

	s.emitChange(ctx, cache.EventPropertyDelete, id, notification.ChangeNotice{
		Event:      cache.EventPropertyDelete,
		PropertyID: id,
	})
	return nil
}

// SaveProperty adds a property to the user's saved list and signals the
// change so the saved list re-reads without waiting out its TTL.
func (s *Service) SaveProperty(ctx context.Context, userID, propertyID string) error {
	ctx, span := s.tracer.StartSpan(ctx, "Service.SaveProperty")
	defer span.End()

	if err := s.docs.SaveProperty(ctx, userID, propertyID); err != nil {
		span.NoticeError(err)
		return err
	}

	s.emitChange(ctx, cache.EventSavedProperties, userID, notification.ChangeNotice{
		Event:      cache.EventSavedProperties,
		PropertyID: propertyID,
		UserID:     userID,
	})
	return nil
}

// UnsaveProperty removes a property from the user's saved list.
func (s *Service) UnsaveProperty(ctx context.Context, userID, propertyID string) error {
	ctx, span := s.tracer.StartSpan(ctx, "Service.UnsaveProperty")
	defer span.End()

	if err := s.docs.UnsaveProperty(ctx, userID, propertyID); err != nil {
		span.NoticeError(err)
		return err
	}

	s.emitChange(ctx, cache.EventSavedProperties, userID, notification.ChangeNotice{
		Event:      cache.EventSavedProperties,
		PropertyID: propertyID,
		UserID:     userID,
	})
	return nil
}

// emitChange runs the post-mutation sequence: synchronous cache
// invalidation first, so the next read within this instance misses, then
// the local bus signal, then best-effort fan-out. Broadcast and notify
// failures are logged, never returned: the write has already succeeded.
func (s *Service) emitChange(ctx context.Context, event, relatedID string, notice notification.ChangeNotice) {
	s.cache.InvalidateOnChange(ctx, event, relatedID)

	s.bus.Publish(realtime.Event{
		Topic:     realtime.TopicMutation,
		Name:      event,
		RelatedID: relatedID,
	})

	if s.broadcaster != nil {
		if err := s.broadcaster.Broadcast(ctx, event, relatedID); err != nil && s.logger != nil {
			s.logger.LogWarn(ctx, "failed to broadcast mutation", "event", event, "error", err)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.PublishChange(ctx, notice); err != nil && s.logger != nil {
			s.logger.LogWarn(ctx, "failed to publish change notice", "event", event, "error", err)
		}
	}
}
