package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casafind/marketplace/internal/platform/observability"
)

// Invalidator is the slice of the cache store the coordinator drives.
type Invalidator interface {
	InvalidateOnChange(ctx context.Context, event, relatedID string)
	RefreshUserData(ctx context.Context, userID string)
}

// SubscriptionConfig configures one refresh subscription, typically one
// mounted user-facing view.
type SubscriptionConfig struct {
	// UserID scopes visibility and polling refreshes. When empty,
	// user-scoped refresh logic is skipped.
	UserID string

	// OnUserDataChange is invoked after the cache has been invalidated
	// for a refresh condition, so the consumer re-fetches. Invoked on
	// the signal publisher's goroutine.
	OnUserDataChange func()

	// PollInterval enables the polling fallback: even without explicit
	// signals, refresh at this conservative interval to bound staleness.
	// Zero disables polling.
	PollInterval time.Duration
}

// Coordinator turns bus signals into cache invalidation plus consumer
// callbacks. It owns no cache state of its own; failures only ever
// surface through the callbacks it is given.
type Coordinator struct {
	store   Invalidator
	bus     *Bus
	logger  *observability.Logger
	metrics *observability.Metrics
	active  atomic.Int64
}

// NewCoordinator creates a coordinator over the given cache store and bus.
func NewCoordinator(store Invalidator, bus *Bus, logger *observability.Logger, metrics *observability.Metrics) *Coordinator {
	if metrics == nil {
		metrics = &observability.Metrics{}
	}
	return &Coordinator{
		store:   store,
		bus:     bus,
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers listeners for the three refresh signal classes:
// visibility regained, mutation events, and the optional polling
// fallback. The returned function tears all of them down; the consumer
// must call it on unmount or listeners accumulate across navigations.
// Calling it twice is a safe no-op.
func (c *Coordinator) Subscribe(cfg SubscriptionConfig) (unsubscribe func()) {
	ctx := context.Background()
	stopPoll := make(chan struct{})

	cancelVisibility := c.bus.Subscribe(TopicVisibility, func(ev Event) {
		if ev.Name != SignalVisible {
			return
		}
		c.metrics.RecordRefreshSignal(ctx, "visibility")
		if cfg.UserID != "" {
			c.store.RefreshUserData(ctx, cfg.UserID)
		}
		if cfg.OnUserDataChange != nil {
			cfg.OnUserDataChange()
		}
	})

	cancelMutation := c.bus.Subscribe(TopicMutation, func(ev Event) {
		c.metrics.RecordRefreshSignal(ctx, "mutation")
		// Invalidation is unconditional: the cache must stay coherent no
		// matter whose data changed. The callback is scoped, so a client
		// only re-fetches for events that concern its own user.
		c.store.InvalidateOnChange(ctx, ev.Name, ev.RelatedID)
		if !concernsUser(ev, cfg.UserID) {
			return
		}
		if cfg.OnUserDataChange != nil {
			cfg.OnUserDataChange()
		}
	})

	if cfg.PollInterval > 0 {
		go c.poll(cfg, stopPoll)
	}

	c.metrics.SetSubscriptions(ctx, c.active.Add(1))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelVisibility()
			cancelMutation()
			close(stopPoll)
			c.metrics.SetSubscriptions(ctx, c.active.Add(-1))
		})
	}
}

// concernsUser reports whether a mutation event should notify a
// subscriber. Global events (no related id) reach everyone; scoped
// events reach unscoped subscribers and the matching user.
func concernsUser(ev Event, userID string) bool {
	return userID == "" || ev.RelatedID == "" || ev.RelatedID == userID
}

func (c *Coordinator) poll(cfg SubscriptionConfig, stop <-chan struct{}) {
	ctx := context.Background()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.metrics.RecordPollTick(ctx)
			if cfg.UserID != "" {
				c.store.RefreshUserData(ctx, cfg.UserID)
			}
			if cfg.OnUserDataChange != nil {
				cfg.OnUserDataChange()
			}
		case <-stop:
			return
		}
	}
}
