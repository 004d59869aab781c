package cache

// Mutation event names. Every mutating call site in the application names
// one of these when it calls InvalidateOnChange; the store owns the
// mapping from event to affected key kinds.
const (
	EventPropertyCreate  = "property_create"
	EventPropertyUpdate  = "property_update"
	EventPropertyDelete  = "property_delete"
	EventSavedProperties = "saved_properties"
	EventProfileUpdate   = "profile_update"
)

// Target names one key kind a mutation event makes stale.
type Target struct {
	// Kind is the key kind to evict.
	Kind string
	// Scoped limits eviction to keys referencing the related entity id
	// passed with the event. When no related id is supplied the target
	// is applied unscoped.
	Scoped bool
}

// Rule is the set of cached query classes one mutation event makes stale.
type Rule []Target

// Rules maps mutation event names to eviction rules.
type Rules map[string]Rule

// DefaultRules returns the marketplace invalidation table.
//
// Search results and recommendations are evicted wholesale on any listing
// mutation: a new or changed listing can surface under any filter
// combination, and enumerating affected filters is not worth the
// complexity for short-TTL data.
func DefaultRules() Rules {
	return Rules{
		EventPropertyCreate: {
			{Kind: KindSearch},
			{Kind: KindRecommendations},
			{Kind: KindUserListings, Scoped: true},
		},
		EventPropertyUpdate: {
			{Kind: KindProperty, Scoped: true},
			{Kind: KindSearch},
			{Kind: KindRecommendations},
			{Kind: KindUserListings},
		},
		EventPropertyDelete: {
			{Kind: KindProperty, Scoped: true},
			{Kind: KindSearch},
			{Kind: KindRecommendations},
			{Kind: KindUserListings},
			// A deleted property may sit in any user's saved list.
			{Kind: KindSavedProperties},
		},
		EventSavedProperties: {
			{Kind: KindSavedProperties, Scoped: true},
		},
		EventProfileUpdate: {
			{Kind: KindUserProfile, Scoped: true},
			{Kind: KindRecommendations, Scoped: true},
		},
	}
}

// userTargets are the key kinds tied to a single user, evicted together
// by RefreshUserData.
var userTargets = Rule{
	{Kind: KindSavedProperties, Scoped: true},
	{Kind: KindUserListings, Scoped: true},
	{Kind: KindUserProfile, Scoped: true},
	{Kind: KindRecommendations, Scoped: true},
}
