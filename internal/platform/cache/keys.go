package cache

import (
	"sort"
	"strings"
)

// Key kinds for the marketplace query classes. Every cached query belongs
// to exactly one kind; invalidation rules are expressed in terms of kinds.
const (
	KindProperty        = "property"
	KindSearch          = "search"
	KindSavedProperties = "saved_properties"
	KindUserListings    = "user_listings"
	KindUserProfile     = "user_profile"
	KindRecommendations = "recommendations"
)

// Key identifies one cached query. Building keys from the structured
// fields instead of ad-hoc string concatenation guarantees that distinct
// entity/filter combinations never collide in the cache.
type Key struct {
	// Kind is the query class (one of the Kind constants).
	Kind string
	// ID is the primary entity the query is about: a property id for a
	// detail lookup, a user id for user-scoped lists. May be empty for
	// global queries.
	ID string
	// Params are the filter parameters of the query (city, price band,
	// page cursor...). Order does not matter; String sorts them.
	Params map[string]string
}

// NewKey builds a Key.
func NewKey(kind, id string, params map[string]string) Key {
	return Key{Kind: kind, ID: id, Params: params}
}

// String renders the canonical cache-key string. Two keys built from the
// same kind, id, and parameter set always render identically regardless
// of map iteration order.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Kind)
	b.WriteByte(':')
	b.WriteString(k.ID)

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			b.WriteByte('|')
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(k.Params[name])
		}
	}

	return b.String()
}

// references reports whether the key is about the given entity id, either
// as its primary id or through one of its filter parameters.
func (k Key) references(id string) bool {
	if id == "" {
		return false
	}
	if k.ID == id {
		return true
	}
	for _, v := range k.Params {
		if v == id {
			return true
		}
	}
	return false
}
