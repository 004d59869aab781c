// Package docstore is the persistence layer for marketplace records,
// backed by DynamoDB.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("docstore: record not found")

// Property is a real-estate listing record.
type Property struct {
	ID          string    `json:"id" dynamodbav:"id"`
	OwnerID     string    `json:"owner_id" dynamodbav:"owner_id"`
	Title       string    `json:"title" dynamodbav:"title"`
	Description string    `json:"description" dynamodbav:"description"`
	City        string    `json:"city" dynamodbav:"city"`
	State       string    `json:"state" dynamodbav:"state"`
	Price       int64     `json:"price" dynamodbav:"price"`
	Bedrooms    int       `json:"bedrooms" dynamodbav:"bedrooms"`
	Bathrooms   int       `json:"bathrooms" dynamodbav:"bathrooms"`
	AreaSqFt    int       `json:"area_sqft" dynamodbav:"area_sqft"`
	Type        string    `json:"type" dynamodbav:"type"` // house, apartment, land
	Images      []string  `json:"images,omitempty" dynamodbav:"images,omitempty"`
	Featured    bool      `json:"featured" dynamodbav:"featured"`
	Status      string    `json:"status" dynamodbav:"status"` // active, sold, hidden
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// UserProfile is a marketplace user record.
type UserProfile struct {
	ID        string            `json:"id" dynamodbav:"id"`
	Name      string            `json:"name" dynamodbav:"name"`
	Email     string            `json:"email" dynamodbav:"email"`
	Phone     string            `json:"phone,omitempty" dynamodbav:"phone,omitempty"`
	Prefs     map[string]string `json:"prefs,omitempty" dynamodbav:"prefs,omitempty"`
	CreatedAt time.Time         `json:"created_at" dynamodbav:"created_at"`
}

// SavedRef links a user to a property they saved.
type SavedRef struct {
	UserID     string    `json:"user_id" dynamodbav:"user_id"`
	PropertyID string    `json:"property_id" dynamodbav:"property_id"`
	SavedAt    time.Time `json:"saved_at" dynamodbav:"saved_at"`
}

// SearchFilter narrows a property search. Zero values mean no constraint.
type SearchFilter struct {
	City        string
	Type        string
	MinPrice    int64
	MaxPrice    int64
	MinBedrooms int
	Limit       int
}

// Store is the persistence surface the listing service depends on.
type Store interface {
	GetProperty(ctx context.Context, id string) (*Property, error)
	QueryProperties(ctx context.Context, filter SearchFilter) ([]Property, error)
	BatchGetProperties(ctx context.Context, ids []string) ([]Property, error)
	CreateProperty(ctx context.Context, p *Property) error
	UpdateProperty(ctx context.Context, p *Property) error
	DeleteProperty(ctx context.Context, id string) error
	UserListings(ctx context.Context, ownerID string) ([]Property, error)

	SavedProperties(ctx context.Context, userID string) ([]SavedRef, error)
	SaveProperty(ctx context.Context, userID, propertyID string) error
	UnsaveProperty(ctx context.Context, userID, propertyID string) error

	GetUserProfile(ctx context.Context, userID string) (*UserProfile, error)
}
