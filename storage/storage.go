// Package storage defines the persistence collaborator contract for user,
// channel and team records plus the per-user attribute time series used
// for variable persistence, with in-memory (default), Redis and SQLite
// backends.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record or attribute does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrMissingID is returned when saving a record without an identifier.
var ErrMissingID = errors.New("storage: record has no id")

// User is a chat network user known to the engine.
type User struct {
	ID   string         `json:"id"`
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Channel is a chat channel or direct-message thread.
type Channel struct {
	ID   string         `json:"id"`
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Team groups users under one workspace / organization.
type Team struct {
	ID   string         `json:"id"`
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Attribute is one entry of a user's attribute time series.
type Attribute struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"ts"`
}

// UserStore persists user records and their attribute history. Attribute
// writes must be atomic per attribute; the engine assumes but does not
// enforce this.
type UserStore interface {
	Get(ctx context.Context, id string) (*User, error)
	Save(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	All(ctx context.Context) ([]*User, error)

	// SaveAttribute appends a value to the user's attribute time series.
	SaveAttribute(ctx context.Context, userID string, attr Attribute) error
	// LatestAttribute returns the most recent entry for a key, or
	// ErrNotFound.
	LatestAttribute(ctx context.Context, userID, key string) (*Attribute, error)
	// AttributeHistory returns all entries for a key in arrival order.
	AttributeHistory(ctx context.Context, userID, key string) ([]Attribute, error)
}

// ChannelStore persists channel records.
type ChannelStore interface {
	Get(ctx context.Context, id string) (*Channel, error)
	Save(ctx context.Context, c *Channel) error
	Delete(ctx context.Context, id string) error
	All(ctx context.Context) ([]*Channel, error)
}

// TeamStore persists team records.
type TeamStore interface {
	Get(ctx context.Context, id string) (*Team, error)
	Save(ctx context.Context, t *Team) error
	Delete(ctx context.Context, id string) error
	All(ctx context.Context) ([]*Team, error)
}

// Store aggregates the three record collections.
type Store interface {
	Users() UserStore
	Channels() ChannelStore
	Teams() TeamStore
}
