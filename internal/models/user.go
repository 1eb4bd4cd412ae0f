package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies the upstream identity provider for a user record.
const ProviderWebex = "webex"

// User represents an authenticated principal of the prompt library.
// Users are created on first successful sign-in and updated on every
// subsequent one; the identity of record lives at the provider.
type User struct {
	UserID     uuid.UUID // UUIDv7
	ExternalID string    // stable provider-side person ID
	OrgID      string    // provider organization ID
	Email      string
	Name       string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time
}
