package store

import (
	"context"
	"errors"
	"time"

	"github.com/promptvault/promptvault/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrInvalidLimit  = errors.New("limit must be positive")
	ErrStoreDisabled = errors.New("store is disabled")
)

// DefaultQueryLimit bounds audit reads when the caller supplies no limit.
const DefaultQueryLimit = 100

// AuditRetention is how long audit entries are kept before the retention
// sweep removes them.
const AuditRetention = 365 * 24 * time.Hour

// AuditStore persists authentication audit entries as an append-only log.
// Implementations must never mutate or reorder previously written entries;
// the only destructive operation is the retention sweep.
type AuditStore interface {
	// Insert appends a single entry and returns its assigned ID.
	Insert(ctx context.Context, entry *models.AuditEntry) (string, error)

	// ListByUser returns the most recent entries for a user, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEntry, error)

	// ListByEmail returns the most recent entries for an email, newest first.
	ListByEmail(ctx context.Context, email string, limit int) ([]*models.AuditEntry, error)

	// ListRecent returns the most recent entries overall, newest first.
	ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error)

	// DeleteExpired removes entries older than the cutoff (retention sweep).
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// UserStore persists user records keyed by the provider-side external ID.
type UserStore interface {
	// Upsert inserts a user on first sign-in or refreshes the mutable
	// profile fields (email, org, name, last login) on subsequent ones.
	Upsert(ctx context.Context, user *models.User) error

	// GetByExternalID retrieves a user by provider person ID.
	GetByExternalID(ctx context.Context, externalID string) (*models.User, error)

	// GetByEmail retrieves a user by email address.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
