package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/promptvault/promptvault/internal/models"
	"github.com/promptvault/promptvault/internal/store"
)

// UserStore implements store.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a PostgreSQL-backed user store. It shares the
// connection pool with other stores.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{
		pool: pool,
	}
}

// Upsert inserts a user on first sign-in or refreshes the mutable profile
// fields on subsequent ones. The external ID is the conflict key; the
// internal user_id assigned on first insert is never overwritten.
func (s *UserStore) Upsert(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (
			user_id, external_id, org_id, email, name,
			created_at, updated_at, last_login_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (external_id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at,
			last_login_at = COALESCE(EXCLUDED.last_login_at, users.last_login_at)
	`

	_, err := s.pool.Exec(ctx, query,
		user.UserID,
		user.ExternalID,
		user.OrgID,
		user.Email,
		user.Name,
		user.CreatedAt,
		user.UpdatedAt,
		user.LastLoginAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("external_id", user.ExternalID).
		Str("email", user.Email).
		Msg("Upserted user")

	return nil
}

const userColumns = `
	user_id, external_id, org_id, email, name,
	created_at, updated_at, last_login_at
`

// GetByExternalID retrieves a user by provider person ID.
func (s *UserStore) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE external_id = $1
	`
	return s.getUser(ctx, query, externalID)
}

// GetByEmail retrieves a user by email address.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1
	`
	return s.getUser(ctx, query, email)
}

func (s *UserStore) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&user.UserID,
		&user.ExternalID,
		&user.OrgID,
		&user.Email,
		&user.Name,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", mapPostgresError(err))
	}

	return &user, nil
}
