package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/promptvault/promptvault/internal/models"
	"github.com/promptvault/promptvault/internal/store"
)

func newUser(t *testing.T, externalID, email string) *models.User {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now()
	return &models.User{
		UserID:     id,
		ExternalID: externalID,
		OrgID:      "org-1",
		Email:      email,
		Name:       "Test User",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestUserStoreUpsertCreates(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore()

	user := newUser(t, "person-abc", "user@company.com")
	require.NoError(t, s.Upsert(ctx, user))

	got, err := s.GetByExternalID(ctx, "person-abc")
	require.NoError(t, err)
	require.Equal(t, user.UserID, got.UserID)
	require.Equal(t, "user@company.com", got.Email)
}

func TestUserStoreUpsertRefreshesProfile(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore()

	user := newUser(t, "person-abc", "user@company.com")
	require.NoError(t, s.Upsert(ctx, user))

	login := time.Now()
	update := newUser(t, "person-abc", "renamed@company.com")
	update.Name = "Renamed User"
	update.OrgID = "org-2"
	update.LastLoginAt = &login
	require.NoError(t, s.Upsert(ctx, update))

	got, err := s.GetByExternalID(ctx, "person-abc")
	require.NoError(t, err)
	// The identity key is stable; profile fields follow the provider.
	require.Equal(t, user.UserID, got.UserID)
	require.Equal(t, "renamed@company.com", got.Email)
	require.Equal(t, "Renamed User", got.Name)
	require.Equal(t, "org-2", got.OrgID)
	require.NotNil(t, got.LastLoginAt)
}

func TestUserStoreGetByEmail(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore()

	require.NoError(t, s.Upsert(ctx, newUser(t, "person-abc", "user@company.com")))

	got, err := s.GetByEmail(ctx, "user@company.com")
	require.NoError(t, err)
	require.Equal(t, "person-abc", got.ExternalID)

	_, err = s.GetByEmail(ctx, "missing@company.com")
	require.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestUserStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore()

	_, err := s.GetByExternalID(ctx, "missing")
	require.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestUserStoreClonesOnRead(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore()

	require.NoError(t, s.Upsert(ctx, newUser(t, "person-abc", "user@company.com")))

	got, err := s.GetByExternalID(ctx, "person-abc")
	require.NoError(t, err)
	got.Email = "mutated@company.com"

	again, err := s.GetByExternalID(ctx, "person-abc")
	require.NoError(t, err)
	require.Equal(t, "user@company.com", again.Email)
}
