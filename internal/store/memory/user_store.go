package memory

import (
	"context"
	"sync"
	"time"

	"github.com/promptvault/promptvault/internal/models"
	"github.com/promptvault/promptvault/internal/store"
)

// UserStore implements store.UserStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type UserStore struct {
	mu sync.RWMutex

	byExternalID map[string]*models.User
}

// NewUserStore creates a new in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{
		byExternalID: make(map[string]*models.User),
	}
}

// Upsert inserts or refreshes a user record keyed by external ID.
func (s *UserStore) Upsert(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byExternalID[user.ExternalID]
	if !ok {
		clone := *user
		s.byExternalID[user.ExternalID] = &clone
		return nil
	}

	existing.Email = user.Email
	existing.OrgID = user.OrgID
	existing.Name = user.Name
	existing.UpdatedAt = time.Now()
	if user.LastLoginAt != nil {
		existing.LastLoginAt = user.LastLoginAt
	}
	return nil
}

// GetByExternalID retrieves a user by provider person ID.
func (s *UserStore) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byExternalID[externalID]
	if !ok {
		return nil, store.ErrUserNotFound
	}

	clone := *user
	return &clone, nil
}

// GetByEmail retrieves a user by email address.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.byExternalID {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, store.ErrUserNotFound
}
