package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/promptvault/promptvault/internal/models"
)

// AuditStore implements store.AuditStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type AuditStore struct {
	mu sync.RWMutex

	entries []*models.AuditEntry // append order
}

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Insert appends a single entry.
func (s *AuditStore) Insert(ctx context.Context, entry *models.AuditEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clone to avoid external modifications
	clone := *entry
	s.entries = append(s.entries, &clone)

	return clone.ID, nil
}

// ListByUser returns the most recent entries for a user, newest first.
func (s *AuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEntry, error) {
	return s.list(limit, func(e *models.AuditEntry) bool {
		return e.UserID == userID
	})
}

// ListByEmail returns the most recent entries for an email, newest first.
func (s *AuditStore) ListByEmail(ctx context.Context, email string, limit int) ([]*models.AuditEntry, error) {
	return s.list(limit, func(e *models.AuditEntry) bool {
		return e.Email == email
	})
}

// ListRecent returns the most recent entries overall, newest first.
func (s *AuditStore) ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	return s.list(limit, func(*models.AuditEntry) bool {
		return true
	})
}

func (s *AuditStore) list(limit int, match func(*models.AuditEntry) bool) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AuditEntry
	for _, e := range s.entries {
		if match(e) {
			clone := *e
			out = append(out, &clone)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteExpired removes entries older than the cutoff (retention sweep).
func (s *AuditStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	deleted := 0
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept

	return deleted, nil
}
