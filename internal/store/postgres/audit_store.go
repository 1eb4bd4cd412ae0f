package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/promptvault/promptvault/internal/models"
)

// AuditStore implements store.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a PostgreSQL-backed audit store. It shares the
// connection pool with other stores.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{
		pool: pool,
	}
}

// Insert appends a single entry and returns its assigned ID.
func (s *AuditStore) Insert(ctx context.Context, entry *models.AuditEntry) (string, error) {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_log (
			id, action, user_id, email, org_id, provider, reason,
			ip_address, user_agent, ts, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := s.pool.Exec(ctx, query,
		entry.ID,
		string(entry.Action),
		entry.UserID,
		entry.Email,
		entry.OrgID,
		entry.Provider,
		entry.Reason,
		entry.IPAddress,
		entry.UserAgent,
		entry.Timestamp,
		metadata,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert audit entry: %w", mapPostgresError(err))
	}

	return entry.ID, nil
}

const auditColumns = `
	id, action, user_id, email, org_id, provider, reason,
	ip_address, user_agent, ts, metadata
`

// ListByUser returns the most recent entries for a user, newest first.
func (s *AuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEntry, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_log
		WHERE user_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	return s.listEntries(ctx, query, userID, limit)
}

// ListByEmail returns the most recent entries for an email, newest first.
func (s *AuditStore) ListByEmail(ctx context.Context, email string, limit int) ([]*models.AuditEntry, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_log
		WHERE email = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	return s.listEntries(ctx, query, email, limit)
}

// ListRecent returns the most recent entries overall, newest first.
func (s *AuditStore) ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_log
		ORDER BY ts DESC
		LIMIT $1
	`
	return s.listEntries(ctx, query, limit)
}

func (s *AuditStore) listEntries(ctx context.Context, query string, args ...any) ([]*models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", mapPostgresError(err))
	}

	return out, nil
}

func scanAuditEntry(row pgx.Row) (*models.AuditEntry, error) {
	var (
		entry    models.AuditEntry
		action   string
		metadata []byte
	)

	err := row.Scan(
		&entry.ID,
		&action,
		&entry.UserID,
		&entry.Email,
		&entry.OrgID,
		&entry.Provider,
		&entry.Reason,
		&entry.IPAddress,
		&entry.UserAgent,
		&entry.Timestamp,
		&metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	entry.Action = models.AuditAction(action)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
		}
	}

	return &entry, nil
}

// DeleteExpired removes entries older than the cutoff (retention sweep).
func (s *AuditStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit entries: %w", mapPostgresError(err))
	}

	deleted := int(result.RowsAffected())
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("Audit retention sweep removed entries")
	}

	return deleted, nil
}
