// Package audit records authentication-relevant events. Writes go to two
// sinks: a durable store (fallible, result-returning) and a diagnostic
// zerolog mirror (infallible). A failing store write is reported in the
// result but never propagates as an error, so audit logging cannot break
// the auth flow it observes.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/promptvault/promptvault/internal/metrics"
	"github.com/promptvault/promptvault/internal/models"
	"github.com/promptvault/promptvault/internal/store"
)

// unknownOrigin is recorded when request origin metadata is unavailable.
const unknownOrigin = "unknown"

// Result reports the outcome of a single audit write.
type Result struct {
	Success    bool
	InsertedID string
	Error      string
}

// Recorder composes the durable and diagnostic sinks.
type Recorder struct {
	store      store.AuditStore
	diagnostic zerolog.Logger
	now        func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithNowTime overrides the clock (primarily for testing).
func WithNowTime(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder creates a Recorder writing durably to auditStore and
// mirroring to the diagnostic logger.
func NewRecorder(auditStore store.AuditStore, diagnostic zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      auditStore,
		diagnostic: diagnostic,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record validates, defaults, and writes one entry. A missing action is a
// caller-side programming error: the result is a failure and the store is
// never touched. Store failures are swallowed into the result.
func (r *Recorder) Record(ctx context.Context, entry models.AuditEntry) Result {
	if entry.Action == "" {
		r.diagnostic.Error().Msg("Audit entry dropped: missing action")
		return Result{Error: "audit entry missing action"}
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	if entry.IPAddress == "" {
		entry.IPAddress = unknownOrigin
	}
	if entry.UserAgent == "" {
		entry.UserAgent = unknownOrigin
	}
	entry.ID = ulid.Make().String()

	// The mirror is operational visibility, independent of persistence.
	r.mirror(entry)
	metrics.AuditEventsTotal.WithLabelValues(string(entry.Action)).Inc()

	id, err := r.insert(ctx, &entry)
	if err != nil {
		r.diagnostic.Error().Err(err).
			Str("action", string(entry.Action)).
			Msg("Audit store write failed")
		metrics.AuditWriteFailuresTotal.Inc()
		return Result{Error: err.Error()}
	}

	return Result{Success: true, InsertedID: id}
}

// insert isolates the store call so a misbehaving implementation cannot
// take down the request path.
func (r *Recorder) insert(ctx context.Context, entry *models.AuditEntry) (id string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("audit store panic: %v", p)
		}
	}()
	return r.store.Insert(ctx, entry)
}

// ByUser returns the most recent entries for a user, newest first. A
// non-positive limit falls back to the default bound.
func (r *Recorder) ByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEntry, error) {
	return r.store.ListByUser(ctx, userID, normalizeLimit(limit))
}

// ByEmail returns the most recent entries for an email, newest first.
func (r *Recorder) ByEmail(ctx context.Context, email string, limit int) ([]*models.AuditEntry, error) {
	return r.store.ListByEmail(ctx, email, normalizeLimit(limit))
}

// Recent returns the most recent entries overall, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	return r.store.ListRecent(ctx, normalizeLimit(limit))
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return store.DefaultQueryLimit
	}
	return limit
}
