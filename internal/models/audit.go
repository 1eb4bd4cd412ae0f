package models

import "time"

// AuditAction enumerates the authentication-relevant events the service
// records. The set is closed; new values require a formatter entry in
// internal/audit as well.
type AuditAction string

const (
	ActionLoginSuccess       AuditAction = "login_success"
	ActionLoginFailed        AuditAction = "login_failed"
	ActionLogout             AuditAction = "logout"
	ActionAccessDenied       AuditAction = "access_denied"
	ActionTokenRefreshed     AuditAction = "token_refreshed"
	ActionTokenRefreshFailed AuditAction = "token_refresh_failed"
	ActionSessionExpired     AuditAction = "session_expired"
)

// AuditEntry is a single append-only audit record. Entries are immutable
// once written; retention is enforced by the store, not by callers.
type AuditEntry struct {
	ID     string // ULID, assigned by the recorder
	Action AuditAction

	// Identity context, present only for authenticated events.
	UserID   string
	Email    string
	OrgID    string
	Provider string

	// Reason carries the denial or failure code for negative events.
	Reason string

	// Request origin metadata, "unknown" when unavailable.
	IPAddress string
	UserAgent string

	Timestamp time.Time
	Metadata  map[string]string
}
