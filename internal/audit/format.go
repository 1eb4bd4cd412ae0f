package audit

import (
	"github.com/promptvault/promptvault/internal/models"
)

// actionTag maps each action to the icon and short tag used on the
// diagnostic mirror line. Unknown actions get a neutral tag rather than
// being dropped.
func actionTag(action models.AuditAction) (icon, tag string) {
	switch action {
	case models.ActionLoginSuccess:
		return "✅", "LOGIN"
	case models.ActionLoginFailed:
		return "❌", "LOGIN-FAIL"
	case models.ActionLogout:
		return "👋", "LOGOUT"
	case models.ActionAccessDenied:
		return "🚫", "DENIED"
	case models.ActionTokenRefreshed:
		return "🔄", "REFRESH"
	case models.ActionTokenRefreshFailed:
		return "⚠️", "REFRESH-FAIL"
	case models.ActionSessionExpired:
		return "⏰", "EXPIRED"
	}
	return "•", "AUDIT"
}

// mirror emits the human-readable diagnostic line for an entry.
func (r *Recorder) mirror(entry models.AuditEntry) {
	icon, tag := actionTag(entry.Action)

	ev := r.diagnostic.Info().
		Str("tag", tag).
		Str("action", string(entry.Action)).
		Str("ip", entry.IPAddress)

	if entry.Email != "" {
		ev = ev.Str("email", entry.Email)
	}
	if entry.OrgID != "" {
		ev = ev.Str("org", entry.OrgID)
	}
	if entry.Reason != "" {
		ev = ev.Str("reason", entry.Reason)
	}

	// All mirror lines are informational so level filtering never hides
	// security events.
	ev.Msg(icon + " " + tag)
}
