// Package session models the authenticated session carried in the signed
// cookie. Updates go through an explicit state transition function rather
// than in-place mutation, so every per-request session change is testable
// without I/O.
package session

import (
	"github.com/promptvault/promptvault/internal/token"
)

// State is one request's deserialized view of a session. Each request
// holds its own copy; states are never shared mutably across requests.
type State struct {
	UserID     string
	ExternalID string
	OrgID      string
	Email      string
	Name       string
	Provider   string

	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // Unix seconds, access token expiry

	// Error is the terminal error tag. Once set, the session is degraded
	// and will be evicted on the next guarded request.
	Error string
}

// Degraded reports whether the session carries a terminal error tag. Any
// non-empty tag counts; older sessions in the wild carry the legacy
// "RefreshTokenError" spelling.
func (s State) Degraded() bool {
	return s.Error != ""
}

// RefreshDue reports whether the embedded access token is inside the
// expiry buffer and should be refreshed before use.
func (s State) RefreshDue() bool {
	return token.IsExpiringSoon(s.ExpiresAt)
}

// Event is a session lifecycle event applied via Apply.
type Event interface {
	isEvent()
}

// InitialSignIn populates a fresh session from the provider's token
// exchange and profile claims.
type InitialSignIn struct {
	UserID     string
	ExternalID string
	OrgID      string
	Email      string
	Name       string
	Provider   string

	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

func (InitialSignIn) isEvent() {}

// RefreshResult carries the outcome of a refresh exchange back into the
// session. Err, when non-nil, is expected to wrap token.ErrRefreshFailed.
type RefreshResult struct {
	Result *token.Result
	Err    error
}

func (RefreshResult) isEvent() {}

// Apply returns the successor state for an event. The input state is
// never modified.
func Apply(s State, ev Event) State {
	switch ev := ev.(type) {
	case InitialSignIn:
		return State{
			UserID:       ev.UserID,
			ExternalID:   ev.ExternalID,
			OrgID:        ev.OrgID,
			Email:        ev.Email,
			Name:         ev.Name,
			Provider:     ev.Provider,
			AccessToken:  ev.AccessToken,
			RefreshToken: ev.RefreshToken,
			ExpiresAt:    ev.ExpiresAt,
		}

	case RefreshResult:
		if ev.Err != nil {
			// All refresh failures converge on the single tag; the
			// message detail goes to the audit log, not the cookie.
			s.Error = token.ErrRefreshFailed.Error()
			return s
		}
		s.AccessToken = ev.Result.AccessToken
		s.RefreshToken = ev.Result.RefreshToken
		s.ExpiresAt = ev.Result.ExpiresAt
		s.Error = ""
		return s
	}
	return s
}
