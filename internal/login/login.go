// Package login implements the Webex OAuth sign-in flow: authorization
// redirect, callback exchange, profile fetch, access-control consultation,
// and session cookie issuance.
package login

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/promptvault/promptvault/internal/accesscontrol"
	"github.com/promptvault/promptvault/internal/audit"
	"github.com/promptvault/promptvault/internal/guard"
	httpmiddleware "github.com/promptvault/promptvault/internal/http"
	"github.com/promptvault/promptvault/internal/metrics"
	"github.com/promptvault/promptvault/internal/models"
	"github.com/promptvault/promptvault/internal/session"
	"github.com/promptvault/promptvault/internal/store"
)

// Webex OAuth endpoints. TokenURL is also used by the token refresher.
const (
	AuthURL  = "https://webexapis.com/v1/authorize"
	TokenURL = "https://webexapis.com/v1/access_token"
)

var webexEndpoint = oauth2.Endpoint{
	AuthURL:  AuthURL,
	TokenURL: TokenURL,
}

// defaultPeopleURL is the profile endpoint for the authenticated user.
const defaultPeopleURL = "https://webexapis.com/v1/people/me"

const (
	stateCookie    = "state"
	callbackCookie = "callback_url"
)

// Webex handles the OAuth flow against Webex.
type Webex struct {
	config    *oauth2.Config
	codec     *session.Codec
	access    accesscontrol.Config
	users     store.UserStore
	recorder  *audit.Recorder
	peopleURL string
}

// WebexOption configures a Webex flow.
type WebexOption func(*Webex)

// WithPeopleURL overrides the profile endpoint (primarily for testing).
func WithPeopleURL(url string) WebexOption {
	return func(w *Webex) {
		w.peopleURL = url
	}
}

// WithEndpoint overrides the OAuth endpoints (primarily for testing).
func WithEndpoint(endpoint oauth2.Endpoint) WebexOption {
	return func(w *Webex) {
		w.config.Endpoint = endpoint
	}
}

// NewWebex creates the Webex OAuth flow.
func NewWebex(
	clientID, clientSecret, callbackURL string,
	codec *session.Codec,
	access accesscontrol.Config,
	users store.UserStore,
	recorder *audit.Recorder,
	opts ...WebexOption,
) (*Webex, error) {
	if clientID == "" || clientSecret == "" || callbackURL == "" {
		return nil, fmt.Errorf("client ID, client secret, and callback URL are required")
	}
	if codec == nil {
		return nil, fmt.Errorf("session codec is required")
	}
	if users == nil || recorder == nil {
		return nil, fmt.Errorf("user store and audit recorder are required")
	}

	w := &Webex{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"spark:kms", "spark:people_read"},
			Endpoint:     webexEndpoint,
		},
		codec:     codec,
		access:    access,
		users:     users,
		recorder:  recorder,
		peopleURL: defaultPeopleURL,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Webex) saveState(rw http.ResponseWriter) string {
	state := rand.Text()

	http.SetCookie(rw, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes - enough time for the OAuth flow
	})

	return state
}

// safeCallbackPath accepts only same-site relative paths for the
// post-login redirect, rejecting protocol-relative and absolute URLs.
func safeCallbackPath(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/library"
	}
	return raw
}

// LoginHandler initiates the OAuth flow, remembering the caller's
// original destination so the callback can return there.
func (w *Webex) LoginHandler(rw http.ResponseWriter, r *http.Request) {
	log.Debug().Msg("Initiating Webex OAuth flow")

	state := w.saveState(rw)

	if cb := r.FormValue("callbackUrl"); cb != "" {
		http.SetCookie(rw, &http.Cookie{
			Name:     callbackCookie,
			Value:    safeCallbackPath(cb),
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   300,
		})
	}

	http.Redirect(rw, r, w.config.AuthCodeURL(state), http.StatusFound)
}

// CallbackHandler completes the OAuth flow: state validation, code
// exchange, profile fetch, access-control check, session issuance.
func (w *Webex) CallbackHandler(rw http.ResponseWriter, r *http.Request) {
	log.Debug().Msg("OAuth callback received")
	origin := httpmiddleware.OriginFromContext(r.Context())

	state := r.FormValue("state")
	code := r.FormValue("code")

	if state == "" || code == "" {
		log.Warn().Msg("OAuth callback missing state or code")
		w.failLogin(rw, r, "callback missing state or code")
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || state != cookie.Value {
		log.Warn().Msg("OAuth callback state mismatch")
		w.failLogin(rw, r, "state mismatch")
		return
	}

	// Clear the state cookie after validation
	http.SetCookie(rw, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	tok, err := w.config.Exchange(r.Context(), code)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to exchange OAuth code for token")
		w.failLogin(rw, r, "code exchange failed")
		return
	}

	person, err := w.getProfile(r.Context(), tok)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch Webex profile")
		w.failLogin(rw, r, "profile fetch failed")
		return
	}

	email := person.primaryEmail()

	// Access control is consulted exactly once, at sign-in.
	decision := accesscontrol.Evaluate(email, person.OrgID, w.access)
	if !decision.Allowed {
		log.Warn().
			Str("email", email).
			Str("org_id", person.OrgID).
			Str("reason", string(decision.Reason)).
			Msg("Sign-in denied by access control")
		metrics.SignInsTotal.WithLabelValues("denied").Inc()
		metrics.AccessDenialsTotal.WithLabelValues(string(decision.Reason)).Inc()
		w.recorder.Record(r.Context(), models.AuditEntry{
			Action:    models.ActionAccessDenied,
			Email:     email,
			OrgID:     person.OrgID,
			Provider:  models.ProviderWebex,
			Reason:    string(decision.Reason),
			IPAddress: origin.IPAddress,
			UserAgent: origin.UserAgent,
		})
		http.Redirect(rw, r, guard.LoginPath+"?error="+guard.ErrorCodeAccessDenied, http.StatusFound)
		return
	}

	user, err := w.upsertUser(r.Context(), person, email)
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist user record")
		w.failLogin(rw, r, "user persistence failed")
		return
	}

	sess := session.Apply(session.State{}, session.InitialSignIn{
		UserID:       user.UserID.String(),
		ExternalID:   person.ID,
		OrgID:        person.OrgID,
		Email:        email,
		Name:         person.DisplayName,
		Provider:     models.ProviderWebex,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.Unix(),
	})

	if err := w.codec.SetCookie(rw, sess); err != nil {
		log.Error().Err(err).Msg("Failed to create session cookie")
		http.Error(rw, "Failed to create session", http.StatusInternalServerError)
		return
	}

	log.Info().Str("email", email).Str("org_id", person.OrgID).Msg("User authenticated successfully")
	metrics.SignInsTotal.WithLabelValues("success").Inc()
	w.recorder.Record(r.Context(), models.AuditEntry{
		Action:    models.ActionLoginSuccess,
		UserID:    user.UserID.String(),
		Email:     email,
		OrgID:     person.OrgID,
		Provider:  models.ProviderWebex,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
	})

	http.Redirect(rw, r, w.consumeCallback(rw, r), http.StatusFound)
}

// failLogin records a failed sign-in attempt and sends the user back to
// the login surface. Raw error detail stays in the logs.
func (w *Webex) failLogin(rw http.ResponseWriter, r *http.Request, reason string) {
	origin := httpmiddleware.OriginFromContext(r.Context())
	metrics.SignInsTotal.WithLabelValues("failed").Inc()
	w.recorder.Record(r.Context(), models.AuditEntry{
		Action:    models.ActionLoginFailed,
		Provider:  models.ProviderWebex,
		Reason:    reason,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
	})
	http.Redirect(rw, r, guard.LoginPath+"?error=AuthFailed", http.StatusFound)
}

// consumeCallback pops the remembered destination cookie, defaulting to
// the library page.
func (w *Webex) consumeCallback(rw http.ResponseWriter, r *http.Request) string {
	target := "/library"
	if cookie, err := r.Cookie(callbackCookie); err == nil {
		target = safeCallbackPath(cookie.Value)
		http.SetCookie(rw, &http.Cookie{
			Name:     callbackCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return target
}

// LogoutHandler clears the session cookie and records the logout.
func (w *Webex) LogoutHandler(rw http.ResponseWriter, r *http.Request) {
	origin := httpmiddleware.OriginFromContext(r.Context())

	if sess, err := w.codec.FromRequest(r); err == nil {
		w.recorder.Record(r.Context(), models.AuditEntry{
			Action:    models.ActionLogout,
			UserID:    sess.UserID,
			Email:     sess.Email,
			OrgID:     sess.OrgID,
			Provider:  sess.Provider,
			IPAddress: origin.IPAddress,
			UserAgent: origin.UserAgent,
		})
		log.Info().Str("email", sess.Email).Msg("User logged out")
	}

	session.ClearCookie(rw)
	http.Redirect(rw, r, "/", http.StatusFound)
}

// sessionResponse is the session read API payload for authenticated UI
// contexts.
type sessionResponse struct {
	UserID      string `json:"userId"`
	Provider    string `json:"provider"`
	OrgID       string `json:"orgId"`
	ExternalID  string `json:"externalId"`
	AccessToken string `json:"accessToken"`
	Error       string `json:"error,omitempty"`
}

// SessionHandler serves GET /auth/session for the UI.
func (w *Webex) SessionHandler(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	sess, err := w.codec.FromRequest(r)
	if err != nil {
		rw.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(rw).Encode(map[string]string{"error": "no session"})
		return
	}

	_ = json.NewEncoder(rw).Encode(sessionResponse{
		UserID:      sess.UserID,
		Provider:    sess.Provider,
		OrgID:       sess.OrgID,
		ExternalID:  sess.ExternalID,
		AccessToken: sess.AccessToken,
		Error:       sess.Error,
	})
}

// webexPerson is the subset of the Webex people API response we use.
type webexPerson struct {
	ID          string   `json:"id"`
	Emails      []string `json:"emails"`
	DisplayName string   `json:"displayName"`
	OrgID       string   `json:"orgId"`
}

func (p *webexPerson) primaryEmail() string {
	if len(p.Emails) == 0 {
		return ""
	}
	return p.Emails[0]
}

func (w *Webex) getProfile(ctx context.Context, tok *oauth2.Token) (*webexPerson, error) {
	// Bound the profile fetch so a slow provider cannot hang the callback
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := w.config.Client(ctx, tok)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.peopleURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("people API returned HTTP %d", resp.StatusCode)
	}

	var person webexPerson
	if err := json.NewDecoder(resp.Body).Decode(&person); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	if person.ID == "" {
		return nil, fmt.Errorf("profile missing person ID")
	}

	return &person, nil
}

// upsertUser creates the user record on first sign-in and refreshes the
// mutable profile fields on every subsequent one.
func (w *Webex) upsertUser(ctx context.Context, person *webexPerson, email string) (*models.User, error) {
	now := time.Now()

	user, err := w.users.GetByExternalID(ctx, person.ID)
	switch {
	case err == nil:
		// existing user, refresh profile fields below
	case errors.Is(err, store.ErrUserNotFound):
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate user ID: %w", err)
		}
		user = &models.User{
			UserID:     id,
			ExternalID: person.ID,
			CreatedAt:  now,
		}
	default:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	user.Email = email
	user.OrgID = person.OrgID
	user.Name = person.DisplayName
	user.UpdatedAt = now
	user.LastLoginAt = &now

	if err := w.users.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}
