// Package guard decides, per request, whether the caller holds a valid,
// non-expired, authorized session, and either allows the request or
// redirects to the sign-in surface with a machine-readable error code.
package guard

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/promptvault/promptvault/internal/audit"
	httpmiddleware "github.com/promptvault/promptvault/internal/http"
	"github.com/promptvault/promptvault/internal/metrics"
	"github.com/promptvault/promptvault/internal/models"
	"github.com/promptvault/promptvault/internal/session"
	"github.com/promptvault/promptvault/internal/token"
)

// LoginPath is the sign-in surface every denial redirects to.
const LoginPath = "/login"

// Error codes surfaced to the login page via the redirect URL. The UI
// maps these to human-readable messages; raw error text never reaches
// the end user.
const (
	ErrorCodeSessionExpired = "SessionExpired"
	ErrorCodeAccessDenied   = "AccessDenied"
)

// publicPaths are reachable without a session. Exact matches only.
var publicPaths = map[string]struct{}{
	"/":            {},
	"/login":       {},
	"/healthz":     {},
	"/metrics":     {},
	"/favicon.ico": {},
}

// publicPrefixes cover the identity provider's callback namespace and
// static assets.
var publicPrefixes = []string{"/auth/", "/public/"}

// IsPublicPath reports whether a path is reachable without a session.
func IsPublicPath(pathname string) bool {
	if _, ok := publicPaths[pathname]; ok {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(pathname, prefix) {
			return true
		}
	}
	return false
}

// Decision is a terminal per-request outcome.
type Decision struct {
	Allow bool
	// Public marks an allow that happened without consulting session
	// state at all.
	Public bool
	// RedirectURL is set when Allow is false.
	RedirectURL string
	// ErrorCode is the machine-readable code carried on the redirect,
	// empty for a plain sign-in redirect.
	ErrorCode string
}

// Decide maps (path, query, session) to an outcome. It is pure: session
// resolution and refresh happen in the middleware before this is called.
// A nil state means no session could be resolved.
func Decide(path, rawQuery string, sess *session.State) Decision {
	if IsPublicPath(path) {
		return Decision{Allow: true, Public: true}
	}

	if sess == nil {
		return Decision{RedirectURL: loginRedirect(path, rawQuery, "")}
	}

	if sess.Degraded() {
		return Decision{
			RedirectURL: loginRedirect(path, rawQuery, ErrorCodeSessionExpired),
			ErrorCode:   ErrorCodeSessionExpired,
		}
	}

	return Decision{Allow: true}
}

// loginRedirect builds the sign-in redirect, preserving the originally
// requested path and query as a percent-encoded callbackUrl so the
// identity flow can return the user to their destination.
func loginRedirect(path, rawQuery, errorCode string) string {
	requested := path
	if rawQuery != "" {
		requested += "?" + rawQuery
	}

	q := url.Values{"callbackUrl": {requested}}
	if errorCode != "" {
		q.Set("error", errorCode)
	}
	return LoginPath + "?" + q.Encode()
}

// SessionCodec resolves and rewrites the session cookie. Satisfied by
// *session.Codec; an interface so tests can count resolutions.
type SessionCodec interface {
	FromRequest(r *http.Request) (session.State, error)
	SetCookie(w http.ResponseWriter, s session.State) error
}

// Refresher performs the refresh exchange. Satisfied by *token.Refresher.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*token.Result, error)
}

// Guard orchestrates session resolution, lazy refresh, and the decision.
type Guard struct {
	codec     SessionCodec
	refresher Refresher
	recorder  *audit.Recorder
}

// New creates a Guard.
func New(codec SessionCodec, refresher Refresher, recorder *audit.Recorder) *Guard {
	return &Guard{codec: codec, refresher: refresher, recorder: recorder}
}

type contextKey string

const sessionContextKey contextKey = "session"

// SessionFromContext extracts the session state from the request context.
// This should be called from handlers protected by the guard middleware.
func SessionFromContext(ctx context.Context) (session.State, bool) {
	s, ok := ctx.Value(sessionContextKey).(session.State)
	return s, ok
}

// Middleware protects every non-public route. The request's session is
// resolved at most once; public paths skip resolution entirely.
func (g *Guard) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicPath(r.URL.Path) {
				metrics.GuardDecisionsTotal.WithLabelValues("public").Inc()
				next.ServeHTTP(w, r)
				return
			}

			sess, err := g.codec.FromRequest(r)
			if err != nil {
				d := Decide(r.URL.Path, r.URL.RawQuery, nil)
				metrics.GuardDecisionsTotal.WithLabelValues("redirect_login").Inc()
				log.Debug().Str("path", r.URL.Path).Msg("No valid session, redirecting to login")
				http.Redirect(w, r, d.RedirectURL, http.StatusFound)
				return
			}

			// Degraded sessions are evicted before any refresh attempt:
			// the failure happened on an earlier request and this one
			// performs the deferred eviction.
			if sess.Degraded() {
				d := Decide(r.URL.Path, r.URL.RawQuery, &sess)
				metrics.GuardDecisionsTotal.WithLabelValues("redirect_expired").Inc()
				g.auditExpired(r, sess)
				session.ClearCookie(w)
				http.Redirect(w, r, d.RedirectURL, http.StatusFound)
				return
			}

			if sess.RefreshDue() && g.refresher != nil {
				sess = g.refresh(w, r, sess)
			}

			metrics.GuardDecisionsTotal.WithLabelValues("allow").Inc()
			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// refresh runs the lazy refresh cycle for a session inside the expiry
// buffer and rewrites the cookie with the successor state. A failed
// refresh degrades the session but does not evict this request: the
// still-technically-valid access token may finish the in-flight work,
// and the next request performs the eviction.
func (g *Guard) refresh(w http.ResponseWriter, r *http.Request, sess session.State) session.State {
	result, err := g.refresher.Refresh(r.Context(), sess.RefreshToken)
	next := session.Apply(sess, session.RefreshResult{Result: result, Err: err})

	origin := httpmiddleware.OriginFromContext(r.Context())
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		log.Warn().Err(err).Str("user_id", sess.UserID).Msg("Token refresh failed, session degraded")
		g.recorder.Record(r.Context(), models.AuditEntry{
			Action:    models.ActionTokenRefreshFailed,
			UserID:    sess.UserID,
			Email:     sess.Email,
			OrgID:     sess.OrgID,
			Provider:  sess.Provider,
			Reason:    err.Error(),
			IPAddress: origin.IPAddress,
			UserAgent: origin.UserAgent,
		})
	} else {
		metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
		g.recorder.Record(r.Context(), models.AuditEntry{
			Action:    models.ActionTokenRefreshed,
			UserID:    sess.UserID,
			Email:     sess.Email,
			OrgID:     sess.OrgID,
			Provider:  sess.Provider,
			IPAddress: origin.IPAddress,
			UserAgent: origin.UserAgent,
		})
	}

	if err := g.codec.SetCookie(w, next); err != nil {
		log.Error().Err(err).Msg("Failed to rewrite session cookie after refresh")
	}
	return next
}

func (g *Guard) auditExpired(r *http.Request, sess session.State) {
	origin := httpmiddleware.OriginFromContext(r.Context())
	g.recorder.Record(r.Context(), models.AuditEntry{
		Action:    models.ActionSessionExpired,
		UserID:    sess.UserID,
		Email:     sess.Email,
		OrgID:     sess.OrgID,
		Provider:  sess.Provider,
		Reason:    sess.Error,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
	})
}
