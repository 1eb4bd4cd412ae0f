package guard

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/promptvault/promptvault/internal/audit"
	"github.com/promptvault/promptvault/internal/models"
	"github.com/promptvault/promptvault/internal/session"
	"github.com/promptvault/promptvault/internal/store/memory"
	"github.com/promptvault/promptvault/internal/token"
)

var testSecret = []byte("test-secret-key-minimum-32-bytes-ok")

// countingCodec wraps a session codec and counts resolutions, so tests
// can assert that public paths never touch session state.
type countingCodec struct {
	codec    *session.Codec
	resolved int
}

func (c *countingCodec) FromRequest(r *http.Request) (session.State, error) {
	c.resolved++
	return c.codec.FromRequest(r)
}

func (c *countingCodec) SetCookie(w http.ResponseWriter, s session.State) error {
	return c.codec.SetCookie(w, s)
}

// stubRefresher returns a canned result or error.
type stubRefresher struct {
	result *token.Result
	err    error
	calls  int
}

func (s *stubRefresher) Refresh(ctx context.Context, refreshToken string) (*token.Result, error) {
	s.calls++
	return s.result, s.err
}

func newTestGuard(t *testing.T, refresher Refresher) (*Guard, *countingCodec, *memory.AuditStore) {
	t.Helper()
	codec, err := session.NewCodec(testSecret, time.Hour)
	require.NoError(t, err)

	counting := &countingCodec{codec: codec}
	auditStore := memory.NewAuditStore()
	recorder := audit.NewRecorder(auditStore, zerolog.Nop())

	return New(counting, refresher, recorder), counting, auditStore
}

func nextHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func addSession(t *testing.T, r *http.Request, s session.State) {
	t.Helper()
	codec, err := session.NewCodec(testSecret, time.Hour)
	require.NoError(t, err)
	value, err := codec.Encode(s)
	require.NoError(t, err)
	r.AddCookie(&http.Cookie{Name: session.CookieName, Value: value})
}

func validSession() session.State {
	return session.State{
		UserID:       "user-1",
		ExternalID:   "person-abc",
		OrgID:        "org-1",
		Email:        "user@company.com",
		Provider:     "webex",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/", "/login", "/healthz", "/metrics", "/favicon.ico", "/auth/callback", "/auth/session", "/public/app.css"} {
		require.True(t, IsPublicPath(p), p)
	}
	for _, p := range []string{"/library", "/prompts/123", "/loginx", "/authx"} {
		require.False(t, IsPublicPath(p), p)
	}
}

func TestPublicPathSkipsSessionLookup(t *testing.T) {
	g, counting, _ := newTestGuard(t, nil)

	var called bool
	handler := g.Middleware()(nextHandler(&called))

	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, counting.resolved)
}

func TestNoSessionRedirectsToLogin(t *testing.T) {
	g, _, _ := newTestGuard(t, nil)

	var called bool
	handler := g.Middleware()(nextHandler(&called))

	r := httptest.NewRequest(http.MethodGet, "/library", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	require.False(t, called)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/login?callbackUrl=%2Flibrary", rec.Header().Get("Location"))
}

func TestCallbackURLEncodesPathAndQuery(t *testing.T) {
	d := Decide("/prompts/123", "view=detail&tab=history", nil)
	require.False(t, d.Allow)
	require.Contains(t, d.RedirectURL, "%2Fprompts%2F123")
	require.Contains(t, d.RedirectURL, "view%3Ddetail")
	require.Contains(t, d.RedirectURL, "tab%3Dhistory")

	// The callback round-trips to the original request.
	u, err := url.Parse(d.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "/prompts/123?view=detail&tab=history", u.Query().Get("callbackUrl"))
}

func TestDegradedSessionRedirectsWithError(t *testing.T) {
	g, _, auditStore := newTestGuard(t, nil)

	var called bool
	handler := g.Middleware()(nextHandler(&called))

	sess := validSession()
	sess.Error = "RefreshTokenError" // legacy tag degrades too

	r := httptest.NewRequest(http.MethodGet, "/library", nil)
	addSession(t, r, sess)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	require.False(t, called)
	require.Equal(t, http.StatusFound, rec.Code)

	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, LoginPath, u.Path)
	require.Equal(t, ErrorCodeSessionExpired, u.Query().Get("error"))
	require.Equal(t, "/library", u.Query().Get("callbackUrl"))

	// Eviction clears the cookie and records the expiry.
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, session.CookieName, cookies[0].Name)
	require.Equal(t, -1, cookies[0].MaxAge)

	entries, err := auditStore.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, models.ActionSessionExpired, entries[0].Action)
}

func TestValidSessionAllowed(t *testing.T) {
	g, counting, _ := newTestGuard(t, nil)

	var got session.State
	handler := g.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SessionFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/library", nil)
	addSession(t, r, validSession())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, 1, counting.resolved)
}

func TestLazyRefreshSuccess(t *testing.T) {
	refresher := &stubRefresher{result: &token.Result{
		AccessToken:  "at-2",
		RefreshToken: "rt-2",
		ExpiresAt:    time.Now().Add(2 * time.Hour).Unix(),
	}}
	g, _, auditStore := newTestGuard(t, refresher)

	var got session.State
	handler := g.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SessionFromContext(r.Context())
	}))

	sess := validSession()
	sess.ExpiresAt = time.Now().Add(time.Minute).Unix() // inside the buffer

	r := httptest.NewRequest(http.MethodGet, "/library", nil)
	addSession(t, r, sess)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, refresher.calls)
	require.Equal(t, "at-2", got.AccessToken)
	require.Empty(t, got.Error)

	// The cookie was rewritten with the successor state.
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	codec, err := session.NewCodec(testSecret, time.Hour)
	require.NoError(t, err)
	rewritten, err := codec.Decode(cookies[0].Value)
	require.NoError(t, err)
	require.Equal(t, "at-2", rewritten.AccessToken)
	require.Equal(t, "rt-2", rewritten.RefreshToken)

	entries, err := auditStore.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, models.ActionTokenRefreshed, entries[0].Action)
}

func TestLazyRefreshFailureDegradesButAllows(t *testing.T) {
	refresher := &stubRefresher{err: fmt.Errorf("%w: token endpoint returned HTTP 401", token.ErrRefreshFailed)}
	g, _, auditStore := newTestGuard(t, refresher)

	var called bool
	handler := g.Middleware()(nextHandler(&called))

	sess := validSession()
	sess.ExpiresAt = time.Now().Add(time.Minute).Unix()

	r := httptest.NewRequest(http.MethodGet, "/library", nil)
	addSession(t, r, sess)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	// The in-flight request still completes with the near-expiry token.
	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)

	// The rewritten cookie carries the terminal error tag.
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	codec, err := session.NewCodec(testSecret, time.Hour)
	require.NoError(t, err)
	rewritten, err := codec.Decode(cookies[0].Value)
	require.NoError(t, err)
	require.Equal(t, "RefreshAccessTokenError", rewritten.Error)

	entries, err := auditStore.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, models.ActionTokenRefreshFailed, entries[0].Action)
	require.Contains(t, entries[0].Reason, "401")

	// The next request with the degraded cookie is evicted.
	r2 := httptest.NewRequest(http.MethodGet, "/library", nil)
	addSession(t, r2, rewritten)
	rec2 := httptest.NewRecorder()
	called = false
	handler.ServeHTTP(rec2, r2)

	require.False(t, called)
	require.Equal(t, http.StatusFound, rec2.Code)
	u, err := url.Parse(rec2.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, ErrorCodeSessionExpired, u.Query().Get("error"))
}

func TestDecideTable(t *testing.T) {
	valid := validSession()
	degraded := validSession()
	degraded.Error = "RefreshAccessTokenError"

	tests := []struct {
		name     string
		path     string
		query    string
		sess     *session.State
		allow    bool
		public   bool
		redirect string
	}{
		{name: "public exact", path: "/login", allow: true, public: true},
		{name: "public prefix", path: "/auth/callback", allow: true, public: true},
		{name: "no session", path: "/library", redirect: "/login?callbackUrl=%2Flibrary"},
		{name: "valid session", path: "/library", sess: &valid, allow: true},
		{
			name:     "degraded session",
			path:     "/library",
			sess:     &degraded,
			redirect: "/login?callbackUrl=%2Flibrary&error=SessionExpired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.path, tt.query, tt.sess)
			require.Equal(t, tt.allow, d.Allow)
			require.Equal(t, tt.public, d.Public)
			if tt.redirect != "" {
				require.Equal(t, tt.redirect, d.RedirectURL)
			}
		})
	}
}
