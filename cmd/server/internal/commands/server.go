package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"filippo.io/csrf"
	"github.com/rs/cors"
	zlog "github.com/rs/zerolog/log"

	"github.com/promptvault/promptvault/internal/accesscontrol"
	"github.com/promptvault/promptvault/internal/audit"
	"github.com/promptvault/promptvault/internal/guard"
	httpmiddleware "github.com/promptvault/promptvault/internal/http"
	"github.com/promptvault/promptvault/internal/logger"
	"github.com/promptvault/promptvault/internal/login"
	"github.com/promptvault/promptvault/internal/metrics"
	"github.com/promptvault/promptvault/internal/session"
	"github.com/promptvault/promptvault/internal/store"
	memorystore "github.com/promptvault/promptvault/internal/store/memory"
	postgresstore "github.com/promptvault/promptvault/internal/store/postgres"
	"github.com/promptvault/promptvault/internal/token"
)

type ServerCmd struct {
	// Server configuration
	Listen  string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"PROMPTVAULT_LISTEN"`
	Cert    string `help:"path to TLS cert file" default:"" env:"PROMPTVAULT_TLS_CERT"`
	Key     string `help:"path to TLS key file" default:"" env:"PROMPTVAULT_TLS_KEY"`
	BaseURL string `help:"public base URL of the service" default:"http://localhost:8080" env:"PROMPTVAULT_BASE_URL"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:8080" env:"PROMPTVAULT_CORS_ORIGINS"`

	// Webex OAuth configuration
	ClientID     string        `help:"Webex integration client ID" default:"" env:"WEBEX_CLIENT_ID"`
	ClientSecret string        `help:"Webex integration client secret" default:"" env:"WEBEX_CLIENT_SECRET"`
	AuthSecret   string        `help:"secret for signing session cookies (min 32 bytes)" default:"" env:"PROMPTVAULT_AUTH_SECRET"`
	SessionTTL   time.Duration `help:"session TTL" default:"168h" env:"PROMPTVAULT_SESSION_TTL"`

	// Access control configuration
	AllowedOrgIDs     string `help:"comma-separated Webex org IDs allowed to sign in" default:"" env:"ALLOWED_ORG_IDS"`
	AllowedDomains    string `help:"comma-separated email domains allowed to sign in" default:"" env:"ALLOWED_EMAIL_DOMAINS"`
	AccessControlMode string `help:"how the two whitelists combine; anything other than exactly OR means AND" default:"AND" env:"ACCESS_CONTROL_MODE"`

	// Store configuration
	StoreType string             `help:"store type (memory or postgres)" default:"memory" env:"PROMPTVAULT_STORE_TYPE" enum:"memory,postgres"`
	Postgres  PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"true" env:"PROMPTVAULT_POSTGRES_AUTO_MIGRATE"`
}

// Validate checks the full flag set, including store flags that only
// apply to the selected store type.
func (c *ServerCmd) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("base URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https, got %q", c.BaseURL)
	}

	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("Webex client credentials are required (WEBEX_CLIENT_ID and WEBEX_CLIENT_SECRET)")
	}

	if c.AuthSecret == "" {
		return errors.New("auth secret is required (--auth-secret or PROMPTVAULT_AUTH_SECRET)")
	}

	if c.StoreType == "postgres" {
		if c.Postgres.ConnString == "" {
			return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
		}
		if !strings.HasPrefix(c.Postgres.ConnString, "postgres://") &&
			!strings.HasPrefix(c.Postgres.ConnString, "postgresql://") {
			return errors.New("PostgreSQL connection string must start with postgres:// or postgresql://")
		}
	}

	return nil
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Dev)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Bool("dev", globals.Dev).Msg("Starting server")

	metrics.Init()

	if len(c.AuthSecret) < 32 {
		log.Warn().Msg("Auth secret is shorter than the recommended 32 bytes - session cookies are weakly signed")
	}

	access := accesscontrol.ParseConfig(c.AllowedOrgIDs, c.AllowedDomains, c.AccessControlMode)
	if !access.Restricted() {
		log.Warn().Msg("No org or domain whitelist configured - every authenticated Webex user will be allowed")
	}
	log.Info().
		Int("org_ids", len(access.AllowedOrgIDs)).
		Int("domains", len(access.AllowedDomains)).
		Str("mode", string(access.Mode)).
		Msg("Access control configured")

	// Create stores based on store type
	var (
		auditStore store.AuditStore
		userStore  store.UserStore
	)

	switch c.StoreType {
	case "postgres":
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.Postgres.ConnString,
			MaxConns:        c.Postgres.MaxConns,
			MinConns:        c.Postgres.MinConns,
			MaxConnLifetime: c.Postgres.MaxConnLifetime,
			MaxConnIdleTime: c.Postgres.MaxConnIdleTime,
		})
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		defer pool.Close()

		if c.Postgres.AutoMigrate {
			if err := postgresstore.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		auditStore = postgresstore.NewAuditStore(pool)
		userStore = postgresstore.NewUserStore(pool)
		log.Info().Msg("Using PostgreSQL stores")

	default:
		auditStore = memorystore.NewAuditStore()
		userStore = memorystore.NewUserStore()
		log.Warn().Msg("Using in-memory stores - audit history is lost on restart")
	}

	codec, err := session.NewCodec([]byte(c.AuthSecret), c.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to create session codec: %w", err)
	}

	recorder := audit.NewRecorder(auditStore, log)

	refresher, err := token.NewRefresher(login.TokenURL, c.ClientID, c.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to create token refresher: %w", err)
	}

	callbackURL := strings.TrimRight(c.BaseURL, "/") + "/auth/callback"
	webex, err := login.NewWebex(c.ClientID, c.ClientSecret, callbackURL, codec, access, userStore, recorder)
	if err != nil {
		return fmt.Errorf("failed to initialize Webex OAuth: %w", err)
	}

	// Retention sweep runs for the life of the process.
	go sweepAuditRetention(ctx, auditStore)

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	// Auth endpoints are rate limited against brute force and
	// misbehaving clients.
	authLimiter := httpmiddleware.NewRateLimiter(httpmiddleware.AuthLimit)
	mux.Handle("/login", authLimiter.Middleware(http.HandlerFunc(webex.LoginHandler)))
	mux.Handle("/auth/callback", authLimiter.Middleware(http.HandlerFunc(webex.CallbackHandler)))
	mux.Handle("/auth/logout", http.HandlerFunc(webex.LogoutHandler))
	mux.Handle("/auth/session", http.HandlerFunc(webex.SessionHandler))

	// Audit read API lives behind the guard (not a public path).
	mux.Handle("/api/audit/recent", recorder.RecentHandler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "promptvault %s\n", globals.Version)
	})

	routeGuard := guard.New(codec, refresher, recorder)
	guarded := routeGuard.Middleware()(mux)

	// CSRF protection for HTML pages, CORS for API routes.
	protection := csrf.New()
	split := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIRoute(r.URL.Path) {
			withCORS(c.CORSOrigins, guarded).ServeHTTP(w, r)
		} else {
			protection.Handler(guarded).ServeHTTP(w, r)
		}
	})

	handler := logger.Requests(log)(metrics.Instrument(httpmiddleware.OriginMiddleware()(split)))

	srv := configureHTTPServer(c.Listen, handler)

	if c.Cert != "" || c.Key != "" {
		if _, err := os.Stat(c.Cert); err != nil {
			return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, err)
		}
		if _, err := os.Stat(c.Key); err != nil {
			return fmt.Errorf("TLS key not found at %s: %w", c.Key, err)
		}
		log.Info().Str("addr", c.Listen).Msg("Starting HTTPS server")
		return srv.ListenAndServeTLS(c.Cert, c.Key)
	}

	log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
	return srv.ListenAndServe()
}

// isAPIRoute returns true if the path is an API route that needs CORS
// instead of CSRF.
func isAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/api/") ||
		path == "/auth/session" ||
		path == "/metrics"
}

func withCORS(origins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           7200, // 2 hours in seconds
	})
	return middleware.Handler(h)
}

// sweepAuditRetention deletes audit entries past the retention window,
// once at startup and then daily.
func sweepAuditRetention(ctx context.Context, auditStore store.AuditStore) {
	sweep := func() {
		cutoff := time.Now().Add(-store.AuditRetention)
		if _, err := auditStore.DeleteExpired(ctx, cutoff); err != nil {
			zlog.Error().Err(err).Msg("Audit retention sweep failed")
		}
	}

	sweep()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
