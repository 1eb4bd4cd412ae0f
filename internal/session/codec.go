package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the session cookie. The cookie holds the entire signed
// session token; nothing session-related is kept server-side.
const CookieName = "_session"

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrExpiredSession = errors.New("session expired")
)

// Codec signs and verifies session cookie tokens (HS256 JWT).
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithNowTime overrides the clock (primarily for testing).
func WithNowTime(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a Codec. A signing secret of at least 32 bytes is
// recommended; enforcing that is left to the caller so a weak secret can
// be surfaced as a startup warning rather than a refusal to start.
func NewCodec(secret []byte, ttl time.Duration) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session TTL must be greater than 0")
	}
	return &Codec{secret: secret, ttl: ttl, now: time.Now}, nil
}

// NewCodecWithOptions creates a Codec with extra options applied.
func NewCodecWithOptions(secret []byte, ttl time.Duration, opts ...CodecOption) (*Codec, error) {
	c, err := NewCodec(secret, ttl)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims

	ExternalID     string `json:"externalId,omitempty"`
	OrgID          string `json:"orgId,omitempty"`
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	Provider       string `json:"provider,omitempty"`
	AccessToken    string `json:"accessToken,omitempty"`
	RefreshToken   string `json:"refreshToken,omitempty"`
	TokenExpiresAt int64  `json:"tokenExpiresAt,omitempty"`
	SessionError   string `json:"error,omitempty"`
}

// Encode signs a session state into a cookie value. The JWT exp claim
// bounds the session itself; the embedded access token expiry is tracked
// separately in tokenExpiresAt.
func (c *Codec) Encode(s State) (string, error) {
	now := c.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		ExternalID:     s.ExternalID,
		OrgID:          s.OrgID,
		Email:          s.Email,
		Name:           s.Name,
		Provider:       s.Provider,
		AccessToken:    s.AccessToken,
		RefreshToken:   s.RefreshToken,
		TokenExpiresAt: s.ExpiresAt,
		SessionError:   s.Error,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Decode verifies a cookie value and returns the session state. The
// signature and algorithm are checked before any claim is trusted.
func (c *Codec) Decode(raw string) (State, error) {
	var claims sessionClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return State{}, ErrExpiredSession
		}
		return State{}, ErrInvalidSession
	}
	if !tok.Valid {
		return State{}, ErrInvalidSession
	}

	return State{
		UserID:       claims.Subject,
		ExternalID:   claims.ExternalID,
		OrgID:        claims.OrgID,
		Email:        claims.Email,
		Name:         claims.Name,
		Provider:     claims.Provider,
		AccessToken:  claims.AccessToken,
		RefreshToken: claims.RefreshToken,
		ExpiresAt:    claims.TokenExpiresAt,
		Error:        claims.SessionError,
	}, nil
}

// TTL returns the configured session lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// FromRequest extracts and verifies the session from the request cookie.
func (c *Codec) FromRequest(r *http.Request) (State, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return State{}, ErrInvalidSession
	}
	return c.Decode(cookie.Value)
}

// SetCookie writes the signed session state to the response.
func (c *Codec) SetCookie(w http.ResponseWriter, s State) error {
	value, err := c.Encode(s)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.ttl.Seconds()),
	})
	return nil
}

// ClearCookie expires the session cookie (logout).
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
