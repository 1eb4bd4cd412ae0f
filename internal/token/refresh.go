// Package token manages access token expiry tracking and the refresh
// exchange against the identity provider's token endpoint.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// ExpiryBufferSeconds is the window before true expiry during which a
// token is treated as expiring. It exists so a request never starts with
// a token that expires mid-flight at the provider.
const ExpiryBufferSeconds = 300

// requestTimeout bounds the refresh exchange end to end, retries included.
const requestTimeout = 10 * time.Second

// ErrRefreshFailed is the single failure tag for every refresh failure
// path: non-2xx responses, malformed bodies, missing fields, and
// transport errors. Callers branch on this sentinel; the wrapped message
// carries the detail for audit logging and diagnosis.
var ErrRefreshFailed = errors.New("RefreshAccessTokenError")

// IsExpiringSoon reports whether an access token with the given Unix
// expiry should be refreshed now. A missing or negative expiry always
// needs a refresh.
func IsExpiringSoon(expiresAt int64) bool {
	return isExpiringSoonAt(expiresAt, time.Now().Unix())
}

func isExpiringSoonAt(expiresAt, now int64) bool {
	if expiresAt <= 0 {
		return true
	}
	return expiresAt < now+ExpiryBufferSeconds
}

// CalculateExpiry converts a provider-supplied expires_in (seconds) into
// an absolute Unix timestamp.
func CalculateExpiry(expiresIn int64) int64 {
	return time.Now().Unix() + expiresIn
}

// Result holds the outcome of a successful refresh exchange.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // Unix seconds
}

// Refresher performs refresh_token grants against a single token
// endpoint. It is stateless and safe for concurrent use.
//
// Concurrent requests holding the same session may each observe
// "expiring soon" and race a refresh. The provider's refresh tokens are
// multi-use, so both exchanges succeed and the last cookie write wins;
// there is no per-token mutex.
type Refresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithHTTPClient overrides the HTTP client (primarily for testing).
func WithHTTPClient(client *http.Client) RefresherOption {
	return func(r *Refresher) {
		r.httpClient = client
	}
}

// WithNowTime overrides the clock (primarily for testing).
func WithNowTime(now func() time.Time) RefresherOption {
	return func(r *Refresher) {
		r.now = now
	}
}

// NewRefresher creates a Refresher for the given token endpoint and
// client credentials.
func NewRefresher(tokenURL, clientID, clientSecret string, opts ...RefresherOption) (*Refresher, error) {
	if tokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("client ID and client secret are required")
	}

	r := &Refresher{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: requestTimeout},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    *int64 `json:"expires_in"`
}

// Refresh exchanges a refresh token for a new access token. On success
// the result always carries a usable refresh token: the provider's new
// one when rotated, otherwise the caller's input (a response omitting
// refresh_token does not invalidate a still-valid token).
//
// Every failure wraps ErrRefreshFailed. Transport-level errors are
// retried briefly; provider responses, of any status, are not.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return r.exchange(ctx, refreshToken)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRefreshFailed, err.Error())
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding token response: %s", ErrRefreshFailed, err.Error())
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrRefreshFailed)
	}
	if resp.ExpiresIn == nil {
		return nil, fmt.Errorf("%w: token response missing expires_in", ErrRefreshFailed)
	}

	result := &Result{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    r.now().Unix() + *resp.ExpiresIn,
	}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}

	log.Debug().Int64("expires_at", result.ExpiresAt).Msg("Access token refreshed")
	return result, nil
}

// exchange performs one POST against the token endpoint. Transport errors
// are returned retryable; any provider response, success or not, ends the
// retry loop.
func (r *Refresher) exchange(ctx context.Context, refreshToken string) ([]byte, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Token endpoint unreachable, may retry")
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("reading token response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backoff.Permanent(fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode))
	}

	return body, nil
}
