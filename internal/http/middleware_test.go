package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr with port",
			remoteAddr: "192.0.2.1:54321",
			want:       "192.0.2.1",
		},
		{
			name:       "x-forwarded-for single",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:       "203.0.113.7",
		},
		{
			name:       "x-forwarded-for list takes first",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"},
			want:       "203.0.113.7",
		},
		{
			name:       "x-real-ip",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Real-IP": "198.51.100.3"},
			want:       "198.51.100.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			require.Equal(t, tt.want, ExtractClientIP(r))
		})
	}
}

func TestOriginMiddleware(t *testing.T) {
	var got Origin
	handler := OriginMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = OriginFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/library", nil)
	r.RemoteAddr = "192.0.2.1:54321"
	r.Header.Set("User-Agent", "test-agent/1.0")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.Equal(t, "192.0.2.1", got.IPAddress)
	require.Equal(t, "test-agent/1.0", got.UserAgent)
}

func TestOriginFromContextMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	origin := OriginFromContext(r.Context())
	require.Empty(t, origin.IPAddress)
	require.Empty(t, origin.UserAgent)
}

func TestRateLimiterAllow(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{
		RequestsPerWindow: 2,
		Window:            time.Minute,
		Burst:             2,
	})

	require.True(t, l.Allow("192.0.2.1"))
	require.True(t, l.Allow("192.0.2.1"))
	require.False(t, l.Allow("192.0.2.1"))

	// Separate clients have separate buckets.
	require.True(t, l.Allow("192.0.2.2"))
}

func TestRateLimiterMiddleware(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{
		RequestsPerWindow: 1,
		Window:            time.Minute,
		Burst:             1,
	})

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	r.RemoteAddr = "192.0.2.1:1000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
