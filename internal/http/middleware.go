package http

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const originContextKey contextKey = "request_origin"

// Origin is the request origin metadata attached to audit entries.
type Origin struct {
	IPAddress string
	UserAgent string
}

// ExtractClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (for proxied requests), then
// X-Real-IP, finally RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the comma-separated list
		if before, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(before)
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr, stripping port
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// OriginFromContext extracts the request origin from the context. Both
// fields are empty when the request did not pass through OriginMiddleware;
// the audit recorder substitutes "unknown" in that case.
func OriginFromContext(ctx context.Context) Origin {
	origin, _ := ctx.Value(originContextKey).(Origin)
	return origin
}

// OriginMiddleware captures the client IP and user agent in the request
// context so session creation and audit logging can attach them.
func OriginMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := Origin{
				IPAddress: ExtractClientIP(r),
				UserAgent: r.UserAgent(),
			}
			ctx := context.WithValue(r.Context(), originContextKey, origin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
