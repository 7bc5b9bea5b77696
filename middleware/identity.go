package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Anonymous is the user of requests that carry no identity
const Anonymous = "anonymous"

const (
	SessionCookie = "session"
	UserHeader    = "X-User-ID"
)

type userKey struct{}

// User returns the current user stored by Identity
func User(ctx context.Context) string {
	if user, ok := ctx.Value(userKey{}).(string); ok && user != "" {
		return user
	}
	return Anonymous
}

// WithUser returns a context carrying user
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// Identity resolves the current user from the session cookie ("user:timestamp")
// or the X-User-ID header.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userFromRequest(r))))
	})
}

func userFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		user, _, _ := strings.Cut(cookie.Value, ":")
		if user = strings.TrimSpace(user); user != "" {
			return user
		}
	}
	if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
		return user
	}
	return Anonymous
}
