package auth

import (
	"context"
	"net/http"
	"strings"
)

// AccessVerifier is the part of TokenService the request gates need.
type AccessVerifier interface {
	VerifyAccess(token string) (string, error)
}

type SessionGuardConfig struct {
	EntryPaths        []string
	ProtectedPrefixes []string
	LandingPath       string
	LoginPath         string
}

func DefaultSessionGuardConfig() SessionGuardConfig {
	return SessionGuardConfig{
		EntryPaths:        []string{"/login", "/register", "/forgot-password", "/reset-password", "/"},
		ProtectedPrefixes: []string{"/dashboard", "/api/protected"},
		LandingPath:       "/dashboard",
		LoginPath:         "/login",
	}
}

// SessionGuard redirects signed-in users away from entry pages and anonymous
// users away from protected areas. It only verifies the access cookie and
// never touches storage.
type SessionGuard struct {
	verifier AccessVerifier
	entry    map[string]struct{}
	prefixes []string
	landing  string
	login    string
}

func NewSessionGuard(verifier AccessVerifier, cfg SessionGuardConfig) *SessionGuard {
	entry := make(map[string]struct{}, len(cfg.EntryPaths))
	for _, p := range cfg.EntryPaths {
		entry[p] = struct{}{}
	}
	return &SessionGuard{
		verifier: verifier,
		entry:    entry,
		prefixes: cfg.ProtectedPrefixes,
		landing:  cfg.LandingPath,
		login:    cfg.LoginPath,
	}
}

func (g *SessionGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		_, isEntry := g.entry[path]
		isProtected := g.isProtected(path)
		if !isEntry && !isProtected {
			next.ServeHTTP(w, r)
			return
		}

		_, err := g.verifier.VerifyAccess(cookieValue(r, AccessCookieName))
		authenticated := err == nil

		switch {
		case isEntry && authenticated:
			http.Redirect(w, r, g.landing, http.StatusTemporaryRedirect)
		case isProtected && !authenticated:
			http.Redirect(w, r, g.login, http.StatusTemporaryRedirect)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (g *SessionGuard) isProtected(path string) bool {
	for _, prefix := range g.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

type contextKey int

const userIDKey contextKey = iota

// RequireAccess rejects requests without a valid access token, taken from
// the a_tok cookie or an Authorization: Bearer header, and stores the user
// id in the request context.
func RequireAccess(verifier AccessVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = cookieValue(r, AccessCookieName)
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		userID, err := verifier.VerifyAccess(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
