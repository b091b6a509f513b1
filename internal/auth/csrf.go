package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/samber/oops"
)

const (
	csrfTokenBytes = 24
	csrfCookieTTL  = time.Hour
)

// CSRFGuard implements the double-submit check: the x-csrf-token header must
// equal the csrf_token cookie.
type CSRFGuard struct {
	cookies  CookiePolicy
	onReject func(r *http.Request)
}

func NewCSRFGuard(cookies CookiePolicy) *CSRFGuard {
	return &CSRFGuard{cookies: cookies}
}

// WithRejectHook registers fn to run for every request Middleware rejects.
func (g *CSRFGuard) WithRejectHook(fn func(r *http.Request)) *CSRFGuard {
	g.onReject = fn
	return g
}

// Issue sets a fresh token cookie readable by page scripts for one hour.
func (g *CSRFGuard) Issue(w http.ResponseWriter) (string, error) {
	return g.issue(w, csrfCookieTTL)
}

// IssueSession sets a fresh token as a session cookie.
func (g *CSRFGuard) IssueSession(w http.ResponseWriter) (string, error) {
	return g.issue(w, 0)
}

func (g *CSRFGuard) issue(w http.ResponseWriter, ttl time.Duration) (string, error) {
	token, err := randomHex(csrfTokenBytes)
	if err != nil {
		return "", oops.Code("CSRF_TOKEN_FAILED").Wrap(err)
	}
	http.SetCookie(w, g.cookies.cookie(CSRFCookieName, token, false, ttl))
	return token, nil
}

func (g *CSRFGuard) Validate(r *http.Request) error {
	header := r.Header.Get(CSRFHeaderName)
	cookie := cookieValue(r, CSRFCookieName)
	if header == "" || cookie == "" {
		return ErrCSRF
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) != 1 {
		return ErrCSRF
	}
	return nil
}

func (g *CSRFGuard) Clear(w http.ResponseWriter) {
	http.SetCookie(w, g.cookies.expired(CSRFCookieName, false))
}

// Middleware rejects unsafe requests that fail Validate with 403.
func (g *CSRFGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if err := g.Validate(r); err != nil {
			if g.onReject != nil {
				g.onReject(r)
			}
			writeError(w, http.StatusForbidden, ErrCSRF.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func randomHex(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
