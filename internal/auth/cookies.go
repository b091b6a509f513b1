package auth

import (
	"net/http"
	"time"
)

const (
	AccessCookieName  = "a_tok"
	RefreshCookieName = "r_tok"
	CSRFCookieName    = "csrf_token"
	CSRFHeaderName    = "x-csrf-token"
)

// CookiePolicy holds the attributes shared by every cookie the service sets.
type CookiePolicy struct {
	Secure   bool
	SameSite http.SameSite
}

func NewCookiePolicy(production bool) CookiePolicy {
	if production {
		return CookiePolicy{Secure: true, SameSite: http.SameSiteStrictMode}
	}
	return CookiePolicy{Secure: false, SameSite: http.SameSiteLaxMode}
}

func (p CookiePolicy) cookie(name, value string, httpOnly bool, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: httpOnly,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	}
	if maxAge > 0 {
		// Rounded so a cookie written a few milliseconds after its token was
		// issued still advertises the full lifetime.
		c.MaxAge = int(maxAge.Round(time.Second) / time.Second)
		if c.MaxAge == 0 {
			c.MaxAge = 1
		}
	}
	return c
}

func (p CookiePolicy) expired(name string, httpOnly bool) *http.Cookie {
	c := p.cookie(name, "", httpOnly, 0)
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

// SetSession writes the matched access/refresh cookie pair. The refresh
// cookie lives exactly as long as the record behind it.
func (p CookiePolicy) SetSession(w http.ResponseWriter, pair TokenPair, now time.Time) {
	http.SetCookie(w, p.cookie(AccessCookieName, pair.AccessToken, true, pair.AccessExpiresAt.Sub(now)))
	http.SetCookie(w, p.cookie(RefreshCookieName, pair.RefreshToken, true, pair.RefreshExpiresAt.Sub(now)))
}

func (p CookiePolicy) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, p.expired(AccessCookieName, true))
	http.SetCookie(w, p.expired(RefreshCookieName, true))
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
