package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookiePolicy_SetSessionAdvertisesFullLifetime(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pair := TokenPair{
		AccessToken:      "access",
		AccessExpiresAt:  issued.Add(15 * time.Minute),
		RefreshToken:     "refresh",
		RefreshExpiresAt: issued.Add(30 * 24 * time.Hour),
	}

	tests := []struct {
		name string
		now  time.Time
	}{
		{name: "same instant", now: issued},
		{name: "written shortly after issue", now: issued.Add(3 * time.Millisecond)},
		{name: "just under half a second later", now: issued.Add(499 * time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewCookiePolicy(true).SetSession(rec, pair, tt.now)

			access := findCookie(rec.Result().Cookies(), AccessCookieName)
			require.NotNil(t, access)
			assert.Equal(t, 900, access.MaxAge)
			assert.True(t, access.HttpOnly)
			assert.True(t, access.Secure)

			refresh := findCookie(rec.Result().Cookies(), RefreshCookieName)
			require.NotNil(t, refresh)
			assert.Equal(t, 30*24*3600, refresh.MaxAge)
		})
	}
}

func TestCookiePolicy_SetSessionNearlyExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pair := TokenPair{
		AccessToken:      "access",
		AccessExpiresAt:  now.Add(200 * time.Millisecond),
		RefreshToken:     "refresh",
		RefreshExpiresAt: now.Add(90 * time.Second),
	}

	rec := httptest.NewRecorder()
	NewCookiePolicy(false).SetSession(rec, pair, now)

	access := findCookie(rec.Result().Cookies(), AccessCookieName)
	require.NotNil(t, access)
	assert.Equal(t, 1, access.MaxAge)
	refresh := findCookie(rec.Result().Cookies(), RefreshCookieName)
	require.NotNil(t, refresh)
	assert.Equal(t, 90, refresh.MaxAge)
}
