package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-session/internal/auth"
	"auth-session/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:           config.EnvDevelopment,
		AppURL:           "http://app.test",
		VerifySuccessURL: "http://app.test/verified-success",
		StoreDriver:      config.StoreDriverMemory,
		AccessSecret:     "access-secret-for-tests-0123456789abcdef",
		RefreshSecret:    "refresh-secret-for-tests-0123456789abcdef",
		Argon2Time:       1,
		Argon2MemoryKiB:  64,
		Argon2Threads:    1,
		RateLimitBackend: config.RateLimitBackendMemory,
	}
}

func setMemoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_ACCESS_SECRET", "access-secret-for-tests-0123456789abcdef")
	t.Setenv("REFRESH_TOKEN_SECRET", "refresh-secret-for-tests-0123456789abcdef")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ARGON2_TIME", "1")
	t.Setenv("ARGON2_MEMORY_KIB", "64")
}

func TestAssemble_Routes(t *testing.T) {
	runtime, err := Assemble(testConfig(), Dependencies{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		location string
		contains string
	}{
		{name: "health", method: http.MethodGet, path: "/health", status: http.StatusOK, contains: `"status":"ok"`},
		{name: "csrf token", method: http.MethodGet, path: "/auth/csrf", status: http.StatusOK, contains: "csrfToken"},
		{name: "login needs csrf", method: http.MethodPost, path: "/auth/login", status: http.StatusForbidden, contains: "CSRF validation failed"},
		{name: "me needs session", method: http.MethodGet, path: "/auth/me", status: http.StatusUnauthorized, contains: "Not authenticated"},
		{name: "guarded page", method: http.MethodGet, path: "/dashboard", status: http.StatusTemporaryRedirect, location: "/login"},
		{name: "cleanup disabled", method: http.MethodPost, path: "/internal/maintenance/cleanup", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodGet, path: "/auth/login", status: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			runtime.Handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)
			if tt.location != "" {
				assert.Equal(t, tt.location, rec.Header().Get("Location"))
			}
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestAssemble_MetricsCountRequests(t *testing.T) {
	runtime, err := Assemble(testConfig(), Dependencies{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `auth_http_requests_total{method="GET",route="GET /auth/csrf",status="200"} 1`)
}

func TestAssemble_HealthDegraded(t *testing.T) {
	runtime, err := Assemble(testConfig(), Dependencies{
		Health: func(context.Context) error { return errors.New("db unreachable") },
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
}

func TestAssemble_CleanupWithSecret(t *testing.T) {
	cfg := testConfig()
	cfg.CronSecret = "cron-secret"
	store := auth.NewMemoryStore()
	require.NoError(t, store.CreateRefreshToken(context.Background(), auth.RefreshToken{
		ID: "r1", UserID: "u1", TokenHash: "h1", ExpiresAt: time.Now().Add(-time.Minute), CreatedAt: time.Now().Add(-time.Hour),
	}))

	runtime, err := Assemble(cfg, Dependencies{Store: store})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	r.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted_refresh_tokens":1`)
}

func TestBuild_MemoryDevelopment(t *testing.T) {
	setMemoryEnv(t)

	runtime, err := Build(context.Background(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	assert.Equal(t, config.StoreDriverMemory, runtime.Config.StoreDriver)
	assert.NotNil(t, runtime.Sweeper)

	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_ProductionRequiresSMTP(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("SMTP_HOST", "")

	_, err := Build(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "SMTP_HOST"))
}

func TestBuild_InvalidConfig(t *testing.T) {
	t.Setenv("JWT_ACCESS_SECRET", "")
	t.Setenv("STORE_DRIVER", "memory")

	_, err := Build(context.Background(), Options{})
	require.Error(t, err)
}
