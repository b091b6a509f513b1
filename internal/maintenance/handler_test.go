package maintenance

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"auth-session/internal/observability"
)

func TestCleanupHandler(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		method     string
		auth       string
		targetErr  error
		wantStatus int
		wantBody   string
	}{
		{name: "disabled without secret", method: http.MethodPost, auth: "Bearer s3cret", wantStatus: http.StatusNotFound, wantBody: `{"error":"not found"}`},
		{name: "missing header", secret: "s3cret", method: http.MethodPost, wantStatus: http.StatusUnauthorized, wantBody: `{"error":"unauthorized"}`},
		{name: "wrong secret", secret: "s3cret", method: http.MethodPost, auth: "Bearer nope", wantStatus: http.StatusUnauthorized, wantBody: `{"error":"unauthorized"}`},
		{name: "wrong scheme", secret: "s3cret", method: http.MethodGet, auth: "Basic s3cret", wantStatus: http.StatusUnauthorized, wantBody: `{"error":"unauthorized"}`},
		{name: "wrong method", secret: "s3cret", method: http.MethodDelete, auth: "Bearer s3cret", wantStatus: http.StatusMethodNotAllowed},
		{
			name: "post sweeps", secret: "s3cret", method: http.MethodPost, auth: "Bearer s3cret", wantStatus: http.StatusOK,
			wantBody: `{"status":"ok","result":{"deleted_refresh_tokens":3,"deleted_password_resets":0,"deleted_email_verifications":0}}`,
		},
		{
			name: "get sweeps", secret: "s3cret", method: http.MethodGet, auth: "bearer s3cret", wantStatus: http.StatusOK,
			wantBody: `{"status":"ok","result":{"deleted_refresh_tokens":3,"deleted_password_resets":0,"deleted_email_verifications":0}}`,
		},
		{name: "sweep fails", secret: "s3cret", method: http.MethodPost, auth: "Bearer s3cret", targetErr: errors.New("db down"), wantStatus: http.StatusInternalServerError, wantBody: `{"error":"cleanup failed"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &fakeTarget{batches: []int64{3}, err: tt.targetErr}
			sweeper := NewSweeper(Targets{RefreshTokens: target}, observability.NewNopLogger(), nil, 100, time.Hour)
			handler := NewCleanupHandler(sweeper, observability.NewNopLogger(), tt.secret)

			r := httptest.NewRequest(tt.method, "/api/auth/cleanup", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			handler.Handle(rec, r)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK && tt.targetErr == nil {
				assert.Zero(t, target.callCount())
			}
		})
	}
}
