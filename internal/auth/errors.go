package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnverified          = errors.New("email not verified")
	ErrCSRF                = errors.New("CSRF validation failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("already exists")
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token expired")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshRaced        = errors.New("refresh token already rotated")
	ErrReuseDetected       = errors.New("refresh token revoked or expired")
)

// ValidationError carries a client-safe message.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate limited"
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ReuseDetectedError reports that a revoked, expired or already-rotated
// refresh secret was presented and the owner's refresh tokens were deleted.
type ReuseDetectedError struct {
	UserID  string
	Status  RefreshStatus
	Revoked int64
}

func (e *ReuseDetectedError) Error() string {
	return fmt.Sprintf("refresh token reuse detected (%s)", e.Status)
}

func (e *ReuseDetectedError) Is(target error) bool {
	return target == ErrReuseDetected
}

// HTTPStatus maps the error taxonomy to a response status. Unknown errors
// are server errors.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrCSRF), errors.Is(err, ErrUnverified):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRefreshToken), errors.Is(err, ErrRefreshRaced), errors.Is(err, ErrReuseDetected):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpiredToken):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
