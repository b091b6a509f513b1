package auth

import (
	"context"
	"time"
)

// UserStore persists accounts. Email and username are unique; CreateUser
// returns ErrConflict on a duplicate. Lookups return ErrNotFound.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UserExists(ctx context.Context, email, username string) (bool, error)
	MarkUserVerified(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

type RefreshTokenStore interface {
	// CreateRefreshToken marks every active record with the same
	// (user, ip, user agent) as revoked and inserts token, as one unit.
	CreateRefreshToken(ctx context.Context, token RefreshToken) error

	// FindRefreshToken returns the record with the given hash regardless of
	// its revoked or expiry state.
	FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)

	// RotateRefreshToken deletes oldID and stores next (with the same
	// per-device revocation as CreateRefreshToken) as one unit. It returns
	// ErrNotFound, storing nothing, when oldID no longer exists.
	RotateRefreshToken(ctx context.Context, oldID string, next RefreshToken) error

	// DeleteRefreshToken removes the record with the given hash and returns
	// it. A missing record yields ErrNotFound.
	DeleteRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)

	DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error)

	// DeleteStaleRefreshTokens removes up to limit revoked or expired records.
	DeleteStaleRefreshTokens(ctx context.Context, now time.Time, limit int) (int64, error)
}

type PasswordResetStore interface {
	// ReplacePasswordReset deletes the user's previous reset tokens and
	// inserts token, as one unit.
	ReplacePasswordReset(ctx context.Context, token PasswordResetToken) error
	FindPasswordReset(ctx context.Context, tokenHash string) (PasswordResetToken, error)
	// DeletePasswordReset returns ErrNotFound when id was already consumed.
	DeletePasswordReset(ctx context.Context, id string) error
	DeleteExpiredPasswordResets(ctx context.Context, now time.Time, limit int) (int64, error)
}

type VerificationStore interface {
	ReplaceEmailVerification(ctx context.Context, token EmailVerificationToken) error
	FindEmailVerification(ctx context.Context, tokenHash string) (EmailVerificationToken, error)
	// DeleteEmailVerification returns ErrNotFound when id was already consumed.
	DeleteEmailVerification(ctx context.Context, id string) error
	DeleteExpiredEmailVerifications(ctx context.Context, now time.Time, limit int) (int64, error)
}

// AuditSink is the append-only audit log.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

type Store interface {
	UserStore
	RefreshTokenStore
	PasswordResetStore
	VerificationStore
	AuditSink
}
