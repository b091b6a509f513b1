package auth

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Verified     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func newUser(email, username, passwordHash string, now time.Time) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, err
	}
	return User{
		ID:           id.String(),
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// PublicUser is the subset of User returned to clients.
type PublicUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Verified bool   `json:"verified"`
}

func (u User) Public() PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, Username: u.Username, Verified: u.Verified}
}

// ClientInfo identifies the device a credential was issued to.
type ClientInfo struct {
	IP        string
	UserAgent string
}

type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	IP        string
	UserAgent string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (t PasswordResetToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// EmailVerificationToken stores a SHA-256 digest of the mailed secret, like
// password reset tokens.
type EmailVerificationToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (t EmailVerificationToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

type AuditEntry struct {
	ID        string
	UserID    string
	Event     string
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// TokenPair is the matched access/refresh credential pair written to cookies.
type TokenPair struct {
	UserID           string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type RefreshStatus int

const (
	RefreshNotFound RefreshStatus = iota
	RefreshFound
	RefreshRevoked
	RefreshExpired
)

func (s RefreshStatus) String() string {
	switch s {
	case RefreshFound:
		return "found"
	case RefreshRevoked:
		return "revoked"
	case RefreshExpired:
		return "expired"
	default:
		return "not_found"
	}
}

// RefreshLookup is the classified result of looking up a presented refresh
// secret. Token is zero when Status is RefreshNotFound.
type RefreshLookup struct {
	Status RefreshStatus
	Token  RefreshToken
}

type CleanupResult struct {
	DeletedRefreshTokens      int64 `json:"deleted_refresh_tokens"`
	DeletedPasswordResets     int64 `json:"deleted_password_resets"`
	DeletedEmailVerifications int64 `json:"deleted_email_verifications"`
}
