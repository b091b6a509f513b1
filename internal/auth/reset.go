package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"auth-session/internal/observability"
)

const (
	minPasswordLength       = 8
	defaultPasswordResetTTL = 15 * time.Minute
	resetTokenBytes         = 32
)

// Mailer delivers single-use links. Implementations must not log the link
// outside development.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, link string) error
	SendPasswordResetEmail(ctx context.Context, to, link string) error
}

type PasswordResetOptions struct {
	AppURL string
	TTL    time.Duration
}

type PasswordResetService struct {
	users   UserStore
	resets  PasswordResetStore
	tokens  *TokenService
	hasher  PasswordHasher
	mailer  Mailer
	auditor *Auditor
	logger  *observability.Logger
	appURL  string
	ttl     time.Duration
	now     func() time.Time
}

func NewPasswordResetService(
	users UserStore,
	resets PasswordResetStore,
	tokens *TokenService,
	hasher PasswordHasher,
	mailer Mailer,
	auditor *Auditor,
	logger *observability.Logger,
	opts PasswordResetOptions,
) *PasswordResetService {
	if opts.TTL <= 0 {
		opts.TTL = defaultPasswordResetTTL
	}
	return &PasswordResetService{
		users:   users,
		resets:  resets,
		tokens:  tokens,
		hasher:  hasher,
		mailer:  mailer,
		auditor: auditor,
		logger:  logger,
		appURL:  strings.TrimRight(opts.AppURL, "/"),
		ttl:     opts.TTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Request mails a reset link when email belongs to an account. Unknown
// addresses get the same nil result and no token is created.
func (s *PasswordResetService) Request(ctx context.Context, email string, client ClientInfo) error {
	email = normalizeEmail(email)
	if email == "" {
		return validationf("Email is required")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.auditor.Record(ctx, EventPasswordResetNotFound, "", client)
		return nil
	}
	if err != nil {
		return oops.Code("RESET_USER_LOOKUP_FAILED").Wrap(err)
	}

	raw, err := randomHex(resetTokenBytes)
	if err != nil {
		return oops.Code("RESET_RANDOM_FAILED").Wrap(err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return oops.Code("RESET_ID_FAILED").Wrap(err)
	}

	now := s.now()
	token := PasswordResetToken{
		ID:        id.String(),
		UserID:    user.ID,
		TokenHash: sha256Hex(raw),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.resets.ReplacePasswordReset(ctx, token); err != nil {
		return oops.Code("RESET_STORE_FAILED").With("user_id", user.ID).Wrap(err)
	}

	s.auditor.Record(ctx, EventPasswordResetRequested, user.ID, client)

	link := s.appURL + "/reset-password?token=" + url.QueryEscape(raw)
	if err := s.mailer.SendPasswordResetEmail(ctx, user.Email, link); err != nil {
		err = oops.Code("RESET_MAIL_FAILED").With("user_id", user.ID).Wrap(err)
		s.logger.LogError("password_reset_mail_failed", err, nil)
		observability.CaptureError(err, map[string]string{"flow": "password_reset"})
	}
	return nil
}

// Complete consumes the reset token, stores the new password hash and ends
// every existing session of the user. Unknown, expired and already-used
// tokens all yield ErrInvalidToken.
func (s *PasswordResetService) Complete(ctx context.Context, raw, newPassword string, client ClientInfo) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || newPassword == "" {
		return validationf("Token and new password required")
	}
	if len(newPassword) < minPasswordLength {
		return validationf("Password must be at least %d characters", minPasswordLength)
	}

	token, err := s.resets.FindPasswordReset(ctx, sha256Hex(raw))
	if errors.Is(err, ErrNotFound) {
		s.auditor.Record(ctx, EventPasswordResetInvalid, "", client)
		return ErrInvalidToken
	}
	if err != nil {
		return oops.Code("RESET_LOOKUP_FAILED").Wrap(err)
	}
	if token.Expired(s.now()) {
		s.auditor.Record(ctx, EventPasswordResetInvalid, token.UserID, client)
		return ErrInvalidToken
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_HASH_FAILED").Wrap(err)
	}

	// Deleting first makes the token single-use under concurrent submits.
	if err := s.resets.DeletePasswordReset(ctx, token.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.auditor.Record(ctx, EventPasswordResetInvalid, token.UserID, client)
			return ErrInvalidToken
		}
		return oops.Code("RESET_CONSUME_FAILED").With("user_id", token.UserID).Wrap(err)
	}

	if err := s.users.UpdatePasswordHash(ctx, token.UserID, digest); err != nil {
		return oops.Code("RESET_UPDATE_FAILED").With("user_id", token.UserID).Wrap(err)
	}

	if _, err := s.tokens.RevokeAll(ctx, token.UserID); err != nil {
		return err
	}

	s.auditor.Record(ctx, EventPasswordResetCompleted, token.UserID, client)
	return nil
}

// Sweep deletes up to limit expired reset tokens.
func (s *PasswordResetService) Sweep(ctx context.Context, limit int) (int64, error) {
	n, err := s.resets.DeleteExpiredPasswordResets(ctx, s.now(), limit)
	if err != nil {
		return 0, oops.Code("RESET_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}

func sha256Hex(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
