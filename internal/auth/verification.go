package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"auth-session/internal/observability"
)

const defaultEmailVerifyTTL = 24 * time.Hour

type EmailVerificationOptions struct {
	AppURL string
	TTL    time.Duration
}

// EmailVerificationService issues and consumes email verification tokens.
// Only the SHA-256 digest of the mailed secret is stored.
type EmailVerificationService struct {
	users    UserStore
	verifies VerificationStore
	mailer   Mailer
	auditor  *Auditor
	logger   *observability.Logger
	appURL   string
	ttl      time.Duration
	now      func() time.Time
}

func NewEmailVerificationService(
	users UserStore,
	verifies VerificationStore,
	mailer Mailer,
	auditor *Auditor,
	logger *observability.Logger,
	opts EmailVerificationOptions,
) *EmailVerificationService {
	if opts.TTL <= 0 {
		opts.TTL = defaultEmailVerifyTTL
	}
	return &EmailVerificationService{
		users:    users,
		verifies: verifies,
		mailer:   mailer,
		auditor:  auditor,
		logger:   logger,
		appURL:   strings.TrimRight(opts.AppURL, "/"),
		ttl:      opts.TTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Issue replaces any pending token for user and mails a new link. A mail
// failure is logged; the token stays valid so a resend can follow.
func (s *EmailVerificationService) Issue(ctx context.Context, user User) error {
	raw := uuid.NewString()
	id, err := uuid.NewV7()
	if err != nil {
		return oops.Code("VERIFY_ID_FAILED").Wrap(err)
	}

	now := s.now()
	token := EmailVerificationToken{
		ID:        id.String(),
		UserID:    user.ID,
		TokenHash: sha256Hex(raw),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.verifies.ReplaceEmailVerification(ctx, token); err != nil {
		return oops.Code("VERIFY_STORE_FAILED").With("user_id", user.ID).Wrap(err)
	}

	link := s.appURL + "/auth/verify-email?token=" + url.QueryEscape(raw)
	if err := s.mailer.SendVerificationEmail(ctx, user.Email, link); err != nil {
		err = oops.Code("VERIFY_MAIL_FAILED").With("user_id", user.ID).Wrap(err)
		s.logger.LogError("verification_mail_failed", err, nil)
		observability.CaptureError(err, map[string]string{"flow": "email_verification"})
	}
	return nil
}

// Complete consumes the token and marks its owner verified. Unknown or
// already-used tokens yield ErrInvalidToken, expired ones ErrExpiredToken.
func (s *EmailVerificationService) Complete(ctx context.Context, raw string, client ClientInfo) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", validationf("Missing verification token")
	}

	token, err := s.verifies.FindEmailVerification(ctx, sha256Hex(raw))
	if errors.Is(err, ErrNotFound) {
		s.auditor.Record(ctx, EventEmailVerifyInvalid, "", client)
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", oops.Code("VERIFY_LOOKUP_FAILED").Wrap(err)
	}
	if token.Expired(s.now()) {
		s.auditor.Record(ctx, EventEmailVerifyExpired, token.UserID, client)
		return "", ErrExpiredToken
	}

	if err := s.verifies.DeleteEmailVerification(ctx, token.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.auditor.Record(ctx, EventEmailVerifyInvalid, token.UserID, client)
			return "", ErrInvalidToken
		}
		return "", oops.Code("VERIFY_CONSUME_FAILED").With("user_id", token.UserID).Wrap(err)
	}

	if err := s.users.MarkUserVerified(ctx, token.UserID); err != nil {
		return "", oops.Code("VERIFY_MARK_FAILED").With("user_id", token.UserID).Wrap(err)
	}

	s.auditor.Record(ctx, EventEmailVerified, token.UserID, client)
	return token.UserID, nil
}

// Resend issues a fresh token for an existing unverified account. Every
// other case returns nil so the caller can answer generically.
func (s *EmailVerificationService) Resend(ctx context.Context, email string, client ClientInfo) error {
	email = normalizeEmail(email)
	if email == "" {
		return validationf("Email is required")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return oops.Code("VERIFY_USER_LOOKUP_FAILED").Wrap(err)
	}
	if user.Verified {
		return nil
	}

	if err := s.Issue(ctx, user); err != nil {
		return err
	}
	s.auditor.Record(ctx, EventVerificationResent, user.ID, client)
	return nil
}

// Sweep deletes up to limit expired verification tokens.
func (s *EmailVerificationService) Sweep(ctx context.Context, limit int) (int64, error) {
	n, err := s.verifies.DeleteExpiredEmailVerifications(ctx, s.now(), limit)
	if err != nil {
		return 0, oops.Code("VERIFY_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}
