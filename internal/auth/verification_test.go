package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-session/internal/observability"
)

func newVerificationFixture(t *testing.T) (*EmailVerificationService, *MemoryStore, *captureMailer, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	mailer := &captureMailer{}
	clock := newFakeClock()
	svc := NewEmailVerificationService(store, store, mailer, newTestAuditor(store),
		observability.NewNopLogger(), EmailVerificationOptions{AppURL: testAppURL})
	svc.now = clock.Now
	return svc, store, mailer, clock
}

func TestEmailVerification_IssueAndComplete(t *testing.T) {
	svc, store, mailer, _ := newVerificationFixture(t)
	ctx := context.Background()
	user := seedUser(t, store, cheapHasher(), "bob@example.com", "bob", "password-1", false)

	require.NoError(t, svc.Issue(ctx, user))
	sent := mailer.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob@example.com", sent[0].To)
	assert.True(t, strings.HasPrefix(sent[0].Link, testAppURL+"/auth/verify-email?token="))

	raw := mailer.lastToken(t, "verify")
	userID, err := svc.Complete(ctx, raw, testClient)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	got, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)

	_, err = svc.Complete(ctx, raw, testClient)
	require.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, []string{EventEmailVerified, EventEmailVerifyInvalid}, auditEvents(store))
}

func TestEmailVerification_CompleteExpired(t *testing.T) {
	svc, store, mailer, clock := newVerificationFixture(t)
	ctx := context.Background()
	user := seedUser(t, store, cheapHasher(), "bob@example.com", "bob", "password-1", false)

	require.NoError(t, svc.Issue(ctx, user))
	clock.Advance(25 * time.Hour)

	_, err := svc.Complete(ctx, mailer.lastToken(t, "verify"), testClient)
	require.ErrorIs(t, err, ErrExpiredToken)

	got, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.Verified)
}

func TestEmailVerification_CompleteMissingToken(t *testing.T) {
	svc, _, _, _ := newVerificationFixture(t)

	_, err := svc.Complete(context.Background(), "", testClient)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "Missing verification token", err.Error())
}

func TestEmailVerification_Resend(t *testing.T) {
	svc, store, mailer, _ := newVerificationFixture(t)
	ctx := context.Background()
	pending := seedUser(t, store, cheapHasher(), "bob@example.com", "bob", "password-1", false)
	seedUser(t, store, cheapHasher(), "cat@example.com", "cat", "password-1", true)

	require.NoError(t, svc.Issue(ctx, pending))
	first := mailer.lastToken(t, "verify")

	require.NoError(t, svc.Resend(ctx, "BOB@example.com", testClient))
	second := mailer.lastToken(t, "verify")
	assert.NotEqual(t, first, second)

	// Verified and unknown accounts are silently ignored.
	require.NoError(t, svc.Resend(ctx, "cat@example.com", testClient))
	require.NoError(t, svc.Resend(ctx, "nobody@example.com", testClient))
	assert.Len(t, mailer.all(), 2)

	_, err := svc.Complete(ctx, first, testClient)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Complete(ctx, second, testClient)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Resend(ctx, "", testClient), ErrValidation)
}

func TestEmailVerification_Sweep(t *testing.T) {
	svc, store, _, clock := newVerificationFixture(t)
	ctx := context.Background()
	user := seedUser(t, store, cheapHasher(), "bob@example.com", "bob", "password-1", false)
	require.NoError(t, svc.Issue(ctx, user))

	clock.Advance(48 * time.Hour)
	n, err := svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
