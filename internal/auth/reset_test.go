package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-session/internal/observability"
)

type resetFixture struct {
	store  *MemoryStore
	hasher *Argon2Hasher
	tokens *TokenService
	mailer *captureMailer
	clock  *fakeClock
	svc    *PasswordResetService
	user   User
}

func newResetFixture(t *testing.T) *resetFixture {
	t.Helper()
	f := &resetFixture{
		store:  NewMemoryStore(),
		hasher: cheapHasher(),
		mailer: &captureMailer{},
		clock:  newFakeClock(),
	}
	f.tokens = newTestTokenService(f.store, f.clock)
	f.svc = NewPasswordResetService(f.store, f.store, f.tokens, f.hasher, f.mailer,
		newTestAuditor(f.store), observability.NewNopLogger(),
		PasswordResetOptions{AppURL: testAppURL + "/", TTL: 15 * time.Minute})
	f.svc.now = f.clock.Now
	f.user = seedUser(t, f.store, f.hasher, "ann@example.com", "ann", "old-password", true)
	return f
}

func TestPasswordReset_RequestUnknownEmailLooksTheSame(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Request(ctx, "nobody@example.com", testClient))
	assert.Empty(t, f.mailer.all())

	require.NoError(t, f.svc.Request(ctx, "  ANN@example.com ", testClient))
	sent := f.mailer.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "ann@example.com", sent[0].To)
	assert.True(t, strings.HasPrefix(sent[0].Link, testAppURL+"/reset-password?token="))

	assert.Equal(t, []string{EventPasswordResetNotFound, EventPasswordResetRequested}, auditEvents(f.store))
}

func TestPasswordReset_RequestRequiresEmail(t *testing.T) {
	f := newResetFixture(t)
	err := f.svc.Request(context.Background(), " ", testClient)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "Email is required", err.Error())
}

func TestPasswordReset_RequestSurvivesMailFailure(t *testing.T) {
	f := newResetFixture(t)
	f.mailer.err = errors.New("smtp down")

	require.NoError(t, f.svc.Request(context.Background(), "ann@example.com", testClient))
	token := f.mailer.lastToken(t, "reset")

	_, err := f.store.FindPasswordReset(context.Background(), sha256Hex(token))
	require.NoError(t, err)
}

func TestPasswordReset_CompleteRotatesCredentials(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	session, err := f.tokens.IssuePair(ctx, f.user.ID, testClient)
	require.NoError(t, err)

	require.NoError(t, f.svc.Request(ctx, "ann@example.com", testClient))
	raw := f.mailer.lastToken(t, "reset")

	_, err = f.store.FindPasswordReset(ctx, raw)
	require.ErrorIs(t, err, ErrNotFound, "raw token must not be stored")

	require.NoError(t, f.svc.Complete(ctx, raw, "new-password-1", testClient))

	user, err := f.store.GetUserByID(ctx, f.user.ID)
	require.NoError(t, err)
	ok, err := f.hasher.Verify(user.PasswordHash, "new-password-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.hasher.Verify(user.PasswordHash, "old-password")
	require.NoError(t, err)
	assert.False(t, ok)

	lookup, err := f.tokens.Lookup(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, RefreshNotFound, lookup.Status)

	err = f.svc.Complete(ctx, raw, "another-password", testClient)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordReset_RequestReplacesPendingToken(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Request(ctx, "ann@example.com", testClient))
	first := f.mailer.lastToken(t, "reset")
	require.NoError(t, f.svc.Request(ctx, "ann@example.com", testClient))
	second := f.mailer.lastToken(t, "reset")

	require.ErrorIs(t, f.svc.Complete(ctx, first, "new-password-1", testClient), ErrInvalidToken)
	require.NoError(t, f.svc.Complete(ctx, second, "new-password-1", testClient))
}

func TestPasswordReset_CompleteExpired(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Request(ctx, "ann@example.com", testClient))
	raw := f.mailer.lastToken(t, "reset")

	f.clock.Advance(16 * time.Minute)
	require.ErrorIs(t, f.svc.Complete(ctx, raw, "new-password-1", testClient), ErrInvalidToken)

	user, err := f.store.GetUserByID(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, f.user.PasswordHash, user.PasswordHash)
}

func TestPasswordReset_CompleteValidation(t *testing.T) {
	f := newResetFixture(t)

	tests := []struct {
		name     string
		token    string
		password string
		message  string
	}{
		{name: "missing token", password: "long-enough", message: "Token and new password required"},
		{name: "missing password", token: "abc", message: "Token and new password required"},
		{name: "short password", token: "abc", password: "short", message: "Password must be at least 8 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.Complete(context.Background(), tt.token, tt.password, testClient)
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, tt.message, err.Error())
		})
	}

	require.ErrorIs(t, f.svc.Complete(context.Background(), "unknown-token", "long-enough", testClient), ErrInvalidToken)
}

func TestPasswordReset_Sweep(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Request(ctx, "ann@example.com", testClient))

	n, err := f.svc.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour)
	n, err = f.svc.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
