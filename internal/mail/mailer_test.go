package mail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"auth-session/internal/observability"
)

func TestRender_EscapesLink(t *testing.T) {
	html, err := render(verificationHTML, map[string]any{"Link": `https://app.test/auth/verify-email?token=a"b`})
	require.NoError(t, err)
	assert.Contains(t, html, "Verify Email")
	assert.NotContains(t, html, `token=a"b`)
}

func TestRender_ResetShowsLifetime(t *testing.T) {
	html, err := render(resetHTML, map[string]any{"Link": "https://app.test/reset-password?token=x", "Minutes": 15})
	require.NoError(t, err)
	assert.Contains(t, html, "expires in 15 minutes")
	assert.Contains(t, html, "https://app.test/reset-password?token=x")
}

func TestNewSMTPMailer_Defaults(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com"}, observability.NewNopLogger())
	assert.Equal(t, 587, m.dialer.Port)
	assert.False(t, m.dialer.SSL)
	assert.Equal(t, 15, m.cfg.ResetMinutes)
	assert.Equal(t, "smtp.example.com", m.dialer.TLSConfig.ServerName)

	implicit := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Port: 465}, observability.NewNopLogger())
	assert.True(t, implicit.dialer.SSL)
}

func TestSMTPMailer_CanceledContext(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: 1}, observability.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, m.SendVerificationEmail(ctx, "ann@example.com", "https://app.test/x"), context.Canceled)
}

func TestLogMailer_LogsLinks(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewLogMailer(observability.NewLoggerFromZap(zap.New(core)))

	require.NoError(t, m.SendVerificationEmail(context.Background(), "ann@example.com", "https://app.test/v"))
	require.NoError(t, m.SendPasswordResetEmail(context.Background(), "ann@example.com", "https://app.test/r"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "dev_verification_email", entries[0].Message)
	assert.Equal(t, "https://app.test/v", entries[0].ContextMap()["link"])
	assert.Equal(t, "dev_password_reset_email", entries[1].Message)
}
