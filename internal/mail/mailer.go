package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"

	gomail "github.com/go-mail/mail"
	"github.com/samber/oops"

	"auth-session/internal/observability"
)

const (
	verificationSubject = "Verify your Project MGT account"
	resetSubject        = "Reset your Project MGT password"
)

var (
	verificationHTML = template.Must(template.New("verify").Parse(`<div style="font-family:Arial,sans-serif;max-width:600px;margin:auto;border:1px solid #eee;padding:20px;">
  <h2>Welcome to Project MGT</h2>
  <p>Please verify your email to activate your account:</p>
  <a href="{{.Link}}" style="background:#0070f3;color:white;padding:10px 20px;border-radius:6px;text-decoration:none;">Verify Email</a>
  <p style="margin-top:20px;font-size:14px;color:#555;">If you didn't create this account, you can safely ignore this email.</p>
</div>`))

	resetHTML = template.Must(template.New("reset").Parse(`<div style="font-family:Arial,sans-serif;max-width:600px;margin:auto;border:1px solid #eee;padding:20px;">
  <h2>Password Reset Requested</h2>
  <p>Click below to reset your password. This link expires in {{.Minutes}} minutes:</p>
  <a href="{{.Link}}" style="background:#e63946;color:white;padding:10px 20px;border-radius:6px;text-decoration:none;">Reset Password</a>
  <p style="margin-top:20px;font-size:14px;color:#555;">If you didn't request a password reset, please ignore this email.</p>
</div>`))
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
	SSL  bool
	// ResetMinutes is shown in the reset email.
	ResetMinutes int
}

// SMTPMailer sends multipart (text + HTML) emails through an SMTP relay.
type SMTPMailer struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
	logger *observability.Logger
}

func NewSMTPMailer(cfg SMTPConfig, logger *observability.Logger) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.ResetMinutes == 0 {
		cfg.ResetMinutes = 15
	}

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	d.SSL = cfg.SSL || cfg.Port == 465

	return &SMTPMailer{cfg: cfg, dialer: d, logger: logger}
}

func (m *SMTPMailer) SendVerificationEmail(ctx context.Context, to, link string) error {
	html, err := render(verificationHTML, map[string]any{"Link": link})
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Welcome to Project MGT.\n\nVerify your email to activate your account:\n%s\n\nIf you didn't create this account, you can safely ignore this email.\n", link)
	return m.send(ctx, to, verificationSubject, text, html)
}

func (m *SMTPMailer) SendPasswordResetEmail(ctx context.Context, to, link string) error {
	html, err := render(resetHTML, map[string]any{"Link": link, "Minutes": m.cfg.ResetMinutes})
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Reset your password using the link below. It expires in %d minutes:\n%s\n\nIf you didn't request a password reset, please ignore this email.\n", m.cfg.ResetMinutes, link)
	return m.send(ctx, to, resetSubject, text, html)
}

func (m *SMTPMailer) send(ctx context.Context, to, subject, text, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", text)
	msg.AddAlternative("text/html", html)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return oops.Code("SMTP_SEND_FAILED").With("subject", subject).Wrap(err)
	}

	m.logger.Info("email_sent", map[string]any{"subject": subject})
	return nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", oops.Code("EMAIL_RENDER_FAILED").Wrap(err)
	}
	return buf.String(), nil
}

// LogMailer records outgoing links in the log instead of sending mail. It is
// meant for development only.
type LogMailer struct {
	logger *observability.Logger
}

func NewLogMailer(logger *observability.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerificationEmail(_ context.Context, to, link string) error {
	m.logger.Info("dev_verification_email", map[string]any{"to": to, "link": link})
	return nil
}

func (m *LogMailer) SendPasswordResetEmail(_ context.Context, to, link string) error {
	m.logger.Info("dev_password_reset_email", map[string]any{"to": to, "link": link})
	return nil
}
