package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"auth-session/internal/observability"
)

// Audit event names.
const (
	EventRegister               = "register"
	EventRegisterDuplicate      = "register_duplicate"
	EventLoginSuccess           = "login_success"
	EventLoginFailed            = "login_failed"
	EventLoginUnverified        = "login_unverified"
	EventLoginRateLimited       = "login_rate_limited"
	EventCSRFRejected           = "csrf_rejected"
	EventRefreshSuccess         = "refresh_success"
	EventRefreshInvalid         = "refresh_invalid"
	EventRefreshRaced           = "refresh_raced"
	EventRefreshReuseDetected   = "refresh_reuse_detected"
	EventLogout                 = "logout"
	EventPasswordResetRequested = "password_reset_requested"
	EventPasswordResetNotFound  = "password_reset_email_not_found"
	EventPasswordResetCompleted = "password_reset_completed"
	EventPasswordResetInvalid   = "password_reset_invalid_token"
	EventEmailVerified          = "email_verified"
	EventEmailVerifyInvalid     = "email_verify_invalid_token"
	EventEmailVerifyExpired     = "email_verify_expired_token"
	EventVerificationResent     = "verification_resent"
	EventPasswordHashUpgraded   = "password_hash_upgraded"
)

// Auditor appends security events to the audit sink. A failing sink is
// logged and never changes the outcome of the request.
type Auditor struct {
	sink    AuditSink
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewAuditor(sink AuditSink, logger *observability.Logger, metrics *observability.Metrics) *Auditor {
	return &Auditor{
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (a *Auditor) Record(ctx context.Context, event, userID string, client ClientInfo) {
	a.metrics.RecordEvent(event)

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	entry := AuditEntry{
		ID:        id.String(),
		UserID:    userID,
		Event:     event,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		CreatedAt: a.now(),
	}

	if err := a.sink.AppendAudit(ctx, entry); err != nil {
		a.logger.LogError("audit_append_failed", err, map[string]any{
			"event":   event,
			"user_id": userID,
		})
		return
	}

	a.logger.Info("audit", map[string]any{
		"event":   event,
		"user_id": userID,
		"ip":      client.IP,
	})
}
