package maintenance

import (
	"context"
	"errors"
	"time"

	"auth-session/internal/auth"
	"auth-session/internal/observability"
)

const (
	KindRefreshTokens      = "refresh_tokens"
	KindPasswordResets     = "password_reset_tokens"
	KindEmailVerifications = "email_verification_tokens"

	maxBatchesPerPass = 20
)

// Sweepable deletes up to limit stale records and reports how many went.
type Sweepable interface {
	Sweep(ctx context.Context, limit int) (int64, error)
}

type Targets struct {
	RefreshTokens      Sweepable
	PasswordResets     Sweepable
	EmailVerifications Sweepable
}

// Sweeper removes revoked and expired tokens. It is housekeeping only, so a
// failing pass is logged and retried on the next tick.
type Sweeper struct {
	targets   Targets
	logger    *observability.Logger
	metrics   *observability.Metrics
	batchSize int
	interval  time.Duration
}

func NewSweeper(targets Targets, logger *observability.Logger, metrics *observability.Metrics, batchSize int, interval time.Duration) *Sweeper {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		targets:   targets,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
		interval:  interval,
	}
}

// SweepOnce runs one pass over every kind. A failure in one kind does not
// stop the others; the joined error is returned with the partial counts.
func (s *Sweeper) SweepOnce(ctx context.Context) (auth.CleanupResult, error) {
	var result auth.CleanupResult
	var errs []error

	n, err := s.drain(ctx, KindRefreshTokens, s.targets.RefreshTokens)
	result.DeletedRefreshTokens = n
	errs = append(errs, err)

	n, err = s.drain(ctx, KindPasswordResets, s.targets.PasswordResets)
	result.DeletedPasswordResets = n
	errs = append(errs, err)

	n, err = s.drain(ctx, KindEmailVerifications, s.targets.EmailVerifications)
	result.DeletedEmailVerifications = n
	errs = append(errs, err)

	return result, errors.Join(errs...)
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	result, err := s.SweepOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.LogError("auth_sweep_failed", err, nil)
		return
	}
	s.logger.Info("auth_sweep_completed", map[string]any{
		"deleted_refresh_tokens":      result.DeletedRefreshTokens,
		"deleted_password_resets":     result.DeletedPasswordResets,
		"deleted_email_verifications": result.DeletedEmailVerifications,
	})
}

func (s *Sweeper) drain(ctx context.Context, kind string, target Sweepable) (int64, error) {
	if target == nil {
		return 0, nil
	}

	var total int64
	for i := 0; i < maxBatchesPerPass; i++ {
		n, err := target.Sweep(ctx, s.batchSize)
		total += n
		s.metrics.RecordSweep(kind, n)
		if err != nil {
			return total, err
		}
		if n < int64(s.batchSize) {
			break
		}
	}
	return total, nil
}
