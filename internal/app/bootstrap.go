package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"auth-session/internal/auth"
	"auth-session/internal/config"
	"auth-session/internal/db"
	"auth-session/internal/mail"
	"auth-session/internal/maintenance"
	"auth-session/internal/observability"
)

type Options struct {
	LoadDotEnv     bool
	SkipMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Sweeper *maintenance.Sweeper
	Config  *config.Config
	Logger  *observability.Logger
	Close   func() error
}

// Dependencies are the collaborators Assemble wires together. Zero values
// fall back to in-process implementations.
type Dependencies struct {
	Store   auth.Store
	Limiter auth.RateLimiter
	Mailer  auth.Mailer
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Health reports storage reachability for GET /health.
	Health func(ctx context.Context) error
}

// Build loads configuration, opens the configured backends and assembles the
// HTTP runtime.
func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	closers := []func() error{}
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		observability.FlushSentry()
		_ = logger.Sync()
		return first
	}

	deps := Dependencies{Logger: logger}

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() error { pool.Close(); return nil })

		if cfg.RunMigrations && !options.SkipMigrations {
			applied, err := db.RunMigrations(ctx, pool)
			if err != nil {
				_ = closeAll()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("migrations_applied", map[string]any{"versions": applied})
			}
		}

		deps.Store = auth.NewPostgresStore(pool)
		deps.Health = pool.Ping
	default:
		logger.Warn("memory_store_in_use", map[string]any{"env": cfg.AppEnv})
		deps.Store = auth.NewMemoryStore()
	}

	if cfg.RateLimitBackend == config.RateLimitBackendRedis {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		closers = append(closers, client.Close)
		deps.Limiter = auth.NewRedisRateLimiter(client, "", rateLimitOptions(cfg))
	}

	if cfg.SMTPHost != "" {
		deps.Mailer = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:         cfg.SMTPHost,
			Port:         cfg.SMTPPort,
			User:         cfg.SMTPUser,
			Pass:         cfg.SMTPPass,
			From:         cfg.EmailFrom,
			ResetMinutes: int(cfg.PasswordResetTTL / time.Minute),
		}, logger)
	} else if cfg.IsProduction() {
		_ = closeAll()
		return nil, fmt.Errorf("missing required env: SMTP_HOST")
	}

	runtime, err := Assemble(cfg, deps)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	runtime.Close = closeAll
	return runtime, nil
}

// Assemble builds the services and the HTTP handler chain from cfg and deps.
func Assemble(cfg *config.Config, deps Dependencies) (*Runtime, error) {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	store := deps.Store
	if store == nil {
		store = auth.NewMemoryStore()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = auth.NewMemoryRateLimiter(rateLimitOptions(cfg))
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = mail.NewLogMailer(logger)
	}

	hasher := auth.NewArgon2Hasher(auth.Argon2Params{
		Time:      cfg.Argon2Time,
		MemoryKiB: cfg.Argon2MemoryKiB,
		Threads:   cfg.Argon2Threads,
	})
	auditor := auth.NewAuditor(store, logger, metrics)
	tokens := auth.NewTokenService(store, auth.TokenOptions{
		AccessSecret:  cfg.AccessSecret,
		RefreshSecret: cfg.RefreshSecret,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		RotationGrace: cfg.RefreshGrace,
		TombstoneTTL:  cfg.RefreshTombstone,
	})
	resets := auth.NewPasswordResetService(store, store, tokens, hasher, mailer, auditor, logger, auth.PasswordResetOptions{
		AppURL: cfg.AppURL,
		TTL:    cfg.PasswordResetTTL,
	})
	verifications := auth.NewEmailVerificationService(store, store, mailer, auditor, logger, auth.EmailVerificationOptions{
		AppURL: cfg.AppURL,
		TTL:    cfg.EmailVerifyTTL,
	})
	cookies := auth.NewCookiePolicy(cfg.IsProduction())

	authHandler, err := auth.NewHandler(auth.HandlerDeps{
		Users:            store,
		Hasher:           hasher,
		Tokens:           tokens,
		Resets:           resets,
		Verifications:    verifications,
		CSRF:             auth.NewCSRFGuard(cookies),
		Limiter:          limiter,
		Auditor:          auditor,
		Logger:           logger,
		Cookies:          cookies,
		VerifySuccessURL: cfg.VerifySuccessURL,
		TrustedProxyHops: cfg.TrustedProxyHops,
	})
	if err != nil {
		return nil, fmt.Errorf("init auth handler: %w", err)
	}

	sweeper := maintenance.NewSweeper(maintenance.Targets{
		RefreshTokens:      tokens,
		PasswordResets:     resets,
		EmailVerifications: verifications,
	}, logger, metrics, cfg.SweepBatchSize, cfg.SweepInterval)
	cleanupHandler := maintenance.NewCleanupHandler(sweeper, logger, cfg.CronSecret)

	mux := http.NewServeMux()
	authHandler.Mount(mux)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(deps.Health))
	mux.Handle("GET /metrics", metrics.Handler())

	guard := auth.NewSessionGuard(tokens, auth.DefaultSessionGuardConfig())
	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger, metrics, cfg.TrustedProxyHops, guard.Middleware(mux)))

	return &Runtime{
		Handler: handler,
		Sweeper: sweeper,
		Config:  cfg,
		Logger:  logger,
		Close:   func() error { return nil },
	}, nil
}

func rateLimitOptions(cfg *config.Config) auth.RateLimitOptions {
	return auth.RateLimitOptions{
		Points: cfg.RateLimitPoints,
		Window: cfg.RateLimitWindow,
		Block:  cfg.RateLimitBlock,
	}
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if check != nil {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
