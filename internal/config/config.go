package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"

	minSecretLength = 32
)

type Config struct {
	AppEnv           string
	Port             string
	AppURL           string
	VerifySuccessURL string
	LogLevel         string
	SentryDSN        string
	// TrustedProxyHops is the number of reverse proxies in front of the
	// service that append to X-Forwarded-For. Zero ignores the header.
	TrustedProxyHops int

	StoreDriver   string
	DatabaseURL   string
	DBMaxConns    int
	RunMigrations bool

	AccessSecret     string
	RefreshSecret    string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	RefreshGrace     time.Duration
	RefreshTombstone time.Duration

	PasswordResetTTL time.Duration
	EmailVerifyTTL   time.Duration

	Argon2Time      uint32
	Argon2MemoryKiB uint32
	Argon2Threads   uint8

	RateLimitBackend string
	RateLimitPoints  int
	RateLimitWindow  time.Duration
	RateLimitBlock   time.Duration
	RedisURL         string

	SMTPHost  string
	SMTPPort  int
	SMTPUser  string
	SMTPPass  string
	EmailFrom string

	CronSecret     string
	SweepInterval  time.Duration
	SweepBatchSize int
}

// Load reads .env (when present) and the process environment.
func Load(loadDotEnv bool) (*Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	cfg := &Config{
		AppEnv:    strings.ToLower(envOrDefault("APP_ENV", EnvDevelopment)),
		Port:      envOrDefault("PORT", "8080"),
		AppURL:    strings.TrimRight(envOrDefault("APP_URL", "http://localhost:3000"), "/"),
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		SentryDSN: strings.TrimSpace(os.Getenv("SENTRY_DSN")),

		TrustedProxyHops: max(envIntOrDefault("TRUSTED_PROXY_HOPS", 0), 0),

		StoreDriver:   strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:    envIntOrDefault("DB_MAX_CONNS", 10),
		RunMigrations: EnvBoolOrDefault("RUN_MIGRATIONS", true),

		AccessSecret:     strings.TrimSpace(os.Getenv("JWT_ACCESS_SECRET")),
		RefreshSecret:    strings.TrimSpace(os.Getenv("REFRESH_TOKEN_SECRET")),
		AccessTTL:        envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTTL:       envDaysOrDefault("REFRESH_TOKEN_EXPIRES_DAYS", 30),
		RefreshGrace:     envSecondsOrDefault("REFRESH_REUSE_GRACE_SECONDS", 10),
		RefreshTombstone: envHoursOrDefault("REFRESH_TOMBSTONE_HOURS", 720),

		PasswordResetTTL: envMinutesOrDefault("PASSWORD_RESET_TTL_MINUTES", 15),
		EmailVerifyTTL:   envHoursOrDefault("EMAIL_VERIFY_TTL_HOURS", 24),

		Argon2Time:      uint32(envIntOrDefault("ARGON2_TIME", 3)),
		Argon2MemoryKiB: uint32(envIntOrDefault("ARGON2_MEMORY_KIB", 64*1024)),
		Argon2Threads:   uint8(min(envIntOrDefault("ARGON2_THREADS", 1), 255)),

		RateLimitBackend: strings.ToLower(envOrDefault("RATE_LIMIT_BACKEND", RateLimitBackendMemory)),
		RateLimitPoints:  envIntOrDefault("LOGIN_RATE_LIMIT_POINTS", 5),
		RateLimitWindow:  envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 300),
		RateLimitBlock:   envSecondsOrDefault("LOGIN_RATE_LIMIT_BLOCK_SECONDS", 900),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),

		SMTPHost:  strings.TrimSpace(os.Getenv("SMTP_HOST")),
		SMTPPort:  envIntOrDefault("SMTP_PORT", 587),
		SMTPUser:  strings.TrimSpace(os.Getenv("SMTP_USER")),
		SMTPPass:  os.Getenv("SMTP_PASS"),
		EmailFrom: envOrDefault("EMAIL_FROM", "no-reply@localhost"),

		CronSecret:     strings.TrimSpace(os.Getenv("CRON_SECRET")),
		SweepInterval:  envMinutesOrDefault("SWEEP_INTERVAL_MINUTES", 60),
		SweepBatchSize: envIntOrDefault("SWEEP_BATCH_SIZE", 500),
	}
	cfg.VerifySuccessURL = envOrDefault("VERIFY_SUCCESS_URL", cfg.AppURL+"/verified-success")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AccessSecret == "" {
		return fmt.Errorf("missing required env: JWT_ACCESS_SECRET")
	}
	if c.RefreshSecret == "" {
		return fmt.Errorf("missing required env: REFRESH_TOKEN_SECRET")
	}
	if len(c.AccessSecret) < minSecretLength || len(c.RefreshSecret) < minSecretLength {
		return fmt.Errorf("token secrets must be at least %d bytes", minSecretLength)
	}
	if c.AccessSecret == c.RefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and REFRESH_TOKEN_SECRET must differ")
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("missing required env: DATABASE_URL")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER: %s", c.StoreDriver)
	}

	switch c.RateLimitBackend {
	case RateLimitBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("missing required env: REDIS_URL")
		}
	case RateLimitBackendMemory:
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND: %s", c.RateLimitBackend)
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
