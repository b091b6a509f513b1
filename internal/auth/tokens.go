package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/oops"
)

const (
	accessTokenType = "access"

	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 30 * 24 * time.Hour
	defaultRotationGrace = 10 * time.Second
	defaultTombstoneTTL  = 30 * 24 * time.Hour
)

type TokenOptions struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// RotationGrace is how long after a rotation a second presentation of
	// the old secret is treated as a concurrent request rather than reuse.
	RotationGrace time.Duration
	// TombstoneTTL bounds how long rotated secrets are remembered.
	TombstoneTTL time.Duration
}

// TokenService issues stateless access tokens and stored, rotating refresh
// tokens.
type TokenService struct {
	store         RefreshTokenStore
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	grace         time.Duration
	rotations     *rotationLog
	now           func() time.Time
}

func NewTokenService(store RefreshTokenStore, opts TokenOptions) *TokenService {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = defaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = defaultRefreshTTL
	}
	if opts.RotationGrace <= 0 {
		opts.RotationGrace = defaultRotationGrace
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = defaultTombstoneTTL
	}

	return &TokenService{
		store:         store,
		accessSecret:  []byte(opts.AccessSecret),
		refreshSecret: []byte(opts.RefreshSecret),
		accessTTL:     opts.AccessTTL,
		refreshTTL:    opts.RefreshTTL,
		grace:         opts.RotationGrace,
		rotations:     newRotationLog(opts.TombstoneTTL),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *TokenService) IssueAccess(userID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.NewString(),
		"typ": accessTokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.accessSecret)
	if err != nil {
		return "", time.Time{}, oops.Code("ACCESS_SIGN_FAILED").Wrap(err)
	}
	return encoded, expiresAt, nil
}

// VerifyAccess returns the subject of a valid access token and
// ErrInvalidToken for anything else.
func (s *TokenService) VerifyAccess(tokenStr string) (string, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return "", ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return s.accessSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if tokenType, _ := claims["typ"].(string); tokenType != accessTokenType {
		return "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// IssueRefresh stores a new refresh record for the device and returns the
// raw secret. Any older active record for the same device is revoked.
func (s *TokenService) IssueRefresh(ctx context.Context, userID string, client ClientInfo) (string, RefreshToken, error) {
	raw, record, err := s.newRefresh(userID, client)
	if err != nil {
		return "", RefreshToken{}, err
	}
	if err := s.store.CreateRefreshToken(ctx, record); err != nil {
		return "", RefreshToken{}, oops.Code("REFRESH_CREATE_FAILED").With("user_id", userID).Wrap(err)
	}
	return raw, record, nil
}

func (s *TokenService) IssuePair(ctx context.Context, userID string, client ClientInfo) (TokenPair, error) {
	raw, record, err := s.IssueRefresh(ctx, userID, client)
	if err != nil {
		return TokenPair{}, err
	}
	return s.pair(userID, raw, record)
}

func (s *TokenService) Lookup(ctx context.Context, raw string) (RefreshLookup, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RefreshLookup{Status: RefreshNotFound}, nil
	}

	record, err := s.store.FindRefreshToken(ctx, s.hashRefresh(raw))
	if errors.Is(err, ErrNotFound) {
		return RefreshLookup{Status: RefreshNotFound}, nil
	}
	if err != nil {
		return RefreshLookup{}, oops.Code("REFRESH_LOOKUP_FAILED").Wrap(err)
	}

	switch {
	case record.Revoked:
		return RefreshLookup{Status: RefreshRevoked, Token: record}, nil
	case record.Expired(s.now()):
		return RefreshLookup{Status: RefreshExpired, Token: record}, nil
	default:
		return RefreshLookup{Status: RefreshFound, Token: record}, nil
	}
}

// Rotate exchanges an active refresh secret for a new pair. The old record is
// deleted and the new one stored as one unit, so exactly one of several
// concurrent calls with the same secret succeeds; the others get
// ErrRefreshRaced. Presenting a revoked, expired or long-rotated secret
// deletes every refresh token of its owner and returns *ReuseDetectedError.
func (s *TokenService) Rotate(ctx context.Context, raw string, client ClientInfo) (TokenPair, error) {
	hash := s.hashRefresh(strings.TrimSpace(raw))
	lookup, err := s.Lookup(ctx, raw)
	if err != nil {
		return TokenPair{}, err
	}

	switch lookup.Status {
	case RefreshNotFound:
		rotation, ok := s.rotations.get(hash)
		if !ok {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		if s.now().Sub(rotation.At) < s.grace {
			return TokenPair{}, ErrRefreshRaced
		}
		return TokenPair{}, s.revokeForReuse(ctx, rotation.UserID, RefreshNotFound)
	case RefreshRevoked, RefreshExpired:
		return TokenPair{}, s.revokeForReuse(ctx, lookup.Token.UserID, lookup.Status)
	}

	userID := lookup.Token.UserID
	nextRaw, next, err := s.newRefresh(userID, client)
	if err != nil {
		return TokenPair{}, err
	}

	s.rotations.record(hash, userID, s.now())
	if err := s.store.RotateRefreshToken(ctx, lookup.Token.ID, next); err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrRefreshRaced
		}
		return TokenPair{}, oops.Code("REFRESH_ROTATE_FAILED").With("user_id", userID).Wrap(err)
	}

	return s.pair(userID, nextRaw, next)
}

// Revoke deletes the record behind raw and returns its owner. Unknown
// secrets are not an error.
func (s *TokenService) Revoke(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	record, err := s.store.DeleteRefreshToken(ctx, s.hashRefresh(raw))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", oops.Code("REFRESH_REVOKE_FAILED").Wrap(err)
	}
	return record.UserID, nil
}

func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.DeleteUserRefreshTokens(ctx, userID)
	if err != nil {
		return 0, oops.Code("REFRESH_REVOKE_ALL_FAILED").With("user_id", userID).Wrap(err)
	}
	return n, nil
}

// Sweep deletes up to limit revoked or expired refresh records.
func (s *TokenService) Sweep(ctx context.Context, limit int) (int64, error) {
	n, err := s.store.DeleteStaleRefreshTokens(ctx, s.now(), limit)
	if err != nil {
		return 0, oops.Code("REFRESH_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}

func (s *TokenService) revokeForReuse(ctx context.Context, userID string, status RefreshStatus) error {
	n, err := s.RevokeAll(ctx, userID)
	if err != nil {
		return err
	}
	return &ReuseDetectedError{UserID: userID, Status: status, Revoked: n}
}

func (s *TokenService) newRefresh(userID string, client ClientInfo) (string, RefreshToken, error) {
	suffix, err := randomHex(16)
	if err != nil {
		return "", RefreshToken{}, oops.Code("REFRESH_RANDOM_FAILED").Wrap(err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", RefreshToken{}, oops.Code("REFRESH_ID_FAILED").Wrap(err)
	}

	raw := uuid.NewString() + "-" + suffix
	now := s.now()
	return raw, RefreshToken{
		ID:        id.String(),
		UserID:    userID,
		TokenHash: s.hashRefresh(raw),
		IP:        client.IP,
		UserAgent: client.UserAgent,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}, nil
}

func (s *TokenService) pair(userID, refreshRaw string, record RefreshToken) (TokenPair, error) {
	access, accessExp, err := s.IssueAccess(userID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		UserID:           userID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshRaw,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

func (s *TokenService) hashRefresh(raw string) string {
	mac := hmac.New(sha256.New, s.refreshSecret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

type rotation struct {
	UserID string
	At     time.Time
}

// rotationLog remembers which refresh hashes were rotated away, and when.
type rotationLog struct {
	cache *gocache.Cache
}

func newRotationLog(ttl time.Duration) *rotationLog {
	return &rotationLog{cache: gocache.New(ttl, 10*time.Minute)}
}

func (l *rotationLog) record(hash, userID string, at time.Time) {
	l.cache.SetDefault(hash, rotation{UserID: userID, At: at})
}

func (l *rotationLog) get(hash string) (rotation, bool) {
	v, ok := l.cache.Get(hash)
	if !ok {
		return rotation{}, false
	}
	r, ok := v.(rotation)
	return r, ok
}
