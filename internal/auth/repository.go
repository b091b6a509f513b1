package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

// Querier is the subset of *pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store on PostgreSQL. Multi-statement mutations
// run in a single transaction.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, username, password_hash, verified, created_at, updated_at`

func (r *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (id, email, username, password_hash, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Email, user.Username, user.PasswordHash, user.Verified, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return oops.Code("USER_CREATE_FAILED").With("username", user.Username).Wrap(err)
	}
	return nil
}

func (r *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row, "USER_GET_FAILED")
}

func (r *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row, "USER_GET_FAILED")
}

func (r *PostgresStore) UserExists(ctx context.Context, email, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE email = $1 OR username = $2)
	`, email, username).Scan(&exists)
	if err != nil {
		return false, oops.Code("USER_EXISTS_FAILED").Wrap(err)
	}
	return exists, nil
}

func (r *PostgresStore) MarkUserVerified(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET verified = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return oops.Code("USER_VERIFY_FAILED").With("user_id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return oops.Code("USER_PASSWORD_UPDATE_FAILED").With("user_id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	return r.inTx(ctx, "REFRESH_CREATE_FAILED", func(tx pgx.Tx) error {
		return insertRefresh(ctx, tx, token)
	})
}

func (r *PostgresStore) FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var t RefreshToken
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, ip, user_agent, expires_at, revoked, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IP, &t.UserAgent, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, oops.Code("REFRESH_FIND_FAILED").Wrap(err)
	}
	return t, nil
}

func (r *PostgresStore) RotateRefreshToken(ctx context.Context, oldID string, next RefreshToken) error {
	return r.inTx(ctx, "REFRESH_ROTATE_FAILED", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, oldID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return insertRefresh(ctx, tx, next)
	})
}

func (r *PostgresStore) DeleteRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var t RefreshToken
	err := r.db.QueryRow(ctx, `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1
		RETURNING id, user_id, token_hash, ip, user_agent, expires_at, revoked, created_at
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IP, &t.UserAgent, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, oops.Code("REFRESH_DELETE_FAILED").Wrap(err)
	}
	return t, nil
}

func (r *PostgresStore) DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, oops.Code("REFRESH_DELETE_USER_FAILED").With("user_id", userID).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresStore) DeleteStaleRefreshTokens(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE revoked OR expires_at <= $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now, batchLimit(limit))
	if err != nil {
		return 0, oops.Code("REFRESH_SWEEP_FAILED").Wrap(err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresStore) ReplacePasswordReset(ctx context.Context, token PasswordResetToken) error {
	return r.inTx(ctx, "RESET_REPLACE_FAILED", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM password_reset_tokens WHERE user_id = $1`, token.UserID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
		return err
	})
}

func (r *PostgresStore) FindPasswordReset(ctx context.Context, tokenHash string) (PasswordResetToken, error) {
	var t PasswordResetToken
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM password_reset_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PasswordResetToken{}, ErrNotFound
	}
	if err != nil {
		return PasswordResetToken{}, oops.Code("RESET_FIND_FAILED").Wrap(err)
	}
	return t, nil
}

func (r *PostgresStore) DeletePasswordReset(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "RESET_DELETE_FAILED", `DELETE FROM password_reset_tokens WHERE id = $1`, id)
}

func (r *PostgresStore) DeleteExpiredPasswordResets(ctx context.Context, now time.Time, limit int) (int64, error) {
	return r.deleteExpired(ctx, "RESET_SWEEP_FAILED", "password_reset_tokens", now, limit)
}

func (r *PostgresStore) ReplaceEmailVerification(ctx context.Context, token EmailVerificationToken) error {
	return r.inTx(ctx, "VERIFY_REPLACE_FAILED", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM email_verification_tokens WHERE user_id = $1`, token.UserID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO email_verification_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
		return err
	})
}

func (r *PostgresStore) FindEmailVerification(ctx context.Context, tokenHash string) (EmailVerificationToken, error) {
	var t EmailVerificationToken
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM email_verification_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return EmailVerificationToken{}, ErrNotFound
	}
	if err != nil {
		return EmailVerificationToken{}, oops.Code("VERIFY_FIND_FAILED").Wrap(err)
	}
	return t, nil
}

func (r *PostgresStore) DeleteEmailVerification(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "VERIFY_DELETE_FAILED", `DELETE FROM email_verification_tokens WHERE id = $1`, id)
}

func (r *PostgresStore) DeleteExpiredEmailVerifications(ctx context.Context, now time.Time, limit int) (int64, error) {
	return r.deleteExpired(ctx, "VERIFY_SWEEP_FAILED", "email_verification_tokens", now, limit)
}

func (r *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	var userID *string
	if entry.UserID != "" {
		userID = &entry.UserID
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_log (id, user_id, event, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, userID, entry.Event, entry.IP, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		return oops.Code("AUDIT_APPEND_FAILED").With("event", entry.Event).Wrap(err)
	}
	return nil
}

// insertRefresh revokes the device's active records and inserts token.
func insertRefresh(ctx context.Context, tx pgx.Tx, token RefreshToken) error {
	if _, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE user_id = $1 AND ip = $2 AND user_agent = $3
		  AND NOT revoked AND expires_at > $4
	`, token.UserID, token.IP, token.UserAgent, token.CreatedAt); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, ip, user_agent, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, token.ID, token.UserID, token.TokenHash, token.IP, token.UserAgent, token.ExpiresAt, token.CreatedAt)
	return err
}

func (r *PostgresStore) inTx(ctx context.Context, code string, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return oops.Code(code).With("operation", "begin").Wrap(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return err
		}
		return oops.Code(code).Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code(code).With("operation", "commit").Wrap(err)
	}
	return nil
}

func (r *PostgresStore) deleteByID(ctx context.Context, code, query, id string) error {
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return oops.Code(code).With("id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// deleteExpired is only called with the fixed table names above.
func (r *PostgresStore) deleteExpired(ctx context.Context, code, table string, now time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		WITH stale AS (
			SELECT id FROM `+table+`
			WHERE expires_at <= $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM `+table+` t
		USING stale
		WHERE t.id = stale.id
	`, now, batchLimit(limit))
	if err != nil {
		return 0, oops.Code(code).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

func scanUser(row pgx.Row, code string) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Verified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, oops.Code(code).Wrap(err)
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func batchLimit(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}
