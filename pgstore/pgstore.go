// Package pgstore is a PostgreSQL authgate.AccountStore built on
// pgxpool. Lockout bookkeeping runs as single statements so concurrent
// failures cannot lose increments.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k3lly003/authgate"
)

const uniqueViolation = "23505"

// Store implements authgate.AccountStore against a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ authgate.AccountStore = (*Store)(nil)

// New wraps an existing pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect dials the database and returns a ready store.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the accounts and backup-codes tables if absent.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
	id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	email          TEXT NOT NULL UNIQUE,
	password_hash  TEXT NOT NULL,
	role           TEXT NOT NULL DEFAULT 'user',
	verified       BOOLEAN NOT NULL DEFAULT FALSE,
	disabled       BOOLEAN NOT NULL DEFAULT FALSE,
	totp_secret    BYTEA,
	failed_logins  INT NOT NULL DEFAULT 0,
	last_failed_at TIMESTAMPTZ,
	locked_at      TIMESTAMPTZ,
	last_login     TIMESTAMPTZ,
	last_password_change TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS backup_codes (
	account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	code_hash  BYTEA NOT NULL,
	PRIMARY KEY (account_id, code_hash)
);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const accountColumns = `id, email, password_hash, role, verified, disabled,
	totp_secret, failed_logins,
	COALESCE(last_failed_at, 'epoch'::timestamptz),
	COALESCE(locked_at, 'epoch'::timestamptz),
	COALESCE(last_login, 'epoch'::timestamptz),
	COALESCE(last_password_change, 'epoch'::timestamptz),
	created_at`

func (s *Store) Create(ctx context.Context, email, passwordHash, role string) (*authgate.Account, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO accounts (email, password_hash, role)
VALUES (lower($1), $2, $3)
RETURNING `+accountColumns, email, passwordHash, role)

	acct, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, authgate.ErrDuplicate
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func (s *Store) ByEmail(ctx context.Context, email string) (*authgate.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = lower($1)`, email)
	return handleScan(row, "select account by email")
}

func (s *Store) ByID(ctx context.Context, id int64) (*authgate.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return handleScan(row, "select account by id")
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	return s.exec(ctx, `
UPDATE accounts SET password_hash = $2, last_password_change = now()
WHERE id = $1`, id, hash)
}

func (s *Store) SetVerified(ctx context.Context, id int64) error {
	return s.exec(ctx, `UPDATE accounts SET verified = TRUE WHERE id = $1`, id)
}

func (s *Store) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	return s.exec(ctx, `UPDATE accounts SET disabled = $2 WHERE id = $1`, id, disabled)
}

// RecordLoginFailure bumps the failure counter in one statement. A
// predecessor outside the window restarts the count; crossing the
// threshold stamps locked_at.
func (s *Store) RecordLoginFailure(ctx context.Context, id int64, threshold int, window time.Duration) (authgate.FailureState, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE accounts SET
	failed_logins = CASE
		WHEN last_failed_at IS NULL OR now() - last_failed_at >= make_interval(secs => $3) THEN 1
		ELSE failed_logins + 1
	END,
	last_failed_at = now(),
	locked_at = CASE
		WHEN (CASE
			WHEN last_failed_at IS NULL OR now() - last_failed_at >= make_interval(secs => $3) THEN 1
			ELSE failed_logins + 1
		END) >= $2 THEN now()
		ELSE locked_at
	END
WHERE id = $1
RETURNING failed_logins, failed_logins >= $2`, id, threshold, window.Seconds())

	var state authgate.FailureState
	if err := row.Scan(&state.Failures, &state.Locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authgate.FailureState{}, authgate.ErrNoAccount
		}
		return authgate.FailureState{}, fmt.Errorf("record login failure: %w", err)
	}
	return state, nil
}

func (s *Store) MarkLoginSuccess(ctx context.Context, id int64) error {
	return s.exec(ctx, `
UPDATE accounts SET failed_logins = 0, last_failed_at = NULL, locked_at = NULL,
	last_login = now()
WHERE id = $1`, id)
}

func (s *Store) ClearLoginFailures(ctx context.Context, id int64) error {
	return s.exec(ctx, `
UPDATE accounts SET failed_logins = 0, last_failed_at = NULL, locked_at = NULL
WHERE id = $1`, id)
}

func (s *Store) SetTwoFactor(ctx context.Context, id int64, secret []byte) error {
	return s.exec(ctx, `UPDATE accounts SET totp_secret = $2 WHERE id = $1`, id, secret)
}

func (s *Store) ClearTwoFactor(ctx context.Context, id int64) error {
	return s.exec(ctx, `UPDATE accounts SET totp_secret = NULL WHERE id = $1`, id)
}

// ReplaceBackupCodes swaps the full code set in one transaction.
func (s *Store) ReplaceBackupCodes(ctx context.Context, id int64, hashes [][32]byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	for _, h := range hashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO backup_codes (account_id, code_hash) VALUES ($1, $2)`, id, h[:]); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ConsumeBackupCode deletes the matching row; the row count says
// whether the code was live. Single-use falls out of DELETE atomicity.
func (s *Store) ConsumeBackupCode(ctx context.Context, id int64, hash [32]byte) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM backup_codes WHERE account_id = $1 AND code_hash = $2`, id, hash[:])
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authgate.ErrNoAccount
	}
	return nil
}

func scanAccount(row pgx.Row) (*authgate.Account, error) {
	var (
		acct       authgate.Account
		totpSecret []byte
		lastFailed time.Time
		lockedAt   time.Time
		lastLogin  time.Time
		lastChange time.Time
	)
	err := row.Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &acct.Role,
		&acct.Verified, &acct.Disabled, &totpSecret, &acct.FailedLogins,
		&lastFailed, &lockedAt, &lastLogin, &lastChange, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}

	acct.TOTPSecret = totpSecret
	acct.TwoFactorEnabled = len(totpSecret) > 0
	if lastFailed.Unix() != 0 {
		acct.LastFailedAt = lastFailed
	}
	if lockedAt.Unix() != 0 {
		acct.LockedAt = lockedAt
	}
	if lastLogin.Unix() != 0 {
		acct.LastLogin = lastLogin
	}
	if lastChange.Unix() != 0 {
		acct.LastPasswordChange = lastChange
	}
	return &acct, nil
}

func handleScan(row pgx.Row, op string) (*authgate.Account, error) {
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authgate.ErrNoAccount
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return acct, nil
}
