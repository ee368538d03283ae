package authgate

import (
	"context"
	"time"
)

// Challenge token kinds persisted by the engine.
const (
	KindVerification  = "verification"
	KindPasswordReset = "password-reset"
)

// Account is the engine's view of a stored account. Implementations may
// carry more columns; the engine reads and writes only these fields.
type Account struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         string

	Verified bool
	Disabled bool

	// Second factor. TOTPSecret is the raw shared secret, empty when
	// two-factor is off.
	TwoFactorEnabled bool
	TOTPSecret       []byte

	// Lockout state, maintained by RecordLoginFailure and read by the
	// login path. LockedAt is the time of the failure that crossed the
	// threshold; zero when not locked.
	FailedLogins int
	LastFailedAt time.Time
	LockedAt     time.Time

	LastLogin          time.Time
	LastPasswordChange time.Time
	CreatedAt          time.Time
}

// CreateAccountInput carries the fields for a new account. The email is
// lowercased before storage; Role defaults to "user".
type CreateAccountInput struct {
	Email    string
	Password string
	Role     string
}

// FailureState is the lockout snapshot returned by RecordLoginFailure.
type FailureState struct {
	Failures int
	Locked   bool
}

// AccountStore is the persistence interface callers implement to plug in
// their account database. memstore and pgstore ship ready-made
// implementations.
//
// RecordLoginFailure must be atomic: concurrent wrong-password attempts
// may not lose increments. A failure whose predecessor lies outside the
// window restarts the count at one; a failure that reaches threshold
// sets the lock timestamp.
type AccountStore interface {
	Create(ctx context.Context, email, passwordHash, role string) (*Account, error)
	ByEmail(ctx context.Context, email string) (*Account, error)
	ByID(ctx context.Context, id int64) (*Account, error)

	// UpdatePasswordHash replaces the hash and stamps LastPasswordChange.
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	SetVerified(ctx context.Context, id int64) error
	SetDisabled(ctx context.Context, id int64, disabled bool) error

	RecordLoginFailure(ctx context.Context, id int64, threshold int, window time.Duration) (FailureState, error)
	// MarkLoginSuccess resets the failure counter, clears the lock, and
	// stamps LastLogin.
	MarkLoginSuccess(ctx context.Context, id int64) error
	// ClearLoginFailures resets the failure counter and lock without
	// recording a login. Used after a completed password reset.
	ClearLoginFailures(ctx context.Context, id int64) error

	SetTwoFactor(ctx context.Context, id int64, secret []byte) error
	ClearTwoFactor(ctx context.Context, id int64) error
	ReplaceBackupCodes(ctx context.Context, id int64, hashes [][32]byte) error
	// ConsumeBackupCode removes the matching unused code atomically and
	// reports whether one matched.
	ConsumeBackupCode(ctx context.Context, id int64, hash [32]byte) (bool, error)
}

// Mailer delivers verification and reset tokens out of band. The engine
// never returns those tokens from its API surface; delivery failures
// fail the issuing call.
type Mailer interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// TokenPair is the product of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// LoginResult is returned by Login. Exactly one of Tokens or Challenge
// is set: Challenge carries the opaque two-factor challenge token when
// the account has a second factor enrolled.
type LoginResult struct {
	Tokens    *TokenPair
	Challenge string
}

// Identity is the decoded subject of a validated access token.
type Identity struct {
	AccountID  int64
	Role       string
	SessionID  string
	Generation uint32
}

// TOTPEnrollment is returned by BeginTOTPEnrollment. The secret is not
// active until confirmed with a valid code.
type TOTPEnrollment struct {
	Secret       []byte
	SecretBase32 string
	ProvisionURI string
}
