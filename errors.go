package authgate

import "errors"

var (
	// ErrInvalidCredentials covers unknown emails and wrong passwords.
	// The two cases are deliberately indistinguishable to callers.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while the lockout window is active.
	// It takes precedence over password verification.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDisabled is returned for deactivated accounts.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountUnverified is returned when login requires a verified
	// email and the account has not confirmed one.
	ErrAccountUnverified = errors.New("account email not verified")
	// ErrAccountExists is returned by CreateAccount for duplicate emails.
	ErrAccountExists = errors.New("account already exists")

	// ErrInvalidToken covers malformed, unknown, and tampered tokens of
	// every kind: refresh, verification, and reset.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for tokens past their lifetime.
	ErrExpiredToken = errors.New("token expired")
	// ErrReuseDetected is returned when an already-rotated refresh token
	// is presented again. All sessions for the account are revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrAlreadyUsed is returned when a verification or reset token is
	// consumed a second time.
	ErrAlreadyUsed = errors.New("token already used")

	// ErrTwoFactorNotEnabled is returned by two-factor management calls
	// on accounts without an enrolled factor.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrInvalidCode is returned for wrong TOTP or backup codes.
	ErrInvalidCode = errors.New("invalid code")
	// ErrExpiredChallenge is returned when a two-factor challenge has
	// timed out or its attempt budget is spent.
	ErrExpiredChallenge = errors.New("two-factor challenge expired")

	// ErrPasswordPolicy is returned for passwords below the configured
	// minimum length.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrValidation is returned for malformed input such as an invalid
	// email address.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited is returned when the fixed-window throttle trips.
	ErrRateLimited = errors.New("rate limited")

	// ErrNoAccount is the AccountStore not-found sentinel. The engine
	// folds it into ErrInvalidCredentials on the login path.
	ErrNoAccount = errors.New("account not found")
	// ErrDuplicate is the AccountStore conflict sentinel for unique
	// email violations.
	ErrDuplicate = errors.New("duplicate account")

	// ErrStoreUnavailable wraps account store and Redis transport
	// failures.
	ErrStoreUnavailable = errors.New("backing store unavailable")
	// ErrEngineNotReady is returned by methods on a nil engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
