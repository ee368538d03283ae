package authgate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/k3lly003/authgate/internal/stores"
	"github.com/k3lly003/authgate/internal/token"
)

const backupCodeLength = 8

// Unambiguous alphabet for backup codes: no 0/O, 1/I/L, or U/V pairs.
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTWXYZ23456789"

func (e *Engine) issueTwoFactorChallenge(ctx context.Context, acct *Account) (string, error) {
	id, err := token.NewID()
	if err != nil {
		return "", fmt.Errorf("generate challenge id: %w", err)
	}
	secret, err := token.NewSecret()
	if err != nil {
		return "", fmt.Errorf("generate challenge secret: %w", err)
	}

	if err := e.twoFactor.Save(ctx, id.String(), acct.ID, token.Hash(secret), e.config.TwoFactor.ChallengeTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token.Encode(id, secret), nil
}

// ConfirmTwoFactor completes a login that Login answered with a
// challenge. The code may be a TOTP code or one of the account's backup
// codes; backup codes are single-use. Each wrong code burns one attempt
// and an exhausted or timed-out challenge returns ErrExpiredChallenge,
// sending the caller back to Login.
func (e *Engine) ConfirmTwoFactor(ctx context.Context, challenge, code string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	id, secret, err := token.Decode(challenge)
	if err != nil {
		return nil, ErrInvalidToken
	}

	ch, err := e.twoFactor.Get(ctx, id.String(), token.Hash(secret))
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrExpired):
			return nil, ErrExpiredChallenge
		case errors.Is(err, stores.ErrNotFound), errors.Is(err, stores.ErrMismatch):
			return nil, ErrInvalidToken
		default:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	acct, err := e.accounts.ByID(ctx, ch.AccountID)
	if err != nil {
		_ = e.twoFactor.Consume(ctx, id.String())
		if errors.Is(err, ErrNoAccount) {
			return nil, ErrInvalidToken
		}
		return nil, storeErr(err)
	}
	if acct.Disabled {
		_ = e.twoFactor.Consume(ctx, id.String())
		return nil, ErrAccountDisabled
	}
	if !acct.TwoFactorEnabled {
		_ = e.twoFactor.Consume(ctx, id.String())
		return nil, ErrTwoFactorNotEnabled
	}

	ok, err := e.verifySecondFactor(ctx, acct, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metrics.inc(MetricTwoFactorFailure)
		if ferr := e.twoFactor.Fail(ctx, id.String(), e.config.TwoFactor.MaxAttempts); ferr != nil {
			if errors.Is(ferr, stores.ErrAttemptsExceeded) || errors.Is(ferr, stores.ErrNotFound) {
				return nil, ErrExpiredChallenge
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, ferr)
		}
		return nil, ErrInvalidCode
	}

	// Single-winner consume: a concurrent confirm that lost the race
	// finds the challenge gone.
	if err := e.twoFactor.Consume(ctx, id.String()); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrExpiredChallenge
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	pair, err := e.issuePair(ctx, acct)
	if err != nil {
		return nil, err
	}

	e.metrics.inc(MetricTwoFactorSuccess)
	e.emit(ctx, AuditEvent{Kind: AuditTwoFactorConfirm, AccountID: acct.ID, SessionID: pair.SessionID, Success: true})
	return pair, nil
}

// verifySecondFactor accepts a current TOTP code or consumes a backup
// code. Malformed input is just a wrong code, never an error.
func (e *Engine) verifySecondFactor(ctx context.Context, acct *Account, code string) (bool, error) {
	ok, err := e.totp.verify(acct.TOTPSecret, code, time.Now())
	if err != nil {
		return false, fmt.Errorf("verify totp: %w", err)
	}
	if ok {
		return true, nil
	}

	normalized := normalizeBackupCode(code)
	if len(normalized) != backupCodeLength {
		return false, nil
	}
	used, err := e.accounts.ConsumeBackupCode(ctx, acct.ID, token.HashBytes([]byte(normalized)))
	if err != nil {
		return false, storeErr(err)
	}
	if used {
		e.metrics.inc(MetricBackupCodeUsed)
	}
	return used, nil
}

// BeginTOTPEnrollment generates a candidate TOTP secret for the
// account. Nothing is persisted: the caller shows the provisioning URI,
// then passes the same secret with a first code to
// ConfirmTOTPEnrollment.
func (e *Engine) BeginTOTPEnrollment(ctx context.Context, accountID int64) (*TOTPEnrollment, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	acct, err := e.accounts.ByID(ctx, accountID)
	if err != nil {
		return nil, storeErr(err)
	}
	if acct.Disabled {
		return nil, ErrAccountDisabled
	}

	secret, secretB32, err := e.totp.generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	return &TOTPEnrollment{
		Secret:       secret,
		SecretBase32: secretB32,
		ProvisionURI: e.totp.provisionURI(secretB32, acct.Email),
	}, nil
}

// ConfirmTOTPEnrollment activates the secret from BeginTOTPEnrollment
// after the caller proves possession with a current code. It returns
// the account's fresh backup codes; they are shown once and stored only
// as hashes.
func (e *Engine) ConfirmTOTPEnrollment(ctx context.Context, accountID int64, secret []byte, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrValidation)
	}

	ok, err := e.totp.verify(secret, code, time.Now())
	if err != nil {
		return nil, fmt.Errorf("verify totp: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	if err := e.accounts.SetTwoFactor(ctx, accountID, secret); err != nil {
		return nil, storeErr(err)
	}

	codes, err := e.installBackupCodes(ctx, accountID)
	if err != nil {
		return nil, err
	}

	e.emit(ctx, AuditEvent{Kind: AuditTOTPEnabled, AccountID: accountID, Success: true})
	return codes, nil
}

// DisableTwoFactor turns the second factor off. It requires a valid
// TOTP or backup code so a hijacked session cannot silently downgrade
// the account.
func (e *Engine) DisableTwoFactor(ctx context.Context, accountID int64, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	acct, err := e.accounts.ByID(ctx, accountID)
	if err != nil {
		return storeErr(err)
	}
	if !acct.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	ok, err := e.verifySecondFactor(ctx, acct, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}

	if err := e.accounts.ClearTwoFactor(ctx, accountID); err != nil {
		return storeErr(err)
	}
	if err := e.accounts.ReplaceBackupCodes(ctx, accountID, nil); err != nil {
		return storeErr(err)
	}

	e.emit(ctx, AuditEvent{Kind: AuditTOTPDisabled, AccountID: accountID, Success: true})
	return nil
}

// RegenerateBackupCodes replaces the account's backup codes after a
// valid TOTP code. Previous codes stop working immediately.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, accountID int64, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	acct, err := e.accounts.ByID(ctx, accountID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !acct.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	ok, err := e.totp.verify(acct.TOTPSecret, code, time.Now())
	if err != nil {
		return nil, fmt.Errorf("verify totp: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	codes, err := e.installBackupCodes(ctx, accountID)
	if err != nil {
		return nil, err
	}

	e.emit(ctx, AuditEvent{Kind: AuditBackupRegenerate, AccountID: accountID, Success: true})
	return codes, nil
}

func (e *Engine) installBackupCodes(ctx context.Context, accountID int64) ([]string, error) {
	count := e.config.TwoFactor.BackupCodes
	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		c, err := randomBackupCode()
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes = append(codes, c)
		hashes = append(hashes, token.HashBytes([]byte(c)))
	}

	if err := e.accounts.ReplaceBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, storeErr(err)
	}
	return codes, nil
}

func randomBackupCode() (string, error) {
	buf := make([]byte, backupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, backupCodeLength)
	for i, b := range buf {
		out[i] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
	}
	return string(out), nil
}

func normalizeBackupCode(code string) string {
	replacer := strings.NewReplacer(" ", "", "-", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(code)))
}
