package authgate

import (
	"context"
	"errors"
	"fmt"
)

// CreateAccount registers a new account. The email is validated and
// lowercased, the password checked against the policy floor and hashed
// with Argon2id. When a mailer is configured a verification token is
// issued and sent; delivery failure does not undo the creation.
func (e *Engine) CreateAccount(ctx context.Context, in CreateAccountInput) (*Account, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	normalized, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := e.checkPasswordPolicy(in.Password); err != nil {
		return nil, err
	}
	role := in.Role
	if role == "" {
		role = "user"
	}

	hash, err := e.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	acct, err := e.accounts.Create(ctx, normalized, hash, role)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrAccountExists
		}
		return nil, storeErr(err)
	}

	e.metrics.inc(MetricAccountCreated)
	e.emit(ctx, AuditEvent{Kind: AuditAccountCreated, AccountID: acct.ID, Email: normalized, Success: true})

	if e.mailer != nil {
		if opaque, cerr := e.issueChallenge(ctx, KindVerification, acct.ID, e.config.Challenge.VerificationTTL); cerr == nil {
			if merr := e.mailer.SendVerification(ctx, normalized, opaque); merr == nil {
				e.metrics.inc(MetricVerificationIssued)
			}
		}
	}

	return acct, nil
}

// ChangePassword swaps the password after verifying the current one.
// Success revokes every session of the account; the caller logs back in
// with the new credential.
func (e *Engine) ChangePassword(ctx context.Context, accountID int64, current, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	acct, err := e.accounts.ByID(ctx, accountID)
	if err != nil {
		return storeErr(err)
	}

	ok, err := e.hasher.Verify(current, acct.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	if newPassword == current {
		return fmt.Errorf("%w: new password must differ from current", ErrValidation)
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := e.accounts.UpdatePasswordHash(ctx, accountID, hash); err != nil {
		return storeErr(err)
	}
	if err := e.sessions.DeleteAllForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.inc(MetricPasswordChanged)
	e.emit(ctx, AuditEvent{Kind: AuditPasswordChanged, AccountID: accountID, Success: true})
	return nil
}

// DeactivateAccount disables the account and revokes all its sessions.
func (e *Engine) DeactivateAccount(ctx context.Context, accountID int64) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.accounts.SetDisabled(ctx, accountID, true); err != nil {
		return storeErr(err)
	}
	if err := e.sessions.DeleteAllForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emit(ctx, AuditEvent{Kind: AuditAccountDisabled, AccountID: accountID, Success: true})
	return nil
}

// ReactivateAccount lifts a deactivation. Lockout state is left as is;
// an active lock still has to expire.
func (e *Engine) ReactivateAccount(ctx context.Context, accountID int64) error {
	if e == nil {
		return ErrEngineNotReady
	}
	return storeErr(e.accounts.SetDisabled(ctx, accountID, false))
}
