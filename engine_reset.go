package authgate

import (
	"context"
	"errors"
	"fmt"
)

// RequestPasswordReset issues a single-use reset token and hands it to
// the mailer. A new request supersedes any outstanding reset token for
// the account. Unknown and disabled emails return nil so the call does
// not probe account existence.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.mailer == nil {
		return errors.New("no mailer configured")
	}

	normalized, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	acct, err := e.accounts.ByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return nil
		}
		return storeErr(err)
	}
	if acct.Disabled {
		return nil
	}

	opaque, err := e.issueChallenge(ctx, KindPasswordReset, acct.ID, e.config.Challenge.ResetTTL)
	if err != nil {
		return err
	}

	if err := e.mailer.SendPasswordReset(ctx, normalized, opaque); err != nil {
		return fmt.Errorf("send password reset: %w", err)
	}

	e.metrics.inc(MetricResetIssued)
	e.emit(ctx, AuditEvent{Kind: AuditResetRequested, AccountID: acct.ID, Email: normalized, Success: true})
	return nil
}

// ConfirmPasswordReset consumes a reset token and installs the new
// password. Success revokes every session of the account and clears its
// lockout state; the password in flight is the only credential left.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, opaque, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	accountID, err := e.consumeChallenge(ctx, KindPasswordReset, opaque)
	if err != nil {
		return err
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := e.accounts.UpdatePasswordHash(ctx, accountID, hash); err != nil {
		return storeErr(err)
	}
	if err := e.accounts.ClearLoginFailures(ctx, accountID); err != nil {
		return storeErr(err)
	}
	if err := e.sessions.DeleteAllForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.inc(MetricResetConfirmed)
	e.emit(ctx, AuditEvent{Kind: AuditResetConfirmed, AccountID: accountID, Success: true})
	return nil
}
