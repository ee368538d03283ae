package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/k3lly003/authgate/internal/stores"
	"github.com/k3lly003/authgate/internal/token"
)

// RequestVerification issues a single-use verification token and hands
// it to the mailer. Issuing supersedes any earlier verification token
// for the account. Unknown emails return nil so the call does not probe
// account existence; already-verified accounts are a no-op.
func (e *Engine) RequestVerification(ctx context.Context, email string) error {
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
	if acct.Verified {
		return nil
	}

	opaque, err := e.issueChallenge(ctx, KindVerification, acct.ID, e.config.Challenge.VerificationTTL)
	if err != nil {
		return err
	}

	if err := e.mailer.SendVerification(ctx, normalized, opaque); err != nil {
		return fmt.Errorf("send verification: %w", err)
	}

	e.metrics.inc(MetricVerificationIssued)
	e.emit(ctx, AuditEvent{Kind: AuditVerifyRequested, AccountID: acct.ID, Email: normalized, Success: true})
	return nil
}

// ConfirmVerification consumes a verification token and marks the
// account verified. Consumption is atomic: one confirm wins, any repeat
// gets ErrAlreadyUsed.
func (e *Engine) ConfirmVerification(ctx context.Context, opaque string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	accountID, err := e.consumeChallenge(ctx, KindVerification, opaque)
	if err != nil {
		return err
	}

	if err := e.accounts.SetVerified(ctx, accountID); err != nil {
		return storeErr(err)
	}

	e.metrics.inc(MetricVerificationConfirmed)
	e.emit(ctx, AuditEvent{Kind: AuditVerifyConfirmed, AccountID: accountID, Success: true})
	return nil
}

// issueChallenge mints an opaque challenge token and persists only the
// secret's hash.
func (e *Engine) issueChallenge(ctx context.Context, kind string, accountID int64, ttl time.Duration) (string, error) {
	id, err := token.NewID()
	if err != nil {
		return "", fmt.Errorf("generate challenge id: %w", err)
	}
	secret, err := token.NewSecret()
	if err != nil {
		return "", fmt.Errorf("generate challenge secret: %w", err)
	}

	if err := e.challenges.Issue(ctx, kind, id.String(), accountID, token.Hash(secret), ttl); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token.Encode(id, secret), nil
}

// consumeChallenge decodes and atomically consumes a challenge token,
// translating store sentinels into the public taxonomy.
func (e *Engine) consumeChallenge(ctx context.Context, kind, opaque string) (int64, error) {
	id, secret, err := token.Decode(opaque)
	if err != nil {
		return 0, ErrInvalidToken
	}

	accountID, err := e.challenges.Consume(ctx, kind, id.String(), token.Hash(secret))
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrUsed):
			return 0, ErrAlreadyUsed
		case errors.Is(err, stores.ErrExpired):
			return 0, ErrExpiredToken
		case errors.Is(err, stores.ErrNotFound), errors.Is(err, stores.ErrMismatch):
			return 0, ErrInvalidToken
		default:
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return accountID, nil
}
