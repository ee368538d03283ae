package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/k3lly003/authgate/internal/token"
	"github.com/k3lly003/authgate/session"
)

// Login verifies credentials and either issues a token pair or, for
// accounts with a second factor, returns an opaque challenge token to
// present to ConfirmTwoFactor.
//
// The order of checks is fixed: throttle, lookup, disabled, lockout,
// password. The lockout gate runs before password verification so a
// locked account reveals nothing about the password supplied.
func (e *Engine) Login(ctx context.Context, email, pw string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	normalized, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	ip := clientIPFromContext(ctx)

	if e.limiter != nil {
		if err := e.limiter.AllowLogin(ctx, normalized, ip); err != nil {
			e.metrics.inc(MetricLoginThrottled)
			return nil, ErrRateLimited
		}
	}

	acct, err := e.accounts.ByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			// Burn a hash verification so unknown emails cost the
			// same as wrong passwords.
			_, _ = e.hasher.Verify(pw, e.dummyHash)
			e.failLogin(ctx, normalized, ip, 0)
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr(err)
	}

	if acct.Disabled {
		e.emit(ctx, AuditEvent{Kind: AuditLogin, AccountID: acct.ID, Email: normalized, Reason: "disabled"})
		return nil, ErrAccountDisabled
	}

	now := time.Now()
	if e.lockout.locked(acct, now) {
		e.metrics.inc(MetricLoginLocked)
		e.emit(ctx, AuditEvent{Kind: AuditLoginLocked, AccountID: acct.ID, Email: normalized})
		return nil, ErrAccountLocked
	}

	ok, err := e.hasher.Verify(pw, acct.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		state, ferr := e.accounts.RecordLoginFailure(ctx, acct.ID, e.lockout.threshold, e.lockout.window)
		if ferr != nil {
			return nil, storeErr(ferr)
		}
		e.failLogin(ctx, normalized, ip, acct.ID)
		if state.Locked {
			e.metrics.inc(MetricLoginLocked)
			e.emit(ctx, AuditEvent{Kind: AuditLoginLocked, AccountID: acct.ID, Email: normalized, Reason: "threshold"})
			return nil, ErrAccountLocked
		}
		return nil, ErrInvalidCredentials
	}

	if e.config.RequireVerified && !acct.Verified {
		return nil, ErrAccountUnverified
	}

	if err := e.accounts.MarkLoginSuccess(ctx, acct.ID); err != nil {
		return nil, storeErr(err)
	}
	if e.limiter != nil {
		_ = e.limiter.ClearLogin(ctx, normalized, ip)
	}

	if e.config.Password.RehashOnLogin {
		if stale, herr := e.hasher.NeedsRehash(acct.PasswordHash); herr == nil && stale {
			if newHash, herr := e.hasher.Hash(pw); herr == nil {
				_ = e.accounts.UpdatePasswordHash(ctx, acct.ID, newHash)
			}
		}
	}

	if acct.TwoFactorEnabled {
		challenge, cerr := e.issueTwoFactorChallenge(ctx, acct)
		if cerr != nil {
			return nil, cerr
		}
		e.metrics.inc(MetricTwoFactorChallenged)
		e.emit(ctx, AuditEvent{Kind: AuditTwoFactorIssued, AccountID: acct.ID, Email: normalized, Success: true})
		return &LoginResult{Challenge: challenge}, nil
	}

	pair, err := e.issuePair(ctx, acct)
	if err != nil {
		return nil, err
	}

	e.metrics.inc(MetricLoginSuccess)
	e.emit(ctx, AuditEvent{Kind: AuditLogin, AccountID: acct.ID, Email: normalized, SessionID: pair.SessionID, Success: true})
	return &LoginResult{Tokens: pair}, nil
}

func (e *Engine) failLogin(ctx context.Context, email, ip string, accountID int64) {
	e.metrics.inc(MetricLoginFailure)
	if e.limiter != nil {
		_ = e.limiter.HitLogin(ctx, email, ip)
	}
	e.emit(ctx, AuditEvent{Kind: AuditLogin, AccountID: accountID, Email: email, Reason: "bad credentials"})
}

// issuePair creates a session and mints the access/refresh pair. The
// session ID doubles as the refresh token's public half; only the
// hashed secret half is persisted.
func (e *Engine) issuePair(ctx context.Context, acct *Account) (*TokenPair, error) {
	u := uuid.New()
	sid := u.String()

	secret, err := token.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:   sid,
		AccountID:   acct.ID,
		Role:        acct.Role,
		RefreshHash: token.Hash(secret),
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.JWT.RefreshTTL),
	}
	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	access, err := e.jwtManager.Mint(acct.ID, acct.Role, sid, 0)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(e.config.JWT.AccessTTL),
		RefreshToken:     token.Encode(token.ID(u), secret),
		RefreshExpiresAt: sess.ExpiresAt,
		SessionID:        sid,
	}, nil
}
