package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/k3lly003/authgate/internal/token"
	"github.com/k3lly003/authgate/session"
)

// Refresh exchanges a refresh token for a fresh pair. Rotation is
// single-winner: of any concurrent calls with the same token, exactly
// one succeeds and the rest see ErrReuseDetected or ErrInvalidToken.
//
// Presenting a token that has already been rotated is treated as
// evidence of theft: every session belonging to the account is revoked
// before ErrReuseDetected is returned.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	id, secret, err := token.Decode(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}
	sid := uuid.UUID(id).String()

	if e.limiter != nil {
		if err := e.limiter.HitRefresh(ctx, sid); err != nil {
			return nil, ErrRateLimited
		}
	}

	next, err := token.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	rotated, err := e.sessions.Rotate(ctx, sid, token.Hash(secret), token.Hash(next), e.config.JWT.RefreshTTL)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrReuse):
			return nil, e.onReuse(ctx, sid)
		case errors.Is(err, session.ErrExpired):
			e.metrics.inc(MetricRefreshFailure)
			return nil, ErrExpiredToken
		case errors.Is(err, session.ErrNotFound):
			e.metrics.inc(MetricRefreshFailure)
			return nil, ErrInvalidToken
		default:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	access, err := e.jwtManager.Mint(rotated.AccountID, rotated.Role, sid, rotated.Generation)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	now := time.Now()
	e.metrics.inc(MetricRefreshSuccess)
	e.emit(ctx, AuditEvent{Kind: AuditRefresh, AccountID: rotated.AccountID, SessionID: sid, Success: true})

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(e.config.JWT.AccessTTL),
		RefreshToken:     token.Encode(id, next),
		RefreshExpiresAt: rotated.ExpiresAt,
		SessionID:        sid,
	}, nil
}

// onReuse revokes every session of the account behind sid. The stale
// session still exists (only its hash mismatched), so its owner can be
// resolved before the purge.
func (e *Engine) onReuse(ctx context.Context, sid string) error {
	e.metrics.inc(MetricReuseDetected)

	sess, err := e.sessions.Get(ctx, sid)
	if err == nil {
		if derr := e.sessions.DeleteAllForAccount(ctx, sess.AccountID); derr != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, derr)
		}
		e.emit(ctx, AuditEvent{Kind: AuditRefreshReuse, AccountID: sess.AccountID, SessionID: sid})
	}
	return ErrReuseDetected
}

// Logout revokes the session named by the refresh token. Unknown
// sessions are a no-op; a token whose secret does not match the stored
// hash is rejected without side effects.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	id, secret, err := token.Decode(refreshToken)
	if err != nil {
		return ErrInvalidToken
	}
	sid := uuid.UUID(id).String()

	sess, err := e.sessions.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	provided := token.Hash(secret)
	if subtle.ConstantTimeCompare(provided[:], sess.RefreshHash[:]) != 1 {
		return ErrInvalidToken
	}

	if err := e.sessions.Delete(ctx, sid); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.inc(MetricLogout)
	e.emit(ctx, AuditEvent{Kind: AuditLogout, AccountID: sess.AccountID, SessionID: sid, Success: true})
	return nil
}

// LogoutAll revokes every session belonging to the account. Access
// tokens already in flight remain valid until they expire.
func (e *Engine) LogoutAll(ctx context.Context, accountID int64) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.sessions.DeleteAllForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.inc(MetricLogoutAll)
	e.emit(ctx, AuditEvent{Kind: AuditLogoutAll, AccountID: accountID, Success: true})
	return nil
}
