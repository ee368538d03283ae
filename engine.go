package authgate

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/k3lly003/authgate/internal/audit"
	"github.com/k3lly003/authgate/internal/rate"
	"github.com/k3lly003/authgate/internal/stores"
	"github.com/k3lly003/authgate/jwt"
	"github.com/k3lly003/authgate/password"
	"github.com/k3lly003/authgate/session"
)

// Engine is the authentication session engine. Build one with the
// Builder; all methods are safe for concurrent use.
type Engine struct {
	config   Config
	accounts AccountStore
	mailer   Mailer

	hasher     *password.Hasher
	jwtManager *jwt.Manager
	sessions   *session.Store
	challenges *stores.ChallengeStore
	twoFactor  *stores.TwoFactorStore
	limiter    *rate.Limiter
	audit      *audit.Dispatcher
	totp       *totpVerifier
	lockout    lockoutPolicy
	metrics    metrics

	// dummyHash absorbs a full Argon2id verification for unknown
	// emails so login latency does not reveal account existence.
	dummyHash string
}

// Close flushes and stops the audit dispatcher. The engine must not be
// used after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// ValidateAccess parses and verifies an access token and returns the
// identity it asserts. Purely local: no store round trips.
func (e *Engine) ValidateAccess(tokenString string) (*Identity, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.Validate(tokenString)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	return &Identity{
		AccountID:  claims.AccountID,
		Role:       claims.Role,
		SessionID:  claims.SessionID,
		Generation: claims.Gen,
	}, nil
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) emit(ctx context.Context, ev AuditEvent) {
	if e.audit == nil {
		return
	}
	ev.At = time.Now()
	if ev.IP == "" {
		ev.IP = clientIPFromContext(ctx)
	}
	e.audit.Emit(ctx, ev)
}

// normalizeEmail lowercases and validates the address.
func normalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty email", ErrValidation)
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", fmt.Errorf("%w: invalid email", ErrValidation)
	}
	return strings.ToLower(trimmed), nil
}

func (e *Engine) checkPasswordPolicy(pw string) error {
	if len(pw) < e.config.Password.MinLength {
		return fmt.Errorf("%w: minimum %d characters", ErrPasswordPolicy, e.config.Password.MinLength)
	}
	return nil
}

// storeErr folds backend failures into ErrStoreUnavailable while
// letting the package's own sentinels through.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoAccount), errors.Is(err, ErrDuplicate):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
