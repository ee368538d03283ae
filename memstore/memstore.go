// Package memstore is an in-memory authgate.AccountStore for tests and
// examples. All operations are guarded by one mutex, which trivially
// satisfies the store's atomicity requirements.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/k3lly003/authgate"
)

type record struct {
	acct        authgate.Account
	backupCodes [][32]byte
}

// Store holds accounts in a map keyed by ID with an email index.
type Store struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*record
	byEmail map[string]int64
}

var _ authgate.AccountStore = (*Store)(nil)

func New() *Store {
	return &Store{
		nextID:  1,
		byID:    make(map[int64]*record),
		byEmail: make(map[string]int64),
	}
}

func (s *Store) Create(ctx context.Context, email, passwordHash, role string) (*authgate.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	if _, exists := s.byEmail[key]; exists {
		return nil, authgate.ErrDuplicate
	}

	id := s.nextID
	s.nextID++
	rec := &record{acct: authgate.Account{
		ID:           id,
		Email:        key,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now(),
	}}
	s.byID[id] = rec
	s.byEmail[key] = id

	out := rec.acct
	return &out, nil
}

func (s *Store) ByEmail(ctx context.Context, email string) (*authgate.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, authgate.ErrNoAccount
	}
	out := s.byID[id].acct
	return &out, nil
}

func (s *Store) ByID(ctx context.Context, id int64) (*authgate.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, authgate.ErrNoAccount
	}
	out := rec.acct
	return &out, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	return s.update(id, func(a *authgate.Account) {
		a.PasswordHash = hash
		a.LastPasswordChange = time.Now()
	})
}

func (s *Store) SetVerified(ctx context.Context, id int64) error {
	return s.update(id, func(a *authgate.Account) {
		a.Verified = true
	})
}

func (s *Store) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	return s.update(id, func(a *authgate.Account) {
		a.Disabled = disabled
	})
}

func (s *Store) RecordLoginFailure(ctx context.Context, id int64, threshold int, window time.Duration) (authgate.FailureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authgate.FailureState{}, authgate.ErrNoAccount
	}

	now := time.Now()
	a := &rec.acct
	if !a.LastFailedAt.IsZero() && now.Sub(a.LastFailedAt) >= window {
		a.FailedLogins = 0
	}
	a.FailedLogins++
	a.LastFailedAt = now

	locked := a.FailedLogins >= threshold
	if locked {
		a.LockedAt = now
	}
	return authgate.FailureState{Failures: a.FailedLogins, Locked: locked}, nil
}

func (s *Store) MarkLoginSuccess(ctx context.Context, id int64) error {
	return s.update(id, func(a *authgate.Account) {
		a.FailedLogins = 0
		a.LastFailedAt = time.Time{}
		a.LockedAt = time.Time{}
		a.LastLogin = time.Now()
	})
}

func (s *Store) ClearLoginFailures(ctx context.Context, id int64) error {
	return s.update(id, func(a *authgate.Account) {
		a.FailedLogins = 0
		a.LastFailedAt = time.Time{}
		a.LockedAt = time.Time{}
	})
}

func (s *Store) SetTwoFactor(ctx context.Context, id int64, secret []byte) error {
	return s.update(id, func(a *authgate.Account) {
		a.TwoFactorEnabled = true
		a.TOTPSecret = append([]byte(nil), secret...)
	})
}

func (s *Store) ClearTwoFactor(ctx context.Context, id int64) error {
	return s.update(id, func(a *authgate.Account) {
		a.TwoFactorEnabled = false
		a.TOTPSecret = nil
	})
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, id int64, hashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authgate.ErrNoAccount
	}
	rec.backupCodes = append([][32]byte(nil), hashes...)
	return nil
}

func (s *Store) ConsumeBackupCode(ctx context.Context, id int64, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return false, authgate.ErrNoAccount
	}
	for i, h := range rec.backupCodes {
		if h == hash {
			rec.backupCodes = append(rec.backupCodes[:i], rec.backupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) update(id int64, fn func(*authgate.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authgate.ErrNoAccount
	}
	fn(&rec.acct)
	return nil
}
