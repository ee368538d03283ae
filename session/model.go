package session

import "time"

// Session is one refresh-token chain for an account. The RefreshHash is
// replaced on every rotation; Generation counts rotations since login.
type Session struct {
	SessionID   string
	AccountID   int64
	Role        string
	Generation  uint32
	RefreshHash [32]byte

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
