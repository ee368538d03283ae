package authgate

import "time"

// lockoutPolicy decides whether an account is currently locked. Locks
// expire lazily: nothing clears the timestamp, the window check simply
// stops matching.
type lockoutPolicy struct {
	threshold int
	window    time.Duration
}

func (p lockoutPolicy) locked(acct *Account, now time.Time) bool {
	if acct.LockedAt.IsZero() {
		return false
	}
	return now.Sub(acct.LockedAt) < p.window
}

// remaining reports how long the active lock has left. Zero when the
// account is not locked.
func (p lockoutPolicy) remaining(acct *Account, now time.Time) time.Duration {
	if !p.locked(acct, now) {
		return 0
	}
	return p.window - now.Sub(acct.LockedAt)
}
