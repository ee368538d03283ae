package authgate

import "sync/atomic"

// MetricID indexes the engine's internal counters.
type MetricID uint8

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginLocked
	MetricLoginThrottled
	MetricTwoFactorChallenged
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricBackupCodeUsed
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricReuseDetected
	MetricLogout
	MetricLogoutAll
	MetricVerificationIssued
	MetricVerificationConfirmed
	MetricResetIssued
	MetricResetConfirmed
	MetricAccountCreated
	MetricPasswordChanged
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:          "login_success",
	MetricLoginFailure:          "login_failure",
	MetricLoginLocked:           "login_locked",
	MetricLoginThrottled:        "login_throttled",
	MetricTwoFactorChallenged:   "twofactor_challenged",
	MetricTwoFactorSuccess:      "twofactor_success",
	MetricTwoFactorFailure:      "twofactor_failure",
	MetricBackupCodeUsed:        "backup_code_used",
	MetricRefreshSuccess:        "refresh_success",
	MetricRefreshFailure:        "refresh_failure",
	MetricReuseDetected:         "reuse_detected",
	MetricLogout:                "logout",
	MetricLogoutAll:             "logout_all",
	MetricVerificationIssued:    "verification_issued",
	MetricVerificationConfirmed: "verification_confirmed",
	MetricResetIssued:           "reset_issued",
	MetricResetConfirmed:        "reset_confirmed",
	MetricAccountCreated:        "account_created",
	MetricPasswordChanged:       "password_changed",
}

type metrics struct {
	counters [metricIDCount]atomic.Uint64
}

func (m *metrics) inc(id MetricID) {
	if m == nil || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

// MetricsSnapshot returns the current counter values keyed by metric
// name. Values are read individually, not as one atomic cut.
func (e *Engine) MetricsSnapshot() map[string]uint64 {
	if e == nil {
		return nil
	}
	out := make(map[string]uint64, metricIDCount)
	for id := MetricID(0); id < metricIDCount; id++ {
		out[metricNames[id]] = e.metrics.counters[id].Load()
	}
	return out
}
