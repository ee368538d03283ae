package authgate

import (
	"io"

	"github.com/k3lly003/authgate/internal/audit"
)

// Audit event kinds emitted by the engine.
const (
	AuditLogin            = "login"
	AuditLoginLocked      = "login.locked"
	AuditTwoFactorIssued  = "login.twofactor"
	AuditTwoFactorConfirm = "twofactor.confirm"
	AuditRefresh          = "refresh"
	AuditRefreshReuse     = "refresh.reuse"
	AuditLogout           = "logout"
	AuditLogoutAll        = "logout.all"
	AuditAccountCreated   = "account.created"
	AuditAccountDisabled  = "account.disabled"
	AuditPasswordChanged  = "password.changed"
	AuditVerifyRequested  = "verify.requested"
	AuditVerifyConfirmed  = "verify.confirmed"
	AuditResetRequested   = "reset.requested"
	AuditResetConfirmed   = "reset.confirmed"
	AuditTOTPEnabled      = "totp.enabled"
	AuditTOTPDisabled     = "totp.disabled"
	AuditBackupRegenerate = "backup.regenerated"
)

// Audit surface, re-exported from internal/audit so callers implement
// sinks without importing internal packages.
type (
	AuditEvent = audit.Event
	AuditSink  = audit.Sink
	NoOpSink   = audit.NoOpSink
)

// NewChannelSink returns a sink that hands events to a consumer over a
// buffered channel.
func NewChannelSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink that writes one JSON object per line.
func NewJSONWriterSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}
