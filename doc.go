// Package authgate is an embeddable authentication session engine.
//
// It verifies credentials against a caller-supplied account store, mints
// short-lived JWT access tokens, and manages opaque single-use refresh
// tokens with rotation and reuse detection in Redis. Around that core it
// provides account lockout, email verification, password reset, and an
// optional TOTP/backup-code second factor.
//
// Construct an [Engine] with the fluent [Builder]:
//
//	eng, err := authgate.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithAccounts(store).
//		Build()
//
// All engine methods are safe for concurrent use.
package authgate
