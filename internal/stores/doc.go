// Package stores holds the Redis-backed single-use challenge records used
// by the verification, password-reset, and two-factor flows.
//
// Consumption is an atomic check-and-invalidate: a Lua script reads,
// validates, and deletes the record in one step, so a challenge can never be
// spent twice under concurrent requests. Consumed challenges leave a
// short-lived tombstone so a replay is reported as "already used" rather
// than "unknown token".
package stores
