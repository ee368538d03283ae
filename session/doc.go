// Package session persists refresh-token sessions in Redis.
//
// A session is created at login and survives rotations: the refresh token
// handed to the caller is base64url(sessionID ‖ secret), and only the
// SHA-256 of the secret is stored. Rotation is a Lua compare-and-swap on the
// stored hash — under concurrent rotate calls presenting the same token,
// exactly one caller wins; every loser observes a hash mismatch, which the
// engine treats as token reuse.
//
// Expiry is evaluated lazily at use. Expired records are deleted when
// encountered; Redis TTLs are advisory housekeeping, not correctness.
package session
