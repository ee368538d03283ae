// Package password implements password hashing and verification with Argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsRehash] reports whether a stored hash was produced with weaker
// parameters than currently configured, so callers can re-hash on the next
// successful verification.
//
// This package owns hashing and verification only. Password policy (minimum
// length, reuse checks) is enforced by the engine.
package password
