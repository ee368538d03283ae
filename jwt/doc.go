// Package jwt mints and validates stateless access tokens.
//
// Access tokens are self-verifying: they carry the account id, opaque role,
// session id, and refresh generation, and are checked by signature and expiry
// alone — validation never touches shared storage. A configurable leeway
// absorbs small clock skew between issuing and validating nodes.
//
// HS256 (shared secret) and Ed25519 are supported. For Ed25519, a key-id
// verify map allows zero-downtime key rotation: tokens carry a kid header and
// verifiers hold every still-valid public key.
package jwt
