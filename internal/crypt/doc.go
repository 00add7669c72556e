// Package crypt implements the session cryptography for dtp connections.
//
// Two primitives are composed into a hybrid scheme:
//
//   - A one-off X25519 keypair per connection. The server sends the public
//     half; the client seals a freshly generated session key to it with Seal
//     (ephemeral X25519, HKDF-SHA256, ChaCha20-Poly1305). The server opens it
//     with KeyPair.Open and destroys the keypair straight away.
//   - A symmetric SessionKey used for all later traffic through a Cipher.
//
// # Token Format
//
// Cipher.Encrypt produces tokens of the form:
//
//	version(1) | suite(1) | unix seconds(8) | nonce | ciphertext | tag
//
// The first ten bytes are authenticated as associated data, so tampering
// with any byte of the token fails Decrypt. With a non-zero TTL, tokens older
// than the TTL are rejected as well, which bounds how long a captured frame
// can be replayed.
//
// # Suites
//
//   - xchacha20poly1305 (default): 24 byte random nonces
//   - ascon128a: uses the first 16 bytes of the session key
//
// The suite travels inside the sealed session key, so the server always
// uses whatever the client chose.
//
// # Errors
//
// Failures are reported as *protocol.Error with KindDecrypt (malformed or
// undecryptable input) or KindAuthentication (tag mismatch, expired token).
package crypt
