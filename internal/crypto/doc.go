// Package crypto exposes the primitives used by the group engine and the
// state envelope.
//
// Contents
//
//   - Signature key pairs and verification (GenerateSignatureKeyPair, Verify)
//   - X25519 key generation and Diffie–Hellman (GenerateX25519, DH)
//   - HPKE-style single-shot encryption to an X25519 public key (Seal, Open)
//   - Labelled HKDF-SHA-256 derivation (Extract, ExpandWithLabel, DeriveSecret)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Functions that need randomness take an io.Reader so callers can thread
// the provider's source through. Callers should treat returned secrets as
// sensitive and rely on Wipe when practical to reduce lifetime in memory.
package crypto
