// Package store persists a session between CLI invocations.
//
// JSONFileRepository writes one JSON document with an atomic rename;
// BoltRepository keeps the same record inside a bbolt database. Both can
// seal the record under a passphrase with a scrypt or argon2id derived
// ChaCha20-Poly1305 key. A sealed record is detected on load.
package store
