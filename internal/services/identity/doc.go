// Package identity creates new session states.
//
// It generates the long-term signature key pair, records its public half in
// the session's store and reports a short fingerprint for display.
package identity
