package types

import "encoding/base64"

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// GroupID is the raw identifier of a group.
type GroupID []byte

// String returns the base64 form used in logs and CLI output.
func (id GroupID) String() string { return base64.StdEncoding.EncodeToString(id) }

// PskID names an exporter PSK: the big-endian epoch followed by the group id.
type PskID []byte

// String returns the base64 form of the identifier.
func (id PskID) String() string { return base64.StdEncoding.EncodeToString(id) }
